// Package invariant implements the canonical JSON predicate language of
// spec.md §4.6: load-time validation of a predicate AST, and deterministic
// evaluation against an observation snapshot.
package invariant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
)

// Agg is an aggregate function.
type Agg string

const (
	AggSum   Agg = "sum"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
	AggCount Agg = "count"
)

// ExprKind tags an expression node: a literal JSON value, or a field
// reference into the observation.
type ExprKind int

const (
	ExprLiteral ExprKind = iota
	ExprField
)

// Expr is a `cmp` operand: either a JSON literal or {kind:"field", path}.
type Expr struct {
	Kind    ExprKind
	Literal jsonvalue.Value
	Path    string
	segs    []jsonvalue.Segment
}

// PredKind tags a predicate AST node.
type PredKind int

const (
	PredCmp PredKind = iota
	PredAnd
	PredOr
	PredNot
	PredForall
	PredAggregate
)

// Predicate is one node of the tagged JSON predicate AST (spec.md §4.6).
type Predicate struct {
	Kind PredKind

	// cmp
	Op    Op
	Left  Expr
	Right Expr

	// and / or
	Predicates []Predicate

	// not
	Inner *Predicate

	// forall
	Path      string
	pathSegs  []jsonvalue.Segment
	Predicate *Predicate

	// aggregate
	AggFn      Agg
	AggPath    string
	aggSegs    []jsonvalue.Segment
	AggOp      Op
	AggValue   float64
}

// Invariant is one named, validated predicate (spec.md §3).
type Invariant struct {
	Name      string
	Message   string
	Predicate Predicate

	// raw is the canonical JSON form of the predicate, retained for the
	// failure record (spec.md §4.6).
	raw jsonvalue.Value
}

// Raw returns the predicate's canonical JSON form, as loaded, for embedding
// in a failure record (spec.md §4.6).
func (inv Invariant) Raw() jsonvalue.Value { return inv.raw }

// nameFormat matches a snake_case identifier with dot-segments, e.g.
// "sessions.revoked_implies_inactive".
var nameFormat = func(s string) bool {
	if s == "" {
		return false
	}
	seg := ""
	for _, r := range s {
		switch {
		case r == '.':
			if seg == "" {
				return false
			}
			seg = ""
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			seg += string(r)
		default:
			return false
		}
	}
	return seg != ""
}

// rawInvariant mirrors the on-disk JSON shape {name, predicate, message}.
type rawInvariant struct {
	Name      string          `json:"name"`
	Predicate json.RawMessage `json:"predicate"`
	Message   string          `json:"message"`
}

// LoadFile parses and validates an invariant file: a JSON array of
// {name, predicate, message} records. Unknown kind/op/agg, missing keys,
// duplicate names, or unresolvable path syntax are fatal at load
// (spec.md §4.6).
func LoadFile(data []byte) ([]Invariant, error) {
	var raws []rawInvariant
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raws); err != nil {
		return nil, fmt.Errorf("invariant: decode invariant file: %w", err)
	}

	seen := make(map[string]bool, len(raws))
	out := make([]Invariant, 0, len(raws))
	for i, r := range raws {
		if r.Name == "" {
			return nil, fmt.Errorf("invariant[%d]: missing name", i)
		}
		if !nameFormat(r.Name) {
			return nil, fmt.Errorf("invariant[%d]: name %q is not snake_case-with-dot-segments", i, r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("invariant: duplicate name %q", r.Name)
		}
		seen[r.Name] = true

		predVal, err := jsonvalue.Parse(r.Predicate)
		if err != nil {
			return nil, fmt.Errorf("invariant %q: predicate is not valid JSON: %w", r.Name, err)
		}
		pred, err := parsePredicate(predVal)
		if err != nil {
			return nil, fmt.Errorf("invariant %q: %w", r.Name, err)
		}
		out = append(out, Invariant{Name: r.Name, Message: r.Message, Predicate: pred, raw: predVal})
	}
	return out, nil
}

func parseExpr(v jsonvalue.Value) (Expr, error) {
	if v.Kind() == jsonvalue.KindObject {
		if kindVal, ok := v.Field("kind"); ok {
			kind, _ := kindVal.AsString()
			if kind == "field" {
				pathVal, ok := v.Field("path")
				if !ok {
					return Expr{}, fmt.Errorf("field expression missing path")
				}
				path, ok := pathVal.AsString()
				if !ok {
					return Expr{}, fmt.Errorf("field path must be a string")
				}
				segs, err := jsonvalue.ParsePath(path)
				if err != nil {
					return Expr{}, err
				}
				return Expr{Kind: ExprField, Path: path, segs: segs}, nil
			}
		}
	}
	if n, ok := v.AsNumber(); ok && math.IsNaN(n) {
		return Expr{}, fmt.Errorf("literal is NaN")
	}
	return Expr{Kind: ExprLiteral, Literal: v}, nil
}

func parsePredicate(v jsonvalue.Value) (Predicate, error) {
	if v.Kind() != jsonvalue.KindObject {
		return Predicate{}, fmt.Errorf("predicate must be a JSON object")
	}
	kindVal, ok := v.Field("kind")
	if !ok {
		return Predicate{}, fmt.Errorf("predicate missing kind")
	}
	kind, ok := kindVal.AsString()
	if !ok {
		return Predicate{}, fmt.Errorf("predicate kind must be a string")
	}

	switch kind {
	case "cmp":
		opVal, ok := v.Field("op")
		if !ok {
			return Predicate{}, fmt.Errorf("cmp missing op")
		}
		opStr, _ := opVal.AsString()
		op := Op(opStr)
		switch op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			return Predicate{}, fmt.Errorf("cmp: unknown op %q", opStr)
		}
		leftVal, ok := v.Field("left")
		if !ok {
			return Predicate{}, fmt.Errorf("cmp missing left")
		}
		rightVal, ok := v.Field("right")
		if !ok {
			return Predicate{}, fmt.Errorf("cmp missing right")
		}
		left, err := parseExpr(leftVal)
		if err != nil {
			return Predicate{}, fmt.Errorf("cmp left: %w", err)
		}
		right, err := parseExpr(rightVal)
		if err != nil {
			return Predicate{}, fmt.Errorf("cmp right: %w", err)
		}
		if left.Kind == ExprLiteral && right.Kind == ExprLiteral {
			if err := staticTypeCheck(left.Literal, right.Literal); err != nil {
				return Predicate{}, err
			}
		}
		return Predicate{Kind: PredCmp, Op: op, Left: left, Right: right}, nil

	case "and", "or":
		predsVal, ok := v.Field("predicates")
		if !ok {
			return Predicate{}, fmt.Errorf("%s missing predicates", kind)
		}
		arr, ok := predsVal.AsArray()
		if !ok || len(arr) == 0 {
			return Predicate{}, fmt.Errorf("%s: predicates must be a non-empty array", kind)
		}
		preds := make([]Predicate, 0, len(arr))
		for i, pv := range arr {
			p, err := parsePredicate(pv)
			if err != nil {
				return Predicate{}, fmt.Errorf("%s[%d]: %w", kind, i, err)
			}
			preds = append(preds, p)
		}
		pk := PredAnd
		if kind == "or" {
			pk = PredOr
		}
		return Predicate{Kind: pk, Predicates: preds}, nil

	case "not":
		innerVal, ok := v.Field("predicate")
		if !ok {
			return Predicate{}, fmt.Errorf("not missing predicate")
		}
		inner, err := parsePredicate(innerVal)
		if err != nil {
			return Predicate{}, fmt.Errorf("not: %w", err)
		}
		return Predicate{Kind: PredNot, Inner: &inner}, nil

	case "forall":
		pathVal, ok := v.Field("path")
		if !ok {
			return Predicate{}, fmt.Errorf("forall missing path")
		}
		path, ok := pathVal.AsString()
		if !ok {
			return Predicate{}, fmt.Errorf("forall path must be a string")
		}
		segs, err := jsonvalue.ParsePath(path)
		if err != nil {
			return Predicate{}, fmt.Errorf("forall: %w", err)
		}
		innerVal, ok := v.Field("predicate")
		if !ok {
			return Predicate{}, fmt.Errorf("forall missing predicate")
		}
		inner, err := parsePredicate(innerVal)
		if err != nil {
			return Predicate{}, fmt.Errorf("forall: %w", err)
		}
		return Predicate{Kind: PredForall, Path: path, pathSegs: segs, Predicate: &inner}, nil

	case "aggregate":
		aggVal, ok := v.Field("agg")
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate missing agg")
		}
		aggStr, _ := aggVal.AsString()
		agg := Agg(aggStr)
		switch agg {
		case AggSum, AggMin, AggMax, AggCount:
		default:
			return Predicate{}, fmt.Errorf("aggregate: unknown agg %q", aggStr)
		}
		pathVal, ok := v.Field("path")
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate missing path")
		}
		path, ok := pathVal.AsString()
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate path must be a string")
		}
		segs, err := jsonvalue.ParsePath(path)
		if err != nil {
			return Predicate{}, fmt.Errorf("aggregate: %w", err)
		}
		opVal, ok := v.Field("op")
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate missing op")
		}
		opStr, _ := opVal.AsString()
		op := Op(opStr)
		switch op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
		default:
			return Predicate{}, fmt.Errorf("aggregate: unknown op %q", opStr)
		}
		valueVal, ok := v.Field("value")
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate missing value")
		}
		value, ok := valueVal.AsNumber()
		if !ok {
			return Predicate{}, fmt.Errorf("aggregate value must be a number")
		}
		if math.IsNaN(value) {
			return Predicate{}, fmt.Errorf("aggregate value must not be NaN")
		}
		// spec.md §7's conservative rule for aggregate sum over doubles: a
		// path-only AST carries no type annotation, so whether its elements
		// are integer-valued can only be known at evaluation time, not load
		// time; per-element integrality is enforced in eval.go instead.
		return Predicate{Kind: PredAggregate, AggFn: agg, AggPath: path, aggSegs: segs, AggOp: op, AggValue: value}, nil

	default:
		return Predicate{}, fmt.Errorf("unknown predicate kind %q", kind)
	}
}

func staticTypeCheck(a, b jsonvalue.Value) error {
	if a.Kind() != b.Kind() {
		return fmt.Errorf("cmp: static type mismatch: %s vs %s", a.Kind(), b.Kind())
	}
	return nil
}

