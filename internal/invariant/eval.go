package invariant

import (
	"fmt"
	"math"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// EvalError is a runtime evaluation fatal error (spec.md §4.6: mixed-type
// comparisons, NaN operands, or an empty aggregate min/max).
type EvalError struct {
	msg string
}

func (e *EvalError) Error() string { return e.msg }

func evalErrorf(format string, args ...any) error {
	return &EvalError{msg: fmt.Sprintf(format, args...)}
}

// binding overrides field-expression resolution for paths matching the
// forall currently being evaluated, per spec.md §4.6: "within the inner
// predicate, field paths resolving to the iterated path bind to the
// current element."
type binding struct {
	path  string
	value jsonvalue.Value
}

// Failure describes the first concrete element (in resolution order) that
// violated a forall or aggregate, used to render a deterministic message.
type Failure struct {
	Path  string
	Value jsonvalue.Value
}

// Evaluate checks pred against root, returning whether it holds and, for a
// false forall/aggregate result, the first violating element.
func Evaluate(pred Predicate, root jsonvalue.Value) (bool, *Failure, error) {
	return evalWithBindings(pred, root, nil)
}

func evalWithBindings(pred Predicate, root jsonvalue.Value, binds []binding) (bool, *Failure, error) {
	switch pred.Kind {
	case PredCmp:
		lv, err := resolveExpr(pred.Left, root, binds)
		if err != nil {
			return false, nil, err
		}
		rv, err := resolveExpr(pred.Right, root, binds)
		if err != nil {
			return false, nil, err
		}
		ok, err := compare(pred.Op, lv, rv)
		if err != nil {
			return false, nil, err
		}
		return ok, nil, nil

	case PredAnd:
		for _, p := range pred.Predicates {
			ok, fail, err := evalWithBindings(p, root, binds)
			if err != nil {
				return false, nil, err
			}
			if !ok {
				return false, fail, nil
			}
		}
		return true, nil, nil

	case PredOr:
		var firstFail *Failure
		for _, p := range pred.Predicates {
			ok, fail, err := evalWithBindings(p, root, binds)
			if err != nil {
				return false, nil, err
			}
			if ok {
				return true, nil, nil
			}
			if firstFail == nil {
				firstFail = fail
			}
		}
		return false, firstFail, nil

	case PredNot:
		ok, _, err := evalWithBindings(*pred.Inner, root, binds)
		if err != nil {
			return false, nil, err
		}
		return !ok, nil, nil

	case PredForall:
		elems := jsonvalue.ResolveWithPaths(root, pred.pathSegs)
		for _, e := range elems {
			innerBinds := append(append([]binding{}, binds...), binding{path: pred.Path, value: e.Value})
			ok, fail, err := evalWithBindings(*pred.Predicate, root, innerBinds)
			if err != nil {
				return false, nil, err
			}
			if !ok {
				if fail == nil {
					fail = &Failure{Path: e.Path, Value: e.Value}
				}
				return false, fail, nil
			}
		}
		return true, nil, nil

	case PredAggregate:
		elems := jsonvalue.ResolveWithPaths(root, pred.aggSegs)
		var result float64
		switch pred.AggFn {
		case AggCount:
			result = float64(len(elems))
		case AggSum:
			for _, e := range elems {
				n, ok := e.Value.AsNumber()
				if !ok {
					return false, nil, evalErrorf("aggregate sum: element at %q is not numeric", e.Path)
				}
				if n != math.Trunc(n) {
					// spec.md §7's conservative rule: a non-integer double
					// can't be summed with platform-stable results, so it is
					// rejected here rather than at load time, where its
					// integrality can't be known from the path alone.
					return false, nil, evalErrorf("aggregate sum: element at %q (%s) is a non-integer double, not platform-stable", e.Path, jsonvalue.FormatNumber(n))
				}
				result += n
			}
		case AggMin, AggMax:
			if len(elems) == 0 {
				return false, nil, evalErrorf("aggregate %s over empty path %q", pred.AggFn, pred.AggPath)
			}
			first, ok := elems[0].Value.AsNumber()
			if !ok {
				return false, nil, evalErrorf("aggregate %s: element at %q is not numeric", pred.AggFn, elems[0].Path)
			}
			result = first
			for _, e := range elems[1:] {
				n, ok := e.Value.AsNumber()
				if !ok {
					return false, nil, evalErrorf("aggregate %s: element at %q is not numeric", pred.AggFn, e.Path)
				}
				if pred.AggFn == AggMin && n < result {
					result = n
				}
				if pred.AggFn == AggMax && n > result {
					result = n
				}
			}
		}
		ok, err := compare(pred.AggOp, jsonvalue.Number(result), jsonvalue.Number(pred.AggValue))
		if err != nil {
			return false, nil, err
		}
		if !ok {
			return false, &Failure{Path: pred.AggPath, Value: jsonvalue.Number(result)}, nil
		}
		return true, nil, nil
	}
	return false, nil, evalErrorf("unknown predicate kind")
}

func resolveExpr(e Expr, root jsonvalue.Value, binds []binding) (jsonvalue.Value, error) {
	if e.Kind == ExprLiteral {
		return e.Literal, nil
	}
	for i := len(binds) - 1; i >= 0; i-- {
		if binds[i].path == e.Path {
			return binds[i].value, nil
		}
	}
	results := jsonvalue.Resolve(root, e.segs)
	if len(results) != 1 {
		return jsonvalue.Value{}, evalErrorf("field path %q resolved to %d values, expected exactly 1", e.Path, len(results))
	}
	return results[0], nil
}

func compare(op Op, a, b jsonvalue.Value) (bool, error) {
	if op == OpEq {
		return jsonvalue.Equal(a, b), nil
	}
	if op == OpNe {
		return !jsonvalue.Equal(a, b), nil
	}
	if a.Kind() != b.Kind() {
		return false, evalErrorf("cmp: runtime type mismatch: %s vs %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case jsonvalue.KindNumber:
		an, _ := a.AsNumber()
		bn, _ := b.AsNumber()
		switch op {
		case OpLt:
			return an < bn, nil
		case OpLte:
			return an <= bn, nil
		case OpGt:
			return an > bn, nil
		case OpGte:
			return an >= bn, nil
		}
	case jsonvalue.KindString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		switch op {
		case OpLt:
			return as < bs, nil
		case OpLte:
			return as <= bs, nil
		case OpGt:
			return as > bs, nil
		case OpGte:
			return as >= bs, nil
		}
	default:
		return false, evalErrorf("cmp: op %q is not defined for %s", op, a.Kind())
	}
	return false, evalErrorf("cmp: unreachable")
}

// FailureRecord is the deterministic failure report of spec.md §4.6.
type FailureRecord struct {
	Name              string
	Predicate         jsonvalue.Value
	Message           string
	Observation       jsonvalue.Value
	Step              int
	FaultScheduleHash string
}

// BuildMessage renders the invariant's declared message, appending the
// concrete failing path=value when a forall/aggregate pinpointed one, in
// canonical number/string formatting — never hedged language.
func BuildMessage(inv Invariant, fail *Failure) string {
	if fail == nil {
		return inv.Message
	}
	return fmt.Sprintf("%s: %s=%s", inv.Message, fail.Path, formatValue(fail.Value))
}

func formatValue(v jsonvalue.Value) string {
	switch v.Kind() {
	case jsonvalue.KindString:
		s, _ := v.AsString()
		return s
	case jsonvalue.KindNumber:
		n, _ := v.AsNumber()
		return jsonvalue.FormatNumber(n)
	case jsonvalue.KindBool:
		b, _ := v.AsBool()
		if b {
			return "true"
		}
		return "false"
	case jsonvalue.KindNull:
		return "null"
	default:
		return string(v.MarshalCanonical())
	}
}
