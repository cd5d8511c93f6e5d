package jsonvalue

import (
	"fmt"
	"strings"
)

// SegKind tags one path segment.
type SegKind int

const (
	SegKey SegKind = iota
	SegWildcardMap
	SegWildcardArray
)

// Segment is one dot-separated path component: a literal object key, a `*`
// map wildcard, or a `[*]` array wildcard. No leading `$`, no filters, no
// arithmetic, no parent axis — the path language is intentionally this
// small (spec §4.6).
type Segment struct {
	Kind SegKind
	Key  string
}

// ParsePath parses a dot-segmented path such as "sessions.*.active" or
// "items.[*].id" into Segments. It never accesses a Value; it only checks
// syntax, so it can run at invariant load time.
func ParsePath(path string) ([]Segment, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonvalue: empty path")
	}
	if strings.HasPrefix(path, "$") {
		return nil, fmt.Errorf("jsonvalue: path %q must not start with '$'", path)
	}
	parts := strings.Split(path, ".")
	segs := make([]Segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("jsonvalue: empty segment in path %q", path)
		}
		switch p {
		case "*":
			segs = append(segs, Segment{Kind: SegWildcardMap})
		case "[*]":
			segs = append(segs, Segment{Kind: SegWildcardArray})
		default:
			if strings.ContainsAny(p, "[]$") {
				return nil, fmt.Errorf("jsonvalue: unsupported path segment %q in %q", p, path)
			}
			segs = append(segs, Segment{Kind: SegKey, Key: p})
		}
	}
	return segs, nil
}

// Resolve walks root through segs, expanding wildcards in canonical order
// (lexicographic map keys, natural array order). A segment that does not
// match the value at hand (wrong Kind, missing key) simply contributes no
// results for that branch — resolution failure is silent, matching spec
// §4.6's "forall over missing path trivially holds".
func Resolve(root Value, segs []Segment) []Value {
	resolved := ResolveWithPaths(root, segs)
	out := make([]Value, len(resolved))
	for i, r := range resolved {
		out[i] = r.Value
	}
	return out
}

// Resolved is one element a path resolved to, together with the concrete
// dotted path (wildcards replaced by the actual key/index) that reached it.
type Resolved struct {
	Path  string
	Value Value
}

// ResolveWithPaths is Resolve plus the concrete path of each result,
// used by the invariant evaluator to report which element failed.
func ResolveWithPaths(root Value, segs []Segment) []Resolved {
	cur := []Resolved{{Path: "", Value: root}}
	for _, seg := range segs {
		var next []Resolved
		for _, r := range cur {
			switch seg.Kind {
			case SegKey:
				if f, ok := r.Value.Field(seg.Key); ok {
					next = append(next, Resolved{Path: joinSegment(r.Path, seg.Key), Value: f})
				}
			case SegWildcardMap:
				if members, ok := r.Value.Members(); ok {
					for _, m := range members {
						next = append(next, Resolved{Path: joinSegment(r.Path, m.Key), Value: m.Value})
					}
				}
			case SegWildcardArray:
				if arr, ok := r.Value.AsArray(); ok {
					for i, e := range arr {
						next = append(next, Resolved{Path: joinSegment(r.Path, fmt.Sprintf("[%d]", i)), Value: e})
					}
				}
			}
		}
		cur = next
	}
	return cur
}

func joinSegment(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// JoinPath renders segs back to their canonical dotted string form, used to
// compare a `field` expression's path against the path a `forall` is
// currently iterating.
func JoinPath(segs []Segment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		switch s.Kind {
		case SegWildcardMap:
			parts[i] = "*"
		case SegWildcardArray:
			parts[i] = "[*]"
		default:
			parts[i] = s.Key
		}
	}
	return strings.Join(parts, ".")
}
