// Package fault implements the fault schedule model of spec.md §3/§4.3:
// parsing, canonical normalization, and the per-step fault view the
// scheduler consults.
package fault

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// Kind tags the three fault shapes spec.md §3 defines. Canonical order is
// crash < io_error < delay.
type Kind int

const (
	KindCrash Kind = iota
	KindIOError
	KindDelay
)

func (k Kind) rank() int { return int(k) }

func (k Kind) String() string {
	switch k {
	case KindCrash:
		return "crash"
	case KindIOError:
		return "io_error"
	case KindDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// Fault is one scheduled adversarial event. Identity is (Kind, Resource,
// Step, Duration) — Resource and Duration are only meaningful for delay.
type Fault struct {
	Kind     Kind
	Step     int
	Resource string
	Duration int
}

// ErrCrashTargetsInit is returned by Normalize for a crash@1 fault. Step 1
// is always init (spec.md §4.4), and a crash there would require issuing
// restore with no prior crash state — spec.md §9's recommended resolution
// is to reject this at load time rather than define that behavior.
var ErrCrashTargetsInit = errors.New("fault: crash@1 targets init, which has no prior state to restore")

// Validation errors for Normalize, named per spec.md §4.3.
var (
	ErrNonPositiveStep     = errors.New("fault: step must be >= 1")
	ErrNonPositiveDuration = errors.New("fault: delay duration must be >= 1")
)

// ErrUnknownResource is returned by ValidateResources for a delay fault
// targeting a resource absent from the manifest's closed resource set.
var ErrUnknownResource = errors.New("fault: delay targets a resource the manifest does not declare")

var faultSpecPattern = regexp.MustCompile(`^(crash|io_error)@(\d+)$|^delay:([A-Za-z0-9_.\-]+)@(\d+)\+(\d+)$`)

// ParseSpec parses one `--fault` CLI argument, e.g. "crash@4",
// "io_error@5", or "delay:storage@4+3".
func ParseSpec(spec string) (Fault, error) {
	m := faultSpecPattern.FindStringSubmatch(spec)
	if m == nil {
		return Fault{}, fmt.Errorf("fault: unrecognized fault spec %q", spec)
	}
	switch {
	case m[1] == "crash":
		step, _ := strconv.Atoi(m[2])
		return Fault{Kind: KindCrash, Step: step}, nil
	case m[1] == "io_error":
		step, _ := strconv.Atoi(m[2])
		return Fault{Kind: KindIOError, Step: step}, nil
	default:
		step, _ := strconv.Atoi(m[4])
		dur, _ := strconv.Atoi(m[5])
		return Fault{Kind: KindDelay, Resource: m[3], Step: step, Duration: dur}, nil
	}
}

var faultTraceTextPattern = regexp.MustCompile(`^(crash|io_error)$|^delay:([A-Za-z0-9_.\-]+)\+(\d+)$`)

// FromTraceText reconstructs the Fault that produced a trace
// FaultApplied event's Fault text (e.g. "crash", "io_error",
// "delay:storage+3") at the step the event recorded, for replay/shrink
// reconstruction of a fault schedule from trace.json alone (spec.md §6
// "shrink <trace.json>" has no typed fault_schedule to read, unlike a
// repro.json).
func FromTraceText(text string, step int) (Fault, error) {
	m := faultTraceTextPattern.FindStringSubmatch(text)
	if m == nil {
		return Fault{}, fmt.Errorf("fault: unrecognized trace fault text %q", text)
	}
	switch {
	case m[1] == "crash":
		return Fault{Kind: KindCrash, Step: step}, nil
	case m[1] == "io_error":
		return Fault{Kind: KindIOError, Step: step}, nil
	default:
		dur, _ := strconv.Atoi(m[3])
		return Fault{Kind: KindDelay, Resource: m[2], Step: step, Duration: dur}, nil
	}
}

// ParseSpecs parses a list of fault specs and normalizes the result.
func ParseSpecs(specs []string) (*Schedule, error) {
	faults := make([]Fault, 0, len(specs))
	for _, s := range specs {
		f, err := ParseSpec(s)
		if err != nil {
			return nil, err
		}
		faults = append(faults, f)
	}
	return Normalize(faults)
}

// less implements the canonical order: crash < io_error < delay; within
// equal kind, lexicographic on resource name, then step ascending.
func less(a, b Fault) bool {
	if a.Kind != b.Kind {
		return a.Kind.rank() < b.Kind.rank()
	}
	if a.Resource != b.Resource {
		return a.Resource < b.Resource
	}
	return a.Step < b.Step
}

// Normalize validates and canonicalizes a fault list per spec.md §3:
// sorted by canonical order, overlapping same-resource delays coalesced to
// their max end-step, duplicates removed.
func Normalize(faults []Fault) (*Schedule, error) {
	for _, f := range faults {
		if f.Step <= 0 {
			return nil, ErrNonPositiveStep
		}
		switch f.Kind {
		case KindCrash:
			if f.Step == 1 {
				return nil, ErrCrashTargetsInit
			}
		case KindDelay:
			if f.Duration <= 0 {
				return nil, ErrNonPositiveDuration
			}
		}
	}

	// Dedupe crash/io_error by (kind, step); delays are deduped and
	// coalesced together below since an overlap can span different start
	// steps (e.g. delay:storage@4+3 and delay:storage@5+2 both survive
	// dedup but must still coalesce to one window).
	seen := make(map[Fault]bool)
	var out []Fault
	for _, f := range faults {
		if f.Kind == KindDelay {
			continue
		}
		key := Fault{Kind: f.Kind, Step: f.Step}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}

	out = append(out, coalesceOverlappingDelays(faults)...)

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return &Schedule{faults: out}, nil
}

// coalesceOverlappingDelays merges same-resource delay windows that overlap
// or touch, keeping the earlier start step and the later end step. Non-delay
// faults in the input are ignored (Normalize handles those separately).
func coalesceOverlappingDelays(faults []Fault) []Fault {
	byResource := make(map[string][]Fault)
	for _, f := range faults {
		if f.Kind == KindDelay {
			byResource[f.Resource] = append(byResource[f.Resource], f)
		}
	}
	var merged []Fault
	for _, fs := range byResource {
		sort.Slice(fs, func(i, j int) bool { return fs[i].Step < fs[j].Step })
		cur := fs[0]
		curEnd := cur.Step + cur.Duration
		for _, f := range fs[1:] {
			fEnd := f.Step + f.Duration
			if f.Step <= curEnd { // overlaps or touches the current window
				if fEnd > curEnd {
					curEnd = fEnd
					cur.Duration = curEnd - cur.Step
				}
				continue
			}
			merged = append(merged, cur)
			cur = f
			curEnd = fEnd
		}
		merged = append(merged, cur)
	}
	return merged
}

// ValidateResources checks every delay fault's resource against known,
// which reports whether the manifest acknowledges a given resource
// identifier (spec.md §4.3: a manifest declaring a closed resource set
// rejects any delay targeting a resource outside it).
func (s *Schedule) ValidateResources(known func(resource string) bool) error {
	for _, f := range s.faults {
		if f.Kind != KindDelay {
			continue
		}
		if !known(f.Resource) {
			return fmt.Errorf("%w: %q", ErrUnknownResource, f.Resource)
		}
	}
	return nil
}

// Schedule is a normalized, immutable fault list plus the derived
// step-indexed view the scheduler consults. It is never mutated after
// Normalize returns it (spec.md §3 "the scheduler never mutates the fault
// schedule after normalization").
type Schedule struct {
	faults []Fault
}

// Faults returns the normalized faults in canonical order.
func (s *Schedule) Faults() []Fault {
	out := make([]Fault, len(s.faults))
	copy(out, s.faults)
	return out
}

// FaultsAt returns the faults that originate at step, in canonical order.
// A delay's presence here means it starts blocking at this step, not that
// the block is merely still in effect.
func (s *Schedule) FaultsAt(step int) []Fault {
	var out []Fault
	for _, f := range s.faults {
		if f.Step == step {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ResourceBlocked reports whether any delay fault covers resource at step.
func (s *Schedule) ResourceBlocked(resource string, step int) bool {
	for _, f := range s.faults {
		if f.Kind != KindDelay || f.Resource != resource {
			continue
		}
		if step >= f.Step && step < f.Step+f.Duration {
			return true
		}
	}
	return false
}

// CanonicalText returns the schedule's normalized, deterministic textual
// form. No digest is taken of it: run, replay and shrink record this text
// itself as the fault_schedule_hash value.
func (s *Schedule) CanonicalText() string {
	var out string
	for _, f := range s.faults {
		switch f.Kind {
		case KindCrash:
			out += fmt.Sprintf("crash@%d;", f.Step)
		case KindIOError:
			out += fmt.Sprintf("io_error@%d;", f.Step)
		case KindDelay:
			out += fmt.Sprintf("delay:%s@%d+%d;", f.Resource, f.Step, f.Duration)
		}
	}
	return out
}
