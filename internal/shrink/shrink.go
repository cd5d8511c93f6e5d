// Package shrink implements the deterministic greedy minimizer of spec.md
// §4.8: given a failing (fault_schedule, operation_plan), it produces a
// smaller one that reproduces the same failing invariant, preferring fewer
// steps, then fewer operations, then fewer faults, then earlier fault
// timing — replaying from scratch against a fresh scheduler and adapter
// session for every candidate.
package shrink

import (
	"fmt"
	"sort"

	"github.com/jakobhautop/nomercy/internal/adapter"
	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/observation"
	"github.com/jakobhautop/nomercy/internal/scheduler"
	"github.com/jakobhautop/nomercy/internal/trace"
)

// Spawn starts a fresh adapter child process for one replay attempt. The
// shrinker owns the returned session exclusively and terminates it before
// returning (spec.md §9 "at most one child exists at any moment").
type Spawn func() (*adapter.Session, error)

// Input is a failing run, as recorded by the engine, ready to be minimized.
type Input struct {
	Manifest         *adaptermanifest.Manifest
	Faults           *fault.Schedule
	Plan             []scheduler.PlanStep
	Invariants       []invariant.Invariant
	Version          string
	ApplyMaxAttempts int
	FailingInvariant string
	InitConfig       jsonvalue.Value
	Spawn            Spawn
}

// Output is the minimized replayable run.
type Output struct {
	Faults  *fault.Schedule
	Plan    []scheduler.PlanStep
	Trace   *trace.Log
	Failure *invariant.FailureRecord
}

// Shrink runs the greedy per-axis minimization described in spec.md §4.8.
func Shrink(in Input) (*Output, error) {
	plan := append([]scheduler.PlanStep(nil), in.Plan...)
	faults := in.Faults.Faults()

	tr, failure, err := replay(in, plan, faults)
	if err != nil {
		return nil, fmt.Errorf("shrink: baseline replay: %w", err)
	}
	if failure == nil || failure.Name != in.FailingInvariant {
		return nil, fmt.Errorf("shrink: baseline run did not reproduce invariant %q", in.FailingInvariant)
	}

	plan = shrinkPlan(in, plan, faults)
	faults = shrinkFaults(in, plan, faults)
	faults = retimeFaults(in, plan, faults)

	tr, failure, err = replay(in, plan, faults)
	if err != nil {
		return nil, fmt.Errorf("shrink: final replay: %w", err)
	}
	if failure == nil {
		return nil, fmt.Errorf("shrink: minimized run no longer reproduces the failure")
	}

	normalized, err := fault.Normalize(faults)
	if err != nil {
		return nil, fmt.Errorf("shrink: re-normalizing minimized schedule: %w", err)
	}
	return &Output{Faults: normalized, Plan: plan, Trace: tr, Failure: failure}, nil
}

// replay runs one full scheduler pass against a fresh session and reports
// whether (and how) it failed.
func replay(in Input, plan []scheduler.PlanStep, faults []fault.Fault) (*trace.Log, *invariant.FailureRecord, error) {
	normalized, err := fault.Normalize(faults)
	if err != nil {
		return nil, nil, err
	}
	session, err := in.Spawn()
	if err != nil {
		return nil, nil, err
	}
	defer session.Terminate(0)

	tr := &trace.Log{}
	obs := &observation.Store{}
	cfg := scheduler.Config{
		Version:           in.Version,
		ApplyMaxAttempts:  in.ApplyMaxAttempts,
		FaultScheduleHash: normalized.CanonicalText(),
		InitConfig:        in.InitConfig,
	}
	sched := scheduler.New(cfg, session, in.Manifest, normalized, plan, in.Invariants, tr, obs)
	result := sched.Run()
	if result.Status == scheduler.StatusInvariantFailure {
		return tr, result.Failure, nil
	}
	return tr, nil, nil
}

// reproduces reports whether replaying (plan, faults) still fails with the
// same invariant name as the original failing run.
func reproduces(in Input, plan []scheduler.PlanStep, faults []fault.Fault) bool {
	_, failure, err := replay(in, plan, faults)
	if err != nil || failure == nil {
		return false
	}
	return failure.Name == in.FailingInvariant
}

// shrinkPlan greedily removes plan entries (axis 1/2: fewer steps, fewer
// operations), from the end first, to a fixed point.
func shrinkPlan(in Input, plan []scheduler.PlanStep, faults []fault.Fault) []scheduler.PlanStep {
	changed := true
	for changed {
		changed = false
		for i := len(plan) - 1; i >= 0; i-- {
			candidate := make([]scheduler.PlanStep, 0, len(plan)-1)
			candidate = append(candidate, plan[:i]...)
			candidate = append(candidate, plan[i+1:]...)
			if reproduces(in, candidate, faults) {
				plan = candidate
				changed = true
				break
			}
		}
	}
	return plan
}

// shrinkFaults greedily removes faults (axis 3: fewer faults) to a fixed
// point, re-normalizing after each accepted removal.
func shrinkFaults(in Input, plan []scheduler.PlanStep, faults []fault.Fault) []fault.Fault {
	changed := true
	for changed {
		changed = false
		for i := len(faults) - 1; i >= 0; i-- {
			candidate := make([]fault.Fault, 0, len(faults)-1)
			candidate = append(candidate, faults[:i]...)
			candidate = append(candidate, faults[i+1:]...)
			if reproduces(in, plan, candidate) {
				faults = candidate
				changed = true
				break
			}
		}
	}
	return faults
}

// retimeFaults greedily pulls each fault's step earlier (axis 4: earlier
// fault timing), one unit at a time, as long as the failure still
// reproduces and canonical fault ordering is preserved.
func retimeFaults(in Input, plan []scheduler.PlanStep, faults []fault.Fault) []fault.Fault {
	order := make([]int, len(faults))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return faults[order[i]].Step < faults[order[j]].Step })

	for _, idx := range order {
		for faults[idx].Step > 1 {
			candidate := append([]fault.Fault(nil), faults...)
			candidate[idx].Step--
			if candidate[idx].Kind == fault.KindCrash && candidate[idx].Step == 1 {
				break // would become crash@1, invalid at load
			}
			if !reproduces(in, plan, candidate) {
				break
			}
			faults = candidate
		}
	}
	return faults
}
