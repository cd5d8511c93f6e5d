// Package scheduler drives the command lifecycle of spec.md §4.4: an
// explicit state machine with a step_forward-style entry point (spec.md §9
// "avoid coroutine control flow"), so the shrinker can replay it repeatedly
// without re-entrancy concerns.
package scheduler

import (
	"bytes"
	"fmt"

	"github.com/jakobhautop/nomercy/internal/adapter"
	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/nomerr"
	"github.com/jakobhautop/nomercy/internal/observation"
	"github.com/jakobhautop/nomercy/internal/protocol"
	"github.com/jakobhautop/nomercy/internal/trace"
)

// PlanKind tags one entry of the operation plan: either an apply or an
// observe request. crash/restore are never part of the plan itself — they
// are derived entirely from the fault schedule (spec.md §4.4).
type PlanKind int

const (
	PlanApply PlanKind = iota
	PlanObserve
)

// PlanStep is one logical command the operation plan asks for, before any
// fault rewriting or resource blocking is applied.
type PlanStep struct {
	Kind PlanKind
	Op   protocol.Op
}

// Status is the terminal or continuing state returned by one call to
// StepForward.
type Status int

const (
	StatusContinue Status = iota
	StatusSuccess
	StatusInvariantFailure
	StatusFatal
)

// Result is what one StepForward call (or a full Run) produced.
type Result struct {
	Status  Status
	Kind    nomerr.Kind
	Message string
	Failure *invariant.FailureRecord
}

// Config bundles the scheduler's run-time knobs that are not derivable from
// the fault schedule or operation plan alone.
type Config struct {
	Version           string
	ApplyMaxAttempts  int // overrides protocol.Apply.MaxAttempts() default of 3
	FaultScheduleHash string
	InitConfig        jsonvalue.Value // sent verbatim as the init command's config payload
}

// Scheduler is the engine-side state machine of spec.md §4.4. It owns no
// process directly; the adapter session, trace log, and observation store
// are injected so the shrinker can swap in fresh instances between replays.
type Scheduler struct {
	cfg      Config
	session  *adapter.Session
	manifest *adaptermanifest.Manifest
	faults   *fault.Schedule
	plan     []PlanStep
	invs     []invariant.Invariant
	trace    *trace.Log
	obs      *observation.Store

	step           int
	planIdx        int
	shutdownIssued bool
	pendingRestore bool
	lastCrashState jsonvalue.Value
	haveCrashState bool
}

// New builds a Scheduler ready to run from step 1.
func New(cfg Config, session *adapter.Session, manifest *adaptermanifest.Manifest, faults *fault.Schedule, plan []PlanStep, invs []invariant.Invariant, tr *trace.Log, obs *observation.Store) *Scheduler {
	if cfg.ApplyMaxAttempts <= 0 {
		cfg.ApplyMaxAttempts = int(protocol.Apply.MaxAttempts())
	}
	return &Scheduler{
		cfg:      cfg,
		session:  session,
		manifest: manifest,
		faults:   faults,
		plan:     plan,
		invs:     invs,
		trace:    tr,
		obs:      obs,
	}
}

// Run drives StepForward until a terminal Result.
func (s *Scheduler) Run() Result {
	for {
		r := s.StepForward()
		if r.Status != StatusContinue {
			return r
		}
	}
}

// candidate is the command the scheduler intends to issue at the current
// step, before fault rewriting.
type candidate struct {
	cmd  protocol.Kind
	op   protocol.Op
}

// StepForward advances the scheduler by exactly one logical step: resource
// blocking, fault rewriting, issuance (with its own internal replay loop),
// and post-issuance state/invariant handling (spec.md §4.4 "per-step
// algorithm").
func (s *Scheduler) StepForward() Result {
	s.step++

	cand, err := s.selectCandidate()
	if err != nil {
		return Result{Status: StatusFatal, Kind: nomerr.KindInternalBug, Message: err.Error()}
	}

	touched := s.manifest.TouchedResources(string(cand.cmd))
	for _, r := range touched {
		if s.faults.ResourceBlocked(r, s.step) {
			s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindPaused, Cmd: string(cand.cmd), Reason: "resource_blocked"})
			return Result{Status: StatusContinue}
		}
	}

	faultsHere := s.faults.FaultsAt(s.step)
	syntheticIOError := false
	for _, f := range faultsHere {
		switch f.Kind {
		case fault.KindCrash:
			if cand.cmd == protocol.Crash || cand.cmd == protocol.Shutdown {
				s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindFaultApplied, Fault: "crash", Reason: "moot"})
				continue
			}
			s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindFaultApplied, Fault: "crash", Cmd: string(cand.cmd)})
			cand = candidate{cmd: protocol.Crash}
		case fault.KindIOError:
			if cand.cmd != protocol.Apply {
				s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindFaultApplied, Fault: "io_error", Reason: "moot"})
				continue
			}
			s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindFaultApplied, Fault: "io_error", Cmd: string(cand.cmd)})
			syntheticIOError = true
		case fault.KindDelay:
			s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindFaultApplied, Fault: fmt.Sprintf("delay:%s+%d", f.Resource, f.Duration), Cmd: string(cand.cmd)})
		}
	}

	return s.issue(cand, syntheticIOError)
}

func (s *Scheduler) selectCandidate() (candidate, error) {
	switch {
	case s.step == 1:
		return candidate{cmd: protocol.Init}, nil
	case s.pendingRestore:
		return candidate{cmd: protocol.Restore}, nil
	case s.planIdx < len(s.plan):
		p := s.plan[s.planIdx]
		if p.Kind == PlanObserve {
			return candidate{cmd: protocol.Observe}, nil
		}
		return candidate{cmd: protocol.Apply, op: p.Op}, nil
	case !s.shutdownIssued:
		return candidate{cmd: protocol.Shutdown}, nil
	default:
		return candidate{}, fmt.Errorf("scheduler: step_forward called after shutdown")
	}
}

// issue runs the attempt/replay loop for one logical command (spec.md
// §4.4's command replay matrix) and then applies the post-issuance
// bookkeeping for whichever command finally succeeded.
func (s *Scheduler) issue(cand candidate, syntheticIOError bool) Result {
	switch cand.cmd {
	case protocol.Init:
		if err := s.manifest.ValidateConfig(s.cfg.InitConfig.MarshalCanonical()); err != nil {
			return Result{Status: StatusFatal, Kind: nomerr.KindProtocolInvalid,
				Message: fmt.Sprintf("init config rejected by config_schema: %v", err)}
		}
	case protocol.Apply:
		if err := s.manifest.ValidateOpArgs(cand.op.Name, cand.op.Args.MarshalCanonical()); err != nil {
			return Result{Status: StatusFatal, Kind: nomerr.KindProtocolInvalid,
				Message: fmt.Sprintf("apply op %q args rejected by args_schema: %v", cand.op.Name, err)}
		}
	}

	maxAttempts := cand.cmd.MaxAttempts()
	if cand.cmd == protocol.Apply {
		maxAttempts = s.cfg.ApplyMaxAttempts
	}

	var lastCrashBytes []byte
	haveLastCrashBytes := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cmd := protocol.Command{Version: s.cfg.Version, Cmd: cand.cmd, Op: cand.op}
		switch cand.cmd {
		case protocol.Init:
			cmd.Config = s.cfg.InitConfig
		case protocol.Restore:
			cmd.State = s.lastCrashState
		}
		issuedEvt := trace.Event{Step: s.step, Attempt: attempt, Kind: trace.KindCommandIssued, Cmd: string(cand.cmd)}
		if cand.cmd == protocol.Apply {
			issuedEvt.OpName = cand.op.Name
			issuedEvt.OpArgs = cand.op.Args
		}
		s.trace.Append(issuedEvt)

		var res adapter.Result
		if syntheticIOError && attempt == 1 {
			res = adapter.Result{Kind: adapter.ResultRetryable, Message: "synthetic io_error fault"}
		} else {
			res = s.session.Do(cmd)
		}

		switch res.Kind {
		case adapter.ResultTimeout:
			s.trace.Append(trace.Event{Step: s.step, Attempt: attempt, Kind: trace.KindTimeout, Cmd: string(cand.cmd)})
			if attempt < maxAttempts {
				s.trace.Append(trace.Event{Step: s.step, Attempt: attempt + 1, Kind: trace.KindReplayAttempt, Cmd: string(cand.cmd)})
				continue
			}
			return Result{Status: StatusFatal, Kind: nomerr.KindProtocolTimeout,
				Message: fmt.Sprintf("command=%s, timeout_count=%d", cand.cmd, attempt)}

		case adapter.ResultRetryable:
			s.trace.Append(trace.Event{Step: s.step, Attempt: attempt, Kind: trace.KindResponseReceived, Cmd: string(cand.cmd), Message: res.Message})
			if attempt < maxAttempts {
				s.trace.Append(trace.Event{Step: s.step, Attempt: attempt + 1, Kind: trace.KindReplayAttempt, Cmd: string(cand.cmd)})
				continue
			}
			return Result{Status: StatusFatal, Kind: nomerr.KindReplayableAdapterError, Message: res.Message}

		case adapter.ResultFatal:
			s.trace.Append(trace.Event{Step: s.step, Attempt: attempt, Kind: trace.KindResponseReceived, Cmd: string(cand.cmd), Message: res.Message})
			return Result{Status: StatusFatal, Kind: nomerr.KindFatalAdapterError, Message: res.Message}

		case adapter.ResultProtocolInvalid:
			return Result{Status: StatusFatal, Kind: nomerr.KindProtocolInvalid, Message: res.Message}

		case adapter.ResultVersionMismatch:
			return Result{Status: StatusFatal, Kind: nomerr.KindVersionMismatch, Message: res.Message}

		case adapter.ResultClosed:
			return Result{Status: StatusFatal, Kind: nomerr.KindFatalAdapterError, Message: res.Message}

		case adapter.ResultOk:
			s.trace.Append(trace.Event{Step: s.step, Attempt: attempt, Kind: trace.KindResponseReceived, Cmd: string(cand.cmd)})
			if cand.cmd == protocol.Crash {
				raw := res.Response.State.MarshalCanonical()
				if haveLastCrashBytes && !bytes.Equal(raw, lastCrashBytes) {
					return Result{Status: StatusFatal, Kind: nomerr.KindCrashStateMismatch,
						Message: "crash state differs between replay attempts"}
				}
				lastCrashBytes = raw
				haveLastCrashBytes = true
			}
			return s.afterSuccess(cand, res.Response)
		}
	}
	return Result{Status: StatusFatal, Kind: nomerr.KindInternalBug, Message: "issue: unreachable"}
}

// afterSuccess applies the state transition for a successful command and
// runs the invariant check where the scheduler's fixed policy requires one
// (spec.md §4.4: after apply, crash, restore; never after init or observe).
func (s *Scheduler) afterSuccess(cand candidate, resp protocol.Response) Result {
	switch cand.cmd {
	case protocol.Init:
		return Result{Status: StatusContinue}

	case protocol.Crash:
		s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindCrashStateCaptured, State: resp.State})
		s.lastCrashState = resp.State
		s.haveCrashState = true
		s.pendingRestore = true
		return s.checkInvariants()

	case protocol.Restore:
		s.pendingRestore = false
		s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindRestoreConsumed})
		return s.checkInvariants()

	case protocol.Apply:
		s.planIdx++
		return s.checkInvariants()

	case protocol.Observe:
		s.obs.Observe(resp.Observation)
		s.planIdx++
		return Result{Status: StatusContinue}

	case protocol.Shutdown:
		s.shutdownIssued = true
		s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindShutdown})
		return Result{Status: StatusSuccess}

	default:
		return Result{Status: StatusFatal, Kind: nomerr.KindInternalBug, Message: "afterSuccess: unknown command"}
	}
}

func (s *Scheduler) checkInvariants() Result {
	snapshot := s.obs.Snapshot()
	for _, inv := range s.invs {
		ok, fail, err := invariant.Evaluate(inv.Predicate, snapshot)
		if err != nil {
			return Result{Status: StatusFatal, Kind: nomerr.KindInternalBug,
				Message: fmt.Sprintf("invariant %q: %v", inv.Name, err)}
		}
		s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindInvariantChecked, Invariant: inv.Name})
		if !ok {
			msg := invariant.BuildMessage(inv, fail)
			s.trace.Append(trace.Event{Step: s.step, Kind: trace.KindInvariantFailed, Invariant: inv.Name, Message: msg})
			return Result{
				Status:  StatusInvariantFailure,
				Kind:    nomerr.KindInvariantFailed,
				Message: msg,
				Failure: &invariant.FailureRecord{
					Name:              inv.Name,
					Predicate:         inv.Raw(),
					Message:           msg,
					Observation:       snapshot,
					Step:              s.step,
					FaultScheduleHash: s.cfg.FaultScheduleHash,
				},
			}
		}
	}
	return Result{Status: StatusContinue}
}
