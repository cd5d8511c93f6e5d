package engine

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jakobhautop/nomercy/internal/adapter"
	"github.com/jakobhautop/nomercy/internal/artifact"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/nomerr"
	"github.com/jakobhautop/nomercy/internal/observation"
	"github.com/jakobhautop/nomercy/internal/protocol"
	"github.com/jakobhautop/nomercy/internal/scheduler"
	"github.com/jakobhautop/nomercy/internal/trace"
)

// ReplayConfig is what `nomercy replay <repro.json>` needs. System names
// the adapter under test; spec.md's CLI table scopes `replay` to a bare
// repro.json path, but the adapter child has to be spawned from somewhere,
// so cmd/nomercy requires an explicit --system <dir> for replay; there is
// no default.
type ReplayConfig struct {
	ReproPath      string
	System         System
	InvariantsPath string
	Logger         *log.Logger
}

// ReplayResult reports whether the replay reproduced the original outcome.
type ReplayResult struct {
	Reproduced  bool
	FailingName string
	Message     string
	TracePath   string
}

// Replay re-executes a recorded failing (or successful) run byte-
// identically: same seed, same normalized fault schedule, same operation
// plan (reconstructed from the repro's minimal_trace), against a fresh
// adapter session (spec.md §8 "replay identity").
func Replay(ctx context.Context, cfg ReplayConfig) (*ReplayResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[nomercy] ", log.LstdFlags)
	}

	data, err := os.ReadFile(cfg.ReproPath)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "read repro file", err)
	}
	repro, err := ParseRepro(data)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "parse repro file", err)
	}

	manifest, err := cfg.System.LoadManifest()
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "load adapter manifest", err)
	}
	if manifest.Checksum != repro.AdapterManifestHash {
		return nil, nomerr.New(nomerr.KindVersionMismatch,
			fmt.Sprintf("repro was recorded against adapter_manifest_hash=%s, system has %s", repro.AdapterManifestHash, manifest.Checksum))
	}

	invariantsPath := cfg.InvariantsPath
	if invariantsPath == "" {
		invariantsPath = cfg.System.DefaultInvariantsPath()
	}
	invData, err := os.ReadFile(invariantsPath)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "read invariants file", err)
	}
	invs, err := invariant.LoadFile(invData)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "load invariants", err)
	}

	if err := repro.FaultSchedule.ValidateResources(manifest.KnownResource); err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "validate fault schedule", err)
	}

	initConfig, err := cfg.System.LoadInitConfig(nil)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "load init config", err)
	}

	plan := PlanFromTrace(repro.MinimalTrace)
	env := allowedEnv(manifest)

	session, err := adapter.Start(ctx, cfg.System.ExecutablePath(), nil, env, nil, logger, 0)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "start adapter", err)
	}
	defer session.Terminate(0)

	tr := &trace.Log{}
	obs := &observation.Store{}
	schedCfg := scheduler.Config{
		Version:           manifest.ProtocolVersion,
		FaultScheduleHash: repro.FaultSchedule.CanonicalText(),
		InitConfig:        initConfig,
	}
	sched := scheduler.New(schedCfg, session, manifest, repro.FaultSchedule, plan, invs, tr, obs)
	result := sched.Run()

	artifactDir, err := resolveArtifactDir(cfg.System.Name())
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "resolve artifact dir", err)
	}
	tracePath, werr := artifact.WriteTrace(artifactDir, "trace.replayed.json", tr)
	if werr != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "write replayed trace", werr)
	}

	if repro.FailingInvariant == nil {
		if result.Status == scheduler.StatusSuccess {
			return &ReplayResult{Reproduced: true, TracePath: tracePath}, nil
		}
		return &ReplayResult{Reproduced: false, Message: "recorded repro had no failure but replay did not succeed", TracePath: tracePath},
			nomerr.New(nomerr.KindInternalBug, "replay: success-path repro did not replay to success")
	}

	if result.Status != scheduler.StatusInvariantFailure {
		return &ReplayResult{Reproduced: false, TracePath: tracePath},
			nomerr.New(nomerr.KindInternalBug, "replay: recorded invariant failure did not reproduce")
	}
	if result.Failure.Name != repro.FailingInvariant.Name || !jsonvalue.Equal(result.Failure.Observation, repro.FailingInvariant.Observation) {
		return &ReplayResult{Reproduced: false, FailingName: result.Failure.Name, TracePath: tracePath},
			nomerr.New(nomerr.KindInternalBug, "replay: reproduced a different invariant failure")
	}
	return &ReplayResult{Reproduced: true, FailingName: result.Failure.Name, Message: result.Message, TracePath: tracePath},
		nomerr.New(nomerr.KindInvariantFailed, result.Message)
}

// ParseRepro parses a repro.json's canonical JSON back into typed data, the
// reverse of artifact.Repro's canonical() encoding.
func ParseRepro(data []byte) (*ParsedRepro, error) {
	// repro.json is an envelope around an embedded observation and trace;
	// only those embedded values are subject to MaxDepth, not the repro
	// document itself.
	v, err := jsonvalue.ParseUnbounded(data)
	if err != nil {
		return nil, fmt.Errorf("engine: parse repro: %w", err)
	}
	get := func(key string) (jsonvalue.Value, bool) { return v.Field(key) }

	p := &ParsedRepro{}
	if s, ok := get("engine_version"); ok {
		p.EngineVersion, _ = s.AsString()
	}
	if s, ok := get("adapter_manifest_hash"); ok {
		p.AdapterManifestHash, _ = s.AsString()
	}
	if s, ok := get("invariant_file_hash"); ok {
		p.InvariantFileHash, _ = s.AsString()
	}
	if n, ok := get("seed"); ok {
		f, _ := n.AsNumber()
		p.Seed = int64(f)
	}
	if fs, ok := get("fault_schedule"); ok {
		faults, err := parseFaultArray(fs)
		if err != nil {
			return nil, fmt.Errorf("engine: repro fault_schedule: %w", err)
		}
		p.FaultSchedule = faults
	} else {
		p.FaultSchedule, _ = fault.Normalize(nil)
	}
	if mt, ok := get("minimal_trace"); ok {
		tr, err := trace.FromValue(mt)
		if err != nil {
			return nil, fmt.Errorf("engine: repro minimal_trace: %w", err)
		}
		p.MinimalTrace = tr
	} else {
		p.MinimalTrace = &trace.Log{}
	}
	if fi, ok := get("failing_invariant"); ok {
		fr, err := parseFailureRecord(fi)
		if err != nil {
			return nil, fmt.Errorf("engine: repro failing_invariant: %w", err)
		}
		p.FailingInvariant = fr
	}
	if st, ok := get("last_crash_state"); ok {
		p.LastCrashState, p.HaveLastCrashState = st, true
	}
	if r, ok := get("reason"); ok {
		p.Reason, _ = r.AsString()
	}
	return p, nil
}

// ParsedRepro is the decoded form of a repro.json file.
type ParsedRepro struct {
	EngineVersion       string
	AdapterManifestHash string
	InvariantFileHash   string
	Seed                int64
	FaultSchedule       *fault.Schedule
	MinimalTrace        *trace.Log
	FailingInvariant    *invariant.FailureRecord
	LastCrashState      jsonvalue.Value
	HaveLastCrashState  bool
	Reason              string
}

func parseFaultArray(v jsonvalue.Value) (*fault.Schedule, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("fault_schedule is not an array")
	}
	faults := make([]fault.Fault, 0, len(arr))
	for i, fv := range arr {
		kindVal, _ := fv.Field("kind")
		kindStr, _ := kindVal.AsString()
		stepVal, _ := fv.Field("step")
		stepNum, _ := stepVal.AsNumber()
		f := fault.Fault{Step: int(stepNum)}
		switch kindStr {
		case "crash":
			f.Kind = fault.KindCrash
		case "io_error":
			f.Kind = fault.KindIOError
		case "delay":
			f.Kind = fault.KindDelay
			if rv, ok := fv.Field("resource"); ok {
				f.Resource, _ = rv.AsString()
			}
			if dv, ok := fv.Field("duration"); ok {
				d, _ := dv.AsNumber()
				f.Duration = int(d)
			}
		default:
			return nil, fmt.Errorf("fault_schedule[%d]: unknown kind %q", i, kindStr)
		}
		faults = append(faults, f)
	}
	return fault.Normalize(faults)
}

func parseFailureRecord(v jsonvalue.Value) (*invariant.FailureRecord, error) {
	fr := &invariant.FailureRecord{}
	if s, ok := v.Field("name"); ok {
		fr.Name, _ = s.AsString()
	}
	if p, ok := v.Field("predicate"); ok {
		fr.Predicate = p
	}
	if m, ok := v.Field("message"); ok {
		fr.Message, _ = m.AsString()
	}
	if o, ok := v.Field("observation"); ok {
		fr.Observation = o
	}
	if s, ok := v.Field("step"); ok {
		n, _ := s.AsNumber()
		fr.Step = int(n)
	}
	if h, ok := v.Field("fault_schedule_hash"); ok {
		fr.FaultScheduleHash, _ = h.AsString()
	}
	return fr, nil
}

// PlanFromTrace reconstructs the operation plan that produced tr: every
// first-attempt apply/observe CommandIssued event, in issuance order. A
// fault-rewritten step (e.g. crash instead of the plan's apply) leaves its
// plan entry's planIdx unmoved, so it reappears and is recovered at the
// step where it was eventually issued (see internal/scheduler's
// afterSuccess); this walk over CommandIssued events recovers exactly that
// order.
func PlanFromTrace(tr *trace.Log) []scheduler.PlanStep {
	var plan []scheduler.PlanStep
	for _, e := range tr.Events() {
		if e.Kind != trace.KindCommandIssued || e.Attempt != 1 {
			continue
		}
		switch e.Cmd {
		case "apply":
			plan = append(plan, scheduler.PlanStep{Kind: scheduler.PlanApply, Op: protocol.Op{Name: e.OpName, Args: e.OpArgs}})
		case "observe":
			plan = append(plan, scheduler.PlanStep{Kind: scheduler.PlanObserve})
		}
	}
	return plan
}
