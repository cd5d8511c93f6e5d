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
	"github.com/jakobhautop/nomercy/internal/nomerr"
	"github.com/jakobhautop/nomercy/internal/scheduler"
	"github.com/jakobhautop/nomercy/internal/shrink"
	"github.com/jakobhautop/nomercy/internal/trace"
	"github.com/jakobhautop/nomercy/internal/version"
)

// ShrinkConfig is what `nomercy shrink <trace.json>` needs. Unlike replay,
// a bare trace.json carries neither a typed fault schedule nor
// adapter_manifest_hash (spec.md §3's Repro is the record with those
// fields; a raw trace.json is not), so the fault schedule here is
// reconstructed entirely from the trace's own FaultApplied events.
type ShrinkConfig struct {
	TracePath      string
	System         System
	InvariantsPath string
	Logger         *log.Logger
}

// ShrinkFile minimizes a failing trace.json, producing repro.shrunk.json /
// trace.shrunk.json; the input trace file itself is not modified.
func ShrinkFile(ctx context.Context, cfg ShrinkConfig) (*shrink.Output, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[nomercy] ", log.LstdFlags)
	}

	data, err := os.ReadFile(cfg.TracePath)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "read trace file", err)
	}
	tr, err := trace.ParseCanonical(data)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "parse trace file", err)
	}

	failingName := failingInvariantName(tr)
	if failingName == "" {
		return nil, nomerr.New(nomerr.KindProtocolInvalid, "trace contains no invariant_failed event to shrink toward")
	}

	faultSchedule, err := FaultScheduleFromTrace(tr)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "reconstruct fault schedule from trace", err)
	}
	plan := PlanFromTrace(tr)

	manifest, err := cfg.System.LoadManifest()
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "load adapter manifest", err)
	}
	if err := faultSchedule.ValidateResources(manifest.KnownResource); err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "validate fault schedule", err)
	}
	initConfig, err := cfg.System.LoadInitConfig(nil)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "load init config", err)
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
	env := allowedEnv(manifest)

	output, err := shrink.Shrink(shrink.Input{
		Manifest:         manifest,
		Faults:           faultSchedule,
		Plan:             plan,
		Invariants:       invs,
		Version:          manifest.ProtocolVersion,
		ApplyMaxAttempts: 0,
		InitConfig:       initConfig,
		FailingInvariant: failingName,
		Spawn: func() (*adapter.Session, error) {
			return adapter.Start(ctx, cfg.System.ExecutablePath(), nil, env, nil, logger, 0)
		},
	})
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "shrink", err)
	}

	artifactDir, err := resolveArtifactDir(cfg.System.Name())
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "resolve artifact dir", err)
	}
	shrunkRepro := artifact.Repro{
		EngineVersion:       version.Engine,
		AdapterManifestHash: manifest.Checksum,
		FaultSchedule:       output.Faults,
		MinimalTrace:        output.Trace,
		FailingInvariant:    output.Failure,
	}
	if _, err := artifact.WriteRepro(artifactDir, "repro.shrunk.json", shrunkRepro); err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "write shrunk repro", err)
	}
	if _, err := artifact.WriteTrace(artifactDir, "trace.shrunk.json", output.Trace); err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "write shrunk trace", err)
	}
	return output, nil
}

func failingInvariantName(tr *trace.Log) string {
	for _, e := range tr.Events() {
		if e.Kind == trace.KindInvariantFailed {
			return e.Invariant
		}
	}
	return ""
}

// FaultScheduleFromTrace reconstructs the normalized fault schedule that
// produced tr, by reading the (kind, step[, resource, duration]) recorded
// in every FaultApplied event — including moot ones, which still name
// their fault kind (spec.md §3 "every fault that is scheduled but becomes
// moot ... is still recorded").
func FaultScheduleFromTrace(tr *trace.Log) (*fault.Schedule, error) {
	var faults []fault.Fault
	for _, e := range tr.Events() {
		if e.Kind != trace.KindFaultApplied {
			continue
		}
		f, err := fault.FromTraceText(e.Fault, e.Step)
		if err != nil {
			return nil, fmt.Errorf("engine: trace event at step %d: %w", e.Step, err)
		}
		faults = append(faults, f)
	}
	return fault.Normalize(faults)
}
