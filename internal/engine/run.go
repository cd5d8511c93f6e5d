package engine

import (
	"context"
	"log"
	"os"

	"github.com/jakobhautop/nomercy/internal/adapter"
	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/artifact"
	"github.com/jakobhautop/nomercy/internal/config"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/nomerr"
	"github.com/jakobhautop/nomercy/internal/observation"
	"github.com/jakobhautop/nomercy/internal/scheduler"
	"github.com/jakobhautop/nomercy/internal/seed"
	"github.com/jakobhautop/nomercy/internal/shrink"
	"github.com/jakobhautop/nomercy/internal/trace"
	"github.com/jakobhautop/nomercy/internal/version"
)

// infiniteStepCap bounds an "infinite" or time-based budget's operation
// plan length. nomercy never models wall-clock time as part of replay
// semantics (spec.md §5), so a time budget here only bounds how large a
// plan GeneratePlan produces up front, not an in-run clock; a run still
// halts exactly when the plan is exhausted, a fault forces a halt, or an
// invariant fails.
const infiniteStepCap = 100000

// RunConfig is everything one pray/explore invocation needs beyond what
// System/adaptermanifest already resolve.
type RunConfig struct {
	System  System
	Run     config.Run
	Explore bool // explore is pray with a larger default budget and no implicit stop
	Logger  *log.Logger
}

// RunResult is what a completed (successful or failed) simulation reports
// to the CLI layer.
type RunResult struct {
	Seed             int64
	Status           scheduler.Status
	Kind             nomerr.Kind
	Message          string
	ReproPath        string
	TracePath        string
	ShrunkReproPath  string
	ShrunkTracePath  string
	FailingInvariant string
}

// Run executes one pray or explore invocation end to end: qualify (if not
// already), load manifest/invariants, derive the seed, build the fault
// schedule and operation plan, drive the scheduler, and on failure emit
// repro/trace artifacts and invoke the shrinker.
func Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[nomercy] ", log.LstdFlags)
	}

	artifactDir, err := resolveArtifactDir(cfg.System.Name())
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "resolve artifact dir", err)
	}

	if _, err := os.Stat(cfg.System.QualifiedMarkerPath(artifactDir)); err != nil {
		logger.Printf("system %s not yet qualified, qualifying implicitly", cfg.System.Name())
		if _, qerr := Qualify(cfg.System, cfg.Run.InvariantsPath); qerr != nil {
			return nil, qerr
		}
		if werr := os.MkdirAll(artifactDir, 0o755); werr == nil {
			_ = os.WriteFile(cfg.System.QualifiedMarkerPath(artifactDir), []byte("qualified\n"), 0o644)
		}
	}

	manifest, err := cfg.System.LoadManifest()
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "load adapter manifest", err)
	}

	invariantsPath := cfg.Run.InvariantsPath
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
	invHash, err := adaptermanifest.ComputeChecksum(wrapInvariantsForHash(invData))
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "hash invariants", err)
	}

	faultSchedule, err := fault.ParseSpecs(cfg.Run.Faults)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "parse fault schedule", err)
	}
	if err := faultSchedule.ValidateResources(manifest.KnownResource); err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "validate fault schedule", err)
	}

	initConfig, err := cfg.System.LoadInitConfig(cfg.Run.AdapterConfig)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindProtocolInvalid, "load init config", err)
	}

	runSeed := deriveSeed(cfg.Run.Seed, manifest.Checksum)

	steps := cfg.Run.Budget.Steps
	if steps == 0 {
		steps = infiniteStepCap
	}
	plan := GeneratePlan(runSeed, manifest, steps)

	tr := &trace.Log{}
	obs := &observation.Store{}
	env := allowedEnv(manifest)

	session, err := adapter.Start(ctx, cfg.System.ExecutablePath(), nil, env, nil, logger, cfg.Run.Timeout)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "start adapter", err)
	}
	defer session.Terminate(0)

	schedCfg := scheduler.Config{
		Version:           manifest.ProtocolVersion,
		ApplyMaxAttempts:  cfg.Run.ApplyMaxAttempts,
		FaultScheduleHash: faultSchedule.CanonicalText(),
		InitConfig:        initConfig,
	}
	sched := scheduler.New(schedCfg, session, manifest, faultSchedule, plan, invs, tr, obs)
	result := sched.Run()

	res := &RunResult{Seed: runSeed, Status: result.Status, Kind: result.Kind, Message: result.Message}
	if result.Failure != nil {
		res.FailingInvariant = result.Failure.Name
	}

	switch result.Status {
	case scheduler.StatusSuccess:
		if cfg.Run.Trace {
			path, werr := artifact.WriteTrace(artifactDir, "trace.json", tr)
			if werr == nil {
				res.TracePath = path
			}
		}
		return res, nil

	case scheduler.StatusInvariantFailure:
		repro := artifact.Repro{
			EngineVersion:       version.Engine,
			AdapterManifestHash: manifest.Checksum,
			InvariantFileHash:   invHash,
			Seed:                runSeed,
			FaultSchedule:       faultSchedule,
			MinimalTrace:        tr,
			FailingInvariant:    result.Failure,
		}
		reproPath, err := artifact.WriteRepro(artifactDir, "repro.json", repro)
		if err != nil {
			return res, nomerr.Wrap(nomerr.KindInternalBug, "write repro", err)
		}
		tracePath, err := artifact.WriteTrace(artifactDir, "trace.json", tr)
		if err != nil {
			return res, nomerr.Wrap(nomerr.KindInternalBug, "write trace", err)
		}
		res.ReproPath, res.TracePath = reproPath, tracePath

		shrunk, serr := shrinkFailure(shrinkSpawnArgs{
			ctx:              ctx,
			System:           cfg.System,
			manifest:         manifest,
			faults:           faultSchedule,
			plan:             plan,
			invs:             invs,
			version:          manifest.ProtocolVersion,
			applyMaxAttempts: cfg.Run.ApplyMaxAttempts,
			initConfig:       initConfig,
			env:              env,
			failingInvariant: result.Failure.Name,
			logger:           logger,
		})
		if serr != nil {
			logger.Printf("shrink failed: %v", serr)
			return res, nomerr.New(nomerr.KindInvariantFailed, result.Message)
		}
		shrunkRepro := artifact.Repro{
			EngineVersion:       version.Engine,
			AdapterManifestHash: manifest.Checksum,
			InvariantFileHash:   invHash,
			Seed:                runSeed,
			FaultSchedule:       shrunk.Faults,
			MinimalTrace:        shrunk.Trace,
			FailingInvariant:    shrunk.Failure,
		}
		shrunkReproPath, err := artifact.WriteRepro(artifactDir, "repro.shrunk.json", shrunkRepro)
		if err == nil {
			res.ShrunkReproPath = shrunkReproPath
		}
		shrunkTracePath, err := artifact.WriteTrace(artifactDir, "trace.shrunk.json", shrunk.Trace)
		if err == nil {
			res.ShrunkTracePath = shrunkTracePath
		}
		return res, nomerr.New(nomerr.KindInvariantFailed, result.Message)

	default: // StatusFatal
		repro := artifact.Repro{
			EngineVersion:       version.Engine,
			AdapterManifestHash: manifest.Checksum,
			InvariantFileHash:   invHash,
			Seed:                runSeed,
			FaultSchedule:       faultSchedule,
			MinimalTrace:        tr,
			Reason:              string(result.Kind),
			Detail:              result.Message,
		}
		if lastState, ok := lastCrashState(tr); ok {
			repro.LastCrashState, repro.HaveLastCrashState = lastState, true
		}
		reproPath, werr := artifact.WriteRepro(artifactDir, "repro.json", repro)
		if werr == nil {
			res.ReproPath = reproPath
		}
		tracePath, _ := artifact.WriteTrace(artifactDir, "trace.json", tr)
		res.TracePath = tracePath
		return res, nomerr.New(result.Kind, result.Message)
	}
}

func lastCrashState(tr *trace.Log) (jsonvalue.Value, bool) {
	var v jsonvalue.Value
	found := false
	for _, e := range tr.Events() {
		if e.Kind == trace.KindCrashStateCaptured {
			v = e.State
			found = true
		}
	}
	return v, found
}

func deriveSeed(explicit *int64, adapterManifestHash string) int64 {
	if explicit != nil {
		return *explicit
	}
	return seed.Derive([]byte(version.Engine + adapterManifestHash))
}

func allowedEnv(manifest *adaptermanifest.Manifest) []string {
	var out []string
	for _, kv := range os.Environ() {
		name, _, ok := splitEnv(kv)
		if ok && manifest.EnvAllowed(name) {
			out = append(out, kv)
		}
	}
	return out
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func resolveArtifactDir(systemName string) (string, error) {
	inRepo := true
	if _, err := os.Stat(".git"); err != nil {
		inRepo = false
	}
	return artifact.Dir(systemName, inRepo)
}

// shrinkSpawnArgs bundles everything the shrinker's Spawn callback needs to
// start a fresh adapter session identical to the one the original run used.
type shrinkSpawnArgs struct {
	ctx              context.Context
	System           System
	manifest         *adaptermanifest.Manifest
	faults           *fault.Schedule
	plan             []scheduler.PlanStep
	invs             []invariant.Invariant
	version          string
	applyMaxAttempts int
	initConfig       jsonvalue.Value
	env              []string
	failingInvariant string
	logger           *log.Logger
}

func shrinkFailure(args shrinkSpawnArgs) (*shrink.Output, error) {
	return shrink.Shrink(shrink.Input{
		Manifest:         args.manifest,
		Faults:           args.faults,
		Plan:             args.plan,
		Invariants:       args.invs,
		Version:          args.version,
		ApplyMaxAttempts: args.applyMaxAttempts,
		InitConfig:       args.initConfig,
		FailingInvariant: args.failingInvariant,
		Spawn: func() (*adapter.Session, error) {
			return adapter.Start(args.ctx, args.System.ExecutablePath(), nil, args.env, nil, args.logger, 0)
		},
	})
}

