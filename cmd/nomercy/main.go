package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jakobhautop/nomercy/internal/config"
	"github.com/jakobhautop/nomercy/internal/engine"
	"github.com/jakobhautop/nomercy/internal/nomerr"
	"github.com/jakobhautop/nomercy/internal/version"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("nomercy %s\n", version.Engine)
		os.Exit(0)
	case "beg":
		cmdBeg(os.Args[2:])
	case "pray":
		cmdRun(os.Args[2:], false)
	case "explore":
		cmdRun(os.Args[2:], true)
	case "replay":
		cmdReplay(os.Args[2:])
	case "shrink":
		cmdShrink(os.Args[2:])
	case "generate":
		cmdGenerate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  nomercy --version")
	fmt.Fprintln(os.Stderr, "  nomercy beg <system> [--seed <n>] [--invariants <file>] [--config <path>]")
	fmt.Fprintln(os.Stderr, "  nomercy pray <system> [--seed <n>] [--fault <spec>]... [--invariants <file>] [--budget steps=<n>|time=<dur>|infinite] [--ci] [--trace] [--config <path>]")
	fmt.Fprintln(os.Stderr, "  nomercy explore <system> [--seed <n>] [--fault <spec>]... [--invariants <file>] [--budget steps=<n>|time=<dur>|infinite] [--ci] [--trace] [--config <path>]")
	fmt.Fprintln(os.Stderr, "  nomercy replay <repro.json> --system <dir> [--invariants <file>]")
	fmt.Fprintln(os.Stderr, "  nomercy shrink <trace.json> --system <dir> [--invariants <file>]")
	fmt.Fprintln(os.Stderr, "  nomercy generate <system>")
}

// commonFlags holds the flags shared by beg/pray/explore, scanned in the
// kilroy style: a plain os.Args switch, not the flag package, so repeated
// flags like --fault stay simple to accumulate.
type commonFlags struct {
	system     string
	seed       *int64
	faults     []string
	invariants string
	budget     string
	ci         bool
	ciSet      bool
	trace      bool
	traceSet   bool
	configPath string
}

func parseCommonFlags(args []string) (commonFlags, error) {
	var f commonFlags
	if len(args) < 1 {
		return f, fmt.Errorf("missing system argument")
	}
	f.system = args[0]
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--seed":
			i++
			if i >= len(rest) {
				return f, fmt.Errorf("--seed requires a value")
			}
			n, err := strconv.ParseInt(rest[i], 10, 64)
			if err != nil {
				return f, fmt.Errorf("--seed: %w", err)
			}
			f.seed = &n
		case "--fault":
			i++
			if i >= len(rest) {
				return f, fmt.Errorf("--fault requires a value")
			}
			f.faults = append(f.faults, rest[i])
		case "--invariants":
			i++
			if i >= len(rest) {
				return f, fmt.Errorf("--invariants requires a value")
			}
			f.invariants = rest[i]
		case "--budget":
			i++
			if i >= len(rest) {
				return f, fmt.Errorf("--budget requires a value")
			}
			f.budget = rest[i]
		case "--ci":
			f.ci, f.ciSet = true, true
		case "--trace":
			f.trace, f.traceSet = true, true
		case "--config":
			i++
			if i >= len(rest) {
				return f, fmt.Errorf("--config requires a value")
			}
			f.configPath = rest[i]
		default:
			return f, fmt.Errorf("unknown arg: %s", rest[i])
		}
	}
	return f, nil
}

func resolveRun(f commonFlags) (config.Run, error) {
	file, err := config.LoadFile(f.configPath)
	if err != nil {
		return config.Run{}, err
	}
	flags := config.Flags{
		Seed:           f.seed,
		Faults:         f.faults,
		InvariantsPath: f.invariants,
		Budget:         f.budget,
	}
	if f.ciSet {
		flags.CI = &f.ci
	}
	if f.traceSet {
		flags.Trace = &f.trace
	}
	return config.Resolve(flags, file, os.Getenv)
}

func cmdBeg(args []string) {
	f, err := parseCommonFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	sys, err := engine.NewSystem(f.system)
	if err != nil {
		fail(err)
	}
	result, err := engine.Qualify(sys, f.invariants)
	if err != nil {
		fail(err)
	}
	r := engine.NewReport(os.Stdout)
	r.Heading("qualify")
	r.Entry("adapter_manifest_hash", result.AdapterManifestHash)
	r.Entry("invariant_file_hash", result.InvariantFileHash)
	r.Entry("op_count", result.OpCount)
	r.Entry("invariant_count", result.InvariantCount)
	r.Status("qualified")
	os.Exit(0)
}

func cmdRun(args []string, explore bool) {
	f, err := parseCommonFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	run, err := resolveRun(f)
	if err != nil {
		fail(err)
	}
	sys, err := engine.NewSystem(f.system)
	if err != nil {
		fail(err)
	}
	// explore is "continuous simulation" (spec.md §6): absent an explicit
	// --budget, it runs until a fault forces a halt or an invariant fails,
	// rather than pray's default steps=1000.
	if explore && f.budget == "" {
		run.Budget.Infinite, run.Budget.Steps, run.Budget.Time = true, 0, 0
	}

	runID := engine.NewRunID()
	ctx, cleanup := signalCancelContext()
	defer cleanup()
	logger := log.New(os.Stderr, "[nomercy "+runID+"] ", log.LstdFlags)

	res, runErr := engine.Run(ctx, engine.RunConfig{System: sys, Run: run, Explore: explore, Logger: logger})

	r := engine.NewReport(os.Stdout)
	r.Heading("run")
	r.Entry("run_id", runID)
	if res != nil {
		r.Entry("seed", res.Seed)
		if res.FailingInvariant != "" {
			r.Entry("invariant", res.FailingInvariant)
		}
		if res.ReproPath != "" {
			r.Entry("repro", res.ReproPath)
		}
		if res.TracePath != "" {
			r.Entry("trace", res.TracePath)
		}
		if res.ShrunkReproPath != "" {
			r.Entry("shrunk_repro", res.ShrunkReproPath)
		}
		if res.ShrunkTracePath != "" {
			r.Entry("shrunk_trace", res.ShrunkTracePath)
		}
	}

	if runErr == nil {
		r.Status("ok")
		os.Exit(0)
	}
	var nerr *nomerr.Error
	if errors.As(runErr, &nerr) {
		if nerr.Msg != "" {
			r.Entry("reason", nerr.Msg)
		}
		r.Status(string(nerr.Kind))
		os.Exit(exitCodeFor(runErr))
	}
	fmt.Fprintln(os.Stderr, runErr)
	r.Status("internal_bug")
	os.Exit(5)
}

func cmdReplay(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	reproPath := args[0]
	f, err := parseReplayShrinkFlags(args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	if f.systemDirFlag == "" {
		fmt.Fprintln(os.Stderr, "replay requires --system <dir>")
		os.Exit(1)
	}
	sys, err := engine.NewSystem(f.systemDirFlag)
	if err != nil {
		fail(err)
	}

	runID := engine.NewRunID()
	ctx, cleanup := signalCancelContext()
	defer cleanup()
	logger := log.New(os.Stderr, "[nomercy "+runID+"] ", log.LstdFlags)

	res, runErr := engine.Replay(ctx, engine.ReplayConfig{ReproPath: reproPath, System: sys, InvariantsPath: f.invariants, Logger: logger})

	r := engine.NewReport(os.Stdout)
	r.Heading("replay")
	r.Entry("run_id", runID)
	if res != nil {
		r.Entry("reproduced", res.Reproduced)
		if res.FailingName != "" {
			r.Entry("invariant", res.FailingName)
		}
		if res.TracePath != "" {
			r.Entry("trace", res.TracePath)
		}
	}
	if runErr == nil {
		r.Status("ok")
		os.Exit(0)
	}
	var nerr *nomerr.Error
	if errors.As(runErr, &nerr) {
		if nerr.Msg != "" {
			r.Entry("reason", nerr.Msg)
		}
		r.Status(string(nerr.Kind))
		os.Exit(exitCodeFor(runErr))
	}
	fmt.Fprintln(os.Stderr, runErr)
	r.Status("internal_bug")
	os.Exit(5)
}

func cmdShrink(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	tracePath := args[0]
	f, err := parseReplayShrinkFlags(args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(1)
	}
	if f.systemDirFlag == "" {
		fmt.Fprintln(os.Stderr, "shrink requires --system <dir>")
		os.Exit(1)
	}
	sys, err := engine.NewSystem(f.systemDirFlag)
	if err != nil {
		fail(err)
	}

	runID := engine.NewRunID()
	ctx, cleanup := signalCancelContext()
	defer cleanup()
	logger := log.New(os.Stderr, "[nomercy "+runID+"] ", log.LstdFlags)

	_, runErr := engine.ShrinkFile(ctx, engine.ShrinkConfig{TracePath: tracePath, System: sys, InvariantsPath: f.invariants, Logger: logger})

	r := engine.NewReport(os.Stdout)
	r.Heading("shrink")
	r.Entry("run_id", runID)
	if runErr != nil {
		fail(runErr)
	}
	r.Entry("trace", tracePath)
	r.Status("shrunk")
	os.Exit(0)
}

func cmdGenerate(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sys, err := engine.NewSystem(args[0])
	if err != nil {
		fail(err)
	}
	res, err := engine.Generate(sys)
	if err != nil {
		fail(err)
	}
	r := engine.NewReport(os.Stdout)
	r.Heading("generate")
	r.Entry("adapter_manifest_hash", res.AdapterManifestHash)
	r.Status("generated")
	os.Exit(0)
}

type replayShrinkFlags struct {
	systemDirFlag string
	invariants    string
}

func parseReplayShrinkFlags(args []string) (replayShrinkFlags, error) {
	var f replayShrinkFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--system":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--system requires a value")
			}
			f.systemDirFlag = args[i]
		case "--invariants":
			i++
			if i >= len(args) {
				return f, fmt.Errorf("--invariants requires a value")
			}
			f.invariants = args[i]
		default:
			return f, fmt.Errorf("unknown arg: %s", args[i])
		}
	}
	return f, nil
}

// exitCodeFor maps a returned error to the process exit code spec.md §7
// assigns to its nomerr.Kind, or 5 for an error that carries no kind at all
// (a bug in the engine itself, not a classified failure).
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var nerr *nomerr.Error
	if errors.As(err, &nerr) {
		return nerr.Kind.ExitCode()
	}
	return 5
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitCodeFor(err))
}
