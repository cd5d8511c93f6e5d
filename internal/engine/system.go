// Package engine ties the fault schedule, scheduler, invariant evaluator,
// trace recorder, shrinker, and artifact writer (spec.md components C-I)
// into the four run modes the CLI exposes: beg (static qualification),
// pray/explore (simulation), replay, and shrink. Each invocation
// constructs a fresh engine; there is no global state (spec.md §9).
package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// System names one adapter under test: a directory holding
// adapter.manifest.json, adapter.checksum, an executable named "adapter"
// (the nomercy convention; adapters are generated artifacts, not
// hand-written, per spec.md §1's non-goals), and, by default, an
// invariants.json sibling.
type System struct {
	Dir string
}

// NewSystem resolves a system argument to its directory. Accepts either a
// bare system name ("flaky-sessions", looked up under ./systems/) or an
// explicit path.
func NewSystem(arg string) (System, error) {
	if arg == "" {
		return System{}, fmt.Errorf("engine: system argument is required")
	}
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		return System{Dir: arg}, nil
	}
	candidate := filepath.Join("systems", arg)
	if info, err := os.Stat(candidate); err == nil && info.IsDir() {
		return System{Dir: candidate}, nil
	}
	return System{}, fmt.Errorf("engine: system %q not found (looked at %q and %q)", arg, arg, candidate)
}

// Name is the system's directory basename, used for the artifact path and
// CLI output.
func (s System) Name() string { return filepath.Base(s.Dir) }

// ExecutablePath is the adapter child process binary nomercy spawns.
func (s System) ExecutablePath() string { return filepath.Join(s.Dir, "adapter") }

// LoadManifest loads and validates this system's adapter.manifest.json /
// adapter.checksum pair (spec.md §6).
func (s System) LoadManifest() (*adaptermanifest.Manifest, error) {
	return adaptermanifest.Load(s.Dir)
}

// DefaultInvariantsPath is the invariants file nomercy uses when
// --invariants is not given.
func (s System) DefaultInvariantsPath() string {
	return filepath.Join(s.Dir, "invariants.json")
}

// DefaultConfigPath is the system-directory config nomercy sends as the
// init command's payload when --config names no explicit adapter config.
func (s System) DefaultConfigPath() string {
	return filepath.Join(s.Dir, "config.json")
}

// LoadInitConfig resolves the init command's config payload (spec.md §3):
// explicit, if given (the --config/run-config file's adapter_config
// section), otherwise this system's config.json sibling, otherwise an
// empty object. The result is parsed unbounded — a config document isn't
// itself subject to the observation depth limit.
func (s System) LoadInitConfig(explicit []byte) (jsonvalue.Value, error) {
	if len(explicit) > 0 {
		v, err := jsonvalue.ParseUnbounded(explicit)
		if err != nil {
			return jsonvalue.Value{}, fmt.Errorf("engine: init config is not valid JSON: %w", err)
		}
		return v, nil
	}
	b, err := os.ReadFile(s.DefaultConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return jsonvalue.NewObject(nil), nil
		}
		return jsonvalue.Value{}, fmt.Errorf("engine: read %s: %w", s.DefaultConfigPath(), err)
	}
	v, err := jsonvalue.ParseUnbounded(b)
	if err != nil {
		return jsonvalue.Value{}, fmt.Errorf("engine: %s is not valid JSON: %w", s.DefaultConfigPath(), err)
	}
	return v, nil
}

// QualifiedMarkerPath is where beg records that a system has passed static
// determinism qualification, so pray/explore can skip re-qualifying
// (spec.md §6 "pray ... qualifies implicitly if not done").
func (s System) QualifiedMarkerPath(artifactDir string) string {
	return filepath.Join(artifactDir, "qualified")
}

// NewRunID mints a correlation id for one CLI invocation's log lines and
// output, distinct from the simulation seed: the seed is derived
// deterministically and repeats across replay/shrink of the same failure,
// while the run id identifies one particular invocation of the engine.
func NewRunID() string {
	return ulid.Make().String()
}
