// Package config loads the nomercy run configuration from an optional
// --config file, following the same strict-decode-then-default-then-validate
// pipeline as kilroy's LoadRunConfigFile: encoding/json with
// DisallowUnknownFields for .json, gopkg.in/yaml.v3 with KnownFields(true)
// otherwise. Precedence across sources is flags > config file > environment
// (spec.md §6); Resolve applies that precedence explicitly rather than
// threading it through the decode step.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Budget is the parsed form of --budget steps=<n>|time=<dur>|infinite.
type Budget struct {
	Steps    int
	Time     time.Duration
	Infinite bool
}

// File is the on-disk shape of a --config file. Every field is optional;
// flags and environment variables fill in the rest.
type File struct {
	Seed          *int64          `json:"seed,omitempty" yaml:"seed,omitempty"`
	Faults        []string        `json:"faults,omitempty" yaml:"faults,omitempty"`
	Invariants    string          `json:"invariants,omitempty" yaml:"invariants,omitempty"`
	Budget        string          `json:"budget,omitempty" yaml:"budget,omitempty"`
	CI            *bool           `json:"ci,omitempty" yaml:"ci,omitempty"`
	Trace         *bool           `json:"trace,omitempty" yaml:"trace,omitempty"`
	TimeoutMS     *int            `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ApplyRetry    *int            `json:"apply_max_attempts,omitempty" yaml:"apply_max_attempts,omitempty"`
	AdapterConfig json.RawMessage `json:"adapter_config,omitempty" yaml:"adapter_config,omitempty"`
}

// LoadFile reads and strictly decodes a run configuration file. An empty
// path returns a zero File (all-defaults), not an error.
func LoadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return &File{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &f); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	return &f, nil
}

func decodeJSONStrict(b []byte, f *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, f *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// Run is the fully resolved run configuration, after flags > file > env
// precedence has been applied (spec.md §6).
type Run struct {
	Seed             *int64
	Faults           []string
	InvariantsPath   string
	Budget           Budget
	CI               bool
	Trace            bool
	Timeout          time.Duration
	ApplyMaxAttempts int
	AdapterConfig    json.RawMessage
}

// Flags carries the CLI-parsed flag values; a nil pointer / zero value
// means "not set on the command line", letting Resolve fall through to the
// file and then the environment.
type Flags struct {
	Seed             *int64
	Faults           []string
	InvariantsPath   string
	Budget           string
	CI               *bool
	Trace            *bool
	TimeoutMS        *int
	ApplyMaxAttempts *int
	AdapterConfig    json.RawMessage
}

// Resolve combines flags, a loaded config file, and NOMERCY_* environment
// fallbacks into one Run, with flags taking precedence over the file, which
// takes precedence over the environment (spec.md §6).
func Resolve(flags Flags, file *File, env func(string) string) (Run, error) {
	if file == nil {
		file = &File{}
	}
	if env == nil {
		env = os.Getenv
	}

	run := Run{
		ApplyMaxAttempts: 3,
		Timeout:          5 * time.Second,
	}

	switch {
	case flags.Seed != nil:
		run.Seed = flags.Seed
	case file.Seed != nil:
		run.Seed = file.Seed
	default:
		if v := env("NOMERCY_SEED"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Run{}, fmt.Errorf("config: NOMERCY_SEED %q: %w", v, err)
			}
			run.Seed = &n
		}
	}

	switch {
	case len(flags.Faults) > 0:
		run.Faults = flags.Faults
	case len(file.Faults) > 0:
		run.Faults = file.Faults
	default:
		if v := env("NOMERCY_FAULTS"); v != "" {
			run.Faults = strings.Split(v, ",")
		}
	}

	switch {
	case flags.InvariantsPath != "":
		run.InvariantsPath = flags.InvariantsPath
	case file.Invariants != "":
		run.InvariantsPath = file.Invariants
	default:
		run.InvariantsPath = env("NOMERCY_INVARIANTS")
	}

	budgetSpec := flags.Budget
	if budgetSpec == "" {
		budgetSpec = file.Budget
	}
	if budgetSpec == "" {
		budgetSpec = env("NOMERCY_BUDGET")
	}
	if budgetSpec == "" {
		budgetSpec = "steps=1000"
	}
	budget, err := parseBudget(budgetSpec)
	if err != nil {
		return Run{}, err
	}
	run.Budget = budget

	switch {
	case flags.CI != nil:
		run.CI = *flags.CI
	case file.CI != nil:
		run.CI = *file.CI
	default:
		run.CI = envBool(env("NOMERCY_CI"))
	}

	switch {
	case flags.Trace != nil:
		run.Trace = *flags.Trace
	case file.Trace != nil:
		run.Trace = *file.Trace
	default:
		run.Trace = envBool(env("NOMERCY_TRACE"))
	}

	switch {
	case flags.TimeoutMS != nil:
		run.Timeout = time.Duration(*flags.TimeoutMS) * time.Millisecond
	case file.TimeoutMS != nil:
		run.Timeout = time.Duration(*file.TimeoutMS) * time.Millisecond
	default:
		if v := env("NOMERCY_TIMEOUT_MS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Run{}, fmt.Errorf("config: NOMERCY_TIMEOUT_MS %q: %w", v, err)
			}
			run.Timeout = time.Duration(n) * time.Millisecond
		}
	}

	switch {
	case flags.ApplyMaxAttempts != nil:
		run.ApplyMaxAttempts = *flags.ApplyMaxAttempts
	case file.ApplyRetry != nil:
		run.ApplyMaxAttempts = *file.ApplyRetry
	default:
		if v := env("NOMERCY_APPLY_MAX_ATTEMPTS"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Run{}, fmt.Errorf("config: NOMERCY_APPLY_MAX_ATTEMPTS %q: %w", v, err)
			}
			run.ApplyMaxAttempts = n
		}
	}
	if run.ApplyMaxAttempts < 1 {
		return Run{}, fmt.Errorf("config: apply_max_attempts must be >= 1")
	}

	switch {
	case len(flags.AdapterConfig) > 0:
		run.AdapterConfig = flags.AdapterConfig
	case len(file.AdapterConfig) > 0:
		run.AdapterConfig = file.AdapterConfig
	default:
		if v := env("NOMERCY_ADAPTER_CONFIG"); v != "" {
			run.AdapterConfig = json.RawMessage(v)
		}
	}

	return run, nil
}

func envBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

func parseBudget(spec string) (Budget, error) {
	spec = strings.TrimSpace(spec)
	if spec == "infinite" {
		return Budget{Infinite: true}, nil
	}
	k, v, ok := strings.Cut(spec, "=")
	if !ok {
		return Budget{}, fmt.Errorf("config: invalid --budget %q, want steps=<n>|time=<dur>|infinite", spec)
	}
	switch k {
	case "steps":
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Budget{}, fmt.Errorf("config: invalid --budget steps value %q", v)
		}
		return Budget{Steps: n}, nil
	case "time":
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Budget{}, fmt.Errorf("config: invalid --budget time value %q", v)
		}
		return Budget{Time: d}, nil
	default:
		return Budget{}, fmt.Errorf("config: invalid --budget %q, want steps=<n>|time=<dur>|infinite", spec)
	}
}
