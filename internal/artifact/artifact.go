// Package artifact writes nomercy's repro and trace files (spec.md §4.9):
// canonical JSON, sorted keys, no trailing whitespace variation, written
// write-temp-then-rename so a crashing engine process never leaves a
// partial file behind (spec.md §8 "no partial writes").
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/trace"
)

// Dir resolves the artifact directory for a named system: "./target/nomercy/<system>/"
// when cwd is (or is inside) a repository, "~/.cache/nomercy/<system>/" otherwise.
func Dir(system string, inRepo bool) (string, error) {
	if inRepo {
		return filepath.Join("target", "nomercy", system), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("artifact: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "nomercy", system), nil
}

// Repro mirrors spec.md §3's Repro record.
type Repro struct {
	EngineVersion       string
	AdapterManifestHash string
	InvariantFileHash   string
	Seed                int64
	FaultSchedule       *fault.Schedule
	MinimalTrace        *trace.Log
	FailingInvariant    *invariant.FailureRecord
	LastCrashState      jsonvalue.Value
	HaveLastCrashState  bool
	Reason              string // machine marker, e.g. "protocol_timeout"
	Detail              string // free-form detail, e.g. "command=observe, timeout_count=2"
}

func (r Repro) canonical() jsonvalue.Value {
	faultArr := make([]jsonvalue.Value, 0)
	if r.FaultSchedule != nil {
		for _, f := range r.FaultSchedule.Faults() {
			faultArr = append(faultArr, faultCanonical(f))
		}
	}

	members := []jsonvalue.Member{
		{Key: "engine_version", Value: jsonvalue.String(r.EngineVersion)},
		{Key: "adapter_manifest_hash", Value: jsonvalue.String(r.AdapterManifestHash)},
		{Key: "invariant_file_hash", Value: jsonvalue.String(r.InvariantFileHash)},
		{Key: "seed", Value: jsonvalue.Number(float64(r.Seed))},
		{Key: "fault_schedule", Value: jsonvalue.Array(faultArr)},
	}
	if r.MinimalTrace != nil {
		members = append(members, jsonvalue.Member{Key: "minimal_trace", Value: r.MinimalTrace.Value()})
	}
	if r.FailingInvariant != nil {
		members = append(members, jsonvalue.Member{Key: "failing_invariant", Value: failureCanonical(*r.FailingInvariant)})
	}
	if r.HaveLastCrashState {
		members = append(members, jsonvalue.Member{Key: "last_crash_state", Value: r.LastCrashState})
	}
	if r.Reason != "" {
		members = append(members, jsonvalue.Member{Key: "reason", Value: jsonvalue.String(r.Reason)})
	}
	if r.Detail != "" {
		members = append(members, jsonvalue.Member{Key: "detail", Value: jsonvalue.String(r.Detail)})
	}
	return jsonvalue.NewObject(members)
}

func faultCanonical(f fault.Fault) jsonvalue.Value {
	members := []jsonvalue.Member{
		{Key: "kind", Value: jsonvalue.String(f.Kind.String())},
		{Key: "step", Value: jsonvalue.Number(float64(f.Step))},
	}
	if f.Kind == fault.KindDelay {
		members = append(members,
			jsonvalue.Member{Key: "resource", Value: jsonvalue.String(f.Resource)},
			jsonvalue.Member{Key: "duration", Value: jsonvalue.Number(float64(f.Duration))},
		)
	}
	return jsonvalue.NewObject(members)
}

func failureCanonical(f invariant.FailureRecord) jsonvalue.Value {
	return jsonvalue.NewObject([]jsonvalue.Member{
		{Key: "name", Value: jsonvalue.String(f.Name)},
		{Key: "predicate", Value: f.Predicate},
		{Key: "message", Value: jsonvalue.String(f.Message)},
		{Key: "observation", Value: f.Observation},
		{Key: "step", Value: jsonvalue.Number(float64(f.Step))},
		{Key: "fault_schedule_hash", Value: jsonvalue.String(f.FaultScheduleHash)},
	})
}

// WriteRepro writes r to dir/name as canonical JSON, atomically.
func WriteRepro(dir, name string, r Repro) (string, error) {
	return writeCanonical(dir, name, r.canonical().MarshalCanonical())
}

// WriteTrace writes tr to dir/name as a canonical JSON array, atomically.
func WriteTrace(dir, name string, tr *trace.Log) (string, error) {
	return writeCanonical(dir, name, tr.MarshalCanonical())
}

// writeCanonical implements write-to-temp-then-rename: the file at path
// either does not exist, or is a complete, parseable write — never a
// partial one (spec.md §8).
func writeCanonical(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file for %s: %w", final, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("artifact: write %s: %w", final, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("artifact: sync %s: %w", final, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("artifact: close %s: %w", final, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("artifact: rename into place %s: %w", final, err)
	}
	return final, nil
}
