package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFile_EmptyPathIsAllDefaults(t *testing.T) {
	f, err := LoadFile("")
	if err != nil {
		t.Fatalf("LoadFile(\"\"): %v", err)
	}
	if f.Seed != nil || f.Budget != "" {
		t.Fatalf("expected a zero File, got %+v", f)
	}
}

func TestLoadFile_JSONStrictRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{"seed": 1, "bogus": true}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected an error for an unknown JSON field")
	}
}

func TestLoadFile_YAMLStrictRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("seed: 1\nbogus: true\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected an error for an unknown YAML field")
	}
}

func TestLoadFile_ParsesJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	if err := os.WriteFile(path, []byte(`{"seed": 7, "budget": "steps=50", "faults": ["crash@4"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.Seed == nil || *f.Seed != 7 {
		t.Fatalf("Seed = %v, want 7", f.Seed)
	}
	if f.Budget != "steps=50" {
		t.Fatalf("Budget = %q, want steps=50", f.Budget)
	}
	if len(f.Faults) != 1 || f.Faults[0] != "crash@4" {
		t.Fatalf("Faults = %v, want [crash@4]", f.Faults)
	}
}

func TestResolve_FlagsBeatFileBeatEnv(t *testing.T) {
	flagSeed := int64(1)
	fileSeed := int64(2)
	file := &File{Seed: &fileSeed}
	env := map[string]string{"NOMERCY_SEED": "3"}

	run, err := Resolve(Flags{Seed: &flagSeed}, file, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if run.Seed == nil || *run.Seed != 1 {
		t.Fatalf("flags should win: Seed = %v, want 1", run.Seed)
	}

	run, err = Resolve(Flags{}, file, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if run.Seed == nil || *run.Seed != 2 {
		t.Fatalf("file should win over env: Seed = %v, want 2", run.Seed)
	}

	run, err = Resolve(Flags{}, &File{}, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if run.Seed == nil || *run.Seed != 3 {
		t.Fatalf("env should apply when flags and file are both unset: Seed = %v, want 3", run.Seed)
	}
}

func TestResolve_DefaultBudgetAndTimeoutAndApplyAttempts(t *testing.T) {
	run, err := Resolve(Flags{}, nil, envLookup(nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if run.Budget.Steps != 1000 || run.Budget.Infinite {
		t.Fatalf("default budget = %+v, want steps=1000", run.Budget)
	}
	if run.Timeout != 5*time.Second {
		t.Fatalf("default timeout = %v, want 5s", run.Timeout)
	}
	if run.ApplyMaxAttempts != 3 {
		t.Fatalf("default apply max attempts = %d, want 3", run.ApplyMaxAttempts)
	}
}

func TestResolve_BudgetVariants(t *testing.T) {
	cases := []struct {
		spec string
		want Budget
	}{
		{"steps=50", Budget{Steps: 50}},
		{"time=10s", Budget{Time: 10 * time.Second}},
		{"infinite", Budget{Infinite: true}},
	}
	for _, c := range cases {
		run, err := Resolve(Flags{Budget: c.spec}, nil, envLookup(nil))
		if err != nil {
			t.Fatalf("Resolve(%q): %v", c.spec, err)
		}
		if run.Budget != c.want {
			t.Fatalf("Resolve(%q).Budget = %+v, want %+v", c.spec, run.Budget, c.want)
		}
	}
}

func TestResolve_RejectsMalformedBudget(t *testing.T) {
	if _, err := Resolve(Flags{Budget: "bogus"}, nil, envLookup(nil)); err == nil {
		t.Fatalf("expected an error for a malformed --budget")
	}
	if _, err := Resolve(Flags{Budget: "steps=0"}, nil, envLookup(nil)); err == nil {
		t.Fatalf("expected an error for steps=0")
	}
}

func TestResolve_RejectsNonPositiveApplyMaxAttempts(t *testing.T) {
	zero := 0
	if _, err := Resolve(Flags{ApplyMaxAttempts: &zero}, nil, envLookup(nil)); err == nil {
		t.Fatalf("expected an error for apply_max_attempts=0")
	}
}

func TestResolve_CIAndTraceBooleanPrecedence(t *testing.T) {
	fileTrue := true
	file := &File{CI: &fileTrue}
	run, err := Resolve(Flags{}, file, envLookup(nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !run.CI {
		t.Fatalf("expected file's CI=true to apply when flags are unset")
	}

	flagFalse := false
	run, err = Resolve(Flags{CI: &flagFalse}, file, envLookup(nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if run.CI {
		t.Fatalf("expected an explicit flag CI=false to override the file's CI=true")
	}
}

func TestResolve_AdapterConfigPrecedence(t *testing.T) {
	file := &File{AdapterConfig: json.RawMessage(`{"mode":"from_file"}`)}
	env := map[string]string{"NOMERCY_ADAPTER_CONFIG": `{"mode":"from_env"}`}

	run, err := Resolve(Flags{AdapterConfig: json.RawMessage(`{"mode":"from_flag"}`)}, file, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(run.AdapterConfig) != `{"mode":"from_flag"}` {
		t.Fatalf("flags should win: AdapterConfig = %s", run.AdapterConfig)
	}

	run, err = Resolve(Flags{}, file, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(run.AdapterConfig) != `{"mode":"from_file"}` {
		t.Fatalf("file should win over env: AdapterConfig = %s", run.AdapterConfig)
	}

	run, err = Resolve(Flags{}, &File{}, envLookup(env))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(run.AdapterConfig) != `{"mode":"from_env"}` {
		t.Fatalf("env should apply when flags and file are both unset: AdapterConfig = %s", run.AdapterConfig)
	}
}

func envLookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}
