package main

import (
	"errors"
	"testing"

	"github.com/jakobhautop/nomercy/internal/nomerr"
)

func TestParseCommonFlags_RequiresSystemArgument(t *testing.T) {
	if _, err := parseCommonFlags(nil); err == nil {
		t.Fatalf("expected an error when no system argument is given")
	}
}

func TestParseCommonFlags_ParsesAllFlags(t *testing.T) {
	f, err := parseCommonFlags([]string{
		"flaky-sessions",
		"--seed", "42",
		"--fault", "crash@4",
		"--fault", "delay:storage@2+3",
		"--invariants", "custom.json",
		"--budget", "steps=50",
		"--ci",
		"--trace",
		"--config", "run.yaml",
	})
	if err != nil {
		t.Fatalf("parseCommonFlags: %v", err)
	}
	if f.system != "flaky-sessions" {
		t.Fatalf("system = %q, want flaky-sessions", f.system)
	}
	if f.seed == nil || *f.seed != 42 {
		t.Fatalf("seed = %v, want 42", f.seed)
	}
	if len(f.faults) != 2 || f.faults[0] != "crash@4" || f.faults[1] != "delay:storage@2+3" {
		t.Fatalf("faults = %v", f.faults)
	}
	if f.invariants != "custom.json" {
		t.Fatalf("invariants = %q", f.invariants)
	}
	if f.budget != "steps=50" {
		t.Fatalf("budget = %q", f.budget)
	}
	if !f.ci || !f.ciSet {
		t.Fatalf("ci/ciSet = %v/%v, want true/true", f.ci, f.ciSet)
	}
	if !f.trace || !f.traceSet {
		t.Fatalf("trace/traceSet = %v/%v, want true/true", f.trace, f.traceSet)
	}
	if f.configPath != "run.yaml" {
		t.Fatalf("configPath = %q", f.configPath)
	}
}

func TestParseCommonFlags_RejectsUnknownFlag(t *testing.T) {
	if _, err := parseCommonFlags([]string{"sys", "--bogus"}); err == nil {
		t.Fatalf("expected an error for an unknown flag")
	}
}

func TestParseCommonFlags_RejectsDanglingValueFlags(t *testing.T) {
	cases := [][]string{
		{"sys", "--seed"},
		{"sys", "--fault"},
		{"sys", "--invariants"},
		{"sys", "--budget"},
		{"sys", "--config"},
	}
	for _, args := range cases {
		if _, err := parseCommonFlags(args); err == nil {
			t.Fatalf("expected an error for dangling flag in %v", args)
		}
	}
}

func TestParseCommonFlags_RejectsMalformedSeed(t *testing.T) {
	if _, err := parseCommonFlags([]string{"sys", "--seed", "not-a-number"}); err == nil {
		t.Fatalf("expected an error for a malformed --seed value")
	}
}

func TestResolveRun_AppliesFlagsOverEmptyConfig(t *testing.T) {
	seed := int64(7)
	f := commonFlags{system: "sys", seed: &seed, budget: "steps=10"}
	run, err := resolveRun(f)
	if err != nil {
		t.Fatalf("resolveRun: %v", err)
	}
	if run.Seed == nil || *run.Seed != 7 {
		t.Fatalf("Seed = %v, want 7", run.Seed)
	}
	if run.Budget.Steps != 10 {
		t.Fatalf("Budget.Steps = %d, want 10", run.Budget.Steps)
	}
}

func TestResolveRun_OnlySetsCIWhenFlagWasExplicit(t *testing.T) {
	f := commonFlags{system: "sys"}
	run, err := resolveRun(f)
	if err != nil {
		t.Fatalf("resolveRun: %v", err)
	}
	if run.CI {
		t.Fatalf("expected CI=false by default when --ci was not passed")
	}
}

func TestParseReplayShrinkFlags_ParsesSystemAndInvariants(t *testing.T) {
	f, err := parseReplayShrinkFlags([]string{"--system", "systems/flaky", "--invariants", "inv.json"})
	if err != nil {
		t.Fatalf("parseReplayShrinkFlags: %v", err)
	}
	if f.systemDirFlag != "systems/flaky" || f.invariants != "inv.json" {
		t.Fatalf("unexpected flags: %+v", f)
	}
}

func TestParseReplayShrinkFlags_RejectsUnknownFlag(t *testing.T) {
	if _, err := parseReplayShrinkFlags([]string{"--bogus", "x"}); err == nil {
		t.Fatalf("expected an error for an unknown flag")
	}
}

func TestExitCodeFor_MapsNomercyKinds(t *testing.T) {
	if got := exitCodeFor(nil); got != 0 {
		t.Fatalf("exitCodeFor(nil) = %d, want 0", got)
	}
	if got := exitCodeFor(nomerr.New(nomerr.KindInvariantFailed, "bad")); got != 1 {
		t.Fatalf("exitCodeFor(invariant_failed) = %d, want 1", got)
	}
	if got := exitCodeFor(nomerr.New(nomerr.KindAdapterBuildError, "bad")); got != 3 {
		t.Fatalf("exitCodeFor(adapter_build_error) = %d, want 3", got)
	}
	if got := exitCodeFor(errors.New("unclassified")); got != 5 {
		t.Fatalf("exitCodeFor(unclassified) = %d, want 5", got)
	}
}
