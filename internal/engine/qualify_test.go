package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
)

const qualifyManifestBody = `{
  "protocol_version": "1",
  "generator_version": "1.0.0",
  "op_catalog": [
    {"name": "deposit", "args_schema": {"type":"object","properties":{"amount":{"type":"number"}},"required":["amount"]}}
  ],
  "config_schema": {"type":"object"},
  "input_hashes": {"src": "deadbeef"},
  "resources": ["storage"],
  "resource_usage": {"apply": ["storage"]},
  "env_allowlist": ["NOMERCY_*"]
}`

const qualifyInvariantsBody = `[
  {"name": "balance.non_negative", "message": "balance went negative",
   "predicate": {"kind": "forall", "path": "accounts.[*].balance",
    "predicate": {"kind": "cmp", "op": "gte", "left": {"kind": "field", "path": "accounts.[*].balance"}, "right": 0}}}
]`

func writeQualifySystem(t *testing.T, manifestBody, invariantsBody string) System {
	t.Helper()
	dir := t.TempDir()

	checksum, err := adaptermanifest.ComputeChecksum([]byte(manifestBody))
	if err != nil {
		t.Fatalf("ComputeChecksum: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(manifestBody), &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m["checksum"] = checksum
	full, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter.manifest.json"), full, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter.checksum"), []byte(checksum), 0o644); err != nil {
		t.Fatalf("write checksum: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "invariants.json"), []byte(invariantsBody), 0o644); err != nil {
		t.Fatalf("write invariants: %v", err)
	}
	return System{Dir: dir}
}

func TestQualify_SucceedsOnWellFormedSystem(t *testing.T) {
	sys := writeQualifySystem(t, qualifyManifestBody, qualifyInvariantsBody)
	result, err := Qualify(sys, "")
	if err != nil {
		t.Fatalf("Qualify: %v", err)
	}
	if result.OpCount != 1 {
		t.Fatalf("OpCount = %d, want 1", result.OpCount)
	}
	if result.InvariantCount != 1 {
		t.Fatalf("InvariantCount = %d, want 1", result.InvariantCount)
	}
	if result.AdapterManifestHash == "" || result.InvariantFileHash == "" {
		t.Fatalf("expected non-empty hashes, got %+v", result)
	}
}

func TestQualify_UsesExplicitInvariantsPath(t *testing.T) {
	sys := writeQualifySystem(t, qualifyManifestBody, qualifyInvariantsBody)
	altPath := filepath.Join(t.TempDir(), "other.json")
	if err := os.WriteFile(altPath, []byte(qualifyInvariantsBody), 0o644); err != nil {
		t.Fatalf("write alt invariants: %v", err)
	}
	result, err := Qualify(sys, altPath)
	if err != nil {
		t.Fatalf("Qualify: %v", err)
	}
	if result.InvariantCount != 1 {
		t.Fatalf("InvariantCount = %d, want 1", result.InvariantCount)
	}
}

func TestQualify_RejectsDuplicateOpNames(t *testing.T) {
	body := `{
  "protocol_version": "1",
  "generator_version": "1.0.0",
  "op_catalog": [
    {"name": "deposit", "args_schema": {"type":"object"}},
    {"name": "deposit", "args_schema": {"type":"object"}}
  ],
  "config_schema": {"type":"object"},
  "input_hashes": {},
  "resources": [],
  "resource_usage": {},
  "env_allowlist": []
}`
	sys := writeQualifySystem(t, body, qualifyInvariantsBody)
	if _, err := Qualify(sys, ""); err == nil {
		t.Fatalf("expected an error for duplicate op names")
	}
}

func TestQualify_RejectsEmptyOpCatalog(t *testing.T) {
	body := `{
  "protocol_version": "1",
  "generator_version": "1.0.0",
  "op_catalog": [],
  "config_schema": {"type":"object"},
  "input_hashes": {},
  "resources": [],
  "resource_usage": {},
  "env_allowlist": []
}`
	sys := writeQualifySystem(t, body, qualifyInvariantsBody)
	if _, err := Qualify(sys, ""); err == nil {
		t.Fatalf("expected an error for an empty op_catalog")
	}
}

func TestQualify_RejectsResourceUsageReferencingUndeclaredResource(t *testing.T) {
	body := `{
  "protocol_version": "1",
  "generator_version": "1.0.0",
  "op_catalog": [
    {"name": "deposit", "args_schema": {"type":"object"}}
  ],
  "config_schema": {"type":"object"},
  "input_hashes": {},
  "resources": ["storage"],
  "resource_usage": {"apply": ["network"]},
  "env_allowlist": []
}`
	sys := writeQualifySystem(t, body, qualifyInvariantsBody)
	if _, err := Qualify(sys, ""); err == nil {
		t.Fatalf("expected an error for resource_usage referencing an undeclared resource")
	}
}

func TestQualify_RejectsMissingInvariantsFile(t *testing.T) {
	sys := writeQualifySystem(t, qualifyManifestBody, qualifyInvariantsBody)
	if err := os.Remove(filepath.Join(sys.Dir, "invariants.json")); err != nil {
		t.Fatalf("remove invariants: %v", err)
	}
	if _, err := Qualify(sys, ""); err == nil {
		t.Fatalf("expected an error when invariants.json is missing")
	}
}
