package engine

import (
	"fmt"
	"os"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/nomerr"
)

// QualifyResult is what beg (and pray/explore's implicit qualification
// check) reports.
type QualifyResult struct {
	AdapterManifestHash string
	InvariantFileHash   string
	OpCount             int
	InvariantCount      int
}

// Qualify performs static determinism qualification (spec.md §6 "beg
// <system>: Static determinism qualification; no commands issued."): the
// adapter child is never spawned. Every check here is static analysis of
// the manifest and invariant file that an adapter-driven run would
// otherwise discover only after issuing commands.
func Qualify(sys System, invariantsPath string) (*QualifyResult, error) {
	manifest, err := sys.LoadManifest()
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindSystemNotDeterministic, "load adapter manifest", err)
	}
	if err := qualifyManifestShape(manifest); err != nil {
		return nil, nomerr.Wrap(nomerr.KindSystemNotDeterministic, "manifest shape", err)
	}

	if invariantsPath == "" {
		invariantsPath = sys.DefaultInvariantsPath()
	}
	data, err := os.ReadFile(invariantsPath)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindSystemNotDeterministic, "read invariants file", err)
	}
	invs, err := invariant.LoadFile(data)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindSystemNotDeterministic, "load invariants", err)
	}

	invHash, err := adaptermanifest.ComputeChecksum(wrapInvariantsForHash(data))
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindSystemNotDeterministic, "hash invariants file", err)
	}

	return &QualifyResult{
		AdapterManifestHash: manifest.Checksum,
		InvariantFileHash:   invHash,
		OpCount:             len(manifest.OpCatalog),
		InvariantCount:      len(invs),
	}, nil
}

// qualifyManifestShape rejects manifests that would make a run's command
// sequence or fault interaction ambiguous: duplicate op names, duplicate
// resources, or an empty op_catalog all make
// "what command comes next" not solely a function of (seed, config,
// adapter, invariants, fault schedule) — the determinism property §5
// requires.
func qualifyManifestShape(m *adaptermanifest.Manifest) error {
	seenOps := make(map[string]bool, len(m.OpCatalog))
	for _, op := range m.OpCatalog {
		if op.Name == "" {
			return fmt.Errorf("op_catalog entry has an empty name")
		}
		if seenOps[op.Name] {
			return fmt.Errorf("op_catalog has duplicate op name %q", op.Name)
		}
		seenOps[op.Name] = true
	}
	seenResources := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		if seenResources[r] {
			return fmt.Errorf("resources declares duplicate resource %q", r)
		}
		seenResources[r] = true
	}
	for cmd, resources := range m.ResourceUsage {
		for _, r := range resources {
			if !m.KnownResource(r) {
				return fmt.Errorf("resource_usage[%q] references undeclared resource %q", cmd, r)
			}
		}
	}
	if len(m.OpCatalog) == 0 {
		return fmt.Errorf("op_catalog is empty; no apply operation plan can be generated")
	}
	return nil
}

// wrapInvariantsForHash reuses adaptermanifest's checksum-over-canonical-
// JSON shape for the invariant file hash recorded in repro.json (spec.md
// §3's Repro.invariant_file_hash), since the invariants file is itself a
// JSON array rather than an object with a "checksum" field to strip.
func wrapInvariantsForHash(raw []byte) []byte {
	return append([]byte(`{"checksum":"","invariants":`), append(append([]byte{}, raw...), '}')...)
}
