package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/nomerr"
)

// GenerateResult is what `nomercy generate <system>` reports.
type GenerateResult struct {
	AdapterManifestHash string
}

// Generate recomputes a system's adapter.manifest.json checksum over the
// canonical JSON of its generator inputs with checksum absent, and
// atomically rewrites both adapter.manifest.json and adapter.checksum
// (spec.md §6 "regeneration rewrites both"). This is the engine's own
// regeneration path, used when a manifest has drifted from its checksum
// rather than when an adapter generator misbehaved.
func Generate(sys System) (*GenerateResult, error) {
	manifestPath := filepath.Join(sys.Dir, "adapter.manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "read adapter manifest", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nomerr.Wrap(nomerr.KindAdapterBuildError, "decode adapter manifest", err)
	}
	delete(obj, "checksum")
	stripped, err := json.Marshal(obj)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "re-encode stripped manifest", err)
	}

	checksum, err := adaptermanifest.ComputeChecksum(stripped)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "compute checksum", err)
	}
	obj["checksum"] = json.RawMessage(fmt.Sprintf("%q", checksum))

	final, err := marshalStableManifest(obj)
	if err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "re-encode manifest", err)
	}

	if err := atomicWrite(manifestPath, final); err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "write adapter manifest", err)
	}
	checksumPath := filepath.Join(sys.Dir, "adapter.checksum")
	if err := atomicWrite(checksumPath, []byte(checksum+"\n")); err != nil {
		return nil, nomerr.Wrap(nomerr.KindInternalBug, "write adapter checksum", err)
	}

	return &GenerateResult{AdapterManifestHash: checksum}, nil
}

// manifestFieldOrder mirrors adaptermanifest.Manifest's JSON tag order, so a
// regenerated adapter.manifest.json stays byte-stable across re-generation
// runs that don't actually change any field (spec.md §8's determinism bar
// applies to generator output too, not only simulation runs).
var manifestFieldOrder = []string{
	"protocol_version", "generator_version", "op_catalog", "config_schema",
	"input_hashes", "resources", "resource_usage", "env_allowlist", "checksum",
}

func marshalStableManifest(obj map[string]json.RawMessage) ([]byte, error) {
	var buf []byte
	buf = append(buf, '{')
	first := true
	write := func(key string, val json.RawMessage) {
		if !first {
			buf = append(buf, ',')
		}
		first = false
		k, _ := json.Marshal(key)
		buf = append(buf, k...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	for _, key := range manifestFieldOrder {
		if v, ok := obj[key]; ok {
			write(key, v)
		}
	}
	buf = append(buf, '}')
	return buf, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
