// Package adaptermanifest loads and validates adapter.manifest.json and its
// sibling adapter.checksum (spec.md §6), compiling op_catalog and
// config_schema JSON Schemas so the engine can reject malformed commands
// before ever spawning the adapter child.
package adaptermanifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// OpSpec is one entry in the manifest's op_catalog: an operation name the
// adapter understands and the JSON Schema its arguments must satisfy.
type OpSpec struct {
	Name       string          `json:"name"`
	ArgsSchema json.RawMessage `json:"args_schema"`

	compiled *jsonschema.Schema
}

// Manifest mirrors adapter.manifest.json (spec.md §6).
type Manifest struct {
	ProtocolVersion  string                 `json:"protocol_version"`
	GeneratorVersion string                 `json:"generator_version"`
	OpCatalog        []OpSpec               `json:"op_catalog"`
	ConfigSchema     json.RawMessage        `json:"config_schema"`
	InputHashes      map[string]string      `json:"input_hashes"`
	Resources        []string               `json:"resources"`
	ResourceUsage    map[string][]string     `json:"resource_usage,omitempty"`
	EnvAllowlist     []string               `json:"env_allowlist"`
	Checksum         string                 `json:"checksum,omitempty"`

	configSchema *jsonschema.Schema
	path         string
}

// Load reads, parses, and schema-compiles the manifest at dir/adapter.manifest.json,
// then verifies it against the sibling dir/adapter.checksum.
func Load(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, "adapter.manifest.json")
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("adaptermanifest: read %s: %w", manifestPath, err)
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("adaptermanifest: decode %s: %w", manifestPath, err)
	}
	m.path = manifestPath

	checksumPath := filepath.Join(dir, "adapter.checksum")
	storedChecksum, err := os.ReadFile(checksumPath)
	if err != nil {
		return nil, fmt.Errorf("adaptermanifest: read %s: %w", checksumPath, err)
	}
	want := strings.TrimSpace(string(storedChecksum))
	got, err := ComputeChecksum(b)
	if err != nil {
		return nil, err
	}
	if want != got {
		return nil, fmt.Errorf("adaptermanifest: checksum mismatch: computed %q, adapter.checksum has %q", got, want)
	}
	if m.Checksum != "" && m.Checksum != got {
		return nil, fmt.Errorf("adaptermanifest: manifest checksum field %q disagrees with computed %q", m.Checksum, got)
	}

	if err := m.compileSchemas(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ComputeChecksum hashes the canonical JSON of the manifest's generator
// inputs with the checksum field absent, per spec.md §6. manifestJSON is
// the raw manifest bytes (possibly including a "checksum" field, which is
// stripped before hashing).
func ComputeChecksum(manifestJSON []byte) (string, error) {
	// The manifest is a config document, not an observation: its embedded
	// JSON Schemas can nest deeper than MaxDepth, so this parses unbounded.
	v, err := jsonvalue.ParseUnbounded(manifestJSON)
	if err != nil {
		return "", fmt.Errorf("adaptermanifest: checksum input is not valid JSON: %w", err)
	}
	members, ok := v.Members()
	if !ok {
		return "", fmt.Errorf("adaptermanifest: checksum input is not a JSON object")
	}
	stripped := make([]jsonvalue.Member, 0, len(members))
	for _, m := range members {
		if m.Key == "checksum" {
			continue
		}
		stripped = append(stripped, m)
	}
	canonical := jsonvalue.NewObject(stripped).MarshalCanonical()

	h := blake3.New()
	if _, err := h.Write(canonical); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Manifest) compileSchemas() error {
	if len(m.ConfigSchema) > 0 {
		schema, err := compileSchema("config_schema.json", m.ConfigSchema)
		if err != nil {
			return fmt.Errorf("adaptermanifest: compile config_schema: %w", err)
		}
		m.configSchema = schema
	}
	for i := range m.OpCatalog {
		op := &m.OpCatalog[i]
		if len(op.ArgsSchema) == 0 {
			continue
		}
		schema, err := compileSchema(fmt.Sprintf("op_%s_args.json", op.Name), op.ArgsSchema)
		if err != nil {
			return fmt.Errorf("adaptermanifest: compile op %q args_schema: %w", op.Name, err)
		}
		op.compiled = schema
	}
	return nil
}

func compileSchema(resourceName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(resourceName)
}

// ValidateConfig checks cfg (raw JSON) against the manifest's config_schema,
// if one was declared.
func (m *Manifest) ValidateConfig(cfg []byte) error {
	if m.configSchema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(cfg, &v); err != nil {
		return fmt.Errorf("adaptermanifest: config is not valid JSON: %w", err)
	}
	return m.configSchema.Validate(v)
}

// ValidateOpArgs checks an apply command's op arguments against the named
// op's args_schema, and rejects op names absent from op_catalog.
func (m *Manifest) ValidateOpArgs(opName string, args []byte) error {
	for i := range m.OpCatalog {
		op := &m.OpCatalog[i]
		if op.Name != opName {
			continue
		}
		if op.compiled == nil {
			return nil
		}
		var v any
		if err := json.Unmarshal(args, &v); err != nil {
			return fmt.Errorf("adaptermanifest: op %q args are not valid JSON: %w", opName, err)
		}
		return op.compiled.Validate(v)
	}
	return fmt.Errorf("adaptermanifest: op %q is not in op_catalog", opName)
}

// TouchedResources returns the resources a command of the given kind name
// touches, per the manifest's resource_usage map. If the manifest declares
// no entry for cmd, delay never blocks it (spec.md §4.3).
func (m *Manifest) TouchedResources(cmd string) []string {
	return m.ResourceUsage[cmd]
}

// KnownResource reports whether resource is declared, when the
// manifest declares a closed set (non-empty Resources list).
func (m *Manifest) KnownResource(resource string) bool {
	if len(m.Resources) == 0 {
		return true
	}
	for _, r := range m.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// EnvAllowed reports whether envVar may be forwarded to the adapter child,
// matching each env_allowlist entry as a doublestar glob (e.g. "NOMERCY_*").
func (m *Manifest) EnvAllowed(envVar string) bool {
	for _, pattern := range m.EnvAllowlist {
		ok, err := doublestar.Match(pattern, envVar)
		if err == nil && ok {
			return true
		}
	}
	return false
}
