package engine

import (
	"encoding/json"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/protocol"
	"github.com/jakobhautop/nomercy/internal/scheduler"
)

// splitmix64 is the budget-driven operation generator's PRNG (spec.md
// §4.4 point 1: "operation list or budget-driven generator; deterministic
// over seed"). It is seeded directly from the run seed, so two runs with
// the same seed always produce the same operation plan.
type splitmix64 struct{ state uint64 }

func newSplitmix64(seed int64) *splitmix64 {
	return &splitmix64{state: uint64(seed)}
}

func (s *splitmix64) next() uint64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// observeEvery is how often the generator inserts an observe step between
// applies, so the scheduler has fresh observations to check invariants
// against.
const observeEvery = 3

// GeneratePlan builds a deterministic operation plan of length steps,
// cycling through the manifest's declared operations in a seed-derived
// order and interspersing observe steps every observeEvery applies.
func GeneratePlan(seed int64, manifest *adaptermanifest.Manifest, steps int) []scheduler.PlanStep {
	if steps <= 0 || len(manifest.OpCatalog) == 0 {
		return nil
	}
	rng := newSplitmix64(seed)
	plan := make([]scheduler.PlanStep, 0, steps)
	applyCount := 0
	for len(plan) < steps {
		if applyCount > 0 && applyCount%observeEvery == 0 {
			plan = append(plan, scheduler.PlanStep{Kind: scheduler.PlanObserve})
			applyCount = 0
			continue
		}
		op := manifest.OpCatalog[int(rng.next()%uint64(len(manifest.OpCatalog)))]
		plan = append(plan, scheduler.PlanStep{
			Kind: scheduler.PlanApply,
			Op:   protocol.Op{Name: op.Name, Args: synthesizeArgs(op.ArgsSchema)},
		})
		applyCount++
	}
	return plan
}

// synthesizeArgs builds the simplest JSON value satisfying schema's
// top-level required properties: an empty object when the schema declares
// none, or zero-valued placeholders (empty string, 0, false, empty array)
// for each required property's declared type. This is not a general JSON
// Schema data generator — nomercy's adapters are expected to accept these
// placeholders or reject them as a replayable error, both of which the
// scheduler already handles.
func synthesizeArgs(schema json.RawMessage) jsonvalue.Value {
	if len(schema) == 0 {
		return jsonvalue.NewObject(nil)
	}
	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return jsonvalue.NewObject(nil)
	}
	members := make([]jsonvalue.Member, 0, len(parsed.Required))
	for _, name := range parsed.Required {
		prop, ok := parsed.Properties[name]
		if !ok {
			continue
		}
		members = append(members, jsonvalue.Member{Key: name, Value: zeroValueForType(prop.Type)})
	}
	return jsonvalue.NewObject(members)
}

func zeroValueForType(t string) jsonvalue.Value {
	switch t {
	case "string":
		return jsonvalue.String("")
	case "integer", "number":
		return jsonvalue.Number(0)
	case "boolean":
		return jsonvalue.Bool(false)
	case "array":
		return jsonvalue.Array(nil)
	case "object":
		return jsonvalue.NewObject(nil)
	default:
		return jsonvalue.Null()
	}
}
