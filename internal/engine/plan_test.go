package engine

import (
	"testing"

	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/scheduler"
)

func testManifest() *adaptermanifest.Manifest {
	var m adaptermanifest.Manifest
	m.OpCatalog = []adaptermanifest.OpSpec{
		{Name: "deposit", ArgsSchema: []byte(`{"type":"object","properties":{"amount":{"type":"number"}},"required":["amount"]}`)},
		{Name: "withdraw", ArgsSchema: []byte(`{"type":"object","properties":{"amount":{"type":"number"}},"required":["amount"]}`)},
	}
	return &m
}

func TestGeneratePlan_DeterministicOverSeed(t *testing.T) {
	m := testManifest()
	a := GeneratePlan(42, m, 20)
	b := GeneratePlan(42, m, 20)
	if len(a) != len(b) {
		t.Fatalf("same seed produced different lengths: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Kind != b[i].Kind || a[i].Op.Name != b[i].Op.Name {
			t.Fatalf("same seed produced different plans at index %d: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestGeneratePlan_DifferentSeedsLikelyDiffer(t *testing.T) {
	m := testManifest()
	a := GeneratePlan(1, m, 20)
	b := GeneratePlan(2, m, 20)
	same := true
	for i := range a {
		if a[i].Op.Name != b[i].Op.Name {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("expected different seeds to produce at least one differing step")
	}
}

func TestGeneratePlan_InsertsObserveEveryThirdApply(t *testing.T) {
	m := testManifest()
	plan := GeneratePlan(7, m, 10)
	applyCount := 0
	for _, step := range plan {
		if step.Kind == scheduler.PlanApply {
			applyCount++
			continue
		}
		if applyCount != 0 && applyCount%observeEvery != 0 {
			t.Fatalf("observe inserted after %d applies, want a multiple of %d", applyCount, observeEvery)
		}
		applyCount = 0
	}
}

func TestGeneratePlan_EmptyWhenNoSteps(t *testing.T) {
	m := testManifest()
	if plan := GeneratePlan(1, m, 0); plan != nil {
		t.Fatalf("expected a nil plan for steps=0, got %+v", plan)
	}
}

func TestGeneratePlan_EmptyWhenNoCatalog(t *testing.T) {
	var m adaptermanifest.Manifest
	if plan := GeneratePlan(1, &m, 10); plan != nil {
		t.Fatalf("expected a nil plan for an empty op_catalog, got %+v", plan)
	}
}

func TestSynthesizeArgs_FillsRequiredProperties(t *testing.T) {
	args := synthesizeArgs([]byte(`{"type":"object","properties":{"amount":{"type":"number"},"note":{"type":"string"}},"required":["amount","note"]}`))
	amount, ok := args.Field("amount")
	if !ok {
		t.Fatalf("expected amount field to be present")
	}
	if n, _ := amount.AsNumber(); n != 0 {
		t.Fatalf("amount = %v, want 0", n)
	}
	note, ok := args.Field("note")
	if !ok {
		t.Fatalf("expected note field to be present")
	}
	if s, _ := note.AsString(); s != "" {
		t.Fatalf("note = %q, want empty string", s)
	}
}

func TestSynthesizeArgs_EmptySchemaYieldsEmptyObject(t *testing.T) {
	args := synthesizeArgs(nil)
	members, ok := args.Members()
	if !ok || len(members) != 0 {
		t.Fatalf("expected an empty object for a nil schema, got %+v", members)
	}
}
