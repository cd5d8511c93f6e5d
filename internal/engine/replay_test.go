package engine

import (
	"os"
	"testing"

	"github.com/jakobhautop/nomercy/internal/artifact"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/scheduler"
	"github.com/jakobhautop/nomercy/internal/trace"
)

func TestParseRepro_RoundTripsWriteRepro(t *testing.T) {
	dir := t.TempDir()
	faults, err := fault.Normalize([]fault.Fault{{Kind: fault.KindCrash, Step: 3}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindCommandIssued, Cmd: "apply", Attempt: 1, OpName: "deposit", OpArgs: jsonvalue.Number(5)})
	tr.Append(trace.Event{Step: 2, Kind: trace.KindCommandIssued, Cmd: "observe", Attempt: 1})

	repro := artifact.Repro{
		EngineVersion:       "1",
		AdapterManifestHash: "manifesthash",
		InvariantFileHash:   "invhash",
		Seed:                123,
		FaultSchedule:       faults,
		MinimalTrace:        &tr,
		FailingInvariant: &invariant.FailureRecord{
			Name:        "balance.non_negative",
			Predicate:   jsonvalue.NewObject(nil),
			Message:     "balance went negative",
			Observation: jsonvalue.Number(-3),
			Step:        2,
		},
	}
	path, err := artifact.WriteRepro(dir, "repro.json", repro)
	if err != nil {
		t.Fatalf("WriteRepro: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	parsed, err := ParseRepro(data)
	if err != nil {
		t.Fatalf("ParseRepro: %v", err)
	}
	if parsed.AdapterManifestHash != "manifesthash" || parsed.Seed != 123 {
		t.Fatalf("unexpected parsed repro: %+v", parsed)
	}
	if len(parsed.FaultSchedule.Faults()) != 1 || parsed.FaultSchedule.Faults()[0].Kind != fault.KindCrash {
		t.Fatalf("unexpected parsed fault schedule: %+v", parsed.FaultSchedule.Faults())
	}
	if parsed.FailingInvariant == nil || parsed.FailingInvariant.Name != "balance.non_negative" {
		t.Fatalf("unexpected parsed failing invariant: %+v", parsed.FailingInvariant)
	}
	if len(parsed.MinimalTrace.Events()) != 2 {
		t.Fatalf("expected 2 trace events, got %d", len(parsed.MinimalTrace.Events()))
	}
}

func TestParseRepro_DefaultsWhenOptionalFieldsAbsent(t *testing.T) {
	parsed, err := ParseRepro([]byte(`{"engine_version":"1","adapter_manifest_hash":"h","invariant_file_hash":"i","seed":1,"fault_schedule":[]}`))
	if err != nil {
		t.Fatalf("ParseRepro: %v", err)
	}
	if parsed.FailingInvariant != nil {
		t.Fatalf("expected a nil FailingInvariant when absent")
	}
	if parsed.HaveLastCrashState {
		t.Fatalf("expected HaveLastCrashState=false when absent")
	}
	if parsed.MinimalTrace == nil || len(parsed.MinimalTrace.Events()) != 0 {
		t.Fatalf("expected an empty MinimalTrace when absent")
	}
}

func TestParseRepro_RejectsUnknownFaultKind(t *testing.T) {
	_, err := ParseRepro([]byte(`{"fault_schedule":[{"kind":"explosion","step":1}]}`))
	if err == nil {
		t.Fatalf("expected an error for an unknown fault kind")
	}
}

func TestPlanFromTrace_RecoversApplyAndObserveInOrder(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindCommandIssued, Cmd: "init", Attempt: 1})
	tr.Append(trace.Event{Step: 2, Kind: trace.KindCommandIssued, Cmd: "apply", Attempt: 1, OpName: "deposit", OpArgs: jsonvalue.Number(5)})
	tr.Append(trace.Event{Step: 2, Kind: trace.KindCommandIssued, Cmd: "apply", Attempt: 2, OpName: "deposit", OpArgs: jsonvalue.Number(5)})
	tr.Append(trace.Event{Step: 3, Kind: trace.KindCommandIssued, Cmd: "observe", Attempt: 1})
	tr.Append(trace.Event{Step: 4, Kind: trace.KindCommandIssued, Cmd: "shutdown", Attempt: 1})

	plan := PlanFromTrace(&tr)
	if len(plan) != 2 {
		t.Fatalf("got %d plan steps, want 2 (init/shutdown/retry excluded): %+v", len(plan), plan)
	}
	if plan[0].Kind != scheduler.PlanApply || plan[0].Op.Name != "deposit" {
		t.Fatalf("plan[0] = %+v, want an apply of deposit", plan[0])
	}
	if plan[1].Kind != scheduler.PlanObserve {
		t.Fatalf("plan[1] = %+v, want observe", plan[1])
	}
}

func TestPlanFromTrace_EmptyForNoCommandIssuedEvents(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindShutdown})
	if plan := PlanFromTrace(&tr); len(plan) != 0 {
		t.Fatalf("expected an empty plan, got %+v", plan)
	}
}
