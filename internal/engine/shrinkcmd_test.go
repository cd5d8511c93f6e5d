package engine

import (
	"testing"

	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/trace"
)

func TestFailingInvariantName_FindsTheEvent(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindCommandIssued})
	tr.Append(trace.Event{Step: 2, Kind: trace.KindInvariantFailed, Invariant: "balance.non_negative"})
	if got := failingInvariantName(&tr); got != "balance.non_negative" {
		t.Fatalf("failingInvariantName = %q, want balance.non_negative", got)
	}
}

func TestFailingInvariantName_EmptyWhenAbsent(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindCommandIssued})
	if got := failingInvariantName(&tr); got != "" {
		t.Fatalf("failingInvariantName = %q, want empty", got)
	}
}

func TestFaultScheduleFromTrace_ReconstructsCrashAndDelay(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 2, Kind: trace.KindFaultApplied, Fault: "crash"})
	tr.Append(trace.Event{Step: 5, Kind: trace.KindFaultApplied, Fault: "delay:storage+3"})

	sched, err := FaultScheduleFromTrace(&tr)
	if err != nil {
		t.Fatalf("FaultScheduleFromTrace: %v", err)
	}
	faults := sched.Faults()
	if len(faults) != 2 {
		t.Fatalf("got %d faults, want 2: %+v", len(faults), faults)
	}
	if faults[0].Kind != fault.KindCrash || faults[0].Step != 2 {
		t.Fatalf("faults[0] = %+v, want crash@2", faults[0])
	}
	if faults[1].Kind != fault.KindDelay || faults[1].Resource != "storage" || faults[1].Duration != 3 {
		t.Fatalf("faults[1] = %+v, want delay:storage+3", faults[1])
	}
}

func TestFaultScheduleFromTrace_IgnoresNonFaultEvents(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindCommandIssued})
	tr.Append(trace.Event{Step: 2, Kind: trace.KindResponseReceived})
	sched, err := FaultScheduleFromTrace(&tr)
	if err != nil {
		t.Fatalf("FaultScheduleFromTrace: %v", err)
	}
	if len(sched.Faults()) != 0 {
		t.Fatalf("expected no faults, got %+v", sched.Faults())
	}
}

func TestFaultScheduleFromTrace_RejectsUnrecognizedFaultText(t *testing.T) {
	var tr trace.Log
	tr.Append(trace.Event{Step: 1, Kind: trace.KindFaultApplied, Fault: "nonsense"})
	if _, err := FaultScheduleFromTrace(&tr); err == nil {
		t.Fatalf("expected an error for unrecognized fault text")
	}
}
