package shrink

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jakobhautop/nomercy/internal/adapter"
	"github.com/jakobhautop/nomercy/internal/adaptermanifest"
	"github.com/jakobhautop/nomercy/internal/fault"
	"github.com/jakobhautop/nomercy/internal/invariant"
	"github.com/jakobhautop/nomercy/internal/jsonvalue"
	"github.com/jakobhautop/nomercy/internal/protocol"
	"github.com/jakobhautop/nomercy/internal/scheduler"
)

// alwaysNegativeScript's observe always reports a negative balance. An
// invariant is only evaluated after apply/crash/restore, never directly
// after observe, so a failure needs an observe followed by one more of
// those three commands to surface.
const alwaysNegativeScript = `
while IFS= read -r line; do
  case "$line" in
    *'"cmd":"init"'*) printf '%s\n' '{"version":"1","ok":true}' ;;
    *'"cmd":"apply"'*) printf '%s\n' '{"version":"1","ok":true}' ;;
    *'"cmd":"observe"'*) printf '%s\n' '{"version":"1","observation":{"observations":[{"balance":-1}]}}' ;;
    *'"cmd":"crash"'*) printf '%s\n' '{"version":"1","ok":true,"state":{}}' ;;
    *'"cmd":"restore"'*) printf '%s\n' '{"version":"1","ok":true}' ;;
    *'"cmd":"shutdown"'*) printf '%s\n' '{"version":"1","ok":true}' ;;
    *) printf '%s\n' '{"version":"1","error":"unexpected command","fatal":true}' ;;
  esac
done
`

func newScriptSpawner(t *testing.T, body string) Spawn {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "adapter.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write adapter script: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	return func() (*adapter.Session, error) {
		return adapter.Start(context.Background(), "/bin/sh", []string{path}, nil, nil, logger, 2*time.Second)
	}
}

// nonNegativeBalanceInvariant uses a forall over "observations.[*].balance":
// with no observation captured yet, the path resolves to nothing and the
// forall trivially holds, so apply steps before the first observe never
// fault on a missing field.
func nonNegativeBalanceInvariant(t *testing.T) invariant.Invariant {
	t.Helper()
	invs, err := invariant.LoadFile([]byte(`[{
		"name": "balance_non_negative",
		"message": "balance went negative",
		"predicate": {
			"kind": "forall",
			"path": "observations.[*].balance",
			"predicate": {
				"kind": "cmp", "op": "gte",
				"left": {"kind": "field", "path": "observations.[*].balance"},
				"right": 0
			}
		}
	}]`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return invs[0]
}

func TestShrink_MinimizesPlanAndDropsIrrelevantFault(t *testing.T) {
	spawn := newScriptSpawner(t, alwaysNegativeScript)
	// no resource_usage: the delay fault below can never block anything
	manifest := &adaptermanifest.Manifest{OpCatalog: []adaptermanifest.OpSpec{{Name: "deposit"}}}
	faults, err := fault.Normalize([]fault.Fault{{Kind: fault.KindDelay, Resource: "storage", Step: 5, Duration: 1}})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	plan := []scheduler.PlanStep{
		{Kind: scheduler.PlanApply, Op: protocolOp("deposit")},
		{Kind: scheduler.PlanApply, Op: protocolOp("deposit")},
		{Kind: scheduler.PlanObserve},
		{Kind: scheduler.PlanApply, Op: protocolOp("deposit")},
	}

	in := Input{
		Manifest:         manifest,
		Faults:           faults,
		Plan:             plan,
		Invariants:       []invariant.Invariant{nonNegativeBalanceInvariant(t)},
		Version:          "1",
		ApplyMaxAttempts: 3,
		FailingInvariant: "balance_non_negative",
		Spawn:            spawn,
	}

	out, err := Shrink(in)
	if err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	if out.Failure == nil || out.Failure.Name != "balance_non_negative" {
		t.Fatalf("unexpected failure record: %+v", out.Failure)
	}
	// The minimal reproducer needs exactly one observe (to capture the bad
	// balance) followed by one apply (to trigger the post-apply check).
	if len(out.Plan) != 2 || out.Plan[0].Kind != scheduler.PlanObserve || out.Plan[1].Kind != scheduler.PlanApply {
		t.Fatalf("expected the plan to shrink to [observe, apply], got %+v", out.Plan)
	}
	if len(out.Faults.Faults()) != 0 {
		t.Fatalf("expected the irrelevant delay fault to be dropped, got %+v", out.Faults.Faults())
	}
}

func TestShrink_FailsWhenBaselineDoesNotReproduce(t *testing.T) {
	spawn := newScriptSpawner(t, alwaysNegativeScript)
	manifest := &adaptermanifest.Manifest{}
	faults, err := fault.Normalize(nil)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	in := Input{
		Manifest:         manifest,
		Faults:           faults,
		Plan:             []scheduler.PlanStep{{Kind: scheduler.PlanObserve}},
		Invariants:       []invariant.Invariant{nonNegativeBalanceInvariant(t)},
		Version:          "1",
		ApplyMaxAttempts: 3,
		FailingInvariant: "some_other_invariant_never_recorded",
		Spawn:            spawn,
	}
	if _, err := Shrink(in); err == nil {
		t.Fatalf("expected an error when the baseline replay does not reproduce the named invariant")
	}
}

func protocolOp(name string) protocol.Op {
	return protocol.Op{Name: name, Args: jsonvalue.Null()}
}
