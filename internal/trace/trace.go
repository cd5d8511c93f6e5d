// Package trace implements the append-only trace event log of spec.md §4.7:
// every step, fault, response, crash payload, and invariant outcome is
// recorded write-once, in issuance order, and serialized as canonical JSON.
package trace

import (
	"fmt"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// Kind tags one trace event variant (spec.md §3 "Trace event").
type Kind string

const (
	KindCommandIssued     Kind = "command_issued"
	KindResponseReceived  Kind = "response_received"
	KindTimeout           Kind = "timeout"
	KindReplayAttempt     Kind = "replay_attempt"
	KindFaultApplied      Kind = "fault_applied"
	KindInvariantChecked  Kind = "invariant_checked"
	KindInvariantFailed   Kind = "invariant_failed"
	KindCrashStateCaptured Kind = "crash_state_captured"
	KindRestoreConsumed   Kind = "restore_consumed"
	KindShutdown          Kind = "shutdown"
	KindPaused            Kind = "paused"
)

// Event is one immutable trace record. seq, step, attempt and kind are
// always encoded; other fields unused by a given Kind are left at their zero
// value and omitted from the canonical JSON encoding.
type Event struct {
	Seq     int
	Step    int
	Attempt int
	Kind    Kind

	Cmd         string
	OpName      string          // apply only: the issued operation's name (replay/shrink reconstruct the plan from this)
	OpArgs      jsonvalue.Value // apply only: the issued operation's arguments
	Observation jsonvalue.Value
	State       jsonvalue.Value
	Fault       string
	Invariant   string
	Message     string
	Reason      string
	Extra       jsonvalue.Value // unknown response fields, passed through verbatim
}

func (e Event) canonical() jsonvalue.Value {
	members := []jsonvalue.Member{
		{Key: "seq", Value: jsonvalue.Number(float64(e.Seq))},
		{Key: "step", Value: jsonvalue.Number(float64(e.Step))},
		{Key: "attempt", Value: jsonvalue.Number(float64(e.Attempt))},
		{Key: "kind", Value: jsonvalue.String(string(e.Kind))},
	}
	if e.Cmd != "" {
		members = append(members, jsonvalue.Member{Key: "cmd", Value: jsonvalue.String(e.Cmd)})
	}
	if e.OpName != "" {
		members = append(members, jsonvalue.Member{Key: "op_name", Value: jsonvalue.String(e.OpName)})
		members = append(members, jsonvalue.Member{Key: "op_args", Value: e.OpArgs})
	}
	if !e.Observation.IsNull() {
		members = append(members, jsonvalue.Member{Key: "observation", Value: e.Observation})
	}
	if !e.State.IsNull() {
		members = append(members, jsonvalue.Member{Key: "state", Value: e.State})
	}
	if e.Fault != "" {
		members = append(members, jsonvalue.Member{Key: "fault", Value: jsonvalue.String(e.Fault)})
	}
	if e.Invariant != "" {
		members = append(members, jsonvalue.Member{Key: "invariant", Value: jsonvalue.String(e.Invariant)})
	}
	if e.Message != "" {
		members = append(members, jsonvalue.Member{Key: "message", Value: jsonvalue.String(e.Message)})
	}
	if e.Reason != "" {
		members = append(members, jsonvalue.Member{Key: "reason", Value: jsonvalue.String(e.Reason)})
	}
	if e.Extra.Kind() == jsonvalue.KindObject {
		if mm, ok := e.Extra.Members(); ok && len(mm) > 0 {
			members = append(members, jsonvalue.Member{Key: "extra", Value: e.Extra})
		}
	}
	return jsonvalue.NewObject(members)
}

// Log is the write-once, append-only event buffer for one run. It is not
// safe for concurrent use: the engine is single-threaded by design
// (spec.md §5).
type Log struct {
	events []Event
	seq    int
}

// Append assigns the next monotonic sequence number to e and records it.
// Previously appended events are never mutated or removed.
func (l *Log) Append(e Event) Event {
	l.seq++
	e.Seq = l.seq
	l.events = append(l.events, e)
	return e
}

// Events returns the recorded events in issuance order. The returned slice
// must not be mutated by the caller.
func (l *Log) Events() []Event { return l.events }

// Reset clears the log and restarts sequence numbering so it can be reused
// for a fresh replay. The shrinker does not call it: each of its candidate
// replays records into a new Log.
func (l *Log) Reset() {
	l.events = nil
	l.seq = 0
}

// MarshalCanonical renders the full log as a canonical JSON array, the form
// written to trace.json / trace.shrunk.json / trace.replayed.json.
func (l *Log) MarshalCanonical() []byte {
	arr := make([]jsonvalue.Value, len(l.events))
	for i, e := range l.events {
		arr[i] = e.canonical()
	}
	return jsonvalue.Array(arr).MarshalCanonical()
}

// Value renders the log as a jsonvalue.Value, used when embedding a trace
// (e.g. minimal_trace in a repro) inside a larger canonical document.
func (l *Log) Value() jsonvalue.Value {
	arr := make([]jsonvalue.Value, len(l.events))
	for i, e := range l.events {
		arr[i] = e.canonical()
	}
	return jsonvalue.Array(arr)
}

// FromValue rebuilds a Log from its canonical JSON array form, the reverse
// of Value/MarshalCanonical. replay and shrink use this to recover the
// fault schedule and operation plan from an on-disk trace.json or a repro's
// embedded minimal_trace (spec.md §6 "replay <repro.json>", "shrink
// <trace.json>").
func FromValue(v jsonvalue.Value) (*Log, error) {
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("trace: expected a JSON array of events")
	}
	l := &Log{}
	for i, ev := range arr {
		e, err := eventFromValue(ev)
		if err != nil {
			return nil, fmt.Errorf("trace: event[%d]: %w", i, err)
		}
		l.events = append(l.events, e)
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return l, nil
}

// ParseCanonical parses raw canonical-JSON trace bytes into a Log. The trace
// array and each event object are envelope nesting around an embedded
// observation/state value, not part of its own depth budget, so this
// decodes unbounded rather than applying MaxDepth to the whole document.
func ParseCanonical(data []byte) (*Log, error) {
	v, err := jsonvalue.ParseUnbounded(data)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}
	return FromValue(v)
}

func eventFromValue(v jsonvalue.Value) (Event, error) {
	if v.Kind() != jsonvalue.KindObject {
		return Event{}, fmt.Errorf("event is not a JSON object")
	}
	var e Event
	if n, ok := fieldNumber(v, "seq"); ok {
		e.Seq = int(n)
	}
	if n, ok := fieldNumber(v, "step"); ok {
		e.Step = int(n)
	}
	if n, ok := fieldNumber(v, "attempt"); ok {
		e.Attempt = int(n)
	}
	if s, ok := fieldString(v, "kind"); ok {
		e.Kind = Kind(s)
	}
	if s, ok := fieldString(v, "cmd"); ok {
		e.Cmd = s
	}
	if s, ok := fieldString(v, "op_name"); ok {
		e.OpName = s
	}
	if args, ok := v.Field("op_args"); ok {
		e.OpArgs = args
	}
	if obs, ok := v.Field("observation"); ok {
		e.Observation = obs
	}
	if st, ok := v.Field("state"); ok {
		e.State = st
	}
	if s, ok := fieldString(v, "fault"); ok {
		e.Fault = s
	}
	if s, ok := fieldString(v, "invariant"); ok {
		e.Invariant = s
	}
	if s, ok := fieldString(v, "message"); ok {
		e.Message = s
	}
	if s, ok := fieldString(v, "reason"); ok {
		e.Reason = s
	}
	if extra, ok := v.Field("extra"); ok {
		e.Extra = extra
	}
	return e, nil
}

func fieldString(v jsonvalue.Value, key string) (string, bool) {
	f, ok := v.Field(key)
	if !ok {
		return "", false
	}
	return f.AsString()
}

func fieldNumber(v jsonvalue.Value, key string) (float64, bool) {
	f, ok := v.Field(key)
	if !ok {
		return 0, false
	}
	return f.AsNumber()
}
