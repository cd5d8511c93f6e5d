package protocol

import (
	"fmt"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// ErrorKind tags a protocol-level failure, matching spec.md §7's taxonomy
// for everything the codec itself can detect (session-level kinds such as
// protocol_timeout and protocol_closed live in package adapter).
type ErrorKind string

const (
	ErrInvalid        ErrorKind = "protocol_invalid"
	ErrVersionMismatch ErrorKind = "version_mismatch"
	ErrObservationLimit ErrorKind = "observation_limit"
)

// Error is a codec-detected protocol fault. It has no fatal flag of its
// own: every case §4.1 lists (malformed JSON, oversized line, version
// mismatch, conflicting outcome keys, field-type errors, observation limit
// violations) is fatal at the session level.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Outcome tags which of the three mutually-exclusive primary keys a
// response carries.
type Outcome int

const (
	OutcomeOk Outcome = iota
	OutcomeOkState
	OutcomeObservation
	OutcomeErr
)

// Response is a decoded adapter response (spec.md §3).
type Response struct {
	Version     string
	Outcome     Outcome
	State       jsonvalue.Value
	Observation jsonvalue.Value
	ErrorMsg    string
	Retryable   bool
	Fatal       bool

	// Raw is the full decoded line, unknown fields included, for the trace.
	Raw jsonvalue.Value
}

// ParseLine decodes one adapter response line under the rules of spec.md
// §4.1. line must not include the trailing newline. expectedVersion is the
// version string the engine sent on the matching command.
func ParseLine(line []byte, expectedVersion string) (Response, *Error) {
	if len(line) > MaxLineBytes {
		return Response{}, &Error{
			Kind:    ErrInvalid,
			Message: fmt.Sprintf("line exceeds %d bytes (got %d)", MaxLineBytes, len(line)),
		}
	}

	// The envelope (version/ok/error/observation wrapper) is not itself
	// subject to the observation depth limit, only the observation value
	// nested inside it is — so it's decoded unbounded and ValidateObservation
	// applies MaxDepth to just the observation subtree below.
	root, err := jsonvalue.ParseUnbounded(line)
	if err != nil {
		return Response{}, &Error{Kind: ErrInvalid, Message: "malformed JSON: " + err.Error()}
	}
	if root.Kind() != jsonvalue.KindObject {
		return Response{}, &Error{Kind: ErrInvalid, Message: "response is not a JSON object"}
	}

	versionVal, hasVersion := root.Field("version")
	if !hasVersion {
		return Response{}, &Error{Kind: ErrInvalid, Message: "missing version field"}
	}
	version, ok := versionVal.AsString()
	if !ok {
		return Response{}, &Error{Kind: ErrInvalid, Message: "version field is not a string"}
	}
	if version != expectedVersion {
		return Response{}, &Error{
			Kind:    ErrVersionMismatch,
			Message: fmt.Sprintf("expected version %q, got %q", expectedVersion, version),
		}
	}

	okVal, hasOk := root.Field("ok")
	errVal, hasErr := root.Field("error")
	obsVal, hasObs := root.Field("observation")

	present := 0
	if hasOk {
		present++
	}
	if hasErr {
		present++
	}
	if hasObs {
		present++
	}
	if present != 1 {
		return Response{}, &Error{Kind: ErrInvalid, Message: fmt.Sprintf("expected exactly one of ok/error/observation, found %d", present)}
	}

	resp := Response{Version: version, Raw: root}

	switch {
	case hasOk:
		okBool, ok := okVal.AsBool()
		if !ok || !okBool {
			return Response{}, &Error{Kind: ErrInvalid, Message: "ok field must be boolean true"}
		}
		if stateVal, hasState := root.Field("state"); hasState {
			resp.Outcome = OutcomeOkState
			resp.State = stateVal
		} else {
			resp.Outcome = OutcomeOk
		}
	case hasObs:
		if err := ValidateObservation(obsVal); err != nil {
			return Response{}, &Error{Kind: ErrObservationLimit, Reason: "observation_limit", Message: err.Error()}
		}
		resp.Outcome = OutcomeObservation
		resp.Observation = obsVal
	case hasErr:
		msg, ok := errVal.AsString()
		if !ok {
			return Response{}, &Error{Kind: ErrInvalid, Message: "error field is not a string"}
		}
		retryableVal, hasRetryable := root.Field("retryable")
		fatalVal, hasFatal := root.Field("fatal")
		retryable, retryOk := retryableVal.AsBool()
		if hasRetryable && !retryOk {
			return Response{}, &Error{Kind: ErrInvalid, Message: "retryable field is not a boolean"}
		}
		fatal, fatalOk := fatalVal.AsBool()
		if hasFatal && !fatalOk {
			return Response{}, &Error{Kind: ErrInvalid, Message: "fatal field is not a boolean"}
		}
		resp.Outcome = OutcomeErr
		resp.ErrorMsg = msg
		resp.Retryable = hasRetryable && retryable
		resp.Fatal = hasFatal && fatal
	}

	return resp, nil
}

// ValidateObservation enforces the canonical JSON observation limits of
// spec.md §3 against just the observation subtree, independent of how
// deeply it sits inside the surrounding response envelope: depth up to
// jsonvalue.MaxDepth, arrays up to jsonvalue.MaxArrayLen elements.
func ValidateObservation(v jsonvalue.Value) error {
	depth := valueDepth(v)
	if depth > jsonvalue.MaxDepth {
		return fmt.Errorf("observation depth %d exceeds max %d", depth, jsonvalue.MaxDepth)
	}
	return validateObservationArrays(v)
}

func valueDepth(v jsonvalue.Value) int {
	switch v.Kind() {
	case jsonvalue.KindArray:
		arr, _ := v.AsArray()
		max := 0
		for _, e := range arr {
			if d := valueDepth(e); d > max {
				max = d
			}
		}
		return 1 + max
	case jsonvalue.KindObject:
		members, _ := v.Members()
		max := 0
		for _, m := range members {
			if d := valueDepth(m.Value); d > max {
				max = d
			}
		}
		return 1 + max
	default:
		return 0
	}
}

func validateObservationArrays(v jsonvalue.Value) error {
	switch v.Kind() {
	case jsonvalue.KindArray:
		arr, _ := v.AsArray()
		if len(arr) > jsonvalue.MaxArrayLen {
			return fmt.Errorf("observation array exceeds %d elements", jsonvalue.MaxArrayLen)
		}
		for _, e := range arr {
			if err := validateObservationArrays(e); err != nil {
				return err
			}
		}
	case jsonvalue.KindObject:
		members, _ := v.Members()
		for _, m := range members {
			if err := validateObservationArrays(m.Value); err != nil {
				return err
			}
		}
	}
	return nil
}
