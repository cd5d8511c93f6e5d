// Package protocol implements the nomercy adapter wire protocol: a
// line-delimited JSON command/response exchange with stable key ordering,
// version tagging, and the size/depth limits spec.md §4.1 requires.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jakobhautop/nomercy/internal/jsonvalue"
)

// MaxLineBytes is the largest adapter response line the codec accepts; a
// longer line is rejected as protocol_invalid.
const MaxLineBytes = 64 * 1024

// Kind enumerates the six commands spec.md §3 defines.
type Kind string

const (
	Init     Kind = "init"
	Apply    Kind = "apply"
	Crash    Kind = "crash"
	Restore  Kind = "restore"
	Observe  Kind = "observe"
	Shutdown Kind = "shutdown"
)

// Replayable reports whether the replay matrix (spec.md §4.4) allows this
// command kind to be retransmitted after a replayable error or timeout.
func (k Kind) Replayable() bool { return k != Shutdown }

// MaxAttempts is the replay matrix's "max attempts" column, independent of
// any configured apply-replay override (see scheduler.Config.ApplyMaxAttempts).
func (k Kind) MaxAttempts() int {
	switch k {
	case Init, Crash, Restore, Observe:
		return 2
	case Apply:
		return 3
	default:
		return 1
	}
}

// Op is the payload of an apply command: an operation name from the
// adapter manifest's op_catalog and its arguments.
type Op struct {
	Name string
	Args jsonvalue.Value
}

// Command is one protocol command, as spec.md §3 defines it.
type Command struct {
	Version string
	Cmd     Kind
	Config  jsonvalue.Value // init only
	Op      Op              // apply only
	State   jsonvalue.Value // restore only
}

// Encode renders cmd as one protocol line: stable key order (version, cmd,
// then the cmd-dependent payload key), a trailing newline, no other
// whitespace. This ordering is intentionally not the fully-sorted
// "canonical JSON" used for artifacts (§4.9) — §4.1 specifies this exact
// key order for the wire format.
func Encode(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeStringField(&buf, "version", cmd.Version)
	buf.WriteByte(',')
	writeStringField(&buf, "cmd", string(cmd.Cmd))

	switch cmd.Cmd {
	case Init:
		buf.WriteByte(',')
		writeRawField(&buf, "config", cmd.Config.MarshalCanonical())
	case Apply:
		buf.WriteByte(',')
		op := jsonvalue.NewObject([]jsonvalue.Member{
			{Key: "name", Value: jsonvalue.String(cmd.Op.Name)},
			{Key: "args", Value: cmd.Op.Args},
		})
		writeRawField(&buf, "op", op.MarshalCanonical())
	case Restore:
		buf.WriteByte(',')
		writeRawField(&buf, "state", cmd.State.MarshalCanonical())
	case Crash, Observe, Shutdown:
		// no payload
	default:
		return nil, fmt.Errorf("protocol: unknown command kind %q", cmd.Cmd)
	}
	buf.WriteByte('}')
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeStringField(buf *bytes.Buffer, key, val string) {
	kb, _ := json.Marshal(key)
	vb, _ := json.Marshal(val)
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(vb)
}

func writeRawField(buf *bytes.Buffer, key string, raw []byte) {
	kb, _ := json.Marshal(key)
	buf.Write(kb)
	buf.WriteByte(':')
	buf.Write(raw)
}
