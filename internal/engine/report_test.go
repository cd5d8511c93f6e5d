package engine

import (
	"bytes"
	"testing"
)

func TestReport_RendersHeadingEntriesAndStatus(t *testing.T) {
	var buf bytes.Buffer
	r := NewReport(&buf)
	r.Heading("flaky-sessions")
	r.Entry("seed", int64(42))
	r.Entry("steps", 17)
	r.Status("invariant_failed")

	want := "flaky-sessions:\n  seed=42\n  steps=17\nstatus=invariant_failed\n"
	if buf.String() != want {
		t.Fatalf("Report output = %q, want %q", buf.String(), want)
	}
}

func TestReport_StatusOnlyWithNoHeading(t *testing.T) {
	var buf bytes.Buffer
	r := NewReport(&buf)
	r.Status("success")
	if buf.String() != "status=success\n" {
		t.Fatalf("Report output = %q, want %q", buf.String(), "status=success\n")
	}
}
