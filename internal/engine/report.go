package engine

import (
	"fmt"
	"io"
)

// Report renders nomercy's plain-text CLI output (spec.md §6 "Output
// format"): an optional heading and its indented key=value entries,
// followed by exactly one trailing status line. Values never contain
// newlines; ordering of headings and entries is the caller's to fix, since
// it must be stable per command.
type Report struct {
	w io.Writer
}

// NewReport wraps w for one command's output.
func NewReport(w io.Writer) *Report { return &Report{w: w} }

// Heading writes an "ident:" line.
func (r *Report) Heading(ident string) {
	fmt.Fprintf(r.w, "%s:\n", ident)
}

// Entry writes one indented "key=value" line under the current heading.
func (r *Report) Entry(key string, value any) {
	fmt.Fprintf(r.w, "  %s=%v\n", key, value)
}

// Status writes the command's single terminating status line. Callers must
// write this exactly once, last.
func (r *Report) Status(ident string) {
	fmt.Fprintf(r.w, "status=%s\n", ident)
}
