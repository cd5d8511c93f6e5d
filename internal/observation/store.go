// Package observation implements the observation store of spec.md §4.5: it
// retains only the single most recent observation, replaced atomically on
// a successful observe, reset (not cleared) across a crash, and left alone
// by restore.
package observation

import "github.com/jakobhautop/nomercy/internal/jsonvalue"

// Store holds the most recent observation. The zero Store has no
// observation yet; invariants then operate over an empty (null) snapshot,
// per spec.md §4.4. Neither crash nor restore touch the store — spec.md
// §4.5 defines crash as resetting the observation to "the last one
// captured before crash", which is already the store's value, since only
// Observe ever mutates it; restore is explicitly a no-op here too.
type Store struct {
	current jsonvalue.Value
	have    bool
}

// Observe records v as the most recent observation.
func (s *Store) Observe(v jsonvalue.Value) {
	s.current = v
	s.have = true
}

// Current returns the most recent observation, or (jsonvalue.Null(), false)
// if none has ever been captured.
func (s *Store) Current() (jsonvalue.Value, bool) {
	if !s.have {
		return jsonvalue.Null(), false
	}
	return s.current, true
}

// Snapshot returns the current observation, or an explicit null Value if
// none exists yet — the form the invariant evaluator consumes directly
// (spec.md §4.4 "invariants operate over an empty snapshot").
func (s *Store) Snapshot() jsonvalue.Value {
	if !s.have {
		return jsonvalue.Null()
	}
	return s.current
}
