package niu

import (
	"time"

	"github.com/serebryakov7/isobuscore/frame"
)

// Verdict is the outcome of one filter-table entry or of the default mode.
type Verdict int

const (
	Allow Verdict = iota
	Block
)

// Direction restricts a filter entry to one crossing direction, or both.
type Direction int

const (
	Both Direction = iota
	TractorToImplement
	ImplementToTractor
)

func (d Direction) appliesTo(from Side) bool {
	switch d {
	case Both:
		return true
	case TractorToImplement:
		return from == Tractor
	case ImplementToTractor:
		return from == Implement
	default:
		return false
	}
}

// FilterEntry is one ordered rule in a filter table (§4.9): a predicate
// over the candidate frame, a verdict, a direction restriction, an
// optional rate limit, and a persistence flag an external store can key
// off of.
type FilterEntry struct {
	Verdict    Verdict
	Predicate  func(frame.Frame) bool
	Direction  Direction
	RateLimit  time.Duration // 0 disables rate limiting
	Persistent bool

	lastForwarded time.Duration
	hasForwarded  bool
}

// FilterDB is an ordered list of FilterEntry; the first matching entry's
// verdict applies. Rate-limited entries additionally drop the frame if
// less than RateLimit has elapsed since they last let one through.
type FilterDB struct {
	entries []*FilterEntry
}

// Add appends e to the table and returns its index (stable for the life
// of the table; Remove does not compact).
func (db *FilterDB) Add(e FilterEntry) int {
	db.entries = append(db.entries, &e)
	return len(db.entries) - 1
}

// Remove drops the entry at idx. Indices of other entries are unaffected.
func (db *FilterDB) Remove(idx int) {
	if idx < 0 || idx >= len(db.entries) || db.entries[idx] == nil {
		return
	}
	db.entries[idx] = nil
}

// Entries returns the live (non-removed) entries, for an external
// persistence store to inspect (§4.9: "the NIU itself does not perform
// I/O for persistence; it exposes the flagged filter set").
func (db *FilterDB) Entries() []FilterEntry {
	out := make([]FilterEntry, 0, len(db.entries))
	for _, e := range db.entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out
}

// Evaluate walks the table in order and returns the first matching entry's
// verdict. ok is false when no entry matched, meaning the caller should
// fall back to the NIU's default mode.
func (db *FilterDB) Evaluate(f frame.Frame, from Side, now time.Duration) (verdict Verdict, ok bool) {
	for _, e := range db.entries {
		if e == nil || !e.Direction.appliesTo(from) || !e.Predicate(f) {
			continue
		}
		if e.Verdict == Allow && e.RateLimit > 0 {
			if e.hasForwarded && now-e.lastForwarded < e.RateLimit {
				return Block, true
			}
			e.lastForwarded = now
			e.hasForwarded = true
		}
		return e.Verdict, true
	}
	return Allow, false
}

// BlockPGN returns a predicate matching a single PGN, the common case for
// block_pgn/monitor_pgn-style filters in the original implementation.
func BlockPGN(p frame.PGN) func(frame.Frame) bool {
	return func(f frame.Frame) bool { return f.PGN == p }
}
