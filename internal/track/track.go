// Package track maintains the resource tracking tables: every live
// allocation, open descriptor, and open stream the engine has observed,
// keyed by handle and annotated with the acquire site and backtrace.
//
// The tables are the engine's own view, independent of the target's.
// Hooks fire for every acquire and release regardless of the scheduler's
// decision for that call; only successful acquires are recorded.
//
// Tables is not safe for concurrent use. The engine's coarse lock makes
// each call's table mutation atomic with respect to other goroutines.
package track

import (
	"sort"

	"github.com/lsgunth/failinj/internal/site"
)

// Kind selects one of the three tables.
type Kind int

const (
	KindAllocation Kind = iota
	KindDescriptor
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindAllocation:
		return "allocation"
	case KindDescriptor:
		return "descriptor"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Entry is one live resource.
type Entry struct {
	// Handle identifies the resource: block ID, file descriptor, or
	// stream ID.
	Handle uint64

	// Size is the allocation size in bytes; zero for other kinds.
	Size int

	// Site is where the resource was acquired.
	Site site.Site

	// Trace is the acquire backtrace, for diagnostics and named-ignore
	// matching.
	Trace []string
}

// Tables holds the three tracking tables.
type Tables struct {
	tables map[Kind]map[uint64]Entry
}

// NewTables creates empty tracking tables.
func NewTables() *Tables {
	return &Tables{tables: map[Kind]map[uint64]Entry{
		KindAllocation: {},
		KindDescriptor: {},
		KindStream:     {},
	}}
}

// OnAcquire records a successful acquire. If the handle is already live
// in the same table the old entry is returned and overwritten: the
// underlying implementation reused a handle without the engine observing
// its release, a tracking inconsistency the caller logs.
func (t *Tables) OnAcquire(k Kind, e Entry) (prev *Entry) {
	table := t.tables[k]
	if old, ok := table[e.Handle]; ok {
		prev = &old
	}
	table[e.Handle] = e
	return prev
}

// OnRelease removes a live entry and returns it. ok is false for an
// untracked close: the handle was never recorded as open (or was already
// released), a possible double close.
func (t *Tables) OnRelease(k Kind, handle uint64) (Entry, bool) {
	table := t.tables[k]
	e, ok := table[handle]
	if ok {
		delete(table, handle)
	}
	return e, ok
}

// Live returns the live entries of one table, ordered by handle for
// deterministic reporting.
func (t *Tables) Live(k Kind) []Entry {
	table := t.tables[k]
	out := make([]Entry, 0, len(table))
	for _, e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Len returns the number of live entries of one kind.
func (t *Tables) Len(k Kind) int { return len(t.tables[k]) }

// Clear empties all three tables. Used by the close-all checkpoint after
// its findings have been taken.
func (t *Tables) Clear() {
	for k := range t.tables {
		t.tables[k] = map[uint64]Entry{}
	}
}
