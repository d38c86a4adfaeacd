// Package sched decides, once per interceptable call, whether that call
// passes through, is skipped, or becomes this execution's single
// injected failure.
//
// The scheduling pattern is "decide once per execution, persist across
// executions": per site the campaign database holds {not-yet-seen,
// exercised}, and the scheduler holds one run-level flag "have I injected
// in this run yet". The rules are an explicit, ordered decision table so
// the ordering and tie-break guarantees stay auditable independent of the
// interception plumbing.
package sched

import (
	"github.com/lsgunth/failinj/internal/site"
)

// Decision is the scheduler's verdict for one call.
type Decision int

const (
	// Passthrough forwards the call to the real implementation.
	Passthrough Decision = iota

	// Skipped behaves like Passthrough but the site is permanently
	// excluded: never chosen, never recorded in the campaign database.
	Skipped

	// Inject substitutes a synthetic failure for this one call. At most
	// one Inject is issued per execution.
	Inject
)

func (d Decision) String() string {
	switch d {
	case Passthrough:
		return "passthrough"
	case Skipped:
		return "skipped"
	case Inject:
		return "inject"
	default:
		return "unknown"
	}
}

// Database is the campaign persistence the scheduler consults. Satisfied
// by *campaign.DB; tests substitute an in-memory fake.
type Database interface {
	Exercised(id string) bool
	MarkExercised(s site.Site) error
}

// SkipFunc reports whether a site is in the named skip set.
type SkipFunc func(title string, trace []string) bool

// condition captures the inputs of one scheduling decision.
type condition struct {
	skipped    bool // site is in the named skip set
	unreliable bool // identity was derived, not titled
	injected   bool // this execution already injected
	exercised  bool // site already chosen in a past execution
}

// rules is the decision table, evaluated top to bottom; the first
// matching row wins.
var rules = []struct {
	match    func(condition) bool
	decision Decision
}{
	{func(c condition) bool { return c.skipped }, Skipped},
	{func(c condition) bool { return c.unreliable }, Passthrough},
	{func(c condition) bool { return c.injected }, Passthrough},
	{func(c condition) bool { return c.exercised }, Passthrough},
	{func(c condition) bool { return true }, Inject},
}

func decide(c condition) Decision {
	for _, r := range rules {
		if r.match(c) {
			return r.decision
		}
	}
	return Passthrough
}

// Scheduler issues at most one Inject per execution, choosing the first
// not-yet-exercised, not-skipped, reliably identified site in call order.
//
// Not safe for concurrent use: the engine's coarse lock serializes
// Decide with the tracking-table updates of the same call.
type Scheduler struct {
	db       Database
	skip     SkipFunc
	injected bool
}

// New creates a Scheduler over the campaign database. A nil skip
// function means an empty skip set.
func New(db Database, skip SkipFunc) *Scheduler {
	if skip == nil {
		skip = func(string, []string) bool { return false }
	}
	return &Scheduler{db: db, skip: skip}
}

// Decide returns the verdict for one call at the given site. On Inject
// the site is durably marked exercised before Decide returns, so a crash
// caused by the injected failure still leaves the campaign advanced.
//
// A mark failure is a campaign database error; the caller treats it as
// an engine-setup failure.
func (s *Scheduler) Decide(st site.Site) (Decision, error) {
	c := condition{
		skipped:    s.skip(st.Title, nil),
		unreliable: !st.Reliable,
		injected:   s.injected,
		exercised:  s.db.Exercised(st.ID),
	}

	d := decide(c)
	if d != Inject {
		return d, nil
	}

	if err := s.db.MarkExercised(st); err != nil {
		return Passthrough, err
	}
	s.injected = true
	return Inject, nil
}

// Injected reports whether this execution has already issued its single
// injection. A run that finalizes with Injected false is
// campaign-complete: no unexercised, unskipped site remained.
func (s *Scheduler) Injected() bool { return s.injected }
