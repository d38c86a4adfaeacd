package sched

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsgunth/failinj/internal/site"
)

// fakeDB is an in-memory campaign database.
type fakeDB struct {
	exercised map[string]bool
	markErr   error
	marks     []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{exercised: make(map[string]bool)}
}

func (f *fakeDB) Exercised(id string) bool { return f.exercised[id] }

func (f *fakeDB) MarkExercised(s site.Site) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.exercised[s.ID] = true
	f.marks = append(f.marks, s.ID)
	return nil
}

func titled(title string) site.Site {
	return site.New(title, site.Allocation, 0)
}

func TestDecide_FirstFreshSiteInjects(t *testing.T) {
	db := newFakeDB()
	s := New(db, nil)

	d, err := s.Decide(titled("alloc a"))
	require.NoError(t, err)
	assert.Equal(t, Inject, d)
	assert.True(t, s.Injected())
	assert.True(t, db.Exercised(titled("alloc a").ID), "injected site must be marked exercised")
}

func TestDecide_OneInjectionPerRun(t *testing.T) {
	db := newFakeDB()
	s := New(db, nil)

	d, err := s.Decide(titled("alloc a"))
	require.NoError(t, err)
	require.Equal(t, Inject, d)

	// Every later call passes through, even at a fresh site.
	d, err = s.Decide(titled("alloc b"))
	require.NoError(t, err)
	assert.Equal(t, Passthrough, d)
	assert.Len(t, db.marks, 1, "fresh sites after the injection must not be marked")
}

func TestDecide_ExercisedSitePassesThrough(t *testing.T) {
	db := newFakeDB()
	db.exercised[titled("alloc a").ID] = true
	s := New(db, nil)

	d, err := s.Decide(titled("alloc a"))
	require.NoError(t, err)
	assert.Equal(t, Passthrough, d)
	assert.False(t, s.Injected())

	// The next fresh site becomes this run's injection.
	d, err = s.Decide(titled("alloc b"))
	require.NoError(t, err)
	assert.Equal(t, Inject, d)
}

func TestDecide_SkippedSiteNeverInjectsOrMarks(t *testing.T) {
	db := newFakeDB()
	s := New(db, func(title string, _ []string) bool {
		return strings.Contains(title, "probe")
	})

	for i := 0; i < 3; i++ {
		d, err := s.Decide(titled("probe ping"))
		require.NoError(t, err)
		assert.Equal(t, Skipped, d)
	}
	assert.Empty(t, db.marks)
	assert.False(t, s.Injected())
}

func TestDecide_SkipWinsOverEverything(t *testing.T) {
	db := newFakeDB()
	db.exercised[titled("probe ping").ID] = true
	s := New(db, func(title string, _ []string) bool {
		return strings.Contains(title, "probe")
	})

	d, err := s.Decide(titled("probe ping"))
	require.NoError(t, err)
	assert.Equal(t, Skipped, d, "skip outranks exercised")
}

func TestDecide_UnreliableSitePassesThrough(t *testing.T) {
	db := newFakeDB()
	s := New(db, nil)

	derived := site.New("", site.DescriptorRead, 0)
	require.False(t, derived.Reliable)

	d, err := s.Decide(derived)
	require.NoError(t, err)
	assert.Equal(t, Passthrough, d)
	assert.Empty(t, db.marks, "unreliable sites must never enter the campaign")
	assert.False(t, s.Injected())
}

func TestDecide_MarkFailurePropagates(t *testing.T) {
	db := newFakeDB()
	db.markErr = errors.New("disk full")
	s := New(db, nil)

	d, err := s.Decide(titled("alloc a"))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, Passthrough, d)
	assert.False(t, s.Injected(), "a failed mark must not consume the run's injection")
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "passthrough", Passthrough.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "inject", Inject.String())
	assert.Equal(t, "unknown", Decision(99).String())
}
