package site

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TitledSiteIsStable(t *testing.T) {
	a := New("x allocation failed", Allocation, 0)
	b := New("x allocation failed", Allocation, 0)

	assert.Equal(t, a.ID, b.ID, "same title and category must hash identically")
	assert.True(t, a.Reliable)
	assert.Equal(t, "x allocation failed", a.Title)
}

func TestNew_CategorySeparatesIdentity(t *testing.T) {
	a := New("open failed", DescriptorOpen, 0)
	b := New("open failed", StreamOpen, 0)

	assert.NotEqual(t, a.ID, b.ID, "same title in different categories is a different site")
}

func TestNew_TitleSeparatesIdentity(t *testing.T) {
	a := New("x allocation failed", Allocation, 0)
	b := New("y allocation failed", Allocation, 0)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestNew_DerivedSiteIsUnreliable(t *testing.T) {
	s := New("", Allocation, 0)

	require.NotEmpty(t, s.ID)
	assert.False(t, s.Reliable, "untitled sites must never be injection candidates")
	assert.Empty(t, s.Title)
}

func TestNew_DerivedSiteStableAtSameCallSite(t *testing.T) {
	mk := func() Site { return New("", DescriptorRead, 0) }

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, mk().ID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])
}

func TestCallerTrace_IncludesCaller(t *testing.T) {
	trace := CallerTrace(0)

	require.NotEmpty(t, trace)
	assert.Contains(t, trace[0], "TestCallerTrace_IncludesCaller",
		"first frame should be the immediate caller")
	for _, frame := range trace {
		if frame == "unknown" {
			continue
		}
		assert.True(t, strings.Contains(frame, "+0x"), "frame %q should carry an offset", frame)
	}
}

func TestCallerTrace_SkipDropsFrames(t *testing.T) {
	inner := func() []string { return CallerTrace(1) }
	trace := inner()

	require.NotEmpty(t, trace)
	assert.NotContains(t, trace[0], "func1", "skip=1 should drop the closure frame")
}
