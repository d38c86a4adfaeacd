package classify

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsgunth/failinj/internal/policy"
	"github.com/lsgunth/failinj/internal/site"
	"github.com/lsgunth/failinj/internal/track"
)

func TestLeakCategory(t *testing.T) {
	assert.Equal(t, Memory, LeakCategory(track.KindAllocation))
	assert.Equal(t, Descriptor, LeakCategory(track.KindDescriptor))
	assert.Equal(t, Stream, LeakCategory(track.KindStream))
}

func TestLeaks(t *testing.T) {
	entries := []track.Entry{
		{
			Handle: 1,
			Site:   site.New("alloc parser buffer", site.Allocation, 0),
			Trace:  []string{"main.parse+0x24"},
		},
		{
			Handle: 2,
			Site:   site.Site{}, // untitled acquire site
		},
	}

	findings := Leaks(track.KindAllocation, entries)
	require.Len(t, findings, 2)
	assert.Equal(t, Memory, findings[0].Category)
	assert.Equal(t, "alloc parser buffer", findings[0].Title)
	assert.Equal(t, uint64(1), findings[0].Handle)
	assert.Equal(t, "(unidentified site)", findings[1].Title)
}

func TestClassify_CategoryWideIgnores(t *testing.T) {
	findings := []Finding{
		{Category: Memory, Title: "alloc a"},
		{Category: Descriptor, Title: "open a"},
		{Category: Stream, Title: "fopen a"},
		{Category: UntrackedClose, Title: "close a"},
	}

	cfg := &policy.Config{
		IgnoreAllMemLeaks:        true,
		IgnoreAllFdLeaks:         true,
		IgnoreAllFileLeaks:       true,
		IgnoreAllUntrackedCloses: true,
	}

	r := Classify(findings, cfg)
	assert.Empty(t, r.Kept)
	assert.Len(t, r.Discarded, 4)
	assert.False(t, r.BugFound())
}

func TestClassify_NamedIgnoresAreSelective(t *testing.T) {
	findings := []Finding{
		{Category: Memory, Title: "alloc cache fill"},
		{Category: Memory, Title: "alloc parser buffer"},
		{Category: UntrackedClose, Title: "close", Trace: []string{"main.shutdown+0x4"}},
		{Category: UntrackedClose, Title: "close", Trace: []string{"main.serve+0x9"}},
	}

	cfg := &policy.Config{
		IgnoreMemLeakNames:   []string{"cache"},
		IgnoreUntrackedNames: []string{"shutdown"},
	}

	r := Classify(findings, cfg)
	require.Len(t, r.Kept, 2)
	assert.Equal(t, "alloc parser buffer", r.Kept[0].Title)
	assert.Equal(t, []string{"main.serve+0x9"}, r.Kept[1].Trace)
	assert.Len(t, r.Discarded, 2)
	assert.True(t, r.BugFound())
}

func TestExitCode(t *testing.T) {
	cfg := &policy.Config{BugExit: policy.DefaultBugExit}
	kept := Report{Kept: []Finding{{Category: Memory}}}
	clean := Report{}

	tests := []struct {
		name         string
		report       Report
		campaignDone bool
		targetCode   int
		want         int
	}{
		{"bug found wins over everything", kept, true, ExitSuccess, policy.DefaultBugExit},
		{"campaign done beats target code", clean, true, ExitTargetError, policy.DoneExit},
		{"target success passes through", clean, false, ExitSuccess, ExitSuccess},
		{"target error passes through", clean, false, ExitTargetError, ExitTargetError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.report, tt.campaignDone, tt.targetCode, cfg))
		})
	}
}

func TestExitCode_RespectsBugExitOverride(t *testing.T) {
	cfg := &policy.Config{BugExit: 60}
	r := Report{Kept: []Finding{{Category: Stream}}}
	assert.Equal(t, 60, ExitCode(r, false, ExitSuccess, cfg))
}

func TestRenderGolden(t *testing.T) {
	r := Report{
		Kept: []Finding{
			{
				Category: Memory,
				Title:    "alloc parser buffer",
				Handle:   0x1,
				Trace:    []string{"main.parse+0x24", "main.run+0x61"},
			},
			{
				Category: Descriptor,
				Title:    "open config file",
				Handle:   0x7,
				Trace:    []string{"main.loadConfig+0x12"},
			},
			{
				Category: UntrackedClose,
				Title:    "close response body",
				Handle:   0x9,
			},
		},
		Discarded: []Finding{
			{Category: Stream, Title: "fopen audit log", Handle: 0x3},
		},
	}

	var buf bytes.Buffer
	r.Render(&buf)

	g := goldie.New(t)
	g.Assert(t, "report", buf.Bytes())
}
