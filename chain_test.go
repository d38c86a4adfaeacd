package failinj

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolverFunc(t *testing.T) {
	rt := NewOSRuntime()
	r := ResolverFunc(func() (Runtime, error) { return rt, nil })

	got, err := r.Resolve()
	require.NoError(t, err)
	assert.Same(t, rt, got.(*OSRuntime))
}

func TestStaticResolver(t *testing.T) {
	rt := NewOSRuntime()
	got, err := StaticResolver(rt).Resolve()
	require.NoError(t, err)
	assert.Same(t, rt, got.(*OSRuntime))
}

func TestChain(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{
		"FAILINJ_DATABASE":  filepath.Join(dir, "outer.db"),
		"FAILINJ2_DATABASE": filepath.Join(dir, "inner.db"),
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	engines := Chain([]string{"FAILINJ", "FAILINJ2"},
		WithLookup(lookup),
		WithLogger(discardLogger()),
		WithDiagnostics(io.Discard),
		WithExitFunc(func(code int) { t.Fatalf("unexpected exit %d", code) }),
	)
	require.Len(t, engines, 2)

	// The outermost instance sees the call first and claims the
	// injection; the inner instance never observes the call at all.
	_, err := engines[0].Alloc("alloc payload", 8)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.True(t, engines[0].Injected())
	assert.False(t, engines[1].Injected())

	// A second call passes through the outer instance and becomes the
	// inner instance's injection: each instance schedules independently.
	_, err = engines[0].Alloc("alloc payload", 8)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.True(t, engines[1].Injected())

	assert.Equal(t, ExitSuccess, engines[0].Finalize(ExitSuccess))
	assert.Equal(t, ExitSuccess, engines[1].Finalize(ExitSuccess))

	assert.FileExists(t, env["FAILINJ_DATABASE"])
	assert.FileExists(t, env["FAILINJ2_DATABASE"])
}

func TestChainInnerInstanceTracksForwardedCalls(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{
		"FAILINJ_DATABASE":  filepath.Join(dir, "outer.db"),
		"FAILINJ2_DATABASE": filepath.Join(dir, "inner.db"),
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	engines := Chain([]string{"FAILINJ", "FAILINJ2"},
		WithLookup(lookup),
		WithLogger(discardLogger()),
		WithDiagnostics(io.Discard),
		WithExitFunc(func(code int) { t.Fatalf("unexpected exit %d", code) }),
	)
	require.Len(t, engines, 2)

	// Spend both instances' injections.
	_, err := engines[0].Alloc("alloc sacrificial", 1)
	require.Error(t, err)
	_, err = engines[0].Alloc("alloc sacrificial", 1)
	require.Error(t, err)

	// A leak is now seen by both instances independently.
	_, err = engines[0].Alloc("alloc leaked buffer", 8)
	require.NoError(t, err)

	assert.Equal(t, ExitBugFound, engines[0].Finalize(ExitSuccess))
	assert.Equal(t, ExitBugFound, engines[1].Finalize(ExitSuccess))
}
