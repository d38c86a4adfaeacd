package failinj

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOSRuntimeAlloc(t *testing.T) {
	rt := NewOSRuntime()

	b, err := rt.Alloc("", 16)
	require.NoError(t, err)
	assert.Len(t, b.Data, 16)
	assert.NotZero(t, b.Handle())

	b2, err := rt.Alloc("", 16)
	require.NoError(t, err)
	assert.NotEqual(t, b.Handle(), b2.Handle())

	_, err = rt.Alloc("", -1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestOSRuntimeRealloc(t *testing.T) {
	rt := NewOSRuntime()

	b, err := rt.Alloc("", 4)
	require.NoError(t, err)
	copy(b.Data, "abcd")

	nb, err := rt.Realloc("", b, 8)
	require.NoError(t, err)
	assert.Len(t, nb.Data, 8)
	assert.Equal(t, "abcd", string(nb.Data[:4]))
	assert.Nil(t, b.Data, "the old block is gone after realloc")

	_, err = rt.Realloc("", nb, -1)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestOSRuntimeDescriptorRoundTrip(t *testing.T) {
	rt := NewOSRuntime()
	path := filepath.Join(t.TempDir(), "data.txt")

	fd, err := rt.Creat("", path, 0o644)
	require.NoError(t, err)

	n, err := rt.Write("", fd, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, rt.Close("", fd))

	fd, err = rt.Open("", path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	p := make([]byte, 16)
	n, err = rt.Read("", fd, p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p[:n]))
	require.NoError(t, rt.Close("", fd))
}

func TestOSRuntimeFOpenModes(t *testing.T) {
	rt := NewOSRuntime()
	path := filepath.Join(t.TempDir(), "data.txt")

	st, err := rt.FOpen("", path, "w")
	require.NoError(t, err)
	_, err = rt.FWrite("", st, []byte("42 total\n"))
	require.NoError(t, err)
	require.NoError(t, rt.FFlush("", st))
	require.NoError(t, rt.FClose("", st))

	st, err = rt.FOpen("", path, "r")
	require.NoError(t, err)
	var n int
	var word string
	count, err := rt.FScan("", st, "%d %s\n", &n, &word)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 42, n)
	assert.Equal(t, "total", word)
	require.NoError(t, rt.FClose("", st))

	_, err = rt.FOpen("", path, "x")
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestOSRuntimeMemStream(t *testing.T) {
	rt := NewOSRuntime()

	st, err := rt.MemOpen("", []byte("seed "), "r+")
	require.NoError(t, err)
	assert.Equal(t, "(memory)", st.Name())

	_, err = rt.FWrite("", st, []byte("grown"))
	require.NoError(t, err)

	p := make([]byte, 16)
	n, err := rt.FRead("", st, p)
	require.NoError(t, err)
	assert.Equal(t, "seed grown", string(p[:n]))

	require.NoError(t, rt.FClose("", st))
}

func TestOSRuntimeTempFileRemovedOnClose(t *testing.T) {
	rt := NewOSRuntime()

	st, err := rt.TempFile("")
	require.NoError(t, err)
	path := st.Name()
	require.FileExists(t, path)

	require.NoError(t, rt.FClose("", st))
	assert.NoFileExists(t, path)
}

func TestStreamUseAfterClose(t *testing.T) {
	rt := NewOSRuntime()

	st, err := rt.MemOpen("", nil, "r+")
	require.NoError(t, err)
	require.NoError(t, rt.FClose("", st))

	_, err = rt.FRead("", st, make([]byte, 4))
	assert.ErrorIs(t, err, unix.EBADF)
	_, err = rt.FWrite("", st, []byte("x"))
	assert.ErrorIs(t, err, unix.EBADF)
	assert.ErrorIs(t, rt.FFlush("", st), unix.EBADF)
	assert.ErrorIs(t, rt.FClose("", st), unix.EBADF)
}

func TestOSRuntimeFDOpen(t *testing.T) {
	rt := NewOSRuntime()
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	fd, err := rt.Open("", path, unix.O_RDONLY, 0)
	require.NoError(t, err)

	st, err := rt.FDOpen("", fd, "r")
	require.NoError(t, err)

	p := make([]byte, 16)
	n, err := rt.FRead("", st, p)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(p[:n]))
	require.NoError(t, rt.FClose("", st))

	_, err = rt.FDOpen("", fd, "bogus")
	assert.ErrorIs(t, err, unix.EINVAL)
}
