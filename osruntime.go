package failinj

import (
	"os"

	"golang.org/x/sys/unix"
)

// OSRuntime is the genuine implementation at the bottom of every
// interposer chain: descriptor operations go straight to the OS via
// golang.org/x/sys/unix, streams wrap os.File, and allocation hands out
// plain byte slices. Site titles are accepted and ignored - the real
// primitives take none.
type OSRuntime struct{}

// NewOSRuntime returns the OS-backed base runtime.
func NewOSRuntime() *OSRuntime { return &OSRuntime{} }

var _ Runtime = (*OSRuntime)(nil)

func (r *OSRuntime) Alloc(_ string, size int) (*Block, error) {
	if size < 0 {
		return nil, unix.EINVAL
	}
	return newBlock(size), nil
}

func (r *OSRuntime) Realloc(_ string, b *Block, size int) (*Block, error) {
	if size < 0 {
		return nil, unix.EINVAL
	}
	nb := newBlock(size)
	if b != nil {
		copy(nb.Data, b.Data)
		b.Data = nil
	}
	return nb, nil
}

func (r *OSRuntime) Free(_ string, b *Block) {
	if b != nil {
		b.Data = nil
	}
}

func (r *OSRuntime) Open(_ string, path string, flag int, perm uint32) (int, error) {
	return unix.Open(path, flag, perm)
}

func (r *OSRuntime) OpenAt(_ string, dirfd int, path string, flag int, perm uint32) (int, error) {
	return unix.Openat(dirfd, path, flag, perm)
}

func (r *OSRuntime) Creat(_ string, path string, perm uint32) (int, error) {
	return unix.Open(path, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC, perm)
}

func (r *OSRuntime) Read(_ string, fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func (r *OSRuntime) Write(_ string, fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func (r *OSRuntime) Close(_ string, fd int) error {
	return unix.Close(fd)
}

func (r *OSRuntime) FOpen(_ string, path string, mode string) (*Stream, error) {
	flag, err := streamFlags(mode)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, err
	}
	return newFileStream(path, f, false), nil
}

func (r *OSRuntime) FDOpen(_ string, fd int, mode string) (*Stream, error) {
	if _, err := streamFlags(mode); err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), "fd")
	if f == nil {
		return nil, unix.EBADF
	}
	return newFileStream(f.Name(), f, false), nil
}

func (r *OSRuntime) MemOpen(_ string, buf []byte, _ string) (*Stream, error) {
	return newMemStream(buf), nil
}

func (r *OSRuntime) TempFile(_ string) (*Stream, error) {
	f, err := os.CreateTemp("", "failinj-*")
	if err != nil {
		return nil, err
	}
	return newFileStream(f.Name(), f, true), nil
}

func (r *OSRuntime) FRead(_ string, s *Stream, p []byte) (int, error) {
	return s.Read(p)
}

func (r *OSRuntime) FWrite(_ string, s *Stream, p []byte) (int, error) {
	return s.Write(p)
}

func (r *OSRuntime) FScan(_ string, s *Stream, format string, args ...any) (int, error) {
	return s.scan(format, args...)
}

func (r *OSRuntime) FFlush(_ string, s *Stream) error {
	return s.flush()
}

func (r *OSRuntime) FClose(_ string, s *Stream) error {
	return s.close()
}

// CloseAll is a no-op at the bottom of the chain: the base runtime keeps
// no registry of open streams, the interposing engines do.
func (r *OSRuntime) CloseAll(_ string) error { return nil }

// streamFlags maps fopen-style mode strings to open flags.
func streamFlags(mode string) (int, error) {
	switch mode {
	case "r", "rb":
		return os.O_RDONLY, nil
	case "r+", "rb+", "r+b":
		return os.O_RDWR, nil
	case "w", "wb":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, nil
	case "w+", "wb+", "w+b":
		return os.O_RDWR | os.O_CREATE | os.O_TRUNC, nil
	case "a", "ab":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, nil
	case "a+", "ab+", "a+b":
		return os.O_RDWR | os.O_CREATE | os.O_APPEND, nil
	default:
		return 0, unix.EINVAL
	}
}
