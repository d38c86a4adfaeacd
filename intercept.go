package failinj

import (
	"golang.org/x/sys/unix"

	"github.com/lsgunth/failinj/internal/sched"
	"github.com/lsgunth/failinj/internal/site"
	"github.com/lsgunth/failinj/internal/track"
)

// The wrapped entry points. Each forwards through the same pipeline:
// resolve the next runtime, bypass under the reentrancy guard, consult
// the scheduler, update the tracking tables, and invoke the real
// implementation unless this call is the run's injected failure.
//
// Synthetic failures carry the errno a genuine OS-level failure of the
// wrapped primitive would produce.
//
// Close-family primitives invert the order: tracking releases first and
// the real close runs before the scheduler is consulted, so an injected
// close failure reports against a close that actually happened - the
// resource is genuinely gone either way, as with a failed close(2) whose
// descriptor is nonetheless released.

func (e *Engine) Alloc(title string, size int) (*Block, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Alloc(title, size)
	}

	s := e.siteFor(title, site.Allocation)
	if e.decide(s, "alloc") == sched.Inject {
		return nil, e.injectedErr("alloc", s, unix.ENOMEM)
	}

	b, err := next.Alloc(title, size)
	if err == nil {
		e.acquire(track.KindAllocation, b.Handle(), size, s)
	}
	return b, err
}

func (e *Engine) Realloc(title string, b *Block, size int) (*Block, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Realloc(title, b, size)
	}

	s := e.siteFor(title, site.Allocation)
	if e.decide(s, "realloc") == sched.Inject {
		return nil, e.injectedErr("realloc", s, unix.ENOMEM)
	}

	nb, err := next.Realloc(title, b, size)
	if err == nil {
		if b != nil {
			e.release(track.KindAllocation, b.Handle(), title)
		}
		e.acquire(track.KindAllocation, nb.Handle(), size, s)
	}
	return nb, err
}

func (e *Engine) Free(title string, b *Block) {
	next := e.nextRuntime()
	next.Free(title, b)
	if e.bypassed() || b == nil {
		return
	}
	e.release(track.KindAllocation, b.Handle(), title)
}

func (e *Engine) Open(title string, path string, flag int, perm uint32) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Open(title, path, flag, perm)
	}

	s := e.siteFor(title, site.DescriptorOpen)
	if e.decide(s, "open") == sched.Inject {
		return -1, e.injectedErr("open", s, unix.EACCES)
	}

	fd, err := next.Open(title, path, flag, perm)
	if err == nil {
		e.acquire(track.KindDescriptor, uint64(fd), 0, s)
	}
	return fd, err
}

func (e *Engine) OpenAt(title string, dirfd int, path string, flag int, perm uint32) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.OpenAt(title, dirfd, path, flag, perm)
	}

	s := e.siteFor(title, site.DescriptorOpen)
	if e.decide(s, "openat") == sched.Inject {
		return -1, e.injectedErr("openat", s, unix.EACCES)
	}

	fd, err := next.OpenAt(title, dirfd, path, flag, perm)
	if err == nil {
		e.acquire(track.KindDescriptor, uint64(fd), 0, s)
	}
	return fd, err
}

func (e *Engine) Creat(title string, path string, perm uint32) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Creat(title, path, perm)
	}

	s := e.siteFor(title, site.DescriptorOpen)
	if e.decide(s, "creat") == sched.Inject {
		return -1, e.injectedErr("creat", s, unix.EACCES)
	}

	fd, err := next.Creat(title, path, perm)
	if err == nil {
		e.acquire(track.KindDescriptor, uint64(fd), 0, s)
	}
	return fd, err
}

func (e *Engine) Read(title string, fd int, p []byte) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Read(title, fd, p)
	}

	s := e.siteFor(title, site.DescriptorRead)
	if e.decide(s, "read") == sched.Inject {
		return -1, e.injectedErr("read", s, unix.EIO)
	}
	return next.Read(title, fd, p)
}

func (e *Engine) Write(title string, fd int, p []byte) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Write(title, fd, p)
	}

	s := e.siteFor(title, site.DescriptorWrite)
	if e.decide(s, "write") == sched.Inject {
		return -1, e.injectedErr("write", s, unix.ENOSPC)
	}
	return next.Write(title, fd, p)
}

func (e *Engine) Close(title string, fd int) error {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.Close(title, fd)
	}

	e.release(track.KindDescriptor, uint64(fd), title)

	if err := next.Close(title, fd); err != nil {
		return err
	}

	s := e.siteFor(title, site.DescriptorClose)
	if e.decide(s, "close") == sched.Inject {
		return e.injectedErr("close", s, unix.EDQUOT)
	}
	return nil
}

func (e *Engine) FOpen(title string, path string, mode string) (*Stream, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FOpen(title, path, mode)
	}

	s := e.siteFor(title, site.StreamOpen)
	if e.decide(s, "fopen") == sched.Inject {
		return nil, e.injectedErr("fopen", s, unix.EACCES)
	}

	st, err := next.FOpen(title, path, mode)
	if err == nil {
		e.acquire(track.KindStream, st.Handle(), 0, s)
		e.trackStream(st)
	}
	return st, err
}

func (e *Engine) FDOpen(title string, fd int, mode string) (*Stream, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FDOpen(title, fd, mode)
	}

	s := e.siteFor(title, site.StreamOpen)
	if e.decide(s, "fdopen") == sched.Inject {
		return nil, e.injectedErr("fdopen", s, unix.EPERM)
	}

	st, err := next.FDOpen(title, fd, mode)
	if err == nil {
		e.acquire(track.KindStream, st.Handle(), 0, s)
		e.trackStream(st)
		// The descriptor's ownership moves into the stream.
		e.release(track.KindDescriptor, uint64(fd), title)
	}
	return st, err
}

func (e *Engine) MemOpen(title string, buf []byte, mode string) (*Stream, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.MemOpen(title, buf, mode)
	}

	s := e.siteFor(title, site.StreamOpen)
	if e.decide(s, "memopen") == sched.Inject {
		return nil, e.injectedErr("memopen", s, unix.ENOMEM)
	}

	st, err := next.MemOpen(title, buf, mode)
	if err == nil {
		e.acquire(track.KindStream, st.Handle(), 0, s)
		e.trackStream(st)
	}
	return st, err
}

func (e *Engine) TempFile(title string) (*Stream, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.TempFile(title)
	}

	s := e.siteFor(title, site.StreamOpen)
	if e.decide(s, "tmpfile") == sched.Inject {
		return nil, e.injectedErr("tmpfile", s, unix.EROFS)
	}

	st, err := next.TempFile(title)
	if err == nil {
		e.acquire(track.KindStream, st.Handle(), 0, s)
		e.trackStream(st)
	}
	return st, err
}

func (e *Engine) FRead(title string, s *Stream, p []byte) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FRead(title, s, p)
	}

	st := e.siteFor(title, site.StreamIO)
	if e.decide(st, "fread") == sched.Inject {
		return 0, e.injectedErr("fread", st, unix.EIO)
	}
	return next.FRead(title, s, p)
}

func (e *Engine) FWrite(title string, s *Stream, p []byte) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FWrite(title, s, p)
	}

	st := e.siteFor(title, site.StreamIO)
	if e.decide(st, "fwrite") == sched.Inject {
		return 0, e.injectedErr("fwrite", st, unix.ENOSPC)
	}
	return next.FWrite(title, s, p)
}

func (e *Engine) FScan(title string, s *Stream, format string, args ...any) (int, error) {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FScan(title, s, format, args...)
	}

	st := e.siteFor(title, site.StreamIO)
	if e.decide(st, "fscan") == sched.Inject {
		return 0, e.injectedErr("fscan", st, unix.EIO)
	}
	return next.FScan(title, s, format, args...)
}

func (e *Engine) FFlush(title string, s *Stream) error {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FFlush(title, s)
	}

	st := e.siteFor(title, site.StreamFlush)
	if e.decide(st, "fflush") == sched.Inject {
		return e.injectedErr("fflush", st, unix.ENOSPC)
	}
	return next.FFlush(title, s)
}

func (e *Engine) FClose(title string, s *Stream) error {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.FClose(title, s)
	}

	if s != nil {
		e.release(track.KindStream, s.Handle(), title)
		e.untrackStream(s.Handle())
	}

	if err := next.FClose(title, s); err != nil {
		return err
	}

	st := e.siteFor(title, site.StreamClose)
	if e.decide(st, "fclose") == sched.Inject {
		return e.injectedErr("fclose", st, unix.ENOSPC)
	}
	return nil
}

// CloseAll is the target-facing checkpoint. Everything still tracked at
// this point becomes a finding, every tracked stream is closed through
// the next runtime, and the tables are cleared; the findings taken here
// determine the bug-found code even if the process later exits zero.
func (e *Engine) CloseAll(title string) error {
	next := e.nextRuntime()
	if e.bypassed() {
		return next.CloseAll(title)
	}

	e.checkpoint(title, next)

	if err := next.CloseAll(title); err != nil {
		return err
	}

	s := e.siteFor(title, site.StreamClose)
	if e.decide(s, "closeall") == sched.Inject {
		return e.injectedErr("closeall", s, unix.ENOSPC)
	}
	return nil
}
