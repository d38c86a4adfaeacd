// Package failinj is a deterministic fault-injection and
// resource-leak-detection engine.
//
// The target program routes its resource primitives - memory allocation,
// descriptor I/O, stream I/O - through a Runtime. An Engine is itself a
// Runtime that interposes on the next Runtime in a chain (ultimately the
// OS-backed implementation), the way a preloaded interposer library sits
// ahead of the C runtime. Across repeated executions against one campaign
// database, exactly one call site fails per execution, progressing in
// call order until every reachable site has been exercised once.
// Throughout, the engine tracks every live allocation, descriptor, and
// stream, and classifies leaks and illegal closes into a single aggregate
// exit code at process exit.
//
// A minimal target:
//
//	func main() {
//		failinj.Main(func(rt failinj.Runtime) int {
//			b, err := rt.Alloc("scratch allocation failed", 64)
//			if err != nil {
//				return 1
//			}
//			defer rt.Free("scratch free", b)
//			return 0
//		})
//	}
//
// Run it repeatedly with the same FAILINJ_DATABASE until it exits with
// ExitCampaignDone. The failinj CLI automates that loop.
//
// Multiple engine instances stack: each wraps the next and holds its own
// configuration prefix, campaign database, and tracking tables. An
// instance's own bookkeeping is invisible to its tables (reentrancy
// guard), while its forwarded calls remain subject to the next instance's
// scheduling - that is how instances compose.
package failinj

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/lsgunth/failinj/internal/classify"
	"github.com/lsgunth/failinj/internal/policy"
)

// Process exit codes of the stable orchestration contract. ExitEngineError
// and ExitBugFound are the defaults; {PREFIX}_EXIT_ERROR and
// {PREFIX}_BUG_FOUND override them per instance.
const (
	ExitSuccess      = classify.ExitSuccess
	ExitTargetError  = classify.ExitTargetError
	ExitEngineError  = policy.DefaultErrorExit
	ExitBugFound     = policy.DefaultBugExit
	ExitCampaignDone = policy.DoneExit
)

// Runtime is the interceptable primitive surface. The target program
// calls these instead of the raw OS primitives; every method takes the
// call site's stable title as its first argument. An empty title is
// tolerated (the stripped-target scenario): the engine derives a
// best-effort identity and never injects there.
//
// Implemented by *Engine (the interposer) and *OSRuntime (the genuine
// implementation at the bottom of every chain).
type Runtime interface {
	// Memory.
	Alloc(title string, size int) (*Block, error)
	Realloc(title string, b *Block, size int) (*Block, error)
	Free(title string, b *Block)

	// File descriptors.
	Open(title string, path string, flag int, perm uint32) (int, error)
	OpenAt(title string, dirfd int, path string, flag int, perm uint32) (int, error)
	Creat(title string, path string, perm uint32) (int, error)
	Read(title string, fd int, p []byte) (int, error)
	Write(title string, fd int, p []byte) (int, error)
	Close(title string, fd int) error

	// Streams.
	FOpen(title string, path string, mode string) (*Stream, error)
	FDOpen(title string, fd int, mode string) (*Stream, error)
	MemOpen(title string, buf []byte, mode string) (*Stream, error)
	TempFile(title string) (*Stream, error)
	FRead(title string, s *Stream, p []byte) (int, error)
	FWrite(title string, s *Stream, p []byte) (int, error)
	FScan(title string, s *Stream, format string, args ...any) (int, error)
	FFlush(title string, s *Stream) error
	FClose(title string, s *Stream) error

	// CloseAll is the optional target-facing checkpoint: close every
	// tracked stream and finalize the current tables. Findings present
	// at the checkpoint determine the bug-found code even if the
	// process later exits zero.
	CloseAll(title string) error
}

// InjectedError is a synthetic failure substituted for one real primitive
// call. It unwraps to the errno a genuine OS-level failure of the wrapped
// primitive would produce, so errors.Is(err, unix.ENOMEM) and friends
// hold for injected failures exactly as for real ones.
type InjectedError struct {
	// Op is the wrapped primitive, e.g. "open".
	Op string

	// Site is the failed call site's title.
	Site string

	// Errno is the synthetic error value.
	Errno unix.Errno
}

func (e *InjectedError) Error() string {
	return fmt.Sprintf("failinj: injected %s failure at %q: %v", e.Op, e.Site, e.Errno)
}

func (e *InjectedError) Unwrap() error { return e.Errno }
