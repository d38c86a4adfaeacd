// Package classify turns the tracking tables' findings into the single
// aggregate process exit code, applying the ignore policy.
//
// Classification runs at the target's close-all checkpoint (if it
// performs one) and unconditionally at finalize. Findings are detected
// only at those points, never raised mid-execution.
package classify

import (
	"fmt"
	"io"

	"github.com/lsgunth/failinj/internal/policy"
	"github.com/lsgunth/failinj/internal/site"
	"github.com/lsgunth/failinj/internal/track"
)

// Process exit codes of the stable orchestration contract. The engine
// error and bug-found codes are the defaults; policy may override them.
const (
	ExitSuccess     = 0
	ExitTargetError = 1
)

// Category is a finding category; each maps to its own policy switches.
type Category string

const (
	Memory         Category = "memory"
	Descriptor     Category = "descriptor"
	Stream         Category = "stream"
	UntrackedClose Category = "untracked-close"
)

// Finding is one unresolved leak or illegal close.
type Finding struct {
	Category Category

	// Title is the acquire site's title for leaks, or the closing
	// call's own site context for untracked closes (the original
	// acquire site is unknown there).
	Title string

	// Handle is the leaked or illegally closed handle.
	Handle uint64

	// Trace is the backtrace associated with the finding.
	Trace []string
}

// LeakCategory maps a tracking-table kind to its leak category.
func LeakCategory(k track.Kind) Category {
	switch k {
	case track.KindAllocation:
		return Memory
	case track.KindDescriptor:
		return Descriptor
	default:
		return Stream
	}
}

// Leaks converts the live entries of one table into leak findings.
func Leaks(k track.Kind, entries []track.Entry) []Finding {
	out := make([]Finding, 0, len(entries))
	for _, e := range entries {
		out = append(out, Finding{
			Category: LeakCategory(k),
			Title:    leakTitle(e.Site),
			Handle:   e.Handle,
			Trace:    e.Trace,
		})
	}
	return out
}

func leakTitle(s site.Site) string {
	if s.Title != "" {
		return s.Title
	}
	return "(unidentified site)"
}

// Report is the outcome of one classification pass.
type Report struct {
	// Kept are the findings that survived policy filtering; any kept
	// finding makes the run bug-found.
	Kept []Finding

	// Discarded are the findings the ignore policy removed.
	Discarded []Finding
}

// Classify partitions findings per the ignore policy. Category-wide
// ignores discard the whole category; named ignores (memory leaks and
// untracked closes) discard findings whose title or trace matches a
// configured name, and unmatched findings in the same category still
// count.
func Classify(findings []Finding, cfg *policy.Config) Report {
	var r Report
	for _, f := range findings {
		if discard(f, cfg) {
			r.Discarded = append(r.Discarded, f)
		} else {
			r.Kept = append(r.Kept, f)
		}
	}
	return r
}

func discard(f Finding, cfg *policy.Config) bool {
	switch f.Category {
	case Memory:
		return cfg.IgnoreMemLeak(f.Title, f.Trace)
	case Descriptor:
		return cfg.IgnoreAllFdLeaks
	case Stream:
		return cfg.IgnoreAllFileLeaks
	case UntrackedClose:
		return cfg.IgnoreUntrackedClose(f.Title, f.Trace)
	default:
		return false
	}
}

// BugFound reports whether any finding survived filtering.
func (r Report) BugFound() bool { return len(r.Kept) > 0 }

// ExitCode computes the final process exit code. Priority, highest
// first: any kept finding, then campaign-complete, then the target's own
// code unmodified. Engine-setup failures abort long before this point
// and never reach the classifier.
func ExitCode(r Report, campaignDone bool, targetCode int, cfg *policy.Config) int {
	if r.BugFound() {
		return cfg.BugExit
	}
	if campaignDone {
		return policy.DoneExit
	}
	return targetCode
}

// Render writes a human-readable report of kept and discarded findings.
// Output is deterministic given deterministic finding order.
func (r Report) Render(w io.Writer) {
	for _, f := range r.Kept {
		fmt.Fprintf(w, "FAILINJ: possible %s at %q (handle 0x%x):\n", describe(f.Category), f.Title, f.Handle)
		renderTrace(w, f.Trace)
	}
	for _, f := range r.Discarded {
		fmt.Fprintf(w, "FAILINJ: ignored by policy: %s at %q (handle 0x%x)\n", describe(f.Category), f.Title, f.Handle)
	}
}

func describe(c Category) string {
	switch c {
	case Memory:
		return "memory leak"
	case Descriptor:
		return "file descriptor leak"
	case Stream:
		return "unclosed stream"
	case UntrackedClose:
		return "untracked close"
	default:
		return string(c)
	}
}

func renderTrace(w io.Writer, trace []string) {
	for _, frame := range trace {
		fmt.Fprintf(w, "    %s\n", frame)
	}
}
