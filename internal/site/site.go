// Package site defines call-site identity for the fault-injection engine.
//
// A call site is a single decision point in the target's use of an
// interceptable primitive. Sites are identified by the stable title string
// supplied at the instrumentation point; the same title always hashes to
// the same site ID, across executions and across rebuilds of the target.
//
// When no title is supplied (an uninstrumented or stripped call path),
// identity is derived best-effort from the caller's stack frames and the
// site is marked unreliable. Unreliable sites are never chosen for
// injection - classification stays conservative when identity cannot be
// established.
package site

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
)

// Category classifies the primitive a site belongs to.
type Category string

const (
	Allocation      Category = "allocation"
	DescriptorOpen  Category = "descriptor-open"
	DescriptorRead  Category = "descriptor-read"
	DescriptorWrite Category = "descriptor-write"
	DescriptorClose Category = "descriptor-close"
	StreamOpen      Category = "stream-open"
	StreamIO        Category = "stream-io"
	StreamClose     Category = "stream-close"
	StreamFlush     Category = "stream-flush"
)

// Domain prefix for content-addressed site identity.
// Version suffix enables future algorithm migration.
const domainSite = "failinj/site/v1"

// Site is one injectable decision point.
type Site struct {
	// ID is the content-addressed identity used as the campaign
	// database key.
	ID string

	// Title is the stable name supplied by the instrumentation point,
	// e.g. "x allocation failed". Empty for derived sites.
	Title string

	// Category classifies the wrapped primitive.
	Category Category

	// Reliable reports whether the identity came from an explicit
	// title. Derived (stack-based) identities are unreliable and are
	// never selected for injection.
	Reliable bool
}

// New builds the site for an instrumented call. If title is empty the
// identity is derived from the caller's stack, skipping `skip` frames
// above New itself, and the site is marked unreliable.
func New(title string, cat Category, skip int) Site {
	if title != "" {
		return Site{
			ID:       hashWithDomain(domainSite, string(cat)+"\x00"+title),
			Title:    title,
			Category: cat,
			Reliable: true,
		}
	}

	frames := CallerTrace(skip + 1)
	return Site{
		ID:       hashWithDomain(domainSite, string(cat)+"\x00"+strings.Join(frames, "\n")),
		Category: cat,
		Reliable: false,
	}
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain, data string) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// maxTraceDepth bounds trace capture. Deep enough to reach main for any
// realistic target; bounded so a pathological stack cannot balloon the
// tracking tables.
const maxTraceDepth = 64

// CallerTrace captures the function names of the current call stack as
// "pkg.Func+0xoff" strings, skipping `skip` frames above CallerTrace
// itself. Unknown frames render as "unknown".
func CallerTrace(skip int) []string {
	pcs := make([]uintptr, maxTraceDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return []string{"unknown"}
	}

	trace := make([]string, 0, n)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			trace = append(trace, "unknown")
		} else {
			trace = append(trace, fmt.Sprintf("%s+0x%x", frame.Function, frame.PC-frame.Entry))
		}
		if !more {
			break
		}
	}
	return trace
}
