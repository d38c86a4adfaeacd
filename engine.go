package failinj

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/lsgunth/failinj/internal/campaign"
	"github.com/lsgunth/failinj/internal/classify"
	"github.com/lsgunth/failinj/internal/policy"
	"github.com/lsgunth/failinj/internal/sched"
	"github.com/lsgunth/failinj/internal/site"
	"github.com/lsgunth/failinj/internal/track"
)

// Engine is one loaded instance of the fault-injection engine: the
// configuration snapshot, campaign database handle, tracking tables, and
// reentrancy guard of a single interposer in the chain.
//
// All engine-side state is protected by one coarse lock held for the
// duration of each wrapped call's scheduling decision and table update;
// the real primitive is invoked with the lock released so unrelated I/O
// across goroutines is not serialized. Once Inject is chosen for a call,
// that call's failure is final for the run.
type Engine struct {
	cfg    *policy.Config
	log    *slog.Logger
	diag   io.Writer
	exitFn func(int)

	resolver    Resolver
	resolveOnce sync.Once
	next        Runtime
	resolveErr  error

	db    *campaign.DB
	runID string

	// guard is the reentrancy counter: while set, wrapped primitives on
	// this instance forward straight to the next runtime with no
	// scheduling or tracking. Engine bookkeeping holds it so the
	// engine's own resource use never becomes a candidate injection
	// site and never corrupts its own tables through recursive entry.
	guard atomic.Int64

	mu        sync.Mutex
	scheduler *sched.Scheduler
	tables    *track.Tables
	streams   map[uint64]*Stream
	findings  []classify.Finding
	finalized bool
	finalCode int
}

var _ Runtime = (*Engine)(nil)

type settings struct {
	prefix   string
	lookup   policy.LookupFunc
	logger   *slog.Logger
	diag     io.Writer
	resolver Resolver
	exitFn   func(int)
}

// Option configures an engine instance at load time.
type Option func(*settings)

// WithPrefix sets the instance's environment namespace. Default FAILINJ;
// chained instances use FAILINJ2, FAILINJ3, ...
func WithPrefix(prefix string) Option {
	return func(s *settings) { s.prefix = prefix }
}

// WithLookup substitutes the environment lookup. Tests supply a fixed
// map instead of the process environment.
func WithLookup(lookup policy.LookupFunc) Option {
	return func(s *settings) { s.lookup = lookup }
}

// WithLogger sets the instance logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDiagnostics sets the writer for the finding report. Default
// os.Stderr.
func WithDiagnostics(w io.Writer) Option {
	return func(s *settings) { s.diag = w }
}

// WithResolver substitutes the next-runtime resolution strategy. Default
// resolves to the OS runtime.
func WithResolver(r Resolver) Option {
	return func(s *settings) { s.resolver = r }
}

// WithExitFunc substitutes the process-abort function used for fatal
// setup errors and by Exit. Default os.Exit. A substitute must not
// return (tests conventionally panic).
func WithExitFunc(fn func(int)) Option {
	return func(s *settings) { s.exitFn = fn }
}

func newSettings(opts []Option) *settings {
	s := &settings{
		prefix:   policy.DefaultPrefix,
		lookup:   os.LookupEnv,
		logger:   slog.Default(),
		diag:     os.Stderr,
		resolver: StaticResolver(NewOSRuntime()),
		exitFn:   os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New creates an engine instance from an explicit configuration
// snapshot, opening (or creating) its campaign database. Unlike Load it
// reports setup failures as errors instead of aborting, for callers that
// compose engines programmatically.
func New(cfg *policy.Config, opts ...Option) (*Engine, error) {
	st := newSettings(opts)

	db, err := campaign.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		log:       st.logger,
		diag:      st.diag,
		exitFn:    st.exitFn,
		resolver:  st.resolver,
		db:        db,
		runID:     uuid.Must(uuid.NewV7()).String(),
		scheduler: sched.New(db, cfg.SkipSite),
		tables:    track.NewTables(),
		streams:   make(map[uint64]*Stream),
	}

	if err := db.BeginRun(e.runID, time.Now()); err != nil {
		db.Close()
		return nil, err
	}

	e.log.Debug("engine loaded",
		"prefix", cfg.Prefix,
		"database", cfg.DatabasePath,
		"run_id", e.runID,
		"exercised", db.ExercisedCount(),
	)

	return e, nil
}

// Load creates an engine instance from the environment. An unusable
// campaign database or malformed policy is fatal: the process terminates
// immediately with the engine-error exit code (or its configured
// override) and the target's own logic never executes.
func Load(opts ...Option) *Engine {
	st := newSettings(opts)

	cfg, err := policy.FromEnv(st.prefix, st.lookup)
	if err != nil {
		st.logger.Error("failinj setup failed", "prefix", st.prefix, "error", err)
		st.exitFn(setupExitCode(st))
		panic(err) // exitFn must not return
	}

	e, err := New(cfg, opts...)
	if err != nil {
		st.logger.Error("failinj setup failed", "prefix", st.prefix, "error", err)
		st.exitFn(cfg.ErrorExit)
		panic(err) // exitFn must not return
	}
	return e
}

// setupExitCode reads the exit-error override directly when the snapshot
// itself failed to parse, matching the original's behavior of honoring
// the override even for setup failures.
func setupExitCode(st *settings) int {
	if v, ok := st.lookup(st.prefix + "_EXIT_ERROR"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return policy.DefaultErrorExit
}

// fatal aborts the instance with the engine-error code. Used for
// conditions under which correct operation is impossible: resolver
// failure and campaign write failure.
func (e *Engine) fatal(msg string, err error) {
	e.log.Error("failinj fatal: "+msg, "prefix", e.cfg.Prefix, "error", err)
	e.exitFn(e.cfg.ErrorExit)
	panic(err) // exitFn must not return
}

// nextRuntime resolves the next implementation down the chain, once,
// under the guard. Resolution failure is fatal.
func (e *Engine) nextRuntime() Runtime {
	e.resolveOnce.Do(func() {
		e.guard.Add(1)
		defer e.guard.Add(-1)
		rt, err := e.resolver.Resolve()
		if err == nil && rt == nil {
			err = errNilRuntime
		}
		e.next, e.resolveErr = rt, err
	})
	if e.resolveErr != nil {
		e.fatal("resolve next runtime", e.resolveErr)
	}
	return e.next
}

// bypassed reports whether this call happens inside the instance's own
// bookkeeping and must go straight to the next runtime.
func (e *Engine) bypassed() bool { return e.guard.Load() > 0 }

// Bypass runs fn with the reentrancy guard held: every wrapped primitive
// this instance sees from inside fn forwards directly to the next
// runtime, untracked and unschedulable. Engine-internal helpers use it;
// it is exported for target-side bookkeeping that must stay invisible to
// this instance's tables (the next instance down still schedules
// normally - instances only guard themselves).
func (e *Engine) Bypass(fn func()) {
	e.guard.Add(1)
	defer e.guard.Add(-1)
	fn()
}

// RunID identifies this execution in the campaign database's history.
func (e *Engine) RunID() string { return e.runID }

// Injected reports whether this execution has issued its single
// injection yet.
func (e *Engine) Injected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler.Injected()
}

// siteFor builds the call site for a wrapped primitive invocation.
func (e *Engine) siteFor(title string, cat site.Category) site.Site {
	// Skip site.New and the two engine frames above it so derived
	// identities are anchored at the target's own frame.
	return site.New(title, cat, 2)
}

// decide runs the scheduler for one call under the lock and the guard.
// On Inject the campaign database has durably advanced before decide
// returns; a write failure aborts the instance.
func (e *Engine) decide(s site.Site, op string) sched.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guard.Add(1)
	defer e.guard.Add(-1)

	d, err := e.scheduler.Decide(s)
	if err != nil {
		e.fatal("record exercised site", err)
	}

	if d == sched.Inject {
		e.log.Info("injecting failure",
			"op", op,
			"site", s.Title,
			"category", string(s.Category),
			"trace", strings.Join(site.CallerTrace(1), " <- "),
		)
		if err := e.db.RecordInjection(e.runID, s.ID); err != nil {
			// Run history is advisory; the exercised mark is what
			// the campaign depends on.
			e.log.Warn("record injection history", "error", err)
		}
	}
	return d
}

// errNilRuntime reports a resolver that produced no implementation.
var errNilRuntime = errors.New("resolver returned nil runtime")

// injectedErr builds the synthetic failure for an injected call.
func (e *Engine) injectedErr(op string, s site.Site, errno unix.Errno) error {
	return &InjectedError{Op: op, Site: s.Title, Errno: errno}
}

// acquire records a successful acquire in the tracking tables.
func (e *Engine) acquire(k track.Kind, handle uint64, size int, s site.Site) {
	trace := site.CallerTrace(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.tables.OnAcquire(k, track.Entry{Handle: handle, Size: size, Site: s, Trace: trace})
	if prev != nil {
		// Handle reuse without an observed release: a tracking
		// inconsistency. The older entry is overwritten.
		e.log.Warn("handle reused without observed release",
			"kind", k.String(),
			"handle", handle,
			"old_site", prev.Site.Title,
			"new_site", s.Title,
		)
	}
}

// release removes a tracked entry. Releasing an untracked handle is an
// untracked-close finding carrying the closing call's own site context,
// since the original acquire site is unknown.
func (e *Engine) release(k track.Kind, handle uint64, title string) {
	trace := site.CallerTrace(1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tables.OnRelease(k, handle); ok {
		return
	}

	e.findings = append(e.findings, classify.Finding{
		Category: classify.UntrackedClose,
		Title:    contextTitle(title),
		Handle:   handle,
		Trace:    trace,
	})
	e.log.Warn("untracked close",
		"kind", k.String(),
		"handle", handle,
		"site", title,
	)
}

func contextTitle(title string) string {
	if title == "" {
		return "(unidentified site)"
	}
	return title
}

// trackStream registers the stream object alongside its table entry so
// the close-all checkpoint can close it through the next runtime.
func (e *Engine) trackStream(s *Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[s.Handle()] = s
}

func (e *Engine) untrackStream(handle uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streams, handle)
}

// checkpoint classifies everything still tracked into sticky findings,
// closes every tracked stream through the next runtime under the guard,
// and clears the tables. It is the engine side of CloseAll.
func (e *Engine) checkpoint(title string, next Runtime) {
	e.mu.Lock()
	e.findings = append(e.findings, e.leakFindingsLocked()...)
	open := make([]*Stream, 0, len(e.streams))
	for _, s := range e.streams {
		open = append(open, s)
	}
	e.streams = make(map[uint64]*Stream)
	e.tables.Clear()
	e.mu.Unlock()

	e.guard.Add(1)
	defer e.guard.Add(-1)
	for _, s := range open {
		if err := next.FClose(title, s); err != nil {
			e.log.Warn("checkpoint stream close", "stream", s.Name(), "error", err)
		}
	}
}

// leakFindingsLocked converts the live tables into leak findings.
// Caller holds e.mu.
func (e *Engine) leakFindingsLocked() []classify.Finding {
	var out []classify.Finding
	for _, k := range []track.Kind{track.KindAllocation, track.KindDescriptor, track.KindStream} {
		out = append(out, classify.Leaks(k, e.tables.Live(k))...)
	}
	return out
}

// Finalize classifies the remaining tracked resources plus any sticky
// checkpoint findings and returns the final process exit code: the
// bug-found code if any finding survived policy, the campaign-done code
// if this execution never injected, otherwise the target's own code
// unmodified. Idempotent; the first call's code is remembered.
func (e *Engine) Finalize(targetCode int) int {
	e.mu.Lock()
	if e.finalized {
		code := e.finalCode
		e.mu.Unlock()
		return code
	}
	e.finalized = true
	findings := append(append([]classify.Finding(nil), e.findings...), e.leakFindingsLocked()...)
	injected := e.scheduler.Injected()
	e.mu.Unlock()

	report := classify.Classify(findings, e.cfg)
	if len(report.Kept) > 0 || len(report.Discarded) > 0 {
		report.Render(e.diag)
	}
	code := classify.ExitCode(report, !injected, targetCode, e.cfg)

	e.guard.Add(1)
	if err := e.db.Close(); err != nil {
		e.log.Warn("close campaign database", "error", err)
	}
	e.guard.Add(-1)

	e.log.Debug("run finalized",
		"run_id", e.runID,
		"exit_code", code,
		"bug_found", report.BugFound(),
		"campaign_done", !injected,
		"kept_findings", len(report.Kept),
		"discarded_findings", len(report.Discarded),
	)

	e.mu.Lock()
	e.finalCode = code
	e.mu.Unlock()
	return code
}

// Exit finalizes and terminates the process with the resulting code.
func (e *Engine) Exit(targetCode int) {
	e.exitFn(e.Finalize(targetCode))
}

// Main is the conventional entry point for an instrumented target: load
// an engine from the environment, run the target body against it, and
// exit with the classified code.
func Main(fn func(Runtime) int) {
	e := Load()
	e.Exit(fn(e))
}
