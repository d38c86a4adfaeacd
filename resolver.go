package failinj

// Resolver locates the next Runtime down the interposition chain - the
// implementation that is not this engine's own wrapper. It is the Go
// rendering of next-in-load-order symbol resolution: a lazily
// initialized, injectable strategy, so tests can substitute a fake
// "real" implementation without composing a live chain.
//
// Resolution happens on the engine's first wrapped call and the result
// is cached for the engine lifetime. A resolution failure is fatal to
// the instance: correct operation is impossible without the real
// implementation, so the engine aborts with the engine-error code.
type Resolver interface {
	Resolve() (Runtime, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func() (Runtime, error)

func (f ResolverFunc) Resolve() (Runtime, error) { return f() }

// StaticResolver resolves to a fixed next runtime. Chained instances use
// it to point at the next engine down; the default engine configuration
// uses it to point at the OS runtime.
func StaticResolver(rt Runtime) Resolver {
	return ResolverFunc(func() (Runtime, error) { return rt, nil })
}

// Chain loads one engine instance per configuration prefix and stacks
// them over the OS runtime, mirroring a list of preloaded interposers:
// the first prefix is outermost, each instance's resolver yields the
// next, and the last wraps the genuine implementation.
//
// The returned slice is outermost first; the target calls engines[0].
// Each instance holds an independent campaign database, tables, and
// policy, and calls it forwards are subject to the next instance's own
// scheduling. Callers finalize every instance, outermost first.
func Chain(prefixes []string, opts ...Option) []*Engine {
	next := Runtime(NewOSRuntime())
	engines := make([]*Engine, len(prefixes))
	for i := len(prefixes) - 1; i >= 0; i-- {
		inst := append(opts[:len(opts):len(opts)],
			WithPrefix(prefixes[i]),
			WithResolver(StaticResolver(next)),
		)
		engines[i] = Load(inst...)
		next = engines[i]
	}
	return engines
}
