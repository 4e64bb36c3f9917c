// Package tracer implements the Tracer Adapter (spec §4.4): a process-wide
// hook that turns control-flow transfer notifications into edges, plus
// reset/drain operations the worker calls around each target invocation.
//
// Grounded on RiemaLabs' tracer/tracer.go, which plays the identical role
// (a package-level Record/Reset/Snapshot triplet standing in for a
// compiler-inserted coverage pass) for its in-process SSZ fuzzer. Real
// instrumentation (a coverage-guided compiler pass, binary rewriting, or a
// hardware trace buffer — spec §9) is out of scope; Hit is the contract such
// a pass would call.
package tracer

import (
	"sync"
	"sync/atomic"

	"github.com/covfuzz-project/covfuzz/internal/coveragemap"
)

// Adapter accumulates edges for a single worker process (spec §4.4, §9
// "Global mutable state": acceptable because a worker process exists solely
// to run the target). A worker process runs one target invocation at a
// time; hit, Reset and Drain still take the Adapter's mutex, so a target
// that calls Hit from several goroutines does not race with them.
type Adapter struct {
	mu      sync.Mutex
	prevLoc uint32
	hits    map[coveragemap.Edge]struct{}
}

// New returns a freshly reset Adapter.
func New() *Adapter {
	return &Adapter{hits: make(map[coveragemap.Edge]struct{})}
}

// current holds the process-wide active adapter. Go has no single built-in
// "trace hook slot" the way a ptrace- or sys.settrace-based runtime does;
// this atomic pointer is the idiomatic Go stand-in for that slot, and lets
// Hit implement the re-entrancy contract spec §4.4 describes: "if the host
// runtime supports only a single tracer slot, the adapter reinstalls itself
// if it detects displacement".
var current atomic.Pointer[Adapter]

// Install makes a the process-wide active adapter that Hit reports to.
func Install(a *Adapter) {
	current.Store(a)
}

// Active returns the process-wide active adapter, or nil if none is
// installed.
func Active() *Adapter {
	return current.Load()
}

// Hit is the contract a coverage-instrumentation pass calls at every
// control-flow transfer, passing the destination location identifier. It
// resolves to the currently installed adapter, reinstalling itself first if
// none is active — the closest Go equivalent to "reinstall if displaced".
func Hit(cur uint32) {
	a := current.Load()
	if a == nil {
		a = New()
		Install(a)
	}
	a.hit(cur)
}

// hit records the edge (prevLoc, cur) and advances prevLoc, per spec §4.4:
// "it then updates prev <- cur >> 1 (right shift by one to break symmetry
// between A->B and B->A, a standard trick)".
func (a *Adapter) hit(cur uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	edge := coveragemap.Edge{Prev: a.prevLoc, Cur: cur}
	a.hits[edge] = struct{}{}
	a.prevLoc = cur >> 1
}

// Reset clears this adapter's local coverage and previous-location register.
// The worker calls this before every target invocation (spec §4.5 step 3).
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prevLoc = 0
	a.hits = make(map[coveragemap.Edge]struct{})
}

// Drain returns the edges accumulated since the last Reset (or since
// creation) as a coverage map, and clears them (spec §4.4: "return and
// clear").
func (a *Adapter) Drain() *coveragemap.Map {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := coveragemap.New()
	for edge := range a.hits {
		m.Observe(edge)
	}
	a.hits = make(map[coveragemap.Edge]struct{})
	a.prevLoc = 0
	return m
}

// EnsureInstalled makes a the active adapter if some other adapter has
// displaced it, implementing the reinstall-on-displacement contract
// explicitly rather than relying on Hit's lazy fallback. The worker calls
// this once at startup and defensively before each round.
func (a *Adapter) EnsureInstalled() {
	if current.Load() != a {
		Install(a)
	}
}
