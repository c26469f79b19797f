package fiber

import (
	"go.uber.org/atomic"

	"github.com/corefiber/runtime/fsync"
	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/rtlog"
	"github.com/corefiber/runtime/internal/sched"
)

// LaunchPolicy controls whether starting a fiber yields the calling
// context's remaining turn to it immediately.
type LaunchPolicy int

const (
	// Post enqueues the new fiber without yielding the caller's turn: it
	// becomes runnable but the caller (if itself a fiber) keeps running.
	Post LaunchPolicy = iota
	// Dispatch enqueues the new fiber at the tail of its group's run queue,
	// exactly as Post does, and then, if the caller is a fiber, yields the
	// caller's turn so it is re-queued behind the new fiber. There is no
	// direct switch from the caller to the new fiber.
	Dispatch
)

var nextFiberID atomic.Uint64

// Attributes configures how a Fiber is launched.
type Attributes struct {
	// LaunchPolicy is Post (default) or Dispatch.
	LaunchPolicy LaunchPolicy
	// SchedulingGroup pins the fiber to a specific group index, or -1 (the
	// default) to let the runtime choose (the caller's own group if it is
	// one, otherwise round robin).
	SchedulingGroup int
	// ExecutionContext, if set, is installed as the new fiber's context
	// before StartProc runs (see Async).
	ExecutionContext *ExecutionContext
	// SystemFiber marks this as internal runtime bookkeeping work rather
	// than user work, for stack-size budgeting and diagnostics.
	SystemFiber bool
	// SchedulingGroupLocal forbids work stealing from moving this fiber to
	// another scheduling group once created.
	SchedulingGroupLocal bool
}

// DefaultAttributes returns the zero-value-equivalent attribute set:
// Post launch, runtime-chosen group, no execution context.
func DefaultAttributes() Attributes {
	return Attributes{SchedulingGroup: -1}
}

// exitSignal adapts a fiber's completion to both Join contracts Fiber
// needs to support: Join called from inside another fiber (suspend via
// fsync.Event, freeing the worker to run other fibers) and Join called
// from ordinary goroutine/program code outside the runtime (block the
// real OS-level goroutine on a channel close, since there is no fiber
// context to suspend).
type exitSignal struct {
	event fsync.Event
	done  chan struct{}
}

func newExitSignal() *exitSignal {
	return &exitSignal{done: make(chan struct{})}
}

// UnsafeCountDown satisfies fiberentity.ExitBarrier. Called exactly once,
// from the exiting fiber's own trampoline.
func (s *exitSignal) UnsafeCountDown() {
	close(s.done)
	s.event.Set()
}

func (s *exitSignal) wait() {
	if fiberentity.Current() != nil {
		s.event.Wait()
		return
	}
	<-s.done
}

// Fiber is a handle to a spawned fiber, returned by StartFiber. Exactly
// one of Join/Detach may be called on it.
type Fiber struct {
	entity *fiberentity.Entity
	signal *exitSignal
	group  *sched.Group
}

// StartFiber spawns a new fiber running body, per attrs. The caller must
// eventually call Join or Detach on the returned handle.
func StartFiber(attrs Attributes, body func()) *Fiber {
	g := resolveGroup(attrs.SchedulingGroup)
	if g == nil {
		rtlog.Fatal("fiber: no runtime started; call StartRuntime first")
		return nil
	}

	signal := newExitSignal()
	start := body
	if attrs.ExecutionContext != nil {
		ctx := attrs.ExecutionContext
		start = func() { ctx.run(body) }
	}

	desc := fiberentity.NewDesc(start, signal, attrs.SchedulingGroupLocal, attrs.SystemFiber, 0)
	e := fiberentity.New(nextFiberID.Inc(), desc)
	e.SetSchedulingGroup(g)

	instealable := attrs.SchedulingGroupLocal
	g.ReadyFiber(e, instealable)

	if attrs.LaunchPolicy == Dispatch {
		if caller := fiberentity.Current(); caller != nil {
			if w := caller.RunContext.Worker(); w != nil {
				w.Yield(caller)
			}
		}
	}

	return &Fiber{entity: e, signal: signal, group: g}
}

// StartFiberDetached spawns a fiber that nobody will Join: it runs to
// completion on its own.
func StartFiberDetached(attrs Attributes, body func()) {
	StartFiber(attrs, body).Detach()
}

// StartSystemFiberDetached is StartFiberDetached with SystemFiber set,
// for runtime-internal background work.
func StartSystemFiberDetached(body func()) {
	attrs := DefaultAttributes()
	attrs.SystemFiber = true
	StartFiberDetached(attrs, body)
}

// BatchStartFiberDetached spawns every body in bodies as its own detached
// fiber under shared attrs, for callers launching a known-size batch of
// independent work (e.g. fanning out a request to N backends) without a
// per-fiber call.
func BatchStartFiberDetached(attrs Attributes, bodies []func()) {
	for _, body := range bodies {
		StartFiberDetached(attrs, body)
	}
}

// Join blocks until the fiber completes: it suspends the calling fiber if
// called from one, or blocks the calling goroutine otherwise.
func (f *Fiber) Join() {
	f.signal.wait()
	f.entity = nil
}

// Detach releases this handle without waiting for the fiber; it
// continues running to completion regardless.
func (f *Fiber) Detach() {}

// Joinable reports whether this handle still refers to a valid,
// not-yet-joined fiber. Always true until Join returns once; kept for
// parity with the attrs-driven join/detach contract other fiber runtimes
// expose.
func (f *Fiber) Joinable() bool {
	return f != nil && f.entity != nil
}

func resolveGroup(requested int) *sched.Group {
	if requested >= 0 {
		return groupByIndex(requested)
	}
	return pickGroup()
}
