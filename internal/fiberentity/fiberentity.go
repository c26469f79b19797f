// Package fiberentity implements the fiber control block: FiberDesc
// (pre-stack descriptor), FiberEntity (materialized, running control
// block) and the context-switch primitive.
//
// Go has no portable, toolchain-free way to hand-roll a stackful coroutine
// (no inline assembly without leaving "go build" of a pure Go module, and
// no vendored fake assembly stub either). The idiomatic Go translation
// used here represents a fiber as a real goroutine parked on a pair of
// rendezvous channels: the "stack" is simply the goroutine's own growable
// stack, and "Resume()" is a channel handoff instead of a register-level
// jump. This preserves every state invariant of the original design
// (exactly one worker holds scheduler_lock during a transition, Ready
// implies queued-or-about-to-be, Running implies some worker's
// current-fiber pointer, Waiting implies linked into exactly one
// Waitable, Dead implies stack released and exit barrier counted down)
// without a literal stack swap.
//
// Ported from original_source/flare/fiber/detail/{fiber_desc,fiber_entity}.{h,cc}.
package fiberentity

import (
	"time"

	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/glocal"
	"github.com/corefiber/runtime/internal/rtmetrics"
	"github.com/corefiber/runtime/internal/spinlock"
)

// State mirrors FiberEntity.state enum.
type State int32

const (
	Ready State = iota
	Running
	Waiting
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// kInlineLocalStorageSlots mirrors Flare's inline FLS slot count. Go
// generics make the trivial/non-trivial split unnecessary (no destructor
// to elide), so a single inline array of `any` covers both.
const kInlineLocalStorageSlots = 8

// ExitBarrier is the minimal surface FiberEntity needs from fsync.ExitBarrier
// (fsync depends on fiberentity, not the other way around, so this is kept
// as a small interface here rather than importing fsync).
type ExitBarrier interface {
	// UnsafeCountDown decrements the barrier's count, waking join()ers when
	// it reaches zero.
	UnsafeCountDown()
}

// SchedulingGroup is the minimal surface FiberEntity needs to know about its
// owner, again kept as a small interface to avoid an import cycle with
// package sched.
type SchedulingGroup interface {
	Name() string
}

// Desc is the deferred-construction descriptor:
// everything needed to materialize a FiberEntity, before a goroutine has
// been spawned for it.
type Desc struct {
	StartProc            func()
	ExitBarrier          ExitBarrier
	SchedulingGroupLocal bool
	SystemFiber          bool
	// StackSize is kept only as a declared budget for metrics/diagnostics:
	// Go goroutine stacks grow on demand, so nothing is actually allocated
	// from this value.
	StackSize int

	dispatched atomic.Bool
}

// NewDesc creates a descriptor. StackSize defaults to a nominal 8KiB budget
// (system fibers) or 1MiB (user fibers) if zero: system fibers run
// bounded internal work and need less headroom than user-launched ones.
func NewDesc(start func(), exitBarrier ExitBarrier, groupLocal, system bool, stackSize int) *Desc {
	if stackSize == 0 {
		if system {
			stackSize = 8 * 1024
		} else {
			stackSize = 1024 * 1024
		}
	}
	return &Desc{
		StartProc:            start,
		ExitBarrier:          exitBarrier,
		SchedulingGroupLocal: groupLocal,
		SystemFiber:          system,
		StackSize:            stackSize,
	}
}

// MarkDispatched transfers ownership from the descriptor into a
// materialized entity. Calling it twice indicates the descriptor was
// dispatched more than once, which is a programming error.
func (d *Desc) MarkDispatched() bool {
	return d.dispatched.CompareAndSwap(false, true)
}

// Entity is the materialized, running control block.
type Entity struct {
	ID uint64

	SchedulerLock spinlock.SpinLock

	state atomic.Int32

	SchedulingGroupLocal bool
	SystemFiber          bool
	StackSize            int

	schedulingGroup atomic.Pointer[SchedulingGroup]

	LastReadyTSC atomic.Int64

	// ResumeProc, if set, is consumed and invoked by the resuming context
	// immediately after a switch away from this fiber. It is
	// how Halt/Yield/SwitchTo defer "put myself on the run queue" /
	// "release my scheduler_lock" work until after the handoff is safely
	// complete.
	ResumeProc func()

	startProc   func()
	exitBarrier ExitBarrier

	inlineFLS   [kInlineLocalStorageSlots]any
	overflowFLS map[int]any

	// resumeCh: worker -> fiber, "you may continue running".
	// suspendCh: fiber -> worker, "I have stopped running (suspended or dead)".
	resumeCh  chan struct{}
	suspendCh chan struct{}

	started atomic.Bool

	// RunContext holds the mutable "who is currently running me" link a
	// fiber's own goroutine consults from inside thisfiber/fsync calls that
	// take no explicit handle (this_fiber:: functions are
	// parameterless). It is set once per fiber; WorkerHandle inside it is
	// swapped by whichever FiberWorker resumes this fiber next, since that
	// can differ call to call once work stealing moves a fiber across
	// workers/groups.
	RunContext *RunContext
}

// WorkerHandle is the surface package sched's FiberWorker exposes back down
// to fiberentity/thisfiber, kept as a small interface here (rather than
// importing package sched) to avoid a cycle: sched depends on fiberentity,
// not the reverse.
type WorkerHandle interface {
	Yield(e *Entity)
	Halt(e *Entity)
	SleepFor(e *Entity, d time.Duration)
	Ready(e *Entity)
	ScheduleWake(d time.Duration, fn func()) (cancel func())
	GroupName() string
}

// RunContext is the per-fiber link described above.
type RunContext struct {
	mu     spinlock.SpinLock
	worker WorkerHandle
}

// SetWorker records which worker is currently driving this fiber.
func (c *RunContext) SetWorker(w WorkerHandle) {
	c.mu.Lock()
	c.worker = w
	c.mu.Unlock()
}

// Worker returns the worker currently driving this fiber, or nil before
// the fiber has first run.
func (c *RunContext) Worker() WorkerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.worker
}

// New materializes an Entity from a descriptor. Mirrors
// InstantiateFiberEntity: ownership of desc is taken.
func New(id uint64, desc *Desc) *Entity {
	e := &Entity{
		ID:                   id,
		SchedulingGroupLocal: desc.SchedulingGroupLocal,
		SystemFiber:          desc.SystemFiber,
		StackSize:            desc.StackSize,
		startProc:            desc.StartProc,
		exitBarrier:          desc.ExitBarrier,
		resumeCh:             make(chan struct{}),
		suspendCh:            make(chan struct{}, 1),
		RunContext:           &RunContext{},
	}
	e.state.Store(int32(Ready))
	rtmetrics.FibersAlive.Inc()
	return e
}

// State returns the fiber's current state.
func (e *Entity) State() State { return State(e.state.Load()) }

// SetState sets the fiber's state. Callers must hold SchedulerLock.
func (e *Entity) SetState(s State) { e.state.Store(int32(s)) }

// SchedulingGroup returns the fiber's current owning group.
func (e *Entity) SchedulingGroup() SchedulingGroup {
	p := e.schedulingGroup.Load()
	if p == nil {
		return nil
	}
	return *p
}

// SetSchedulingGroup sets the fiber's owning group (work stealing moves a
// fiber across groups unless SchedulingGroupLocal is set).
func (e *Entity) SetSchedulingGroup(sg SchedulingGroup) {
	e.schedulingGroup.Store(&sg)
}

// MarkReady stamps the time this fiber became runnable, for scheduling
// latency metrics. Go has no portable RDTSC; UnixNano is the idiomatic
// substitute.
func (e *Entity) MarkReady() {
	e.LastReadyTSC.Store(time.Now().UnixNano())
}

// Resume switches the calling goroutine (the worker) into this fiber,
// blocking until the fiber suspends or dies, then runs any pending
// ResumeProc on the caller — the worker goroutine that just regained
// control after the handoff completed.
func (e *Entity) Resume() {
	if e.started.CompareAndSwap(false, true) {
		go e.trampoline()
	} else {
		e.resumeCh <- struct{}{}
	}
	<-e.suspendCh
	if rp := e.ResumeProc; rp != nil {
		e.ResumeProc = nil
		rp()
	}
}

// trampoline is the fiber's goroutine body: run start_proc to completion,
// then count down the exit barrier and mark Dead, handing control back to
// whichever worker last resumed us.
func (e *Entity) trampoline() {
	glocal.Set(e)
	defer glocal.Clear()
	e.startProc()
	e.startProc = nil
	e.SchedulerLock.Lock()
	e.SetState(Dead)
	e.SchedulerLock.Unlock()
	if e.exitBarrier != nil {
		e.exitBarrier.UnsafeCountDown()
	}
	rtmetrics.FibersAlive.Dec()
	e.suspendCh <- struct{}{}
}

// ParkSelf is called from inside the fiber's own goroutine to hand control
// back to whoever is resuming it (the worker), then block until resumed
// again. This is the fiber-side half of the Resume() rendezvous, used by
// Worker.Halt/Yield/SwitchTo in package sched.
func (e *Entity) ParkSelf() {
	e.suspendCh <- struct{}{}
	<-e.resumeCh
}

// GetFLSValue / SetFLSValue back FiberLocal[T]:
// the inline array is probed first for the first kInlineLocalStorageSlots
// indices, then storage overflows to a per-fiber map.
func (e *Entity) GetFLSValue(index int) (any, bool) {
	if index < kInlineLocalStorageSlots {
		v := e.inlineFLS[index]
		return v, v != nil
	}
	if e.overflowFLS == nil {
		return nil, false
	}
	v, ok := e.overflowFLS[index]
	return v, ok
}

// Current returns the Entity for the calling goroutine, or nil if the
// caller is not running as a fiber (e.g. it's a FiberWorker's own loop, or
// ordinary program code outside the runtime).
func Current() *Entity {
	v, ok := glocal.Get()
	if !ok {
		return nil
	}
	e, _ := v.(*Entity)
	return e
}

func (e *Entity) SetFLSValue(index int, v any) {
	if index < kInlineLocalStorageSlots {
		e.inlineFLS[index] = v
		return
	}
	if e.overflowFLS == nil {
		e.overflowFLS = make(map[int]any)
	}
	e.overflowFLS[index] = v
}
