package sched

import (
	"runtime"
	"time"

	"github.com/corefiber/runtime/internal/fiberentity"
)

// Worker is one fiber-worker goroutine: it repeatedly acquires a ready
// fiber (local queue, then spin, then cross-group steal, then sleep) and
// resumes it until the fiber suspends or dies.
type Worker struct {
	group *Group
	index int

	doneCh chan struct{}

	// stealTicks counts spin-loop iterations per victim-table slot,
	// independent per worker so different workers don't all poll the same
	// victim in lockstep.
	stealTicks []int
}

func newWorker(g *Group, index int) *Worker {
	return &Worker{group: g, index: index, doneCh: make(chan struct{})}
}

// Index returns this worker's position within its group.
func (w *Worker) Index() int { return w.index }

func (w *Worker) start() {
	go w.run()
}

func (w *Worker) join() {
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	for {
		e := w.acquireFiber()
		if e == nil {
			return
		}
		e.RunContext.SetWorker(w)
		e.Resume()
	}
}

// acquireFiber implements acquire -> spin -> steal -> sleep
// cascade.
func (w *Worker) acquireFiber() *fiberentity.Entity {
	for {
		if v := w.group.queue.Pop(); v != nil {
			return v.(*fiberentity.Entity)
		}
		if w.group.stopping.Load() {
			return nil
		}
		if e := w.spin(); e != nil {
			return e
		}
		if w.group.stopping.Load() {
			if v := w.group.queue.Pop(); v != nil {
				return v.(*fiberentity.Entity)
			}
			return nil
		}
		if e := w.sleep(); e != nil {
			return e
		}
	}
}

func (w *Worker) spin() *fiberentity.Entity {
	bit := uint64(1) << uint(w.index)
	for {
		cur := w.group.spinning.Load()
		if popcount(cur) >= kMaximumSpinners {
			return nil
		}
		if w.group.spinning.CompareAndSwap(cur, cur|bit) {
			break
		}
	}
	defer func() {
		for {
			cur := w.group.spinning.Load()
			if w.group.spinning.CompareAndSwap(cur, cur&^bit) {
				return
			}
		}
	}()

	if len(w.stealTicks) != len(w.group.victims) {
		w.stealTicks = make([]int, len(w.group.victims))
	}

	for i := 0; i < kMaximumCyclesToSpin; i++ {
		if v := w.group.queue.Pop(); v != nil {
			return v.(*fiberentity.Entity)
		}
		for slot, victim := range w.group.victims {
			w.stealTicks[slot]++
			if w.stealTicks[slot]%victim.paceTicks != 0 {
				continue
			}
			if e := w.group.stealFrom(victim.group); e != nil {
				return e
			}
		}
		runtime.Gosched()
	}
	return nil
}

func popcount(m uint64) int {
	n := 0
	for m != 0 {
		m &= m - 1
		n++
	}
	return n
}

func (w *Worker) sleep() *fiberentity.Entity {
	bit := uint64(1) << uint(w.index)
	for {
		cur := w.group.sleeping.Load()
		if w.group.sleeping.CompareAndSwap(cur, cur|bit) {
			break
		}
	}

	select {
	case <-w.group.wake[w.index]:
	case <-time.After(10 * time.Millisecond):
		for {
			cur := w.group.sleeping.Load()
			if w.group.sleeping.CompareAndSwap(cur, cur&^bit) {
				break
			}
		}
	}
	return nil
}

// Yield implements fiberentity.WorkerHandle: suspend the calling fiber,
// immediately re-queue it, and let some worker (possibly this one) pick a
// different ready fiber next.
func (w *Worker) Yield(e *fiberentity.Entity) {
	e.ResumeProc = func() {
		w.group.ReadyFiber(e, false)
	}
	e.ParkSelf()
}

// Halt suspends the calling fiber without requeuing it: the caller must
// already have linked it into a waitable's wait chain (with
// SchedulerLock held) before calling this, and whoever later wakes the
// fiber is responsible for calling ReadyFiber on it. SchedulerLock is
// released by the worker through ResumeProc once the switch away from the
// fiber has completed, so a waker's ReadyFiber cannot run before the fiber
// has parked.
func (w *Worker) Halt(e *fiberentity.Entity) {
	e.ResumeProc = func() {
		e.SchedulerLock.Unlock()
	}
	e.ParkSelf()
}

// SleepFor suspends the calling fiber for d, using the group's timer
// worker to wake it.
func (w *Worker) SleepFor(e *fiberentity.Entity, d time.Duration) {
	e.SchedulerLock.Lock()
	e.SetState(fiberentity.Waiting)
	id := w.group.timers.CreateTimer(w.index, time.Now().Add(d), func(uint64) {
		w.group.ReadyFiber(e, false)
	})
	w.group.timers.EnableTimer(id)
	w.Halt(e)
}

// SwitchTo hands off from the calling fiber directly to target. Flare's
// C++ implementation resumes target on the current OS thread without a
// round trip through the scheduling group master; Go's goroutine
// substrate makes that optimization unavailable (there is no "current OS
// thread" to commandeer), so SwitchTo is implemented as a priority ready:
// target is marked instealable and woken before the caller re-queues
// itself for normal stealing, giving target priority without a literal
// direct handoff.
func (w *Worker) SwitchTo(e *fiberentity.Entity, target *fiberentity.Entity) {
	e.ResumeProc = func() {
		w.group.ReadyFiber(target, true)
		w.group.ReadyFiber(e, false)
	}
	e.ParkSelf()
}

// Ready pushes e back onto this worker's group's run queue, for use by
// package fsync when a waiter wakes another fiber directly after its
// WakeOne/SetPersistentAwakened call claims it.
func (w *Worker) Ready(e *fiberentity.Entity) {
	w.group.ReadyFiber(e, false)
}

// ScheduleWake arranges for fn to run on the group's timer thread after d,
// returning a canceller. Used by timeout-capable waits (ConditionVariable
// wait_until, OneshotTimedEvent) to race a timer claim against a real wake
// without package fsync reaching into timerworker directly.
func (w *Worker) ScheduleWake(d time.Duration, fn func()) func() {
	id := w.group.timers.CreateTimer(w.index, time.Now().Add(d), func(uint64) { fn() })
	w.group.timers.EnableTimer(id)
	return func() { w.group.timers.RemoveTimer(id) }
}

// GroupName satisfies fiberentity.WorkerHandle.
func (w *Worker) GroupName() string { return w.group.Name() }

// Group returns the scheduling group this worker belongs to.
func (w *Worker) Group() *Group { return w.group }

var _ fiberentity.WorkerHandle = (*Worker)(nil)

// currentSpinners exists only so tests can assert on the spin cap without
// reaching into Group's unexported fields from another package.
func currentSpinners(g *Group) int {
	return popcount(g.spinning.Load())
}
