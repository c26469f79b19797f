// Package fsync provides the synchronization primitives built on top of
// the runtime core's Waitable substrate: Mutex,
// ConditionVariable, SharedMutex, CountingSemaphore, Latch, Event,
// OneshotTimedEvent, WaitableTimer, and ExitBarrier. Every primitive here
// may only be used from within a running fiber.
//
// Ported from original_source/flare/fiber/{mutex,condition_variable,
// shared_mutex,latch,event,timer}.{h,cc}.
package fsync

import (
	"time"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/waitable"
)

// errNotAFiber is the panic value used when a blocking primitive is
// invoked from outside fiber context ("misuse ... abort with
// a diagnostic" bucket).
const errNotAFiber = "fsync: blocking call made outside fiber context"

func current() (*fiberentity.Entity, fiberentity.WorkerHandle) {
	e := fiberentity.Current()
	if e == nil {
		panic(errNotAFiber)
	}
	w := e.RunContext.Worker()
	if w == nil {
		panic(errNotAFiber)
	}
	return e, w
}

// suspendOn links the calling fiber onto w under its own scheduler lock
// and parks it: the lock stays held across AddWaiter and the subsequent
// Halt so no waker can complete a wake-up before the fiber has actually
// parked. Returns false if the waitable was already persistently
// awakened, in which case the caller never suspended and must not wait
// for a wake-up.
//
// This is only safe to call directly for primitives whose Wait blocks on
// nothing but w's persistent-awakened flag (Event, Latch, ExitBarrier,
// WaitableTimer):
// AddWaiter and SetPersistentAwakened are serialized against each other by
// w's own internal lock, so there is no other guard to coordinate with.
// Mutex, ConditionVariable, CountingSemaphore, and SharedMutex keep extra
// state (held, a permit count, reader/writer counts) outside w, guarded by
// a lock of their own; those must use suspendOnLocked below instead, or a
// waiter's condition check and its AddWaiter can straddle a waker's
// unrelated unlock-and-wake and the wake-up is lost for good.
func suspendOn(w *waitable.Waitable) bool {
	e, worker := current()
	wb := &waitable.WaitBlock{Waiter: e}

	e.SchedulerLock.Lock()
	if !w.AddWaiter(wb) {
		e.SchedulerLock.Unlock()
		return false
	}
	e.SetState(fiberentity.Waiting)
	worker.Halt(e) // parks until woken; SchedulerLock is released after the switch
	return true
}

// suspendOnLocked is suspendOn for primitives that guard extra state (a
// held flag, a permit count, reader/writer counts) outside w with a lock
// of their own. The caller must already hold that guard. AddWaiter runs
// while it is still held, and unlock (the caller's release function) is
// not invoked until immediately after, so the link into w's wait chain
// and the waker's matching state mutation — which must take the very same
// guard before it mutates that state and wakes — can never interleave:
// either this fiber is linked before the waker's critical section runs, or
// the waker's critical section (and the state change it made, e.g.
// held = false) runs first and is visible once this fiber re-acquires the
// guard to recheck its condition.
//
// Returns false if w was already persistently awakened (AddWaiter failed)
// — callers of suspendOnLocked don't use persistent-awaken semantics today,
// but treat false the same as suspendOn's callers do: retry rather than
// wait for a wake-up that was never registered.
func suspendOnLocked(w *waitable.Waitable, unlock func()) bool {
	e, worker := current()
	wb := &waitable.WaitBlock{Waiter: e}

	e.SchedulerLock.Lock()
	linked := w.AddWaiter(wb)
	unlock()
	if !linked {
		e.SchedulerLock.Unlock()
		return false
	}
	e.SetState(fiberentity.Waiting)
	worker.Halt(e) // parks until woken; SchedulerLock is released after the switch
	return true
}

// suspendOnWithTimeout is suspendOn plus a race between a real wake and a
// timer, both trying to claim the same WaitBlock via TryClaim; whichever
// wins proceeds and the loser's action becomes a no-op. Returns true if
// woken normally, false on timeout.
func suspendOnWithTimeout(w *waitable.Waitable, d time.Duration) bool {
	e, worker := current()
	wb := &waitable.WaitBlock{Waiter: e}

	e.SchedulerLock.Lock()
	if !w.AddWaiter(wb) {
		e.SchedulerLock.Unlock()
		return true
	}
	e.SetState(fiberentity.Waiting)

	timedOut := false
	cancel := worker.ScheduleWake(d, func() {
		if !w.TryRemoveWaiter(wb) {
			return
		}
		if wb.TryClaim() {
			timedOut = true
			worker.Ready(wb.Waiter)
		}
	})
	worker.Halt(e)
	cancel()
	return !timedOut
}

// readyEntity requeues e on its worker. A nil e (nothing was woken) is a
// harmless no-op, so callers can pass a possibly-nil WakeOne result
// straight through.
func readyEntity(e *fiberentity.Entity) {
	if e == nil {
		return
	}
	if rc := e.RunContext; rc != nil {
		if wh := rc.Worker(); wh != nil {
			wh.Ready(e)
		}
	}
}

// suspendOnLockedWithTimeout is suspendOnLocked plus suspendOnWithTimeout's
// real-wake-vs-timer race, for the one caller (ConditionVariable.WaitTimeout)
// that needs both the external-guard ordering and a deadline.
func suspendOnLockedWithTimeout(w *waitable.Waitable, unlock func(), d time.Duration) bool {
	e, worker := current()
	wb := &waitable.WaitBlock{Waiter: e}

	e.SchedulerLock.Lock()
	linked := w.AddWaiter(wb)
	unlock()
	if !linked {
		e.SchedulerLock.Unlock()
		return true
	}
	e.SetState(fiberentity.Waiting)

	timedOut := false
	cancel := worker.ScheduleWake(d, func() {
		if !w.TryRemoveWaiter(wb) {
			return
		}
		if wb.TryClaim() {
			timedOut = true
			worker.Ready(wb.Waiter)
		}
	})
	worker.Halt(e)
	cancel()
	return !timedOut
}

func wakeOne(w *waitable.Waitable) {
	readyEntity(w.WakeOne())
}

func wakeAll(w *waitable.Waitable) {
	for _, f := range w.SetPersistentAwakened() {
		readyEntity(f)
	}
}

// broadcastWake wakes every current waiter without leaving w latched
// open: unlike wakeAll (used by primitives whose whole point is a
// persistent latch, e.g. Event), ConditionVariable.Broadcast only needs to
// drain the waiters present right now.
func broadcastWake(w *waitable.Waitable) {
	wakeAll(w)
	w.ResetAwakened()
}
