// Package waitable implements the substrate under every blocking
// primitive: WaitBlock and Waitable. WaitableTimer lives in package fsync.
//
// Ported from original_source/flare/fiber/detail/waitable.{h,cc}.
package waitable

import (
	"container/list"

	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/spinlock"
)

// WaitBlock is the stack-allocated (in Go: function-local) node chained
// into a Waitable's wait list. It lives exactly as long as the calling
// fiber's suspension.
type WaitBlock struct {
	Waiter    *fiberentity.Entity
	satisfied atomic.Bool
	elem      *list.Element // set once linked into a Waitable
}

// TryClaim attempts to CAS Satisfied from false to true, returning whether
// this caller won the race to claim (and thus wake) the waiter. Exactly
// one of possibly-several concurrent wakers (a real notify, a timeout timer)
// wins.
func (wb *WaitBlock) TryClaim() bool {
	return wb.satisfied.CompareAndSwap(false, true)
}

// Waitable is a spinlock-guarded wait chain plus a "latched open" flag. It
// is the building block every synchronization primitive in package fsync
// is implemented on top of.
type Waitable struct {
	lock               spinlock.SpinLock
	persistentAwakened bool
	waiters            list.List // of *WaitBlock
}

// AddWaiter links wb at the tail of the wait chain. Returns false if the
// waitable has already been persistently awakened, in which case the wait
// is satisfied immediately and the caller must not suspend.
//
// The caller's fiberentity.Entity.SchedulerLock MUST be held across this
// call and the subsequent suspend: this is what prevents a waker from
// completing a wake-up before the waiter has actually parked.
func (w *Waitable) AddWaiter(wb *WaitBlock) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.persistentAwakened {
		return false
	}
	wb.elem = w.waiters.PushBack(wb)
	return true
}

// TryRemoveWaiter unlinks wb if it is still linked. Returns false if wb was
// already removed (e.g. already woken).
func (w *Waitable) TryRemoveWaiter(wb *WaitBlock) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if wb.elem == nil {
		return false
	}
	w.waiters.Remove(wb.elem)
	wb.elem = nil
	return true
}

// WakeOne pops from the head of the chain repeatedly until it finds a
// block it can claim (skipping ones already claimed by a concurrent
// waker), and returns that waiter's fiber, or nil if none.
func (w *Waitable) WakeOne() *fiberentity.Entity {
	w.lock.Lock()
	defer w.lock.Unlock()
	for {
		front := w.waiters.Front()
		if front == nil {
			return nil
		}
		wb := front.Value.(*WaitBlock)
		w.waiters.Remove(front)
		wb.elem = nil
		if wb.TryClaim() {
			return wb.Waiter
		}
		// Claimed already by a concurrent waker (e.g. a timeout); skip it.
	}
}

// SetPersistentAwakened latches the waitable open: every pending waiter is
// drained and returned (those this call could claim), and all future
// AddWaiter calls fail immediately. Used for Event, WaitableTimer expiry,
// and ExitBarrier's countdown-to-zero ("latched-open" semantics).
func (w *Waitable) SetPersistentAwakened() []*fiberentity.Entity {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.persistentAwakened = true

	var woken []*fiberentity.Entity
	for {
		front := w.waiters.Front()
		if front == nil {
			break
		}
		wb := front.Value.(*WaitBlock)
		w.waiters.Remove(front)
		wb.elem = nil
		if wb.TryClaim() {
			woken = append(woken, wb.Waiter)
		}
	}
	return woken
}

// ResetAwakened undoes SetPersistentAwakened, so the waitable can be
// reused (e.g. an Event cleared by Event.Reset and set again later).
func (w *Waitable) ResetAwakened() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.persistentAwakened = false
}
