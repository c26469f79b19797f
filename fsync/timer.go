package fsync

import (
	"time"

	"github.com/corefiber/runtime/internal/waitable"
)

// OneshotTimedEvent is an Event that also fires itself once a deadline
// passes, whichever happens first: an explicit Set() or the timeout.
// Must be constructed from within a running fiber, since arming the
// timeout uses the calling fiber's current worker.
//
// Ported from original_source/flare/fiber/timer.{h,cc}.
type OneshotTimedEvent struct {
	wait   waitable.Waitable
	cancel func()
}

// NewOneshotTimedEvent creates an event that auto-fires after d.
func NewOneshotTimedEvent(d time.Duration) *OneshotTimedEvent {
	_, worker := current()
	e := &OneshotTimedEvent{}
	e.cancel = worker.ScheduleWake(d, e.Set)
	return e
}

// Set signals the event immediately, if it hasn't fired already.
func (e *OneshotTimedEvent) Set() {
	wakeAll(&e.wait)
}

// Wait suspends until the event fires, by timeout or explicit Set.
func (e *OneshotTimedEvent) Wait() {
	suspendOn(&e.wait)
}

// Cancel disarms the timeout. Harmless to call after the event has
// already fired.
func (e *OneshotTimedEvent) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// WaitableTimer lets fibers block on a timer's expiry directly, rather
// than being invoked via a callback as package-level SetTimer is. It
// supports both a single deadline and a recurring interval.
type WaitableTimer struct {
	wait   waitable.Waitable
	cancel func()
}

// NewWaitableTimer creates a one-shot timer expiring at, or immediately
// if at has already passed.
func NewWaitableTimer(at time.Time) *WaitableTimer {
	_, worker := current()
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t := &WaitableTimer{}
	t.cancel = worker.ScheduleWake(d, func() { wakeAll(&t.wait) })
	return t
}

// NewPeriodicWaitableTimer creates a timer that fires every interval,
// waking all fibers waiting at that moment and letting a fresh set of
// waiters accumulate for the next tick.
func NewPeriodicWaitableTimer(interval time.Duration) *WaitableTimer {
	_, worker := current()
	t := &WaitableTimer{}
	var tick func()
	tick = func() {
		broadcastWake(&t.wait)
		t.cancel = worker.ScheduleWake(interval, tick)
	}
	t.cancel = worker.ScheduleWake(interval, tick)
	return t
}

// Wait suspends the calling fiber until the next tick.
func (t *WaitableTimer) Wait() {
	suspendOn(&t.wait)
}

// Stop disarms the timer. A tick already in flight still fires.
func (t *WaitableTimer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}
