package fsync

import (
	"github.com/corefiber/runtime/internal/waitable"
)

// Event is a one-shot, fiber-blocking signal: Wait suspends until Set is
// called (which may happen before or after Wait, unlike a raw Waitable
// wait chain used alone).
//
// Ported from original_source/flare/fiber/event.{h,cc}.
type Event struct {
	wait waitable.Waitable
}

// Set signals the event, waking every current and future waiter.
func (e *Event) Set() {
	wakeAll(&e.wait)
}

// Wait suspends the calling fiber until Set is called. If Set has already
// been called, Wait returns immediately.
func (e *Event) Wait() {
	suspendOn(&e.wait)
}

// Reset un-signals the event, so a subsequent Wait suspends again.
func (e *Event) Reset() {
	e.wait.ResetAwakened()
}
