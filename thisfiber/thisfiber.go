// Package thisfiber provides the parameterless calls a fiber's own body
// makes about itself: yielding, sleeping, and reading its own id. Every
// function here panics if called from outside a running fiber (e.g. from
// a FiberWorker's own loop, or from ordinary program code never started
// via fiber.StartFiberDetached/Fiber.Join).
//
// Ported from original_source/flare/fiber/this_fiber.{h,cc}.
package thisfiber

import (
	"time"

	"github.com/corefiber/runtime/internal/fiberentity"
)

const errNotAFiber = "thisfiber: called from outside fiber context"

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

// Yield gives up the calling fiber's turn, immediately re-queuing it for
// some worker (possibly the one running it now) to pick up again.
func Yield() {
	e, w := current()
	w.Yield(e)
}

// SleepFor suspends the calling fiber for at least d.
func SleepFor(d time.Duration) {
	if d <= 0 {
		Yield()
		return
	}
	e, w := current()
	w.SleepFor(e, d)
}

// SleepUntil suspends the calling fiber until at least the given time.
func SleepUntil(at time.Time) {
	SleepFor(time.Until(at))
}

// GetID returns the calling fiber's id, unique for the lifetime of the
// runtime it belongs to.
func GetID() uint64 {
	e, _ := current()
	return e.ID
}

// IsFiberContext reports whether the calling goroutine is running as a
// fiber, without panicking — useful for code that may run either inside
// or outside the runtime (e.g. a shared helper).
func IsFiberContext() bool {
	return fiberentity.Current() != nil
}
