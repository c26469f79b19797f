package fsync

import (
	"sync"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/waitable"
)

// ExitBarrier counts down to zero as fibers exit, waking anyone blocked
// in Wait (a Fiber.Join call) once the count reaches zero. It satisfies
// fiberentity.ExitBarrier so a fiber descriptor can reference one without
// fiberentity importing this package.
//
// Ported from original_source/flare/fiber/detail/fiber_entity.{h,cc}'s
// exit_barrier member.
type ExitBarrier struct {
	spin  sync.Mutex
	count int
	wait  waitable.Waitable
}

// NewExitBarrier creates a barrier counting down from n.
func NewExitBarrier(n int) *ExitBarrier {
	b := &ExitBarrier{count: n}
	if n <= 0 {
		b.wait.SetPersistentAwakened()
	}
	return b
}

// UnsafeCountDown decrements the barrier by one. Called from the exiting
// fiber's own trampoline, unsynchronized with Wait beyond the Waitable's
// own locking.
func (b *ExitBarrier) UnsafeCountDown() {
	b.spin.Lock()
	b.count--
	reached := b.count <= 0
	b.spin.Unlock()
	if reached {
		wakeAll(&b.wait)
	}
}

// Wait suspends the calling fiber until the barrier reaches zero.
func (b *ExitBarrier) Wait() {
	suspendOn(&b.wait)
}

var _ fiberentity.ExitBarrier = (*ExitBarrier)(nil)
