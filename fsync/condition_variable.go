package fsync

import (
	"time"

	"github.com/corefiber/runtime/internal/waitable"
)

// ConditionVariable is a fiber-blocking condition variable paired with a
// Mutex, the same contract as sync.Cond: the caller must hold the mutex
// before calling Wait, and Wait releases it while suspended then
// reacquires it before returning.
//
// Ported from original_source/flare/fiber/condition_variable.{h,cc}.
type ConditionVariable struct {
	wait waitable.Waitable
}

// Wait atomically unlocks m and suspends the calling fiber until woken by
// Signal/Broadcast, then relocks m before returning. Spurious wakeups are
// possible, as with sync.Cond: callers must re-check their condition in a
// loop.
func (c *ConditionVariable) Wait(m *Mutex) {
	// m must still be held when we link onto c.wait: a Signal/Broadcast
	// caller is required to hold m while mutating the predicate it signals
	// on, so it cannot reach Signal until m.Unlock below runs, by which
	// point this fiber is already in the wait chain. Releasing m first (as
	// a naive port of "unlock, then wait" would) opens a window where a
	// Signal between the unlock and the link finds nobody to wake and is
	// lost for good.
	suspendOnLocked(&c.wait, m.Unlock)
	m.Lock()
}

// WaitTimeout is Wait with a deadline; returns false if the deadline
// elapsed before a wake.
func (c *ConditionVariable) WaitTimeout(m *Mutex, d time.Duration) bool {
	ok := suspendOnLockedWithTimeout(&c.wait, m.Unlock, d)
	m.Lock()
	return ok
}

// Signal wakes at most one waiter.
func (c *ConditionVariable) Signal() {
	wakeOne(&c.wait)
}

// Broadcast wakes every current waiter.
func (c *ConditionVariable) Broadcast() {
	broadcastWake(&c.wait)
}
