package fsync

import (
	"sync"

	"github.com/corefiber/runtime/internal/waitable"
)

// Mutex is a fiber-blocking mutual exclusion lock: Lock suspends the
// calling fiber (not its worker's OS thread) when contended, so the
// worker is freed to run other fibers while this one waits.
//
// Ported from original_source/flare/fiber/mutex.{h,cc}.
type Mutex struct {
	spin sync.Mutex // guards held/waitable below; held only for a handful of instructions
	held bool
	wait waitable.Waitable
}

// Lock acquires the mutex, suspending the calling fiber if it is already
// held. Must be called from within a running fiber.
func (m *Mutex) Lock() {
	for {
		m.spin.Lock()
		if !m.held {
			m.held = true
			m.spin.Unlock()
			return
		}
		// Register as a waiter before m.spin is released: Unlock takes the
		// same spin before it flips held and wakes, so the two can never
		// interleave into a lost wakeup (see suspendOnLocked).
		suspendOnLocked(&m.wait, m.spin.Unlock)
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.held {
		return false
	}
	m.held = true
	return true
}

// Unlock releases the mutex and wakes one waiter, if any. Unlocking an
// unheld mutex is a programming error and is not detected.
func (m *Mutex) Unlock() {
	m.spin.Lock()
	m.held = false
	woken := m.wait.WakeOne()
	m.spin.Unlock()
	readyEntity(woken)
}
