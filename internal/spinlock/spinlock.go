// Package spinlock implements the test-and-test-and-set spinlock used to
// guard fiber state transitions (FiberEntity.scheduler_lock) and the small
// critical sections inside Waitable.
//
// It is deliberately not a sync.Mutex: the sections it guards are a handful
// of instructions (a state-machine transition, a linked-list splice), so
// spinning is cheaper than parking a whole OS thread.
package spinlock

import (
	"runtime"
	"time"

	"go.uber.org/atomic"
)

// SpinLock is a non-reentrant, unfair test-and-test-and-set spinlock.
type SpinLock struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	for i := 0; ; i++ {
		if s.TryLock() {
			return
		}
		for s.held.Load() {
			spin(i)
		}
	}
}

// TryLock attempts to acquire the lock without spinning, returning whether
// it succeeded.
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an unheld lock is a programming
// error and is not detected; callers are trusted to pair Lock/Unlock
// correctly.
func (s *SpinLock) Unlock() {
	s.held.Store(false)
}

// spin backs off: a tight Gosched loop for the first few iterations, then a
// short real sleep, so a spinlock held across a goroutine preemption
// doesn't burn a full CPU indefinitely. This stands in for the x86 PAUSE
// instruction a "spin-pause and retry" loop would use natively.
func spin(iteration int) {
	if iteration < 16 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Microsecond)
}
