package fsync

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/waitable"
)

// CountingSemaphore is a fiber-blocking counting semaphore: Acquire
// suspends while the count is zero, Release increments it and wakes one
// waiter. The non-blocking fast path is golang.org/x/sync/semaphore's
// weighted semaphore with weight 1 per unit, rather than a hand-rolled
// counter, as an idiomatic Go shape for "N permits". Only its
// non-blocking TryAcquire and Release are used, so its own FIFO waiter
// queue stays empty and admission is not FIFO: a newcomer's TryAcquire can
// take a released permit before a woken waiter retries. Contended Acquire falls back to the Waitable suspend
// path below it, since the weighted semaphore's own blocking Acquire takes
// a context and would park the calling goroutine on a real channel wait —
// fine for an ordinary goroutine, but wrong here: it would leave the
// FiberWorker that resumed this fiber stuck mid-Resume instead of free to
// run other fibers.
//
// Ported from original_source/flare/fiber/semaphore_test.cc's expected
// Acquire/TryAcquire/Release(n) surface.
type CountingSemaphore struct {
	// spin serializes a TryAcquire-fails/AddWaiter pair in Acquire against
	// Release's Release/WakeOne pair: the weighted semaphore has its own
	// internal lock, but that only protects its own permit count, not the
	// ordering between "I found no permit, I'm registering as a waiter" and
	// "a permit just came back, wake someone" — without a guard spanning
	// both steps on each side, those two can interleave and strand a
	// waiter behind a permit nobody will ever hand it.
	spin     sync.Mutex
	weighted *semaphore.Weighted
	wait     waitable.Waitable
}

// NewCountingSemaphore creates a semaphore with the given initial count.
func NewCountingSemaphore(initial int) *CountingSemaphore {
	return &CountingSemaphore{weighted: semaphore.NewWeighted(int64(initial))}
}

// Acquire blocks until a permit is available, then takes it.
func (s *CountingSemaphore) Acquire() {
	for {
		s.spin.Lock()
		if s.weighted.TryAcquire(1) {
			s.spin.Unlock()
			return
		}
		suspendOnLocked(&s.wait, s.spin.Unlock)
	}
}

// TryAcquire attempts to take a permit without blocking.
func (s *CountingSemaphore) TryAcquire() bool {
	return s.weighted.TryAcquire(1)
}

// Release returns n permits and wakes up to n waiters.
func (s *CountingSemaphore) Release(n int) {
	s.spin.Lock()
	s.weighted.Release(int64(n))
	woken := make([]*fiberentity.Entity, 0, n)
	for i := 0; i < n; i++ {
		if e := s.wait.WakeOne(); e != nil {
			woken = append(woken, e)
		}
	}
	s.spin.Unlock()
	for _, e := range woken {
		readyEntity(e)
	}
}
