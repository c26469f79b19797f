package fsync

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/sched"
)

// testGroup spins up a scheduling group with the given worker count,
// purely so this package's blocking primitives (which all require a
// running fiber, per current()'s panic) have somewhere to run.
func testGroup(t *testing.T, workers int) *sched.Group {
	t.Helper()
	g := sched.NewGroup(0, 0, workers, 64)
	g.Start()
	t.Cleanup(g.Shutdown)
	return g
}

func runFiber(g *sched.Group, body func()) {
	e := fiberentity.New(1, fiberentity.NewDesc(body, nil, false, false, 0))
	g.ReadyFiber(e, false)
}

func TestMutexExcludesConcurrentFibers(t *testing.T) {
	g := testGroup(t, 4)
	var mu Mutex
	counter := 0
	const n = 200
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		runFiber(g, func() {
			mu.Lock()
			counter++
			mu.Unlock()
			done <- struct{}{}
		})
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("not all fibers finished")
		}
	}
	require.Equal(t, n, counter)
}

func TestMutexTryLock(t *testing.T) {
	g := testGroup(t, 1)
	type outcome struct{ whileHeld, afterUnlock bool }
	result := make(chan outcome, 1)
	var mu Mutex

	runFiber(g, func() {
		mu.Lock()
		whileHeld := mu.TryLock() // already held by us: must fail
		mu.Unlock()
		afterUnlock := mu.TryLock() // now free: must succeed
		result <- outcome{whileHeld, afterUnlock}
	})

	select {
	case got := <-result:
		require.False(t, got.whileHeld)
		require.True(t, got.afterUnlock)
	case <-time.After(time.Second):
		t.Fatal("fiber never reported TryLock outcomes")
	}
}

func TestConditionVariableSignalWakesOneWaiter(t *testing.T) {
	g := testGroup(t, 3)
	var mu Mutex
	var cv ConditionVariable
	ready := false
	woke := make(chan struct{}, 1)

	runFiber(g, func() {
		mu.Lock()
		for !ready {
			cv.Wait(&mu)
		}
		mu.Unlock()
		woke <- struct{}{}
	})

	time.Sleep(20 * time.Millisecond) // let the waiter park
	runFiber(g, func() {
		mu.Lock()
		ready = true
		mu.Unlock()
		cv.Signal()
	})

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("condition variable waiter never woke")
	}
}

func TestConditionVariableWaitTimeout(t *testing.T) {
	g := testGroup(t, 1)
	var mu Mutex
	var cv ConditionVariable
	result := make(chan bool, 1)

	runFiber(g, func() {
		mu.Lock()
		result <- cv.WaitTimeout(&mu, 30*time.Millisecond)
		mu.Unlock()
	})

	select {
	case got := <-result:
		require.False(t, got, "WaitTimeout must report false on timeout")
	case <-time.After(time.Second):
		t.Fatal("WaitTimeout never returned")
	}
}

func TestEventWaitReturnsImmediatelyIfAlreadySet(t *testing.T) {
	g := testGroup(t, 1)
	var ev Event
	ev.Set()

	done := make(chan struct{})
	runFiber(g, func() {
		ev.Wait() // must not block: Set already happened
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked despite a prior Set")
	}
}

func TestEventResetAllowsWaitingAgain(t *testing.T) {
	g := testGroup(t, 2)
	var ev Event
	ev.Set()
	ev.Reset()

	waiting := make(chan struct{})
	done := make(chan struct{})
	runFiber(g, func() {
		close(waiting)
		ev.Wait()
		close(done)
	})
	<-waiting

	select {
	case <-done:
		t.Fatal("Wait returned before the reset event was Set again")
	case <-time.After(50 * time.Millisecond):
	}

	ev.Set()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Set following Reset")
	}
}

func TestExitBarrierWaitUnblocksAtZero(t *testing.T) {
	g := testGroup(t, 2)
	b := NewExitBarrier(2)

	waited := make(chan struct{})
	runFiber(g, func() {
		b.Wait()
		close(waited)
	})

	b.UnsafeCountDown()
	select {
	case <-waited:
		t.Fatal("barrier released before count reached zero")
	case <-time.After(50 * time.Millisecond):
	}

	b.UnsafeCountDown()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("barrier never released at zero")
	}
}

func TestNewExitBarrierZeroIsAlreadyOpen(t *testing.T) {
	g := testGroup(t, 1)
	b := NewExitBarrier(0)
	done := make(chan struct{})
	runFiber(g, func() {
		b.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("zero-count barrier should not block Wait")
	}
}

func TestLatchCountDownAndTryWait(t *testing.T) {
	g := testGroup(t, 1)
	l := NewLatch(3)
	require.False(t, l.TryWait())

	done := make(chan struct{})
	runFiber(g, func() {
		l.Wait()
		close(done)
	})

	l.CountDown(2)
	select {
	case <-done:
		t.Fatal("latch released before full count down")
	case <-time.After(50 * time.Millisecond):
	}

	l.CountDown(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("latch never released")
	}
	require.True(t, l.TryWait())
}

func TestCountingSemaphoreAcquireRelease(t *testing.T) {
	g := testGroup(t, 1)
	sem := NewCountingSemaphore(1)
	require.True(t, sem.TryAcquire())
	require.False(t, sem.TryAcquire())

	acquired := make(chan struct{})
	runFiber(g, func() {
		sem.Acquire()
		close(acquired)
	})

	select {
	case <-acquired:
		t.Fatal("acquired a permit that was not available")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after Release")
	}
}

func TestSharedMutexAllowsConcurrentReaders(t *testing.T) {
	g := testGroup(t, 4)
	var sm SharedMutex
	var concurrent int32
	var maxSeen int32
	const n = 8
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		runFiber(g, func() {
			sm.RLock()
			c := atomic.AddInt32(&concurrent, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if c <= m || atomic.CompareAndSwapInt32(&maxSeen, m, c) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			sm.RUnlock()
			done <- struct{}{}
		})
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("reader never finished")
		}
	}
	require.Greater(t, maxSeen, int32(1), "readers should have overlapped")
}

func TestSharedMutexWriterExcludesReaders(t *testing.T) {
	testGroup(t, 4)
	var sm SharedMutex
	require.True(t, sm.TryLock())
	require.False(t, sm.TryRLock())
	require.False(t, sm.TryLock())
	sm.Unlock()
	require.True(t, sm.TryRLock())
	sm.RUnlock()
}

func TestSharedMutexPrefersQueuedWriter(t *testing.T) {
	g := testGroup(t, 4)
	var sm SharedMutex
	sm.RLock() // held by the test goroutine itself via TryRLock-equivalent path

	writerGotIt := make(chan struct{})
	runFiber(g, func() {
		sm.Lock()
		close(writerGotIt)
		sm.Unlock()
	})
	time.Sleep(20 * time.Millisecond) // let the writer queue up

	readerGotIt := make(chan struct{})
	runFiber(g, func() {
		sm.RLock()
		close(readerGotIt)
		sm.RUnlock()
	})

	sm.RUnlock() // release the original read hold

	select {
	case <-writerGotIt:
	case <-time.After(time.Second):
		t.Fatal("queued writer never acquired the lock")
	}
	select {
	case <-readerGotIt:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired the lock after the writer released it")
	}
}

func TestOneshotTimedEventFiresOnTimeout(t *testing.T) {
	g := testGroup(t, 1)
	done := make(chan struct{})
	runFiber(g, func() {
		ev := NewOneshotTimedEvent(20 * time.Millisecond)
		ev.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed event never fired")
	}
}

func TestOneshotTimedEventCancelIsHarmless(t *testing.T) {
	g := testGroup(t, 1)
	var ev *OneshotTimedEvent
	created := make(chan struct{})
	runFiber(g, func() {
		ev = NewOneshotTimedEvent(time.Hour)
		close(created)
	})
	<-created
	ev.Cancel() // harmless even though the hour-long timeout never fires
}

func TestWaitableTimerFiresAtDeadline(t *testing.T) {
	g := testGroup(t, 1)
	done := make(chan struct{})
	runFiber(g, func() {
		timer := NewWaitableTimer(time.Now().Add(20 * time.Millisecond))
		timer.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitable timer never fired")
	}
}

func TestWaitableTimerPastDeadlineFiresImmediately(t *testing.T) {
	g := testGroup(t, 1)
	done := make(chan struct{})
	runFiber(g, func() {
		timer := NewWaitableTimer(time.Now().Add(-time.Hour))
		timer.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("already-past waitable timer never fired")
	}
}

func TestPeriodicWaitableTimerFiresMultipleTicks(t *testing.T) {
	g := testGroup(t, 1)
	ticks := make(chan struct{}, 4)
	var timer *WaitableTimer
	ready := make(chan struct{})
	runFiber(g, func() {
		timer = NewPeriodicWaitableTimer(15 * time.Millisecond)
		close(ready)
		for i := 0; i < 3; i++ {
			timer.Wait()
			ticks <- struct{}{}
		}
	})
	<-ready

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("periodic waitable timer only delivered %d ticks", i)
		}
	}
	timer.Stop()
}
