package fiber

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corefiber/runtime/internal/topology"
	"github.com/corefiber/runtime/thisfiber"
)

// startTestRuntime starts a small runtime for the duration of the test and
// tears it down via t.Cleanup, since the package keeps a single global
// active runtime (mirrors flare::fiber's process-wide runtime singleton).
func startTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{WithProfile(topology.Customized), WithCustomGroupSize(2), WithConcurrencyHint(4), WithRunQueueCapacity(64)}
	rt := StartRuntime(NewConfig(append(base, opts...)...))
	require.NotNil(t, rt)
	t.Cleanup(TerminateRuntime)
	return rt
}

func TestStartFiberRunsBody(t *testing.T) {
	startTestRuntime(t)
	ran := make(chan struct{})
	f := StartFiber(DefaultAttributes(), func() { close(ran) })
	f.Join()

	select {
	case <-ran:
	default:
		t.Fatal("Join returned before the fiber body ran")
	}
}

func TestJoinFromOrdinaryGoroutineBlocksUntilDone(t *testing.T) {
	startTestRuntime(t)
	order := make(chan string, 2)
	f := StartFiber(DefaultAttributes(), func() {
		thisfiber.SleepFor(20 * time.Millisecond)
		order <- "fiber"
	})
	f.Join()
	order <- "after-join"

	require.Equal(t, "fiber", <-order)
	require.Equal(t, "after-join", <-order)
}

func TestJoinFromWithinAnotherFiberSuspendsNotBlocksWorker(t *testing.T) {
	startTestRuntime(t)
	done := make(chan struct{})
	StartFiberDetached(DefaultAttributes(), func() {
		inner := StartFiber(DefaultAttributes(), func() {
			thisfiber.SleepFor(10 * time.Millisecond)
		})
		inner.Join()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("outer fiber never observed inner fiber's completion")
	}
}

func TestStartFiberDetachedRunsWithoutAJoiner(t *testing.T) {
	startTestRuntime(t)
	ran := make(chan struct{})
	StartFiberDetached(DefaultAttributes(), func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("detached fiber never ran")
	}
}

func TestBatchStartFiberDetachedRunsAll(t *testing.T) {
	startTestRuntime(t)
	const n = 10
	done := make(chan int, n)
	bodies := make([]func(), n)
	for i := 0; i < n; i++ {
		i := i
		bodies[i] = func() { done <- i }
	}
	BatchStartFiberDetached(DefaultAttributes(), bodies)

	seen := map[int]bool{}
	for i := 0; i < n; i++ {
		select {
		case v := <-done:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d/%d batch fibers ran", len(seen), n)
		}
	}
	require.Len(t, seen, n)
}

func TestDispatchYieldsCallerImmediately(t *testing.T) {
	// A single worker makes the ordering deterministic: with more than one
	// worker, a second idle worker could steal and run the dispatched
	// fiber concurrently with the caller's own yield/requeue, racing this
	// assertion for reasons that have nothing to do with Dispatch itself.
	startTestRuntime(t, WithProfile(topology.Customized), WithCustomGroupSize(1), WithConcurrencyHint(1))
	order := make(chan string, 2)
	done := make(chan struct{})
	StartFiberDetached(DefaultAttributes(), func() {
		attrs := DefaultAttributes()
		attrs.LaunchPolicy = Dispatch
		StartFiber(attrs, func() { order <- "dispatched" }).Detach()
		order <- "caller-after-dispatch"
		close(done)
	})

	<-done
	first := <-order
	require.Equal(t, "dispatched", first, "Dispatch must let the new fiber run before the caller resumes")
}

func TestSchedulingGroupLocalFiberStaysPinned(t *testing.T) {
	startTestRuntime(t)
	groupIdx := make(chan int, 1)
	attrs := DefaultAttributes()
	attrs.SchedulingGroup = 0
	attrs.SchedulingGroupLocal = true
	f := StartFiber(attrs, func() {
		groupIdx <- GetCurrentSchedulingGroupIndex()
	})
	f.Join()
	require.Equal(t, 0, <-groupIdx)
}

func TestFiberLocalIsPerFiberIndependent(t *testing.T) {
	startTestRuntime(t)
	local := NewFiberLocal[int]()
	results := make(chan int, 2)

	f1 := StartFiber(DefaultAttributes(), func() {
		local.Set(1)
		thisfiber.Yield()
		results <- local.Get()
	})
	f2 := StartFiber(DefaultAttributes(), func() {
		local.Set(2)
		thisfiber.Yield()
		results <- local.Get()
	})
	f1.Join()
	f2.Join()

	sum := <-results + <-results
	require.Equal(t, 3, sum, "each fiber must observe only its own value")
}

func TestFiberLocalPanicsOutsideFiberContext(t *testing.T) {
	local := NewFiberLocal[string]()
	require.Panics(t, func() { local.Get() })
	require.Panics(t, func() { local.Set("x") })
}

func TestExecutionContextPropagatesThroughAsync(t *testing.T) {
	startTestRuntime(t)
	seen := make(chan any, 1)
	StartFiberDetached(DefaultAttributes(), func() {
		ctx := CaptureCurrent()
		ctx.Set("request-id", "abc123")
		installExecutionContext(ctx)
		defer clearExecutionContext()

		Async(func() {
			v, _ := CaptureCurrent().Get("request-id")
			seen <- v
		}).Join()
	})

	select {
	case v := <-seen:
		require.Equal(t, "abc123", v)
	case <-time.After(time.Second):
		t.Fatal("Async never observed the propagated execution context")
	}
}

func TestAsyncInUsesExplicitContext(t *testing.T) {
	startTestRuntime(t)
	ctx := NewExecutionContext()
	ctx.Set("k", "v")
	seen := make(chan bool, 1)
	AsyncIn(ctx, func() {
		v, ok := CaptureCurrent().Get("k")
		seen <- ok && v == "v"
	}).Join()

	require.True(t, <-seen)
}

func TestSetTimerFiresCallback(t *testing.T) {
	startTestRuntime(t)
	fired := make(chan uint64, 1)
	id := SetTimer(time.Now().Add(20*time.Millisecond), func(id uint64) { fired <- id })

	select {
	case got := <-fired:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("SetTimer callback never fired")
	}
}

func TestKillTimerCancelsBeforeFire(t *testing.T) {
	startTestRuntime(t)
	fired := make(chan uint64, 1)
	id := SetTimer(time.Now().Add(50*time.Millisecond), func(id uint64) { fired <- id })
	KillTimer(id)

	select {
	case <-fired:
		t.Fatal("killed timer fired")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTimerKillerCloseIsIdempotent(t *testing.T) {
	startTestRuntime(t)
	fired := make(chan uint64, 1)
	id := SetTimer(time.Now().Add(50*time.Millisecond), func(id uint64) { fired <- id })
	killer := &TimerKiller{}
	*killer = TimerKiller{id: id}
	require.NoError(t, killer.Close())
	require.NoError(t, killer.Close())

	select {
	case <-fired:
		t.Fatal("timer fired despite TimerKiller.Close")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestGetSchedulingGroupCountAndSize(t *testing.T) {
	startTestRuntime(t, WithProfile(topology.Customized), WithCustomGroupSize(2), WithConcurrencyHint(4))
	require.Equal(t, 2, GetSchedulingGroupCount())
	require.Equal(t, 2, GetSchedulingGroupSize(0))
	require.Equal(t, 0, GetSchedulingGroupSize(99))
}

func TestGetCurrentSchedulingGroupIndexOutsideFiberIsNegativeOne(t *testing.T) {
	startTestRuntime(t)
	require.Equal(t, -1, GetCurrentSchedulingGroupIndex())
}

