package runqueue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { New(3, "bad") })
	assert.Panics(t, func() { New(0, "bad") })
	assert.NotPanics(t, func() { New(4, "ok") })
}

func TestPushPopFIFOSingleProducerSingleConsumer(t *testing.T) {
	q := New(8, "spsc")
	for i := 0; i < 8; i++ {
		require.True(t, q.Push(i, false))
	}
	for i := 0; i < 8; i++ {
		require.Equal(t, i, q.Pop())
	}
	require.Nil(t, q.Pop())
}

func TestPushOverrunFailsWithoutCorrupting(t *testing.T) {
	q := New(4, "overrun")
	for i := 0; i < 4; i++ {
		require.True(t, q.Push(i, false))
	}
	require.False(t, q.Push(99, false))

	require.Equal(t, 0, q.Pop())
	// Freed a slot: push must succeed again and FIFO order holds.
	require.True(t, q.Push(4, false))
	require.Equal(t, 1, q.Pop())
	require.Equal(t, 2, q.Pop())
	require.Equal(t, 3, q.Pop())
	require.Equal(t, 4, q.Pop())
	require.Nil(t, q.Pop())
}

func TestStealSkipsInstealableSlots(t *testing.T) {
	q := New(4, "steal")
	require.True(t, q.Push("local", true))
	require.True(t, q.Push("stealable", false))

	// Steal must skip the instealable "local" entry at the head and
	// return nil without consuming anything, since popIf refuses to
	// advance the tail over a disallowed slot.
	require.Nil(t, q.Steal())

	// A plain Pop is not subject to the instealable restriction.
	require.Equal(t, "local", q.Pop())
	require.Equal(t, "stealable", q.Steal())
	require.Nil(t, q.Pop())
}

func TestBatchPushAllOrNothing(t *testing.T) {
	q := New(4, "batch")
	require.True(t, q.BatchPush([]Entity{1, 2, 3}, false))
	require.False(t, q.BatchPush([]Entity{4, 5}, false)) // only 1 slot left
	require.Equal(t, 1, q.Pop())
	require.Equal(t, 2, q.Pop())
	require.Equal(t, 3, q.Pop())
	require.Nil(t, q.Pop())
}

func TestBatchPushEmptyIsNoop(t *testing.T) {
	q := New(4, "batch-empty")
	require.True(t, q.BatchPush(nil, false))
	require.Nil(t, q.Pop())
}

// TestConcurrentProducersConsumersPreserveCount is the bounded-capacity
// analogue of property test 4 in spec.md §8: across any mix of
// concurrent pushes and pops, every successfully popped element was
// pushed exactly once and no element is returned twice.
func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	const n = 20000
	q := New(1024, "mpmc")

	var wg sync.WaitGroup
	produced := 0
	var produceMu sync.Mutex

	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				for !q.Push(base*1_000_000+i, false) {
				}
				produceMu.Lock()
				produced++
				produceMu.Unlock()
			}
		}(p)
	}

	consumed := make(chan int, n)
	var cwg sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v := q.Pop()
				if v != nil {
					consumed <- v.(int)
					continue
				}
				select {
				case <-done:
					// Drain whatever is left after producers finished.
					for {
						v := q.Pop()
						if v == nil {
							return
						}
						consumed <- v.(int)
					}
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	cwg.Wait()
	close(consumed)

	seen := map[int]bool{}
	count := 0
	for v := range consumed {
		require.False(t, seen[v], "value %d observed twice", v)
		seen[v] = true
		count++
	}
	require.Equal(t, n, produced)
	require.Equal(t, n, count)
}

func TestCapacity(t *testing.T) {
	q := New(16, "cap")
	require.Equal(t, 16, q.Capacity())
}
