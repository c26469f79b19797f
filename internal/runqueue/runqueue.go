// Package runqueue implements the bounded MPMC run queue:
// a power-of-two ring buffer of runnable-entity pointers using the Vyukov
// sequence protocol, with a per-slot "non-stealable" bit.
//
// Ported from original_source/flare/fiber/detail/run_queue.{h,cc}.
package runqueue

import (
	"runtime"
	"time"

	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/rtmetrics"
)

// Entity is the opaque payload stored in a slot. The run queue never
// dereferences it; callers cast it back to whatever they pushed (mirrors
// the role Flare's RunnableEntity tagged base class plays there).
type Entity = any

type node struct {
	fiber       Entity
	instealable atomic.Bool
	seq         atomic.Uint64
}

// RunQueue is a bounded MPMC ring buffer of runnable entities.
type RunQueue struct {
	capacity uint64
	mask     uint64
	nodes    []node

	headSeq atomic.Uint64
	tailSeq atomic.Uint64

	name string
}

// New creates a queue with the given capacity, which must be a power of
// two. A non-power-of-two capacity is a configuration error
// and panics rather than silently rounding, so misconfiguration is caught
// at startup rather than producing a queue with the wrong wraparound
// behavior.
func New(capacity int, name string) *RunQueue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("runqueue: capacity must be a power of 2")
	}
	rq := &RunQueue{
		capacity: uint64(capacity),
		mask:     uint64(capacity - 1),
		nodes:    make([]node, capacity),
		name:     name,
	}
	for i := range rq.nodes {
		rq.nodes[i].seq.Store(uint64(i))
	}
	return rq
}

// Push enqueues a single entity. instealable marks the slot so Steal will
// skip it (used for scheduling-group-local fibers). Returns false on
// overrun.
func (q *RunQueue) Push(e Entity, instealable bool) bool {
	for spins := 0; ; spins++ {
		head := q.headSeq.Load()
		n := &q.nodes[head&q.mask]
		nseq := n.seq.Load()
		if nseq == head {
			if q.headSeq.CompareAndSwap(head, head+1) {
				n.fiber = e
				n.instealable.Store(instealable)
				n.seq.Store(head + 1)
				return true
			}
		} else if nseq+q.capacity == head+1 {
			rtmetrics.RunQueueOverrun.WithLabelValues(q.name).Inc()
			return false
		}
		pause(spins)
	}
}

// BatchPush enqueues a contiguous batch atomically: either all entities
// are admitted or none are.
func (q *RunQueue) BatchPush(entities []Entity, instealable bool) bool {
	batch := uint64(len(entities))
	if batch == 0 {
		return true
	}
	for spins := 0; ; spins++ {
		headWas := q.headSeq.Load()
		head := headWas + batch
		hseq := q.nodes[head&q.mask].seq.Load()
		if hseq == head {
			clean := true
			for i := uint64(0); i != batch; i++ {
				n := &q.nodes[(headWas+i)&q.mask]
				seq := n.seq.Load()
				if seq != headWas+i && seq+q.capacity == headWas+i+1 {
					clean = false
					break
				}
			}
			if !clean {
				rtmetrics.RunQueueOverrun.WithLabelValues(q.name).Inc()
				return false
			}
			if q.headSeq.CompareAndSwap(headWas, head) {
				for i := uint64(0); i != batch; i++ {
					n := &q.nodes[(headWas+i)&q.mask]
					n.fiber = entities[i]
					n.instealable.Store(instealable)
					n.seq.Store(headWas + i + 1)
				}
				return true
			}
		} else if hseq+q.capacity == head+1 {
			rtmetrics.RunQueueOverrun.WithLabelValues(q.name).Inc()
			return false
		}
		pause(spins)
	}
}

// Pop dequeues the oldest entity, or returns nil if the queue is empty.
func (q *RunQueue) Pop() Entity {
	return q.popIf(func(*node) bool { return true })
}

// Steal dequeues the oldest entity unless it was pushed with instealable
// set, in which case it returns nil without consuming anything: the
// stealable/non-stealable decision is captured at push time since pop and
// steal can't inspect the payload without taking ownership of it first.
func (q *RunQueue) Steal() Entity {
	return q.popIf(func(n *node) bool { return !n.instealable.Load() })
}

func (q *RunQueue) popIf(allow func(*node) bool) Entity {
	for spins := 0; ; spins++ {
		tail := q.tailSeq.Load()
		n := &q.nodes[tail&q.mask]
		nseq := n.seq.Load()
		if nseq == tail+1 {
			if !allow(n) {
				return nil
			}
			if q.tailSeq.CompareAndSwap(tail, tail+1) {
				rc := n.fiber
				n.fiber = nil
				n.seq.Store(tail + q.capacity)
				return rc
			}
		} else if nseq == tail || nseq+q.capacity == tail {
			return nil
		}
		pause(spins)
	}
}

// UnsafeEmpty reports whether the queue looked empty at some point during
// the call. An empty-queue observation is never definitive under
// concurrent pushes; callers that need a linearized emptiness check must
// consult per-group state (spinning/sleeping masks), not this method.
func (q *RunQueue) UnsafeEmpty() bool {
	return q.headSeq.Load() <= q.tailSeq.Load()
}

// Capacity returns the queue's fixed capacity.
func (q *RunQueue) Capacity() int { return int(q.capacity) }

// pause backs off: a tight Gosched loop for the first spins, then a short
// real sleep, mirroring internal/spinlock's backoff for the same reason —
// a contended slot held across a goroutine preemption shouldn't burn a full
// CPU indefinitely.
func pause(spins int) {
	if spins < 32 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Microsecond)
}
