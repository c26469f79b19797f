// Package sched implements the scheduling group / fiber worker machinery:
// the run-queue-owning group, its pool of worker goroutines, and the
// acquire/spin/steal/sleep loop that drives fibers to completion.
//
// Ported from original_source/flare/fiber/detail/{scheduling_group,
// fiber_worker}.{h,cc}.
package sched

import (
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/rtlog"
	"github.com/corefiber/runtime/internal/rtmetrics"
	"github.com/corefiber/runtime/internal/runqueue"
	"github.com/corefiber/runtime/internal/timerworker"
	"go.uber.org/zap"
)

// kMaximumSpinners caps how many workers in a group may simultaneously
// spin looking for work, the rest going straight to sleep instead:
// spinning workers burn a core for lower wake latency, so only a few are
// allowed at a time.
const kMaximumSpinners = 2

// kMaximumCyclesToSpin bounds how many empty-handed attempts a spinning
// worker makes before giving up and sleeping.
const kMaximumCyclesToSpin = 10000

// kRunQueueOverrunAbortAfter bounds how long ReadyFiber retries a push
// into a persistently full run queue before treating it as fatal: the
// system is fundamentally unable to keep up and there is no graceful
// degradation, so retrying forever would just wedge the producer
// silently instead of surfacing the misconfiguration.
const kRunQueueOverrunAbortAfter = 5 * time.Second

// kRunQueueOverrunWarnEvery paces the repeated overrun warning emitted
// while a push retries, so a long stall logs periodically instead of
// once at the start or not at all.
const kRunQueueOverrunWarnEvery = 200 * time.Millisecond

// Group owns one run queue shared by every worker assigned to it, plus the
// dedicated timer worker for fibers created on it.
type Group struct {
	index  int
	nodeID int
	name   string

	queue *runqueue.RunQueue

	spinning atomic.Uint64
	sleeping atomic.Uint64
	wake     []chan struct{}

	workers []*Worker
	timers  *timerworker.Worker

	victims []victimEntry // cross-group steal candidates; set via SetVictims

	stopping atomic.Bool
}

// victimEntry pairs a steal candidate with how often a spinning worker
// is allowed to poll it: paceTicks 1 means "every spin cycle", N means
// "every Nth spin cycle", the idiomatic counter-based substitute for the
// "victim table sorted by next steal tick" described in spec.md §5. A
// victim is never consulted at all once removed from this table, which
// is how cross-NUMA stealing gets disabled entirely (ratio 0) rather
// than merely paced very slowly.
type victimEntry struct {
	group     *Group
	paceTicks int
}

// NewGroup creates a scheduling group with the given run-queue capacity
// (must be a power of two) and worker count.
func NewGroup(index, nodeID, numWorkers, queueCapacity int) *Group {
	g := &Group{
		index:  index,
		nodeID: nodeID,
		name:   groupName(index),
		queue:  runqueue.New(queueCapacity, groupName(index)),
		timers: timerworker.New(),
		wake:   make([]chan struct{}, numWorkers),
	}
	for i := range g.wake {
		g.wake[i] = make(chan struct{}, 1)
	}
	g.workers = make([]*Worker, numWorkers)
	for i := 0; i < numWorkers; i++ {
		g.workers[i] = newWorker(g, i)
		g.timers.InitializeLocalQueue(i)
	}
	return g
}

func groupName(index int) string {
	return "scheduling-group-" + strconv.Itoa(index)
}

// Name satisfies fiberentity.SchedulingGroup.
func (g *Group) Name() string { return g.name }

// Index returns the group's position among its runtime's groups.
func (g *Group) Index() int { return g.index }

// NodeID returns the NUMA node this group is pinned to, or -1 if none.
func (g *Group) NodeID() int { return g.nodeID }

// Workers returns the group's fiber workers.
func (g *Group) Workers() []*Worker { return g.workers }

// Timers returns the group's dedicated timer worker, for the root package's
// timer API.
func (g *Group) Timers() *timerworker.Worker { return g.timers }

// SetVictims records the groups this group's workers may steal from when
// their own queue and spin attempts come up empty, split by whether the
// victim shares this group's NUMA node. workStealRatio paces in-node
// victims (reciprocal of the ratio: steal every 1/ratio ticks);
// crossNUMARatio paces cross-node victims the same way, or omits them
// from the table entirely when zero (spec.md's default: cross-NUMA
// stealing disabled because it regressed measured performance).
func (g *Group) SetVictims(inNode, crossNode []*Group, workStealRatio, crossNUMARatio float64) {
	victims := make([]victimEntry, 0, len(inNode)+len(crossNode))
	if pace := paceFromRatio(workStealRatio); pace > 0 {
		for _, v := range inNode {
			victims = append(victims, victimEntry{group: v, paceTicks: pace})
		}
	}
	if pace := paceFromRatio(crossNUMARatio); pace > 0 {
		for _, v := range crossNode {
			victims = append(victims, victimEntry{group: v, paceTicks: pace})
		}
	}
	g.victims = victims
}

// paceFromRatio turns a "fraction of spin cycles eligible to steal from
// this victim" ratio into a tick count, 0 meaning "never poll this
// victim at all" (ratio <= 0).
func paceFromRatio(ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	if ratio >= 1 {
		return 1
	}
	pace := int(1.0/ratio + 0.5)
	if pace < 1 {
		pace = 1
	}
	return pace
}

// Start launches the timer worker and every fiber worker goroutine.
func (g *Group) Start() {
	g.timers.Start()
	for _, w := range g.workers {
		w.start()
	}
}

// Shutdown requests every worker in the group to stop once its queue
// drains. The timer worker is stopped and joined before the fiber workers,
// since an in-flight timer callback may reference worker state.
func (g *Group) Shutdown() {
	g.stopping.Store(true)
	for _, ch := range g.wake {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	g.timers.Stop()
	g.timers.Join()
	for _, w := range g.workers {
		w.join()
	}
}

// ReadyFiber pushes e onto this group's run queue and wakes a worker to
// service it. instealable fibers are pushed with the steal-exempt flag.
func (g *Group) ReadyFiber(e *fiberentity.Entity, instealable bool) {
	e.SchedulerLock.Lock()
	e.SetState(fiberentity.Ready)
	e.MarkReady()
	e.SchedulerLock.Unlock()

	if !g.queue.Push(e, instealable) {
		g.retryPushOrAbort(e, instealable)
	}
	g.wakeOne()
}

// retryPushOrAbort is the overrun-retry path: it retries the push for up
// to kRunQueueOverrunAbortAfter, logging a warning at
// kRunQueueOverrunWarnEvery, then aborts via rtlog.Fatal. There is no
// return from overrun short of a successful push or abort, since a
// caller proceeding with a fiber it failed to enqueue would have a fiber
// referenced by no run queue at all, violating invariant (ii) of the
// control block.
func (g *Group) retryPushOrAbort(e *fiberentity.Entity, instealable bool) {
	deadline := time.Now().Add(kRunQueueOverrunAbortAfter)
	lastWarn := time.Now()
	rtlog.Warn("run queue overrun, retrying push", zap.String("group", g.name))
	for {
		if g.queue.Push(e, instealable) {
			return
		}
		now := time.Now()
		if now.After(deadline) {
			rtlog.Fatal("run queue overrun exceeded abort window, giving up",
				zap.String("group", g.name), zap.Duration("window", kRunQueueOverrunAbortAfter))
			return
		}
		if now.Sub(lastWarn) >= kRunQueueOverrunWarnEvery {
			rtlog.Warn("run queue overrun, still retrying push", zap.String("group", g.name))
			lastWarn = now
		}
		time.Sleep(time.Microsecond)
	}
}

// wakeOne nudges one sleeping worker awake, skipped entirely if a spinner
// is already looking: spinners amortize the wake cost of a burst of
// readies.
func (g *Group) wakeOne() {
	if g.spinning.Load() > 0 {
		return
	}
	mask := g.sleeping.Load()
	for i := 0; i < len(g.wake); i++ {
		bit := uint64(1) << uint(i)
		if mask&bit == 0 {
			continue
		}
		if !g.sleeping.CompareAndSwap(mask, mask&^bit) {
			mask = g.sleeping.Load()
			i--
			continue
		}
		select {
		case g.wake[i] <- struct{}{}:
		default:
		}
		return
	}
}

// stealFrom attempts to steal one fiber from a specific victim group.
func (g *Group) stealFrom(victim *Group) *fiberentity.Entity {
	v := victim.queue.Steal()
	if v == nil {
		return nil
	}
	rtmetrics.WorkerSteals.WithLabelValues(victim.name).Inc()
	return v.(*fiberentity.Entity)
}
