// Package timerworker implements the dedicated timer thread: a
// per-owning-group min-heap of timer entries, fed by per-producer queues,
// firing callbacks on its own goroutine at expiry.
//
// Ported from original_source/flare/fiber/detail/timer_worker.{h,cc} and
// flare/fiber/timer.cc. Go's GC removes the need for the ref-counted
// `EntryPtr` the C++ version uses purely for lifetime safety (an entry is
// reachable from both a producer queue and the heap); a plain pointer
// suffices here.
package timerworker

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/rtlog"
	"github.com/corefiber/runtime/internal/rtmetrics"
)

// Callback is invoked on the timer worker's own goroutine at expiry, so it
// must be short; by convention callers spawn a fiber for real work (see
// the root package's SetTimer, which wraps cb in fiber.StartFiberDetached).
type Callback func(id uint64)

// Entry is a timer registration. It is reachable from exactly one
// producer queue slice (until drained) and, thereafter, the owner's heap.
type Entry struct {
	ID         uint64
	ExpiresAt  time.Time
	Interval   time.Duration // zero for one-shot
	Callback   Callback
	enabled    atomic.Bool
	cancelled  atomic.Bool
	heapIndex  int
}

// groupShift encodes the owning Worker's registry slot in the high bits
// of a timer id, so GetOwner can route RemoveTimer/DetachTimer back to
// the right Worker regardless of which goroutine calls them.
const groupShift = 48

var (
	registryMu sync.RWMutex
	registry   []*Worker
)

func register(w *Worker) uint64 {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, w)
	return uint64(len(registry) - 1)
}

// GetOwner resolves the Worker that owns the given timer id.
func GetOwner(id uint64) *Worker {
	slot := id >> groupShift
	registryMu.RLock()
	defer registryMu.RUnlock()
	if int(slot) >= len(registry) {
		return nil
	}
	return registry[slot]
}

// entryHeap is a container/heap min-heap keyed by ExpiresAt.
type entryHeap []*Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].ExpiresAt.Before(h[j].ExpiresAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Worker is the dedicated timer goroutine owned by one scheduling group.
type Worker struct {
	groupSlot uint64
	nextLocal atomic.Uint64

	mu         sync.Mutex
	producers  map[int][]*Entry // keyed by registered fiber-worker index
	byID       map[uint64]*Entry
	heap       entryHeap
	wake       chan struct{}
	stopped    atomic.Bool
	doneCh     chan struct{}
}

// New creates a (not yet started) timer worker for a scheduling group.
func New() *Worker {
	w := &Worker{
		producers: make(map[int][]*Entry),
		byID:      make(map[uint64]*Entry),
		wake:      make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	w.groupSlot = register(w)
	return w
}

// InitializeLocalQueue registers a fiber worker's producer slot, callable
// once per worker index before that worker creates any timer.
func (w *Worker) InitializeLocalQueue(workerIndex int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.producers[workerIndex]; !ok {
		w.producers[workerIndex] = nil
	}
}

func (w *Worker) nextID() uint64 {
	local := w.nextLocal.Add(1)
	return (w.groupSlot << groupShift) | local
}

// CreateTimer creates a disabled one-shot timer; EnableTimer arms it. The
// two-step dance lets the caller store the id somewhere the callback might
// consult before the callback can possibly fire.
func (w *Worker) CreateTimer(workerIndex int, expiresAt time.Time, cb Callback) uint64 {
	return w.createTimer(workerIndex, expiresAt, 0, cb)
}

// CreateTimerPeriodic creates a disabled periodic timer.
func (w *Worker) CreateTimerPeriodic(workerIndex int, initial time.Time, interval time.Duration, cb Callback) uint64 {
	return w.createTimer(workerIndex, initial, interval, cb)
}

func (w *Worker) createTimer(workerIndex int, expiresAt time.Time, interval time.Duration, cb Callback) uint64 {
	e := &Entry{
		ID:        w.nextID(),
		ExpiresAt: expiresAt,
		Interval:  interval,
		Callback:  cb,
	}
	w.mu.Lock()
	w.producers[workerIndex] = append(w.producers[workerIndex], e)
	w.byID[e.ID] = e
	w.mu.Unlock()
	return e.ID
}

// EnableTimer arms a timer created via CreateTimer. The callback may run
// even before this call returns, if the expiry has already passed.
func (w *Worker) EnableTimer(id uint64) {
	w.mu.Lock()
	e, ok := w.byID[id]
	w.mu.Unlock()
	if !ok {
		return
	}
	e.enabled.Store(true)
	w.kick()
}

// RemoveTimer cancels a timer. A cancelled entry is skipped when popped
// from the heap; this is a benign no-op for an id that never armed or
// already fired.
func (w *Worker) RemoveTimer(id uint64) {
	w.mu.Lock()
	e, ok := w.byID[id]
	delete(w.byID, id)
	w.mu.Unlock()
	if !ok || e == nil {
		return
	}
	if e.cancelled.CompareAndSwap(false, true) {
		rtmetrics.TimersCancelled.Inc()
	}
}

// DetachTimer releases interest in a timer without cancelling it: it fires
// unobserved.
func (w *Worker) DetachTimer(id uint64) {
	w.mu.Lock()
	delete(w.byID, id)
	w.mu.Unlock()
}

func (w *Worker) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start launches the timer goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop requests shutdown; Join waits for the goroutine to exit. The
// owning group stops and joins its timer worker before its fiber workers,
// since callbacks may reference fiber-worker state.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.kick()
}

func (w *Worker) Join() {
	<-w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		w.reapProducers()
		now := time.Now()
		w.fireDue(now)

		// Once stopped, don't linger waiting for timers that are merely
		// scheduled far in the future to come due naturally: fire whatever
		// is already due above, then exit. A pending timer that never got
		// to fire is indistinguishable from one cancelled a moment before
		// shutdown, which is the behavior callers already have to handle.
		if w.stopped.Load() {
			return
		}

		var wait time.Duration
		if w.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(w.heap[0].ExpiresAt)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-w.wake:
		}
	}
}

// reapProducers drains every registered producer queue into the heap.
// This is the only place producer slices are touched from the timer
// goroutine, keeping the fast (creation) path lock-scoped to a per-slot
// append.
func (w *Worker) reapProducers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for idx, entries := range w.producers {
		if len(entries) == 0 {
			continue
		}
		for _, e := range entries {
			heap.Push(&w.heap, e)
		}
		w.producers[idx] = entries[:0]
	}
}

func (w *Worker) fireDue(now time.Time) {
	w.mu.Lock()
	var due []*Entry
	var notYetEnabled []*Entry
	for w.heap.Len() > 0 && !w.heap[0].ExpiresAt.After(now) {
		e := heap.Pop(&w.heap).(*Entry)
		if !e.enabled.Load() && !e.cancelled.Load() {
			// Not armed yet: park it aside and re-heap once below, so this
			// pass terminates instead of re-popping the same entry forever.
			notYetEnabled = append(notYetEnabled, e)
			continue
		}
		due = append(due, e)
	}
	for _, e := range notYetEnabled {
		heap.Push(&w.heap, e)
	}
	w.mu.Unlock()

	for _, e := range due {
		if e.cancelled.Load() {
			continue
		}
		w.invoke(e)
		if e.Interval > 0 && !e.cancelled.Load() {
			e.ExpiresAt = e.ExpiresAt.Add(e.Interval)
			if !e.ExpiresAt.After(now) {
				e.ExpiresAt = now.Add(e.Interval)
			}
			w.mu.Lock()
			heap.Push(&w.heap, e)
			w.mu.Unlock()
		} else {
			w.mu.Lock()
			delete(w.byID, e.ID)
			w.mu.Unlock()
		}
	}
}

func (w *Worker) invoke(e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			rtlog.Warn("timer callback panicked")
		}
	}()
	rtmetrics.TimersFired.Inc()
	e.Callback(e.ID)
}
