package fsync

import (
	"sync"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/waitable"
)

// SharedMutex is a fiber-blocking reader/writer lock: any number of
// readers may hold it concurrently, but a writer excludes everyone.
// Writers are preferred over new readers once one is waiting, to avoid
// writer starvation under a steady stream of readers.
//
// Ported from original_source/flare/fiber/shared_mutex.{h,cc}.
type SharedMutex struct {
	spin          sync.Mutex
	readers       int
	writerHeld    bool
	writersQueued int
	readWait      waitable.Waitable
	writeWait     waitable.Waitable
}

// Lock acquires the mutex exclusively.
func (m *SharedMutex) Lock() {
	m.spin.Lock()
	m.writersQueued++
	for m.writerHeld || m.readers > 0 {
		// AddWaiter happens while m.spin is still held, so it can never
		// straddle Unlock/RUnlock's matching spin-guarded state change and
		// wake (see suspendOnLocked).
		suspendOnLocked(&m.writeWait, m.spin.Unlock)
		m.spin.Lock()
	}
	m.writersQueued--
	m.writerHeld = true
	m.spin.Unlock()
}

// TryLock attempts to acquire the mutex exclusively without blocking.
func (m *SharedMutex) TryLock() bool {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.writerHeld || m.readers > 0 {
		return false
	}
	m.writerHeld = true
	return true
}

// Unlock releases an exclusive hold, preferring to wake a waiting writer
// over the reader pool.
func (m *SharedMutex) Unlock() {
	m.spin.Lock()
	m.writerHeld = false
	var wokenWriter *fiberentity.Entity
	var wokenReaders []*fiberentity.Entity
	if m.writersQueued > 0 {
		wokenWriter = m.writeWait.WakeOne()
	} else {
		wokenReaders = m.readWait.SetPersistentAwakened()
	}
	m.spin.Unlock()

	if wokenWriter != nil {
		readyEntity(wokenWriter)
		return
	}
	for _, e := range wokenReaders {
		readyEntity(e)
	}
	m.readWait.ResetAwakened()
}

// RLock acquires a shared hold, suspending while a writer holds the lock
// or one is queued (writer-preferring).
func (m *SharedMutex) RLock() {
	m.spin.Lock()
	for m.writerHeld || m.writersQueued > 0 {
		suspendOnLocked(&m.readWait, m.spin.Unlock)
		m.spin.Lock()
	}
	m.readers++
	m.spin.Unlock()
}

// TryRLock attempts to acquire a shared hold without blocking.
func (m *SharedMutex) TryRLock() bool {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.writerHeld || m.writersQueued > 0 {
		return false
	}
	m.readers++
	return true
}

// RUnlock releases a shared hold, waking a queued writer once the last
// reader leaves.
func (m *SharedMutex) RUnlock() {
	m.spin.Lock()
	m.readers--
	var woken *fiberentity.Entity
	if m.readers == 0 {
		woken = m.writeWait.WakeOne()
	}
	m.spin.Unlock()
	readyEntity(woken)
}
