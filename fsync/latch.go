package fsync

import (
	"sync"

	"github.com/corefiber/runtime/internal/waitable"
)

// Latch is a single-use countdown barrier: Wait suspends until the count
// reaches zero via CountDown calls.
//
// Ported from original_source/flare/fiber/latch.{h,cc}.
type Latch struct {
	spin  sync.Mutex
	count int
	wait  waitable.Waitable
}

// NewLatch creates a latch counting down from n.
func NewLatch(n int) *Latch {
	l := &Latch{count: n}
	if n <= 0 {
		l.wait.SetPersistentAwakened()
	}
	return l
}

// CountDown decrements the count by n, waking every waiter once it
// reaches zero.
func (l *Latch) CountDown(n int) {
	l.spin.Lock()
	l.count -= n
	reached := l.count <= 0
	l.spin.Unlock()
	if reached {
		wakeAll(&l.wait)
	}
}

// Wait suspends the calling fiber until the count reaches zero.
func (l *Latch) Wait() {
	suspendOn(&l.wait)
}

// TryWait reports whether the count has already reached zero.
func (l *Latch) TryWait() bool {
	l.spin.Lock()
	defer l.spin.Unlock()
	return l.count <= 0
}
