package fiber

import (
	"time"

	"github.com/corefiber/runtime/internal/sched"
	"github.com/corefiber/runtime/internal/timerworker"
)

// TimerKiller is a Close()-style RAII handle for a timer created via
// SetTimer or SetTimerPeriodic: Close cancels the timer the way KillTimer
// would, letting callers manage timer lifetime with defer instead of
// holding onto the raw id.
type TimerKiller struct {
	id     uint64
	closed bool
}

// Close cancels the timer. Safe to call more than once; only the first
// call has effect.
func (k *TimerKiller) Close() error {
	if k == nil || k.closed {
		return nil
	}
	k.closed = true
	KillTimer(k.id)
	return nil
}

// timerGroup picks which scheduling group's timer worker a new timer is
// registered on: the calling fiber's own group, falling back to
// round-robin across the running runtime the same way pickGroup chooses a
// home for a new fiber.
func timerGroup() *sched.Group {
	return pickGroup()
}

// SetTimer arms a one-shot timer that fires cb at expiresAt. The callback
// run on the timer worker's own goroutine (which, per timerworker.Callback's
// contract, must be short) only launches cb via StartFiberDetached, so cb
// itself runs as a detached system fiber instead of blocking the timer
// goroutine.
//
// Ported from original_source/flare/fiber/timer.h's SetTimer.
func SetTimer(expiresAt time.Time, cb func(id uint64)) uint64 {
	g := timerGroup()
	if g == nil {
		return 0
	}
	workerIndex := 0
	id := g.Timers().CreateTimer(workerIndex, expiresAt, func(id uint64) {
		runAsDetachedFiber(cb, id)
	})
	g.Timers().EnableTimer(id)
	return id
}

// SetTimerPeriodic arms a recurring timer: the first firing is at initial,
// every firing after that interval later. Semantics otherwise as SetTimer.
func SetTimerPeriodic(initial time.Time, interval time.Duration, cb func(id uint64)) uint64 {
	g := timerGroup()
	if g == nil {
		return 0
	}
	workerIndex := 0
	id := g.Timers().CreateTimerPeriodic(workerIndex, initial, interval, func(id uint64) {
		runAsDetachedFiber(cb, id)
	})
	g.Timers().EnableTimer(id)
	return id
}

// KillTimer cancels a timer created by SetTimer/SetTimerPeriodic. A no-op
// if the timer already fired (and wasn't periodic) or was already killed.
func KillTimer(id uint64) {
	if w := timerworker.GetOwner(id); w != nil {
		w.RemoveTimer(id)
	}
}

// DetachTimer releases interest in a timer without cancelling it: it
// keeps firing (or fires once, for a one-shot) unobserved.
func DetachTimer(id uint64) {
	if w := timerworker.GetOwner(id); w != nil {
		w.DetachTimer(id)
	}
}

func runAsDetachedFiber(cb func(id uint64), id uint64) {
	attrs := DefaultAttributes()
	attrs.SystemFiber = true
	StartFiberDetached(attrs, func() { cb(id) })
}
