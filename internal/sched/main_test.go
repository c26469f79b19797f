package sched

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no worker or timer goroutine outlives its test: every
// test here must Shutdown (or Stop+Join) whatever Group it starts, via
// defer or t.Cleanup, or this fails the whole package instead of leaving a leaked
// goroutine to hang a later, unrelated CI run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
