package fiber

import (
	"go.uber.org/atomic"

	"github.com/corefiber/runtime/internal/fiberentity"
)

// firstUserFLSSlot reserves slot 0 for ExecutionContext (see async.go);
// user FiberLocal[T] values start here.
const firstUserFLSSlot = 1

var nextFLSSlot = func() *atomic.Int32 {
	v := atomic.NewInt32(firstUserFLSSlot - 1)
	return v
}()

// FiberLocal is a per-fiber storage slot, the fiber analogue of a
// goroutine-local or thread-local variable: each fiber that reads or
// writes it sees its own independent copy. Go generics collapse Flare's
// separate trivial/non-trivial FLS slot spaces into this single
// type-parameterized allocator, since a garbage-collected `any` slot has
// no destructor-elision benefit to preserve.
//
// Ported from original_source/flare/fiber/fls.h's FiberLocal<T>.
type FiberLocal[T any] struct {
	slot int
}

// NewFiberLocal allocates a new fiber-local slot for type T.
func NewFiberLocal[T any]() *FiberLocal[T] {
	return &FiberLocal[T]{slot: int(nextFLSSlot.Inc())}
}

// Get returns the calling fiber's value for this slot, or the zero value
// of T if never set. Panics if called outside fiber context.
func (f *FiberLocal[T]) Get() T {
	var zero T
	e := fiberentity.Current()
	if e == nil {
		panic("fiber: FiberLocal accessed outside fiber context")
	}
	v, ok := e.GetFLSValue(f.slot)
	if !ok {
		return zero
	}
	t, _ := v.(T)
	return t
}

// Set stores value in the calling fiber's slot. Panics if called outside
// fiber context.
func (f *FiberLocal[T]) Set(value T) {
	e := fiberentity.Current()
	if e == nil {
		panic("fiber: FiberLocal accessed outside fiber context")
	}
	e.SetFLSValue(f.slot, value)
}
