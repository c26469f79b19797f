// Package glocal provides goroutine-local storage, the one piece of
// connective tissue thisfiber's parameterless Yield/SleepFor/GetID calls
// need: there's no ecosystem library pulled in elsewhere in this module
// that offers goroutine-local context (the closest ecosystem answer,
// petermattis/goid, isn't a dependency here), so this is a direct,
// stdlib-only implementation of the well-known goroutine-id-from-stack-
// trace technique rather than a fabricated dependency.
package glocal

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.RWMutex
	table = make(map[uint64]any)
)

// id extracts the calling goroutine's runtime-internal id from the header
// line runtime.Stack always emits ("goroutine 123 [running]:").
func id() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		if v, err := strconv.ParseUint(string(b[:i]), 10, 64); err == nil {
			return v
		}
	}
	return 0
}

// Set associates v with the calling goroutine.
func Set(v any) {
	mu.Lock()
	table[id()] = v
	mu.Unlock()
}

// Get returns the value associated with the calling goroutine, if any.
func Get() (any, bool) {
	mu.RLock()
	v, ok := table[id()]
	mu.RUnlock()
	return v, ok
}

// Clear removes the calling goroutine's association. Fiber trampolines
// call this on exit so the table doesn't accumulate dead goroutine ids.
func Clear() {
	mu.Lock()
	delete(table, id())
	mu.Unlock()
}
