package main

import (
	"testing"
	"time"

	"github.com/corefiber/runtime"
	"github.com/corefiber/runtime/internal/topology"
)

func TestRunDemoWorkloadCompletesAllFibers(t *testing.T) {
	rt := fiber.StartRuntime(fiber.NewConfig(
		fiber.WithProfile(topology.Customized),
		fiber.WithCustomGroupSize(2),
		fiber.WithConcurrencyHint(2),
	))
	if rt == nil {
		t.Fatal("runtime failed to start")
	}
	defer fiber.TerminateRuntime()

	done := make(chan struct{})
	go func() {
		runDemoWorkload(16)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("demo workload never completed")
	}
}

func TestRunDemoWorkloadZeroFanoutIsNoop(t *testing.T) {
	rt := fiber.StartRuntime(fiber.NewConfig(fiber.WithProfile(topology.Customized), fiber.WithCustomGroupSize(1), fiber.WithConcurrencyHint(1)))
	if rt == nil {
		t.Fatal("runtime failed to start")
	}
	defer fiber.TerminateRuntime()

	runDemoWorkload(0) // must return immediately without blocking
}
