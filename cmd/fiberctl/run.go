package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/corefiber/runtime"
	"github.com/corefiber/runtime/fsync"
	"github.com/corefiber/runtime/internal/rtlog"
	"github.com/corefiber/runtime/internal/topology"
	"github.com/corefiber/runtime/thisfiber"
)

func newRunCommand() *cobra.Command {
	var configFile string
	var fanout int
	var rtv *viper.Viper

	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the fiber runtime and run a demo fan-out workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
				rtlog.Info(fmt.Sprintf(format, a...))
			})); err != nil {
				rtlog.Info("automaxprocs: GOMAXPROCS left unchanged")
			}

			rf, err := loadRuntimeFlags(rtv, configFile)
			if err != nil {
				return err
			}

			cfg := fiber.NewConfig(
				fiber.WithProfile(topology.Profile(rf.Profile)),
				fiber.WithConcurrencyHint(rf.ConcurrencyHint),
				fiber.WithCustomGroupSize(rf.CustomGroupSize),
				fiber.WithRunQueueCapacity(rf.RunQueueCapacity),
				fiber.WithAccessibleCPUs(rf.AccessibleCPUs),
				fiber.WithInaccessibleCPUs(rf.InaccessibleCPUs),
				fiber.WithDisallowCPUMigration(rf.DisallowCPUMigration),
				fiber.WithWorkStealingRatio(rf.WorkStealRatio),
				fiber.WithCrossNUMAWorkStealingRatio(rf.CrossNUMAStealRatio),
			)

			rt := fiber.StartRuntime(cfg)
			if rt == nil {
				return fmt.Errorf("fiberctl: runtime failed to start")
			}
			defer fiber.TerminateRuntime()

			runDemoWorkload(fanout)
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "path to a viper-readable config file (yaml/json/toml)")
	cmd.Flags().IntVar(&fanout, "fanout", 64, "number of demo fibers to fan out")
	rtv = bindRuntimeFlags(cmd.Flags())

	return cmd
}

// runDemoWorkload spawns fanout detached fibers that each yield and sleep
// briefly, then waits for all of them via a Latch, the way a request
// handler might fan a batch of independent subtasks out across scheduling
// groups and wait for the slowest to finish.
func runDemoWorkload(fanout int) {
	if fanout <= 0 {
		return
	}
	done := fsync.NewLatch(fanout)
	bodies := make([]func(), fanout)
	for i := 0; i < fanout; i++ {
		i := i
		bodies[i] = func() {
			thisfiber.Yield()
			thisfiber.SleepFor(time.Millisecond)
			_ = i * i
			done.CountDown(1)
		}
	}
	fiber.BatchStartFiberDetached(fiber.DefaultAttributes(), bodies)
	fiber.StartFiber(fiber.DefaultAttributes(), done.Wait).Join()
	rtlog.Info(fmt.Sprintf("fiberctl: %d demo fibers completed across %d scheduling groups", fanout, fiber.GetSchedulingGroupCount()))
}
