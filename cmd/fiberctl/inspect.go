package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corefiber/runtime"
	"github.com/corefiber/runtime/internal/topology"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "print the logical CPU count, the cache line size, and the scheduling groups of a runtime already started in this process; it does not resolve a run's configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := topology.NumLogicalCPUs()
			fmt.Printf("logical cpus: %d\n", n)
			fmt.Printf("cache line size: %d\n", topology.CacheLineSize())

			groups := fiber.GetSchedulingGroupCount()
			if groups == 0 {
				fmt.Println("no runtime currently started in this process")
				return nil
			}
			fmt.Printf("scheduling groups: %d\n", groups)
			for i := 0; i < groups; i++ {
				fmt.Printf("  group %d: %d workers, node %d\n", i,
					fiber.GetSchedulingGroupSize(i), fiber.GetSchedulingGroupAssignedNode(i))
			}
			return nil
		},
	}
}
