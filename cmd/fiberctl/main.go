// Command fiberctl is a bootstrap demo for the fiber runtime: it starts a
// runtime from flag/config-file-driven settings, runs a small workload to
// exercise scheduling groups and work stealing, then shuts down cleanly.
//
// Ported from original_source/flare/fiber/runtime.cc's flag-driven startup,
// recast as a cobra CLI the way recera-vango/cmd/vango does its command
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "fiberctl",
		Short:   "fiberctl - bootstrap and exercise the fiber runtime",
		Version: version,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newInspectCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
