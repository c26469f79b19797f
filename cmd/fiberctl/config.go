package main

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/corefiber/runtime/internal/topology"
)

// runtimeFlags mirrors the fiber_scheduling_optimize_for-style flag surface
// from original_source/flare/fiber/runtime.cc, bound through viper so a
// config file or FIBERCTL_-prefixed environment variable can override any
// of them.
type runtimeFlags struct {
	Profile              string  `mapstructure:"profile"`
	ConcurrencyHint      int     `mapstructure:"concurrency-hint"`
	CustomGroupSize      int     `mapstructure:"custom-group-size"`
	RunQueueCapacity     int     `mapstructure:"run-queue-capacity"`
	AccessibleCPUs       string  `mapstructure:"accessible-cpus"`
	InaccessibleCPUs     string  `mapstructure:"inaccessible-cpus"`
	DisallowCPUMigration bool    `mapstructure:"disallow-cpu-migration"`
	WorkStealRatio       float64 `mapstructure:"work-steal-ratio"`
	CrossNUMAStealRatio  float64 `mapstructure:"cross-numa-steal-ratio"`
}

func bindRuntimeFlags(fs *pflag.FlagSet) *viper.Viper {
	fs.String("profile", string(topology.Neutral), "scheduling profile: compute-heavy, compute, neutral, io, io-heavy, customized")
	fs.Int("concurrency-hint", 0, "worker concurrency hint, 0 = number of logical CPUs")
	fs.Int("custom-group-size", 0, "workers per group when profile=customized")
	fs.Int("run-queue-capacity", 4096, "per-group run queue capacity (power of two)")
	fs.String("accessible-cpus", "", "restrict workers to this CPU list, e.g. 0-3,8")
	fs.String("inaccessible-cpus", "", "exclude this CPU list from worker placement")
	fs.Bool("disallow-cpu-migration", false, "require at least as many accessible CPUs as workers")
	fs.Float64("work-steal-ratio", 1, "fraction of spin cycles allowed to poll each in-node victim group")
	fs.Float64("cross-numa-steal-ratio", 0, "fraction of steal attempts allowed to cross a NUMA node")

	v := viper.New()
	v.SetEnvPrefix("fiberctl")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
	return v
}

func loadRuntimeFlags(v *viper.Viper, configFile string) (runtimeFlags, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return runtimeFlags{}, err
		}
	}
	var rf runtimeFlags
	if err := v.Unmarshal(&rf); err != nil {
		return runtimeFlags{}, err
	}
	return rf, nil
}
