// Package fiber is the public API of the fiber runtime: an M:N
// cooperative-task scheduler modeled on Tencent Flare's flare/fiber
// subsystem. Spawn lightweight fibers onto a pool of scheduling groups,
// synchronize them with the primitives in package fsync, and schedule
// timers without spinning up an OS thread per task.
//
// Ported from original_source/flare/fiber/{runtime,fiber}.{h,cc}.
package fiber

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/corefiber/runtime/internal/fiberentity"
	"github.com/corefiber/runtime/internal/rtlog"
	"github.com/corefiber/runtime/internal/sched"
	"github.com/corefiber/runtime/internal/topology"
)

// Config is the immutable, validated configuration StartRuntime acts on.
// Build one with NewConfig and a set of Options.
type Config struct {
	profile              topology.Profile
	concurrencyHint      int
	customGroupSize      int
	runQueueCapacity     int
	accessibleCPUs       string
	inaccessibleCPUs     string
	disallowCPUMigration bool
	workStealRatio       float64
	crossNUMAStealRatio  float64
}

// Option configures a Config.
type Option func(*Config)

// WithProfile selects a named scheduling-parameter preset
// (fiber_scheduling_optimize_for).
func WithProfile(p topology.Profile) Option {
	return func(c *Config) { c.profile = p }
}

// WithConcurrencyHint overrides the default concurrency (the logical CPU
// count from topology.NumLogicalCPUs), e.g. to size the runtime smaller
// than the host.
func WithConcurrencyHint(n int) Option {
	return func(c *Config) { c.concurrencyHint = n }
}

// WithCustomGroupSize sets the workers-per-group count used when
// WithProfile(topology.Customized) is selected.
func WithCustomGroupSize(n int) Option {
	return func(c *Config) { c.customGroupSize = n }
}

// WithRunQueueCapacity overrides the per-group run queue capacity, which
// must be a power of two.
func WithRunQueueCapacity(n int) Option {
	return func(c *Config) { c.runQueueCapacity = n }
}

// WithAccessibleCPUs restricts workers to the given CPU list
// (fiber_worker_accessible_cpus syntax: "0-3,8,-1"). Mutually exclusive
// with WithInaccessibleCPUs.
func WithAccessibleCPUs(spec string) Option {
	return func(c *Config) { c.accessibleCPUs = spec }
}

// WithInaccessibleCPUs excludes the given CPU list from worker placement.
// Mutually exclusive with WithAccessibleCPUs.
func WithInaccessibleCPUs(spec string) Option {
	return func(c *Config) { c.inaccessibleCPUs = spec }
}

// WithDisallowCPUMigration requires at least as many accessible CPUs as
// scheduled workers, failing StartRuntime otherwise.
func WithDisallowCPUMigration(disallow bool) Option {
	return func(c *Config) { c.disallowCPUMigration = disallow }
}

// WithWorkStealingRatio sets how often a worker's spin loop polls each
// in-node victim group, as a fraction of spin cycles in (0,1]; the
// per-victim pace is the reciprocal (work_stealing_ratio in spec.md §6).
func WithWorkStealingRatio(ratio float64) Option {
	return func(c *Config) { c.workStealRatio = ratio }
}

// WithCrossNUMAWorkStealingRatio sets how often a worker's steal attempt
// is allowed to cross a NUMA-node boundary, as a fraction in [0,1]. Zero
// (the default) disables cross-NUMA stealing entirely.
func WithCrossNUMAWorkStealingRatio(ratio float64) Option {
	return func(c *Config) { c.crossNUMAStealRatio = ratio }
}

// NewConfig builds a Config from defaults plus the given options.
func NewConfig(opts ...Option) Config {
	c := Config{
		profile:          topology.Neutral,
		runQueueCapacity: 4096,
		workStealRatio:   1,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Runtime is a started fiber scheduler: a fixed set of scheduling groups,
// each with its own run queue, worker pool, and timer worker.
type Runtime struct {
	groups []*sched.Group
	cfg    Config
}

var (
	activeMu sync.RWMutex
	active   *Runtime
)

// StartRuntime builds scheduling groups from cfg's resolved topology and
// starts every worker and timer goroutine. Configuration errors are
// aggregated and reported via rtlog.Fatal, matching Flare's
// FLARE_CHECK-style abort-on-misconfiguration behavior: this is the one
// place in the runtime where a fatal process exit is the correct response
// to bad input, since there is no well-defined degraded mode for "the
// scheduler itself cannot be built."
func StartRuntime(cfg Config) *Runtime {
	rt, err := newRuntime(cfg)
	if err != nil {
		rtlog.Fatal("fiber runtime failed to start", zap.Error(err))
		return nil
	}
	activeMu.Lock()
	active = rt
	activeMu.Unlock()
	for _, g := range rt.groups {
		g.Start()
	}
	return rt
}

func newRuntime(cfg Config) (*Runtime, error) {
	numCPUs := topology.NumLogicalCPUs()
	accessible, err := topology.ResolveAccessibleCPUs(cfg.accessibleCPUs, cfg.inaccessibleCPUs, numCPUs)
	if err != nil {
		return nil, errors.Wrap(err, "resolving accessible cpu set")
	}

	const assumedNUMANodes = 1 // gopsutil exposes no portable per-process NUMA node count
	params, err := topology.Resolve(cfg.profile, cfg.concurrencyHint, assumedNUMANodes, cfg.customGroupSize)
	if err != nil {
		return nil, errors.Wrap(err, "resolving scheduling parameters")
	}

	accessibleCount := len(accessible)
	if cfg.accessibleCPUs == "" && cfg.inaccessibleCPUs == "" {
		accessibleCount = numCPUs
	}
	if err := topology.Validate(params, cfg.runQueueCapacity, cfg.disallowCPUMigration, accessibleCount); err != nil {
		return nil, err
	}

	groups := make([]*sched.Group, params.Groups)
	for i := range groups {
		nodeID := -1
		if params.NUMAAware {
			nodeID = i % assumedNUMANodes
		}
		groups[i] = sched.NewGroup(i, nodeID, params.WorkersPerGroup, cfg.runQueueCapacity)
	}
	for i, g := range groups {
		var inNode, crossNode []*sched.Group
		for j, v := range groups {
			if j == i {
				continue
			}
			if v.NodeID() == g.NodeID() {
				inNode = append(inNode, v)
			} else {
				crossNode = append(crossNode, v)
			}
		}
		g.SetVictims(inNode, crossNode, cfg.workStealRatio, cfg.crossNUMAStealRatio)
	}

	return &Runtime{groups: groups, cfg: cfg}, nil
}

// TerminateRuntime stops every scheduling group's workers and timer
// worker, waiting for all of them to drain and exit. Groups are joined
// concurrently via errgroup, matching how the rest of this module favors
// golang.org/x/sync for fan-out/fan-in over a hand-rolled WaitGroup loop.
func TerminateRuntime() {
	activeMu.Lock()
	rt := active
	active = nil
	activeMu.Unlock()
	if rt == nil {
		return
	}

	var eg errgroup.Group
	for _, g := range rt.groups {
		g := g
		eg.Go(func() error {
			g.Shutdown()
			return nil
		})
	}
	_ = eg.Wait()
}

func currentRuntime() *Runtime {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}

// GetSchedulingGroupCount returns the number of scheduling groups the
// running runtime was started with.
func GetSchedulingGroupCount() int {
	rt := currentRuntime()
	if rt == nil {
		return 0
	}
	return len(rt.groups)
}

// GetSchedulingGroupSize returns the number of workers in scheduling
// group index.
func GetSchedulingGroupSize(index int) int {
	rt := currentRuntime()
	if rt == nil || index < 0 || index >= len(rt.groups) {
		return 0
	}
	return len(rt.groups[index].Workers())
}

// GetSchedulingGroupAssignedNode returns the NUMA node scheduling group
// index is pinned to, or -1 if the runtime isn't NUMA-aware.
func GetSchedulingGroupAssignedNode(index int) int {
	rt := currentRuntime()
	if rt == nil || index < 0 || index >= len(rt.groups) {
		return -1
	}
	return rt.groups[index].NodeID()
}

// GetCurrentSchedulingGroupIndex returns the scheduling group index of
// the calling fiber, or -1 if called from outside any fiber.
func GetCurrentSchedulingGroupIndex() int {
	g := currentGroup()
	if g == nil {
		return -1
	}
	return g.Index()
}

// currentGroup returns the *sched.Group driving the calling fiber, or nil
// if the caller isn't running as a fiber. fiberentity.Entity.SchedulingGroup
// is typed as the small fiberentity.SchedulingGroup interface to avoid an
// import cycle; *sched.Group is always the concrete value stored there, so
// the type assertion below always succeeds when sg is non-nil.
func currentGroup() *sched.Group {
	e := fiberentity.Current()
	if e == nil {
		return nil
	}
	sg := e.SchedulingGroup()
	if sg == nil {
		return nil
	}
	g, _ := sg.(*sched.Group)
	return g
}

func groupByIndex(index int) *sched.Group {
	rt := currentRuntime()
	if rt == nil || index < 0 || index >= len(rt.groups) {
		return nil
	}
	return rt.groups[index]
}

// pickGroup chooses the scheduling group a new fiber should land on when
// the caller didn't request a specific one: the calling fiber's own group
// if there is one (SchedulingGroupLocal-style locality), else round robin
// across every group.
func pickGroup() *sched.Group {
	rt := currentRuntime()
	if rt == nil || len(rt.groups) == 0 {
		return nil
	}
	if g := currentGroup(); g != nil {
		return g
	}
	return rt.groups[nextRoundRobin()%len(rt.groups)]
}

var roundRobin atomic.Uint64

func nextRoundRobin() int {
	return int(roundRobin.Add(1))
}
