// Package topology discovers CPU/NUMA layout and turns the runtime's
// configuration options into concrete (groups,
// workers-per-group, NUMA binding) decisions.
//
// Ported from original_source/flare/fiber/runtime.cc's flag parsing and
// GetSchedulingParameters machinery.
package topology

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Profile selects a named scheduling-parameter preset (the
// fiber_scheduling_optimize_for option).
type Profile string

const (
	ComputeHeavy Profile = "compute-heavy"
	Compute      Profile = "compute"
	Neutral      Profile = "neutral"
	IO           Profile = "io"
	IOHeavy      Profile = "io-heavy"
	Customized   Profile = "customized"
)

// MaxWorkersPerGroup derives from using a single 64-bit word for the
// spinning/sleeping bitmasks.
const MaxWorkersPerGroup = 64

// CacheLineSize returns the destructive-interference size for the running
// architecture (128 on x86-64/ppc64le, 64 on aarch64), chosen by GOARCH
// alone; the line size klauspost/cpuid reports does not change the result.
func CacheLineSize() int {
	if cpuid.CPU.CacheLine > 0 {
		switch runtime.GOARCH {
		case "arm64":
			return 64
		default:
			return 128
		}
	}
	switch runtime.GOARCH {
	case "arm64":
		return 64
	default:
		return 128
	}
}

// NumLogicalCPUs returns the host's logical CPU count as reported by
// gopsutil, falling back to runtime.NumCPU when gopsutil cannot tell. A
// cgroup CPU quota does not lower the count.
func NumLogicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// ParseCPUList parses a comma-separated CPU list with ranges ("0-3") and
// negative reverse-from-end indices ("-1" meaning the last CPU), as
// fiber_worker_accessible_cpus/_inaccessible_cpus describes.
// numCPUs is the total CPU count, needed to resolve negative indices.
func ParseCPUList(spec string, numCPUs int) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	seen := map[int]struct{}{}
	var out []int
	add := func(id int) error {
		if id < 0 || id >= numCPUs {
			return errors.Errorf("cpu id %d out of range [0,%d)", id, numCPUs)
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
		return nil
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			// Negative IDs must be specified individually.
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid cpu id %q", part)
			}
			if err := add(numCPUs + n); err != nil {
				return nil, err
			}
			continue
		}
		if i := strings.IndexByte(part, '-'); i > 0 {
			lo, err1 := strconv.Atoi(part[:i])
			hi, err2 := strconv.Atoi(part[i+1:])
			if err1 != nil || err2 != nil || lo > hi {
				return nil, errors.Errorf("invalid cpu range %q", part)
			}
			for id := lo; id <= hi; id++ {
				if err := add(id); err != nil {
					return nil, err
				}
			}
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cpu id %q", part)
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}
	sort.Ints(out)
	return out, nil
}

// ResolveAccessibleCPUs computes the final accessible CPU set from the
// accessible/inaccessible config, which are mutually exclusive options.
func ResolveAccessibleCPUs(accessible, inaccessible string, numCPUs int) ([]int, error) {
	if strings.TrimSpace(accessible) != "" && strings.TrimSpace(inaccessible) != "" {
		return nil, errors.New("fiber_worker_accessible_cpus and fiber_worker_inaccessible_cpus are mutually exclusive")
	}
	if strings.TrimSpace(accessible) != "" {
		return ParseCPUList(accessible, numCPUs)
	}
	excluded, err := ParseCPUList(inaccessible, numCPUs)
	if err != nil {
		return nil, err
	}
	excludeSet := make(map[int]struct{}, len(excluded))
	for _, id := range excluded {
		excludeSet[id] = struct{}{}
	}
	var out []int
	for id := 0; id < numCPUs; id++ {
		if _, ok := excludeSet[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Parameters is the resolved (groups, workers-per-group, numa) decision
// StartRuntime computes before creating scheduling groups.
type Parameters struct {
	Groups          int
	WorkersPerGroup int
	NUMAAware       bool
}

// Resolve turns a profile + concurrency hint into concrete Parameters.
// The per-profile sizing below is this module's own tuning policy — the
// exhaustive table in original_source's scheduling_parameters.cc wasn't
// part of the retrieved sources, so it is grounded on what each profile
// name implies rather than transcribed verbatim from Flare: compute-bound
// workloads rarely yield, so they benefit from fewer, larger groups (less
// cross-group imbalance to steal away); IO-bound workloads yield often
// and benefit from more, smaller groups (more independent stealing
// domains, shorter local queues).
func Resolve(profile Profile, concurrency, numNodes int, customGroupSize int) (Parameters, error) {
	if concurrency <= 0 {
		concurrency = NumLogicalCPUs()
	}
	if numNodes <= 0 {
		numNodes = 1
	}

	switch profile {
	case Customized:
		if customGroupSize <= 0 {
			return Parameters{}, errors.New("scheduling_group_size must be set when optimize_for=customized")
		}
		groups := ceilDiv(concurrency, customGroupSize)
		return Parameters{
			Groups:          groups,
			WorkersPerGroup: ceilDiv(concurrency, groups),
			NUMAAware:       true,
		}, nil
	case ComputeHeavy:
		groups := max(1, numNodes)
		return Parameters{Groups: groups, WorkersPerGroup: ceilDiv(concurrency, groups), NUMAAware: true}, nil
	case Compute:
		groups := max(1, numNodes)
		return Parameters{Groups: groups, WorkersPerGroup: ceilDiv(concurrency, groups), NUMAAware: true}, nil
	case Neutral, "":
		groups := max(1, numNodes*2)
		return Parameters{Groups: groups, WorkersPerGroup: ceilDiv(concurrency, groups), NUMAAware: true}, nil
	case IO:
		groups := max(1, numNodes*4)
		return Parameters{Groups: groups, WorkersPerGroup: ceilDiv(concurrency, groups), NUMAAware: true}, nil
	case IOHeavy:
		groups := max(1, concurrency/4)
		return Parameters{Groups: groups, WorkersPerGroup: ceilDiv(concurrency, groups), NUMAAware: false}, nil
	default:
		return Parameters{}, errors.Errorf("unrecognized scheduling profile %q", profile)
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Validate aggregates every configuration error that is fatal at startup
// instead of stopping at the first one found.
func Validate(params Parameters, runQueueCapacity int, disallowMigration bool, accessibleCPUs int) error {
	var result *multierror.Error
	if params.WorkersPerGroup > MaxWorkersPerGroup {
		result = multierror.Append(result, errors.Errorf(
			"workers per group (%d) exceeds the %d-worker limit imposed by the 64-bit spin/sleep bitmask",
			params.WorkersPerGroup, MaxWorkersPerGroup))
	}
	if params.Groups <= 0 || params.WorkersPerGroup <= 0 {
		result = multierror.Append(result, errors.New("groups and workers-per-group must both be positive"))
	}
	if runQueueCapacity <= 0 || runQueueCapacity&(runQueueCapacity-1) != 0 {
		result = multierror.Append(result, errors.Errorf("run queue capacity (%d) must be a power of 2", runQueueCapacity))
	}
	if disallowMigration && accessibleCPUs < params.Groups*params.WorkersPerGroup {
		result = multierror.Append(result, errors.Errorf(
			"cpu migration disallowed but only %d CPUs accessible for %d workers",
			accessibleCPUs, params.Groups*params.WorkersPerGroup))
	}
	if result != nil {
		return fmt.Errorf("fiber runtime configuration invalid: %w", result.ErrorOrNil())
	}
	return nil
}
