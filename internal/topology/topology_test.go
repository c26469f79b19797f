package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPUListRangesAndSingles(t *testing.T) {
	got, err := ParseCPUList("0-2,5,7-8", 16)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5, 7, 8}, got)
}

func TestParseCPUListNegativeReverseFromEnd(t *testing.T) {
	got, err := ParseCPUList("-1,-2", 8)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7}, got)
}

func TestParseCPUListDedupesAndSorts(t *testing.T) {
	got, err := ParseCPUList("3,1,1,2", 8)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestParseCPUListEmptyIsNil(t *testing.T) {
	got, err := ParseCPUList("", 8)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseCPUListRejectsOutOfRange(t *testing.T) {
	_, err := ParseCPUList("100", 8)
	assert.Error(t, err)
}

func TestParseCPUListRejectsGarbage(t *testing.T) {
	_, err := ParseCPUList("not-a-cpu", 8)
	assert.Error(t, err)
}

func TestResolveAccessibleCPUsMutuallyExclusive(t *testing.T) {
	_, err := ResolveAccessibleCPUs("0-1", "2-3", 8)
	assert.Error(t, err)
}

func TestResolveAccessibleCPUsInaccessibleIsComplement(t *testing.T) {
	got, err := ResolveAccessibleCPUs("", "1,3", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, got)
}

func TestResolveAccessibleCPUsAccessibleList(t *testing.T) {
	got, err := ResolveAccessibleCPUs("0,2", "", 4)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, got)
}

func TestResolveCustomizedRequiresGroupSize(t *testing.T) {
	_, err := Resolve(Customized, 8, 1, 0)
	assert.Error(t, err)
}

func TestResolveCustomizedComputesGroups(t *testing.T) {
	p, err := Resolve(Customized, 8, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Groups)
	assert.Equal(t, 4, p.WorkersPerGroup)
}

func TestResolveUnrecognizedProfileErrors(t *testing.T) {
	_, err := Resolve(Profile("nonsense"), 8, 1, 0)
	assert.Error(t, err)
}

func TestResolveIOHeavyPrefersMoreSmallerGroups(t *testing.T) {
	heavy, err := Resolve(IOHeavy, 16, 1, 0)
	require.NoError(t, err)
	compute, err := Resolve(ComputeHeavy, 16, 1, 0)
	require.NoError(t, err)
	assert.Greater(t, heavy.Groups, compute.Groups)
}

func TestValidateRejectsTooManyWorkersPerGroup(t *testing.T) {
	err := Validate(Parameters{Groups: 1, WorkersPerGroup: MaxWorkersPerGroup + 1}, 1024, false, 128)
	assert.Error(t, err)
}

func TestValidateAcceptsMaxWorkersPerGroup(t *testing.T) {
	err := Validate(Parameters{Groups: 1, WorkersPerGroup: MaxWorkersPerGroup}, 1024, false, 128)
	assert.NoError(t, err)
}

func TestValidateRejectsNonPowerOfTwoRunQueue(t *testing.T) {
	err := Validate(Parameters{Groups: 1, WorkersPerGroup: 4}, 100, false, 128)
	assert.Error(t, err)
}

func TestValidateRejectsInsufficientCPUsWhenMigrationDisallowed(t *testing.T) {
	err := Validate(Parameters{Groups: 2, WorkersPerGroup: 4}, 1024, true, 4)
	assert.Error(t, err)
}

func TestCacheLineSizeAndLogicalCPUsAreSane(t *testing.T) {
	assert.Contains(t, []int{64, 128}, CacheLineSize())
	assert.Greater(t, NumLogicalCPUs(), 0)
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	err := Validate(Parameters{Groups: 0, WorkersPerGroup: MaxWorkersPerGroup + 1}, 100, false, 0)
	require.Error(t, err)
	// Both the worker-count and run-queue-capacity failures should be
	// represented in the aggregated message, not just the first found.
	assert.Contains(t, err.Error(), "64-worker limit")
	assert.Contains(t, err.Error(), "power of 2")
}
