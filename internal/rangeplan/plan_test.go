package rangeplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_KnownSizeRangeSupport(t *testing.T) {
	total := int64(25 << 20) // 25 MiB
	ranges := Plan(&total, true, 10)

	require.Len(t, ranges, 3)
	assert.Equal(t, int64(0), ranges[0].Start)
	assert.Equal(t, int64(10<<20), ranges[0].End)
	assert.Equal(t, int64(20<<20), ranges[2].Start)
	assert.Equal(t, int64(25<<20), ranges[2].End)
	assert.Less(t, ranges[2].Len(), ranges[0].Len())
}

func TestPlan_KnownSizeNoRangeSupport(t *testing.T) {
	total := int64(25 << 20)
	ranges := Plan(&total, false, 10)

	require.Len(t, ranges, 1)
	assert.Equal(t, int64(0), ranges[0].Start)
	assert.Equal(t, total, ranges[0].End)
}

func TestPlan_UnknownSize(t *testing.T) {
	ranges := Plan(nil, false, 10)

	require.Len(t, ranges, 1)
	assert.True(t, ranges[0].Unbounded())
	assert.Equal(t, int64(-1), ranges[0].Len())
}

func TestClampChunkMiB(t *testing.T) {
	assert.Equal(t, MinChunkMiB, ClampChunkMiB(0))
	assert.Equal(t, MaxChunkMiB, ClampChunkMiB(1000))
	assert.Equal(t, 10, ClampChunkMiB(10))
}

func TestClampWorkers(t *testing.T) {
	assert.Equal(t, MinWorkers, ClampWorkers(0))
	assert.Equal(t, MaxWorkers, ClampWorkers(100000))
	assert.Equal(t, 64, ClampWorkers(64))
}

func TestApplyManifest(t *testing.T) {
	total := int64(30 << 20)
	ranges := Plan(&total, true, 10)
	require.Len(t, ranges, 3)

	skipped := ApplyManifest(ranges, []bool{true, false, true})

	assert.Equal(t, Done, ranges[0].Status)
	assert.Equal(t, Pending, ranges[1].Status)
	assert.Equal(t, Done, ranges[2].Status)
	assert.Equal(t, ranges[0].Len()+ranges[2].Len(), skipped)
}
