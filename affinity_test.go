package thinclient

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionMapObserveTopologyVersionClearsOnNewer(t *testing.T) {
	d := newDistributionMap()
	d.applyRefresh(AffinityTopologyVersion{Major: 1, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 7}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})
	_, ok := d.lookup(7)
	require.True(t, ok)

	cleared := d.observeTopologyVersion(AffinityTopologyVersion{Major: 2, Minor: 0})
	assert.True(t, cleared)
	_, ok = d.lookup(7)
	assert.False(t, ok, "a newer topology version must clear the map")
}

func TestDistributionMapObserveTopologyVersionIgnoresOlderOrEqual(t *testing.T) {
	d := newDistributionMap()
	d.observeTopologyVersion(AffinityTopologyVersion{Major: 5, Minor: 0})
	assert.False(t, d.observeTopologyVersion(AffinityTopologyVersion{Major: 5, Minor: 0}))
	assert.False(t, d.observeTopologyVersion(AffinityTopologyVersion{Major: 4, Minor: 9}))
	assert.Equal(t, AffinityTopologyVersion{Major: 5, Minor: 0}, d.currentVersion())
}

func TestDistributionMapApplyRefreshNewerClearsAndAdopts(t *testing.T) {
	d := newDistributionMap()
	d.applyRefresh(AffinityTopologyVersion{Major: 1, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 1}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})
	d.applyRefresh(AffinityTopologyVersion{Major: 2, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 2}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})

	_, ok := d.lookup(1)
	assert.False(t, ok, "older cache entries must be dropped when a newer version arrives")
	_, ok = d.lookup(2)
	assert.True(t, ok)
}

func TestDistributionMapApplyRefreshOlderDiscarded(t *testing.T) {
	d := newDistributionMap()
	d.applyRefresh(AffinityTopologyVersion{Major: 5, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 1}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})
	d.applyRefresh(AffinityTopologyVersion{Major: 4, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 9}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})
	_, ok := d.lookup(9)
	assert.False(t, ok, "a response older than the current version must be discarded entirely")
}

func TestDistributionMapApplyRefreshEqualMergesNewCachesOnly(t *testing.T) {
	d := newDistributionMap()
	d.applyRefresh(AffinityTopologyVersion{Major: 1, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 1}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})
	first, _ := d.lookup(1)

	d.applyRefresh(AffinityTopologyVersion{Major: 1, Minor: 0}, []partitionAwarenessCacheGroup{
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 1}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
		{applicable: true, caches: []cacheGroupEntry{{cacheID: 2}}, partitionMap: map[NodeID][]int32{uuid.New(): {0}}},
	})

	stillFirst, ok := d.lookup(1)
	require.True(t, ok)
	assert.Same(t, first, stillFirst, "equal-version merge must not overwrite an existing cache entry")

	_, ok = d.lookup(2)
	assert.True(t, ok, "equal-version merge must add brand-new cache entries")
}

func TestInvertCacheGroupNonApplicableStaysEmpty(t *testing.T) {
	g := partitionAwarenessCacheGroup{
		applicable:   false,
		partitionMap: map[NodeID][]int32{uuid.New(): {0, 1, 2}},
	}
	m := invertCacheGroup(g, cacheGroupEntry{cacheID: 1})
	assert.Empty(t, m.partitionMapping, "non-applicable groups must force permanent random routing")
}

func TestInvertCacheGroupInvertsPartitionMap(t *testing.T) {
	n1, n2 := uuid.New(), uuid.New()
	g := partitionAwarenessCacheGroup{
		applicable: true,
		partitionMap: map[NodeID][]int32{
			n1: {0, 2},
			n2: {1},
		},
	}
	m := invertCacheGroup(g, cacheGroupEntry{cacheID: 1})
	require.Len(t, m.partitionMapping, 3)
	assert.Equal(t, n1, m.partitionMapping[0])
	assert.Equal(t, n2, m.partitionMapping[1])
	assert.Equal(t, n1, m.partitionMapping[2])
}
