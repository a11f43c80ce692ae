package thinclient

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// cacheGroupEntry is one (cacheId, keyConfig) pair inside a server-reported
// PartitionAwarenessCacheGroup.
type cacheGroupEntry struct {
	cacheID   int32
	keyConfig map[int32]int32 // typeID -> affinityFieldID
}

// partitionAwarenessCacheGroup is the transient form deserialized out of a
// CACHE_PARTITIONS response, before inversion into the stored form.
type partitionAwarenessCacheGroup struct {
	applicable   bool
	caches       []cacheGroupEntry
	partitionMap map[NodeID][]int32
}

// cacheAffinityMap is the stored, inverted per-cache partition mapping. A
// nil/zero-length partitionMapping means the cache's group was marked
// non-applicable and routing for it falls back to random forever.
type cacheAffinityMap struct {
	partitionMapping []NodeID
	keyConfig        map[int32]int32
}

// distributionMap is cacheId -> CacheAffinityMap, versioned by the
// cluster's current AffinityTopologyVersion. All mutation happens under
// mu: a single coarse lock, rather than per-cache locks.
type distributionMap struct {
	mu      sync.Mutex
	version AffinityTopologyVersion
	caches  map[int32]*cacheAffinityMap

	// refreshGroup collapses concurrent CACHE_PARTITIONS requests for the
	// same cacheId into one outstanding fetch.
	refreshGroup singleflight.Group
}

func newDistributionMap() *distributionMap {
	return &distributionMap{caches: make(map[int32]*cacheAffinityMap)}
}

// lookup returns the stored affinity map for cacheID, if any.
func (d *distributionMap) lookup(cacheID int32) (*cacheAffinityMap, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.caches[cacheID]
	return m, ok
}

// currentVersion returns the router's adopted topology version.
func (d *distributionMap) currentVersion() AffinityTopologyVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// observeTopologyVersion handles an inline topology-change notification: if
// v is strictly newer than what's stored, the map is cleared and v
// adopted. Returns whether the map was cleared, so callers know whether to
// kick the background connector (partition awareness may now be
// satisfiable again).
func (d *distributionMap) observeTopologyVersion(v AffinityTopologyVersion) (cleared bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !v.Newer(d.version) {
		return false
	}
	d.version = v
	d.caches = make(map[int32]*cacheAffinityMap)
	return true
}

// applyRefresh merges a CACHE_PARTITIONS response into the map according
// to how its version compares with what's currently stored.
func (d *distributionMap) applyRefresh(v AffinityTopologyVersion, groups []partitionAwarenessCacheGroup) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch v.Compare(d.version) {
	case 1: // newer: clear and adopt
		d.version = v
		d.caches = make(map[int32]*cacheAffinityMap)
	case -1: // older: discard entirely
		return
	default: // equal: merge, new cache entries only
	}

	for _, g := range groups {
		for _, entry := range g.caches {
			if _, exists := d.caches[entry.cacheID]; exists {
				continue
			}
			d.caches[entry.cacheID] = invertCacheGroup(g, entry)
		}
	}
}

// invertCacheGroup inverts a group's (nodeId -> partitions) map into a
// partition -> nodeId slice. A non-applicable group (rendezvous affinity
// function not in use) stores an empty mapping, forcing permanent random
// routing for its caches.
func invertCacheGroup(g partitionAwarenessCacheGroup, entry cacheGroupEntry) *cacheAffinityMap {
	m := &cacheAffinityMap{keyConfig: entry.keyConfig}
	if !g.applicable {
		return m
	}

	maxPartition := -1
	for _, partitions := range g.partitionMap {
		for _, p := range partitions {
			if int(p) > maxPartition {
				maxPartition = int(p)
			}
		}
	}
	if maxPartition < 0 {
		return m
	}

	mapping := make([]NodeID, maxPartition+1)
	for nodeID, partitions := range g.partitionMap {
		for _, p := range partitions {
			mapping[p] = nodeID
		}
	}
	m.partitionMapping = mapping
	return m
}
