package thinclient

import (
	"fmt"

	"github.com/google/uuid"
)

// Endpoint is a "host:port" cluster member address.
type Endpoint string

// NodeID identifies a cluster node across reconnects. Legacy servers that
// predate the handshake's NodeId field report none; a session with no
// NodeID is the legacy session.
type NodeID = uuid.UUID

// AffinityTopologyVersion is the cluster's membership/assignment version.
// It orders lexicographically by (Major, Minor) and is monotonically
// non-decreasing over the cluster's lifetime.
type AffinityTopologyVersion struct {
	Major int64
	Minor int32
}

// Compare returns -1, 0 or 1 as v is less than, equal to, or greater than
// other.
func (v AffinityTopologyVersion) Compare(other AffinityTopologyVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Newer reports whether v is strictly greater than other.
func (v AffinityTopologyVersion) Newer(other AffinityTopologyVersion) bool {
	return v.Compare(other) > 0
}

func (v AffinityTopologyVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// AffinityHint is what a cache operation supplies to Send so the router can
// pick the node that owns the key's partition.
type AffinityHint struct {
	CacheID int32
	Key     interface{}
	// KeyType is the server type code for Key. It is used only when HasType
	// is true; otherwise the type code is inferred from the value at
	// dispatch time.
	KeyType int8
	HasType bool
}
