package thinclient

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvousPartitionPowerOfTwo(t *testing.T) {
	cases := []struct {
		hash int32
		n    int32
	}{
		{hash: 0, n: 16},
		{hash: 1, n: 16},
		{hash: -1, n: 16},
		{hash: 12345, n: 1024},
		{hash: math.MinInt32, n: 16},
	}
	for _, c := range cases {
		p := rendezvousPartition(c.hash, c.n)
		assert.GreaterOrEqual(t, p, int32(0), "hash=%d n=%d", c.hash, c.n)
		assert.Less(t, p, c.n, "hash=%d n=%d", c.hash, c.n)
	}
}

func TestRendezvousPartitionNonPowerOfTwo(t *testing.T) {
	cases := []int32{3, 7, 100, 1000003}
	for _, n := range cases {
		for _, hash := range []int32{0, 1, -1, 42, -42, math.MaxInt32, math.MinInt32} {
			p := rendezvousPartition(hash, n)
			assert.GreaterOrEqual(t, p, int32(0))
			assert.Less(t, p, n)
		}
	}
}

// TestRendezvousPartitionLawProperty checks that for any partition count N
// and any hash, the result is in [0, N).
func TestRendezvousPartitionLawProperty(t *testing.T) {
	rng := newTestRand(1)
	for i := 0; i < 5000; i++ {
		n := int32(rng.Intn(10000) + 1)
		hash := int32(rng.Uint32())
		p := rendezvousPartition(hash, n)
		require.GreaterOrEqual(t, p, int32(0))
		require.Less(t, p, n)
	}
}

func TestRendezvousPartitionDeterministic(t *testing.T) {
	for _, n := range []int32{16, 31, 64} {
		for _, hash := range []int32{7, -7, 123456} {
			first := rendezvousPartition(hash, n)
			second := rendezvousPartition(hash, n)
			assert.Equal(t, first, second)
		}
	}
}

func TestAbs32MinIntWraps(t *testing.T) {
	assert.Equal(t, int32(math.MinInt32), abs32(math.MinInt32))
	assert.Equal(t, int32(5), abs32(-5))
	assert.Equal(t, int32(5), abs32(5))
}

func TestIsPowerOfTwo(t *testing.T) {
	assert.True(t, isPowerOfTwo(1))
	assert.True(t, isPowerOfTwo(2))
	assert.True(t, isPowerOfTwo(1024))
	assert.False(t, isPowerOfTwo(0))
	assert.False(t, isPowerOfTwo(3))
	assert.False(t, isPowerOfTwo(-16))
}
