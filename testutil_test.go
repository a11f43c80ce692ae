package thinclient

import "math/rand"

// newTestRand returns a seeded generator so property tests are reproducible
// across runs without reaching for the global math/rand source.
func newTestRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
