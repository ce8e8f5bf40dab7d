// Package shard maps string keys onto a fixed number of lock stripes.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is used when a store is configured with no shard count.
const DefaultCount = 64

// Of returns the stripe for key among n stripes.
func Of(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Normalize clamps a configured shard count to something usable.
func Normalize(n int) int {
	if n < 1 {
		return DefaultCount
	}
	return n
}
