package store

import (
	"github.com/twmb/murmur3"
)

// KeyGroup maps a key to one of parallelism shards. It is a pure function of
// the key bytes, so re-running it over the same keys always produces the same
// placement regardless of process, ordering or previous parallelism.
func KeyGroup(key []byte, parallelism int) int {
	if parallelism <= 1 {
		return 0
	}
	return int(murmur3.Sum32(key) % uint32(parallelism))
}

// Repartition redistributes keyed entries captured from the old task
// instances across a new parallelism. keyBytes must be a stable encoding of
// the key.
func Repartition[K comparable, V any](shards []map[K]V, parallelism int, keyBytes func(K) []byte) []map[K]V {
	out := make([]map[K]V, parallelism)
	for i := range out {
		out[i] = map[K]V{}
	}
	for _, shard := range shards {
		for key, value := range shard {
			out[KeyGroup(keyBytes(key), parallelism)][key] = value
		}
	}
	return out
}
