package cache

import "hash/fnv"

// hashString is the 32-bit hash fed to Slab.Lookup/Insert/Remove.
// FNV-1a is used throughout the pack for this purpose (grounded in the
// sharded-cache implementation this layer generalizes) for its speed
// and even bit distribution across shard-selecting top bits.
func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
