// Package cache implements the shared multi-slab cache layer (spec
// §4.1-§4.4): a bounded-memory sharded LRU at the bottom, with typed
// RRset, message, key and infrastructure layers above it.
//
// The sharding scheme and locking discipline follow two grounded
// patterns from the retrieval pack: the FNV-hashed, per-shard-mutex
// layout of a DNS sharded cache, and the container/list-based LRU
// bookkeeping of an SLRU RRset cache. Teacher's own BasicCache
// (single map, single mutex, clock.Clock-driven TTLs) is generalized
// here into N independent such maps instead of one.
package cache

import (
	"container/list"
	"sync"

	"github.com/jmhodges/clock"
)

// SizeFunc measures the memory footprint of a cached value so each
// slab can independently enforce maxmem/N (spec §4.1).
type SizeFunc func(data interface{}) int

type slabEntry struct {
	hash uint32
	key  interface{}
	data interface{}
	size int
	elem *list.Element // position in the shard's LRU list

	mu sync.RWMutex // per-entry lock; may outlive the shard lock (spec §5)
}

type shard struct {
	mu      sync.Mutex
	entries map[interface{}]*slabEntry
	lru     *list.List
	used    int
	budget  int
}

// Slab is a fixed-size array of independent LRU tables, the top bits
// of a 32-bit hash selecting the shard and the remaining bits indexing
// within it. There is no global lock and no rebalancing across shards
// (spec §4.1).
type Slab struct {
	shards  []*shard
	mask    uint32 // numShards - 1; numShards is a power of two
	shift   uint
	sizeFn  SizeFunc
	clk     clock.Clock
	maxmem  int
	nShards int
}

// NewSlab constructs a slab cache with numShards shards (rounded up to
// the next power of two) sharing a total memory budget of maxmem,
// enforced as maxmem/numShards per shard.
func NewSlab(numShards, maxmem int, sizeFn SizeFunc, clk clock.Clock) *Slab {
	if numShards <= 0 {
		numShards = 4
	}
	n := 1
	shift := uint(32)
	for n < numShards {
		n <<= 1
		shift--
	}
	if clk == nil {
		clk = clock.Default()
	}
	budget := maxmem / n
	s := &Slab{
		shards:  make([]*shard, n),
		mask:    uint32(n - 1),
		shift:   shift,
		sizeFn:  sizeFn,
		clk:     clk,
		maxmem:  maxmem,
		nShards: n,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			entries: make(map[interface{}]*slabEntry),
			lru:     list.New(),
			budget:  budget,
		}
	}
	return s
}

// shardFor selects a shard using the top bits of the 32-bit hash, so
// that hash collisions within a shard still spread across the LRU
// uniformly (spec §4.1).
func (s *Slab) shardFor(hash uint32) *shard {
	idx := (hash >> s.shift) & s.mask
	return s.shards[idx]
}

// LockedEntry is an entry handle returned with its per-entry lock
// already held by the caller, matching spec §4.1's lookup contract:
// "returns the entry with its lock held by the caller".
type LockedEntry struct {
	e       *slabEntry
	write   bool
	release func()
}

// Data returns the cached value. Valid until Unlock is called.
func (l *LockedEntry) Data() interface{} { return l.e.data }

// Unlock releases the per-entry lock. Must be called exactly once.
func (l *LockedEntry) Unlock() { l.release() }

// Lookup returns the entry for (hash, key) with its lock held by the
// caller (read lock unless write is true), or nil on a miss. The
// shard's bucket-chain lock is held only long enough to find the
// entry and touch its LRU position; it is released before the
// entry lock is acquired, honoring the lock order in spec §5 ("A
// lookup must release its slab lock before acquiring the entry
// lock").
func (s *Slab) Lookup(hash uint32, key interface{}, write bool) *LockedEntry {
	sh := s.shardFor(hash)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if ok {
		sh.lru.MoveToFront(e.elem)
	}
	sh.mu.Unlock()

	if !ok {
		return nil
	}

	if write {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	// Re-validate after acquiring the entry lock: the entry may have
	// been removed (and its slot reused) between releasing the shard
	// lock and acquiring the entry lock.
	sh.mu.Lock()
	cur, stillPresent := sh.entries[key]
	sh.mu.Unlock()
	if !stillPresent || cur != e {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
		return nil
	}

	release := func() {
		if write {
			e.mu.Unlock()
		} else {
			e.mu.RUnlock()
		}
	}
	return &LockedEntry{e: e, write: write, release: release}
}

// Insert adds or replaces the value for (hash, key). If the key
// exists its data is swapped while the write lock is held and the old
// data discarded; otherwise a new entry is added and the tail of the
// shard's LRU is evicted until the shard's memory budget is
// respected (spec §4.1). Entries of any size, including zero, are
// inserted, and eviction never removes the entry just added, so a
// shard holding a single entry larger than its budget keeps it.
func (s *Slab) Insert(hash uint32, key interface{}, data interface{}) {
	size := 0
	if s.sizeFn != nil {
		size = s.sizeFn(data)
	}
	sh := s.shardFor(hash)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		e.mu.Lock()
		sh.used += size - e.size
		e.data = data
		e.size = size
		e.mu.Unlock()
		sh.lru.MoveToFront(e.elem)
		return
	}

	e := &slabEntry{hash: hash, key: key, data: data, size: size}
	e.elem = sh.lru.PushFront(e)
	sh.entries[key] = e
	sh.used += size

	for sh.used > sh.budget && sh.lru.Len() > 1 {
		back := sh.lru.Back()
		victim := back.Value.(*slabEntry)
		sh.lru.Remove(back)
		delete(sh.entries, victim.key)
		sh.used -= victim.size
	}
}

// Remove deletes the entry for (hash, key) if present (spec §4.1).
func (s *Slab) Remove(hash uint32, key interface{}) {
	sh := s.shardFor(hash)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		sh.lru.Remove(e.elem)
		delete(sh.entries, key)
		sh.used -= e.size
	}
}

// Len returns the total number of entries across all shards. Used by
// tests and memory-accounting reporting (`get_mem` in spec §9).
func (s *Slab) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// NumShards reports the (power-of-two) shard count in use.
func (s *Slab) NumShards() int { return s.nShards }
