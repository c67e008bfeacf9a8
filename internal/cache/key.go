package cache

import (
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// NullKeyTTL bounds how long a failed trust-anchor prime is cached
// before the validator will retry it (spec §4.7: "NULL_KEY_TTL = 900 s").
const NullKeyTTL = 900 * time.Second

// KeyEntryKind distinguishes the three shapes a KeyEntry can take
// (spec §3: "the validated DNSKEY set for a zone, or a proved-insecure
// marker, or a NULL entry").
type KeyEntryKind int

const (
	KeyEntryKeys KeyEntryKind = iota
	KeyEntryInsecure
	KeyEntryNull
)

// KeyEntry is the validator's per-zone trust state (spec §3).
type KeyEntry struct {
	Zone string
	Kind KeyEntryKind
	Keys []*dns.DNSKEY
	TTL  int64 // absolute UNIX seconds
}

func (k *KeyEntry) expired(now int64) bool { return k.TTL <= now }

// KeyCache stores KeyEntry values keyed by zone name (spec §4.7's
// FINDKEY walk: "Look up a key entry in the key cache for the current
// name"). It is a thin typed layer over Slab, the same pattern as the
// RRset and message caches.
type KeyCache struct {
	slab *Slab
	clk  clock.Clock
}

// NewKeyCache builds a key cache with numShards slabs sharing a
// maxmem byte budget.
func NewKeyCache(numShards, maxmem int, clk clock.Clock) *KeyCache {
	if clk == nil {
		clk = clock.Default()
	}
	return &KeyCache{
		slab: NewSlab(numShards, maxmem, keyEntrySize, clk),
		clk:  clk,
	}
}

func keyEntrySize(data interface{}) int {
	ke := data.(*KeyEntry)
	n := 24
	for _, k := range ke.Keys {
		n += dns.Len(k)
	}
	return n
}

// Lookup returns the KeyEntry for zone, or nil if absent or expired.
func (c *KeyCache) Lookup(zone string) *KeyEntry {
	zone = dnsutil.CanonicalName(zone)
	le := c.slab.Lookup(hashString(zone), zone, false)
	if le == nil {
		return nil
	}
	defer le.Unlock()
	ke := le.Data().(*KeyEntry)
	if ke.expired(c.clk.Now().Unix()) {
		return nil
	}
	return ke
}

// StoreKeys installs a validated DNSKEY set for zone with TTL seconds
// of validity.
func (c *KeyCache) StoreKeys(zone string, keys []*dns.DNSKEY, ttl int64) {
	zone = dnsutil.CanonicalName(zone)
	ke := &KeyEntry{Zone: zone, Kind: KeyEntryKeys, Keys: keys, TTL: c.clk.Now().Unix() + ttl}
	c.slab.Insert(hashString(zone), zone, ke)
}

// StoreInsecure marks zone as a proved-insecure delegation.
func (c *KeyCache) StoreInsecure(zone string, ttl int64) {
	zone = dnsutil.CanonicalName(zone)
	ke := &KeyEntry{Zone: zone, Kind: KeyEntryInsecure, TTL: c.clk.Now().Unix() + ttl}
	c.slab.Insert(hashString(zone), zone, ke)
}

// StoreNull records a failed trust-anchor prime for zone, cached for
// NullKeyTTL to rate-limit re-priming (spec §4.7, §8 scenario 6).
func (c *KeyCache) StoreNull(zone string) {
	zone = dnsutil.CanonicalName(zone)
	ke := &KeyEntry{Zone: zone, Kind: KeyEntryNull, TTL: c.clk.Now().Unix() + int64(NullKeyTTL.Seconds())}
	c.slab.Insert(hashString(zone), zone, ke)
}

// Len reports the total number of key entries cached across all shards.
func (c *KeyCache) Len() int { return c.slab.Len() }
