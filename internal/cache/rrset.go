package cache

import (
	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// RRsetCache is the typed layer above Slab for canonical RRset
// storage, keyed by (owner, type, class, flags) (spec §4.2).
type RRsetCache struct {
	slab *Slab
	clk  clock.Clock
}

// NewRRsetCache builds an RRset cache with numShards slabs sharing a
// maxmem byte budget.
func NewRRsetCache(numShards, maxmem int, clk clock.Clock) *RRsetCache {
	if clk == nil {
		clk = clock.Default()
	}
	return &RRsetCache{
		slab: NewSlab(numShards, maxmem, rrsetSize, clk),
		clk:  clk,
	}
}

func rrsetSize(data interface{}) int {
	p := data.(*dnsutil.PackedRRset)
	n := 16 // fixed overhead estimate
	for _, rr := range p.RR {
		n += dns.Len(rr)
	}
	for _, s := range p.Sigs {
		n += dns.Len(s)
	}
	return n
}

// Lookup returns the current PackedRRset for key, or nil if absent or
// expired (spec §3 invariant: TTL <= now is treated as absent).
func (c *RRsetCache) Lookup(key dnsutil.RRsetKey) *dnsutil.PackedRRset {
	h := hashString(key.String())
	le := c.slab.Lookup(h, key, false)
	if le == nil {
		return nil
	}
	defer le.Unlock()
	p := le.Data().(*dnsutil.PackedRRset)
	if p.Expired(c.clk.Now().Unix()) {
		return nil
	}
	return p
}

// Update applies the dominance policy of spec §4.2:
//  1. no entry exists -> insert.
//  2. else compare (trust, TTL, RRSIG presence); replace only if the
//     incoming RRset dominates (higher trust, or equal trust with
//     later expiry); otherwise keep the existing entry.
//  3. on replacement bump the version id.
//
// The caller MUST use the returned *PackedRRset, not its input --
// Update may hand back the existing, non-dominated entry instead.
func (c *RRsetCache) Update(incoming *dnsutil.PackedRRset) *dnsutil.PackedRRset {
	h := hashString(incoming.Key.String())

	// Fast path: try under a write lock so the compare-and-swap is
	// atomic with respect to concurrent updaters of the same key.
	if le := c.slab.Lookup(h, incoming.Key, true); le != nil {
		existing := le.Data().(*dnsutil.PackedRRset)
		if dominates(incoming, existing) {
			incoming.Version = existing.Version + 1
			le.Unlock()
			c.slab.Insert(h, incoming.Key, incoming)
			return incoming
		}
		le.Unlock()
		return existing
	}

	incoming.Version = 1
	c.slab.Insert(h, incoming.Key, incoming)
	return incoming
}

// dominates reports whether incoming should replace existing under
// the trust/TTL/RRSIG-presence rule of spec §4.2.
func dominates(incoming, existing *dnsutil.PackedRRset) bool {
	if incoming.Trust != existing.Trust {
		return incoming.Trust > existing.Trust
	}
	if len(incoming.Sigs) > 0 && len(existing.Sigs) == 0 {
		return true
	}
	if len(incoming.Sigs) == 0 && len(existing.Sigs) > 0 {
		return false
	}
	return incoming.TTL > existing.TTL
}

// Remove evicts the RRset for key, if present.
func (c *RRsetCache) Remove(key dnsutil.RRsetKey) {
	c.slab.Remove(hashString(key.String()), key)
}

// Len reports the total number of RRsets cached across all shards.
func (c *RRsetCache) Len() int { return c.slab.Len() }
