package cache

import (
	"github.com/jmhodges/clock"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// MessageCache stores reply-info keyed by query-info hash, writing
// every referenced RRset through to the RRset cache and capturing
// (pointer, version) back-references so a later lookup can detect
// that a referenced RRset was evicted or replaced (spec §4.3).
//
// Per spec §5's lock ordering rule ("RRset-cache locks must be
// acquired before message-cache locks when both are needed"),
// Store always resolves RRset-cache writes before touching its own
// slab.
type MessageCache struct {
	slab   *Slab
	rrsets *RRsetCache
	clk    clock.Clock
}

// NewMessageCache builds a message cache backed by rrsets, the RRset
// cache whose entries its replies reference.
func NewMessageCache(numShards, maxmem int, rrsets *RRsetCache, clk clock.Clock) *MessageCache {
	if clk == nil {
		clk = clock.Default()
	}
	return &MessageCache{
		slab:   NewSlab(numShards, maxmem, messageSize, clk),
		rrsets: rrsets,
		clk:    clk,
	}
}

func messageSize(data interface{}) int {
	r := data.(*dnsutil.ReplyInfo)
	return 32 + len(r.RRsets)*24
}

// Store writes each RRset in rrsets through the RRset cache (acquired
// first, per the lock-order rule above), captures the resulting
// (key, version) references, computes the reply's overall TTL as the
// minimum of its components, and inserts the assembled ReplyInfo
// keyed by qi's fingerprint.
func (c *MessageCache) Store(qi dnsutil.QueryInfo, flags uint16, rrsets []*dnsutil.PackedRRset, answerLen, nsLen, addLen int, security dnsutil.SecurityStatus) *dnsutil.ReplyInfo {
	refs := make([]dnsutil.RRsetRef, 0, len(rrsets))
	var minTTL int64 = -1
	for _, rs := range rrsets {
		stored := c.rrsets.Update(rs)
		refs = append(refs, dnsutil.RRsetRef{Key: stored.Key, Version: stored.Version})
		if minTTL == -1 || stored.TTL < minTTL {
			minTTL = stored.TTL
		}
	}
	if minTTL == -1 {
		minTTL = c.clk.Now().Unix()
	}

	ri := &dnsutil.ReplyInfo{
		RRsets:      refs,
		AnswerLen:   answerLen,
		NsLen:       nsLen,
		AdditionLen: addLen,
		Flags:       flags,
		TTL:         minTTL,
		StoredAt:    c.clk.Now().Unix(),
		Security:    security,
	}

	h := hashString(qi.Fingerprint(flags))
	c.slab.Insert(h, qi.Fingerprint(flags), ri)
	return ri
}

// Lookup returns the cached reply for (qi, flags) and the RRsets it
// references (as stored, with absolute TTLs; PackedRRset.ToRelative
// converts them for a reply), or (nil, nil, false)
// on a miss. A miss is also reported if any back-reference fails its
// version-id check or any referenced RRset has expired (spec §3, §4.3,
// the "Version-id soundness" property of spec §8).
func (c *MessageCache) Lookup(qi dnsutil.QueryInfo, flags uint16) (*dnsutil.ReplyInfo, []*dnsutil.PackedRRset, bool) {
	key := qi.Fingerprint(flags)
	le := c.slab.Lookup(hashString(key), key, false)
	if le == nil {
		return nil, nil, false
	}
	ri := le.Data().(*dnsutil.ReplyInfo)
	le.Unlock()

	now := c.clk.Now().Unix()
	if ri.TTL <= now {
		return nil, nil, false
	}

	rrsets := make([]*dnsutil.PackedRRset, 0, len(ri.RRsets))
	for _, ref := range ri.RRsets {
		cur := c.rrsets.Lookup(ref.Key)
		if cur == nil || cur.Version != ref.Version {
			return nil, nil, false
		}
		rrsets = append(rrsets, cur)
	}
	return ri, rrsets, true
}

// Remove evicts the reply for (qi, flags), if present.
func (c *MessageCache) Remove(qi dnsutil.QueryInfo, flags uint16) {
	key := qi.Fingerprint(flags)
	c.slab.Remove(hashString(key), key)
}

// Len reports the total number of replies cached across all shards.
func (c *MessageCache) Len() int { return c.slab.Len() }
