package cache

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

func TestMessageCacheStoreAndLookup(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	mc := NewMessageCache(4, 1<<20, rc, fc)

	qi := dnsutil.NewQueryInfo("example.com.", dns.TypeA, dns.ClassINET)
	rs := testRRset("example.com.", dnsutil.TrustAnswerAA, fc.Now().Unix()+100, false)

	mc.Store(qi, 0, []*dnsutil.PackedRRset{rs}, 1, 0, 0, dnsutil.SecuritySecure)

	ri, sets, ok := mc.Lookup(qi, 0)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if ri.Security != dnsutil.SecuritySecure {
		t.Fatalf("expected secure status, got %v", ri.Security)
	}
	if len(sets) != 1 {
		t.Fatalf("expected 1 referenced RRset, got %d", len(sets))
	}
}

func TestMessageCacheMissOnStaleVersion(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	mc := NewMessageCache(4, 1<<20, rc, fc)

	qi := dnsutil.NewQueryInfo("example.com.", dns.TypeA, dns.ClassINET)
	rs := testRRset("example.com.", dnsutil.TrustAnswerAA, fc.Now().Unix()+100, false)
	mc.Store(qi, 0, []*dnsutil.PackedRRset{rs}, 1, 0, 0, dnsutil.SecurityInsecure)

	// A dominant update bumps the RRset's version, invalidating the
	// message cache entry's back-reference (spec §3, §4.3).
	higher := testRRset("example.com.", dnsutil.TrustValidated, fc.Now().Unix()+100, false)
	rc.Update(higher)

	if _, _, ok := mc.Lookup(qi, 0); ok {
		t.Fatal("expected miss after referenced RRset was replaced with a new version")
	}
}

func TestMessageCacheMissOnExpiry(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	mc := NewMessageCache(4, 1<<20, rc, fc)

	qi := dnsutil.NewQueryInfo("example.com.", dns.TypeA, dns.ClassINET)
	rs := testRRset("example.com.", dnsutil.TrustAnswerAA, fc.Now().Unix()+5, false)
	mc.Store(qi, 0, []*dnsutil.PackedRRset{rs}, 1, 0, 0, dnsutil.SecurityInsecure)

	fc.Add(10 * time.Second)
	if _, _, ok := mc.Lookup(qi, 0); ok {
		t.Fatal("expected miss after reply TTL expired")
	}
}

func TestMessageCacheIdempotentStore(t *testing.T) {
	// spec §8 "Cache idempotence": inserting the same (qinfo, reply)
	// twice behaves as once -- lookups return the last stored reply.
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	mc := NewMessageCache(4, 1<<20, rc, fc)

	qi := dnsutil.NewQueryInfo("example.com.", dns.TypeA, dns.ClassINET)
	rs := testRRset("example.com.", dnsutil.TrustAnswerAA, fc.Now().Unix()+100, false)
	mc.Store(qi, 0, []*dnsutil.PackedRRset{rs}, 1, 0, 0, dnsutil.SecurityInsecure)
	mc.Store(qi, 0, []*dnsutil.PackedRRset{rs}, 1, 0, 0, dnsutil.SecurityInsecure)

	if mc.Len() != 1 {
		t.Fatalf("expected a single reply entry, got %d", mc.Len())
	}
}
