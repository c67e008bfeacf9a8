package cache

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

func testRRset(owner string, trust dnsutil.TrustLevel, ttl int64, signed bool) *dnsutil.PackedRRset {
	p := &dnsutil.PackedRRset{
		Key:   dnsutil.RRsetKey{Owner: owner, Type: dns.TypeA, Class: dns.ClassINET, Flags: dnsutil.FlagNormal},
		RR:    []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: uint32(ttl)}}},
		TTL:   ttl,
		Trust: trust,
	}
	if signed {
		p.Sigs = []*dns.RRSIG{{TypeCovered: dns.TypeA}}
	}
	return p
}

func TestRRsetCacheInsertOnMiss(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	in := testRRset("example.com.", dnsutil.TrustAnswerAA, 100, false)
	out := rc.Update(in)
	if out != in {
		t.Fatal("expected the inserted RRset to be returned on first insert")
	}
	if out.Version != 1 {
		t.Fatalf("expected version 1 on first insert, got %d", out.Version)
	}
}

func TestRRsetCacheHigherTrustDominates(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	low := testRRset("example.com.", dnsutil.TrustAdditionalAddress, 100, false)
	rc.Update(low)

	high := testRRset("example.com.", dnsutil.TrustValidated, 50, false)
	out := rc.Update(high)
	if out != high {
		t.Fatal("expected higher-trust incoming RRset to dominate and be returned")
	}
	if out.Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", out.Version)
	}
}

func TestRRsetCacheLowerTrustDoesNotDominate(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	high := testRRset("example.com.", dnsutil.TrustValidated, 100, false)
	rc.Update(high)

	low := testRRset("example.com.", dnsutil.TrustAdditionalAddress, 500, false)
	out := rc.Update(low)
	if out != high {
		t.Fatal("expected existing higher-trust RRset to be kept and returned, not the lower-trust incoming one")
	}
}

func TestRRsetCacheEqualTrustLaterExpiryDominates(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	first := testRRset("example.com.", dnsutil.TrustAnswerAA, 100, false)
	rc.Update(first)

	later := testRRset("example.com.", dnsutil.TrustAnswerAA, 500, false)
	out := rc.Update(later)
	if out != later {
		t.Fatal("expected equal-trust, later-expiry incoming RRset to dominate")
	}
}

func TestRRsetCacheExpiredIsAbsent(t *testing.T) {
	fc := clock.NewFake()
	rc := NewRRsetCache(4, 1<<20, fc)
	rs := testRRset("example.com.", dnsutil.TrustAnswerAA, fc.Now().Unix()+10, false)
	rc.Update(rs)
	if got := rc.Lookup(rs.Key); got == nil {
		t.Fatal("expected unexpired RRset to be found")
	}
	fc.Add(20 * time.Second)
	if got := rc.Lookup(rs.Key); got != nil {
		t.Fatal("expected expired RRset to be reported absent")
	}
}
