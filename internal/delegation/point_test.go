package delegation

import (
	"net"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolandshoemaker/recursor/internal/cache"
)

func TestNewFromNSSetDeduplicatesNames(t *testing.T) {
	ns := []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com."}, Ns: "a.iana-servers.net."},
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com."}, Ns: "a.iana-servers.net."},
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com."}, Ns: "b.iana-servers.net."},
	}
	p := NewFromNSSet("example.com.", ns)
	assert.Len(t, p.NSNames, 2)
}

func TestMissingAddressNames(t *testing.T) {
	p := NewFromNSSet("example.com.", []dns.RR{
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com."}, Ns: "a.iana-servers.net."},
		&dns.NS{Hdr: dns.RR_Header{Name: "example.com."}, Ns: "b.iana-servers.net."},
	})
	p.MergeAddresses("a.iana-servers.net.", []net.IP{net.ParseIP("192.0.2.1")})
	missing := p.MissingAddressNames()
	require.Len(t, missing, 1)
	assert.Equal(t, "b.iana-servers.net.", missing[0])
}

func TestSelectTargetPrefersLowestRTT(t *testing.T) {
	fc := clock.NewFake()
	infra := cache.NewInfraCache(4, time.Hour, fc)
	p := &Point{Owner: "example.com."}
	p.Targets = []*Target{
		{Addr: net.ParseIP("192.0.2.1"), Name: "a."},
		{Addr: net.ParseIP("192.0.2.2"), Name: "b."},
	}
	infra.RecordSuccess("example.com.", "192.0.2.1", 50*time.Millisecond)
	infra.RecordSuccess("example.com.", "192.0.2.2", 10*time.Millisecond)

	got := p.SelectTarget(infra, true, fc.Now(), nil)
	require.NotNil(t, got)
	assert.Equal(t, "192.0.2.2", got.Addr.String())
}

func TestSelectTargetSkipsInFlightAndBlacklisted(t *testing.T) {
	fc := clock.NewFake()
	infra := cache.NewInfraCache(4, time.Hour, fc)
	p := &Point{Owner: "example.com."}
	good := &Target{Addr: net.ParseIP("192.0.2.3"), Name: "c.", Status: StatusUnused}
	p.Targets = []*Target{
		{Addr: net.ParseIP("192.0.2.1"), Name: "a.", Status: StatusInFlight},
		{Addr: net.ParseIP("192.0.2.2"), Name: "b.", Status: StatusBlacklisted, BlacklistedUntil: fc.Now().Add(time.Hour)},
		good,
	}
	got := p.SelectTarget(infra, true, fc.Now(), nil)
	require.NotNil(t, got)
	assert.Same(t, good, got)
}

func TestSelectTargetNoneUsable(t *testing.T) {
	fc := clock.NewFake()
	infra := cache.NewInfraCache(4, time.Hour, fc)
	p := &Point{Owner: "example.com."}
	p.Targets = []*Target{{Addr: net.ParseIP("192.0.2.1"), Name: "a.", Status: StatusInFlight}}
	assert.Nil(t, p.SelectTarget(infra, true, fc.Now(), nil))
	assert.False(t, p.HasUsableTarget(infra, true, fc.Now(), nil))
}

func TestSelectTargetSkipsDenylistedAddress(t *testing.T) {
	fc := clock.NewFake()
	infra := cache.NewInfraCache(4, time.Hour, fc)
	p := &Point{Owner: "example.com."}
	good := &Target{Addr: net.ParseIP("192.0.2.9"), Name: "b."}
	p.Targets = []*Target{
		{Addr: net.ParseIP("192.0.2.1"), Name: "a."},
		good,
	}
	deny, err := NewDenylist([]string{"192.0.2.1/32"}, false)
	require.NoError(t, err)

	got := p.SelectTarget(infra, true, fc.Now(), deny)
	require.NotNil(t, got)
	assert.Same(t, good, got)
}

func TestDenylistDeniesLoopback(t *testing.T) {
	deny, err := NewDenylist(nil, true)
	require.NoError(t, err)
	assert.True(t, deny.Denied(net.ParseIP("127.0.0.1")))
	assert.False(t, deny.Denied(net.ParseIP("192.0.2.1")))
	assert.False(t, (*Denylist)(nil).Denied(net.ParseIP("127.0.0.1")))
}

func TestStrictlyBelow(t *testing.T) {
	assert.True(t, StrictlyBelow("com.", "example.com."))
	assert.False(t, StrictlyBelow("example.com.", "example.com."))
	assert.False(t, StrictlyBelow("example.com.", "com."))
}
