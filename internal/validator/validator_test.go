package validator

import (
	"context"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// signedZone is a generated KSK/ZSK pair for a zone plus helpers to
// sign arbitrary RRsets with it, the same approach teacher's
// dnssec_test.go uses (DNSKEY.Generate + RRSIG.Sign against a live
// key rather than fixture bytes).
type signedZone struct {
	zone string
	ksk  *dns.DNSKEY
	priv *rsa.PrivateKey
}

func newSignedZone(t *testing.T, zone string) *signedZone {
	t.Helper()
	ksk := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: zone, Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: 3600},
		Algorithm: dns.RSASHA256,
		Flags:     257,
		Protocol:  3,
	}
	pk, err := ksk.Generate(1024)
	require.NoError(t, err)
	return &signedZone{zone: zone, ksk: ksk, priv: pk.(*rsa.PrivateKey)}
}

func (z *signedZone) sign(rrs []dns.RR) *dns.RRSIG {
	sig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Name: z.zone, Rrtype: dns.TypeRRSIG, Class: dns.ClassINET, Ttl: 3600},
		SignerName: z.zone,
		Algorithm:  dns.RSASHA256,
		KeyTag:     z.ksk.KeyTag(),
		Inception:  uint32(time.Now().Add(-time.Hour).Unix()),
		Expiration: uint32(time.Now().Add(time.Hour).Unix()),
	}
	if err := sig.Sign(z.priv, rrs); err != nil {
		panic(err)
	}
	return sig
}

func (z *signedZone) ds() *dns.DS {
	return z.ksk.ToDS(dns.SHA256)
}

// fakeFetcher serves canned DNSKEY/DS responses keyed by zone, acting
// as the sub-query capability a real pipeline would provide.
type fakeFetcher struct {
	keys map[string][]*dns.DNSKEY
	sigs map[string][]*dns.RRSIG
	ds   map[string][]*dns.DS
}

func (f *fakeFetcher) FetchDNSKEY(_ context.Context, zone string) ([]*dns.DNSKEY, []*dns.RRSIG, error) {
	return f.keys[zone], f.sigs[zone], nil
}

func (f *fakeFetcher) FetchDS(_ context.Context, zone string) ([]*dns.DS, []dns.RR, error) {
	return f.ds[zone], nil, nil
}

func newTestValidator(anchor *TrustAnchor) (*Validator, *cache.KeyCache) {
	kc := cache.NewKeyCache(4, 1<<20, nil)
	v := New(Config{
		SigSkewMin: time.Hour,
		SigSkewMax: time.Hour,
		BogusTTL:   60 * time.Second,
	}, kc, []*TrustAnchor{anchor}, nil)
	return v, kc
}

func TestFindKeyValidatesRootThenChild(t *testing.T) {
	root := newSignedZone(t, ".")
	com := newSignedZone(t, "com.")

	rootKeys := []dns.RR{root.ksk}
	rootSig := root.sign(rootKeys)

	comKeys := []dns.RR{com.ksk}
	comSig := com.sign(comKeys)
	comDS := com.ds()
	comDS.Hdr = dns.RR_Header{Name: "com.", Rrtype: dns.TypeDS, Class: dns.ClassINET}

	fetch := &fakeFetcher{
		keys: map[string][]*dns.DNSKEY{".": {root.ksk}, "com.": {com.ksk}},
		sigs: map[string][]*dns.RRSIG{".": {rootSig}, "com.": {comSig}},
		ds:   map[string][]*dns.DS{"com.": {comDS}},
	}

	v, _ := newTestValidator(&TrustAnchor{Zone: ".", DS: []*dns.DS{root.ds()}})

	ke, err := v.FindKey(context.Background(), "com.", fetch)
	require.NoError(t, err)
	require.NotNil(t, ke)
	assert.Equal(t, cache.KeyEntryKeys, ke.Kind)
	assert.Equal(t, "com.", ke.Zone)
}

func TestFindKeyNoAnchorIsInsecure(t *testing.T) {
	v, _ := newTestValidator(&TrustAnchor{Zone: "example.net.", DS: nil})
	ke, err := v.FindKey(context.Background(), "example.com.", &fakeFetcher{})
	require.NoError(t, err)
	assert.Equal(t, cache.KeyEntryInsecure, ke.Kind)
}

func TestFindKeyMismatchedDSIsBogus(t *testing.T) {
	root := newSignedZone(t, ".")
	rootKeys := []dns.RR{root.ksk}
	rootSig := root.sign(rootKeys)

	wrongDS := &dns.DS{
		Hdr:        dns.RR_Header{Name: ".", Rrtype: dns.TypeDS},
		KeyTag:     1,
		Algorithm:  dns.RSASHA256,
		DigestType: dns.SHA256,
		Digest:     "0000000000000000000000000000000000000000000000000000000000000000",
	}
	fetch := &fakeFetcher{
		keys: map[string][]*dns.DNSKEY{".": {root.ksk}},
		sigs: map[string][]*dns.RRSIG{".": {rootSig}},
	}
	v, _ := newTestValidator(&TrustAnchor{Zone: ".", DS: []*dns.DS{wrongDS}})

	_, err := v.FindKey(context.Background(), ".", fetch)
	require.Error(t, err)
}

func TestValidateSignedRRsetIsSecure(t *testing.T) {
	zone := newSignedZone(t, "example.com.")
	a := &dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}}
	sig := zone.sign([]dns.RR{a})

	v, kc := newTestValidator(&TrustAnchor{Zone: "example.com.", Keys: []*dns.DNSKEY{zone.ksk}})
	kc.StoreKeys("example.com.", []*dns.DNSKEY{zone.ksk}, 3600)
	ke := kc.Lookup("example.com.")
	require.NotNil(t, ke)

	set := []*dnsutil.PackedRRset{{
		Key:  dnsutil.RRsetKey{Owner: "example.com.", Type: dns.TypeA, Class: dns.ClassINET},
		RR:   []dns.RR{a},
		Sigs: []*dns.RRSIG{sig},
	}}
	status := v.Validate(set, "example.com.", ke)
	assert.Equal(t, dnsutil.SecuritySecure, status)
}

func TestValidateMissingSignatureIsBogus(t *testing.T) {
	zone := newSignedZone(t, "example.com.")
	v, kc := newTestValidator(&TrustAnchor{Zone: "example.com.", Keys: []*dns.DNSKEY{zone.ksk}})
	kc.StoreKeys("example.com.", []*dns.DNSKEY{zone.ksk}, 3600)
	ke := kc.Lookup("example.com.")

	a := &dns.A{Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA}}
	set := []*dnsutil.PackedRRset{{
		Key: dnsutil.RRsetKey{Owner: "example.com.", Type: dns.TypeA},
		RR:  []dns.RR{a},
	}}
	assert.Equal(t, dnsutil.SecurityBogus, v.Validate(set, "example.com.", ke))
}

func TestFinishPermissiveModeDowngradesBogus(t *testing.T) {
	v, _ := newTestValidator(&TrustAnchor{Zone: "."})
	v.cfg.PermissiveMode = true
	client, toCache := v.Finish(dnsutil.SecurityBogus)
	assert.Equal(t, dnsutil.SecurityIndeterminate, client)
	assert.Equal(t, dnsutil.SecurityBogus, toCache)
}

func TestNSEC3IterTableScalesWithKeySize(t *testing.T) {
	tbl, err := ParseNSEC3IterTable("1024 150,2048 500,4096 2500")
	require.NoError(t, err)
	assert.Equal(t, 150, tbl.MaxIterations(1024))
	assert.Equal(t, 500, tbl.MaxIterations(2048))
	assert.Equal(t, 2500, tbl.MaxIterations(8192))
}

// TestWithinSkewIsAsymmetric probes the two skew levers independently
// rather than with a symmetric skewMin == skewMax window, which would
// mask either one being applied to the wrong bound (spec §4.7:
// "inception <= now + val_sig_skew_min, expiration >= now -
// val_sig_skew_max").
func TestWithinSkewIsAsymmetric(t *testing.T) {
	now := time.Now()
	skewMin := time.Minute
	skewMax := 10 * time.Minute

	// Expiration 5 minutes in the past is within skewMax (10 min) of
	// now, so this must validate even though the raw validity period
	// has already lapsed.
	recentlyExpired := &dns.RRSIG{
		Inception:  uint32(now.Add(-30 * 24 * time.Hour).Unix()),
		Expiration: uint32(now.Add(-5 * time.Minute).Unix()),
	}
	assert.True(t, withinSkew(recentlyExpired, now, skewMin, skewMax),
		"expiration 5m ago should validate under a 10m skewMax")

	// Expiration 15 minutes in the past exceeds skewMax (10 min).
	tooOld := &dns.RRSIG{
		Inception:  uint32(now.Add(-30 * 24 * time.Hour).Unix()),
		Expiration: uint32(now.Add(-15 * time.Minute).Unix()),
	}
	assert.False(t, withinSkew(tooOld, now, skewMin, skewMax),
		"expiration 15m ago should not validate under a 10m skewMax")

	// Inception 30 seconds in the future is within skewMin (1 min).
	almostValid := &dns.RRSIG{
		Inception:  uint32(now.Add(30 * time.Second).Unix()),
		Expiration: uint32(now.Add(30 * 24 * time.Hour).Unix()),
	}
	assert.True(t, withinSkew(almostValid, now, skewMin, skewMax),
		"inception 30s in the future should validate under a 1m skewMin")

	// Inception 5 minutes in the future exceeds skewMin (1 min); it
	// would incorrectly pass if skewMax (10m) were applied here instead.
	notYetValid := &dns.RRSIG{
		Inception:  uint32(now.Add(5 * time.Minute).Unix()),
		Expiration: uint32(now.Add(30 * 24 * time.Hour).Unix()),
	}
	assert.False(t, withinSkew(notYetValid, now, skewMin, skewMax),
		"inception 5m in the future should not validate under a 1m skewMin")
}
