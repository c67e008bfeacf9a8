package validator

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// parseRRs turns a newline-separated zone snippet into RRs, the way
// teacher's nsec_test.go builds NSEC3 fixtures from real-world query
// captures rather than synthesizing them by hand.
func parseRRs(t *testing.T, lines ...string) []dns.RR {
	t.Helper()
	out := make([]dns.RR, 0, len(lines))
	for _, l := range lines {
		rr, err := dns.NewRR(l)
		require.NoError(t, err)
		out = append(out, rr)
	}
	return out
}

func TestVerifyNameErrorNSEC3(t *testing.T) {
	err := verifyNameError(&dnsutil.QueryInfo{Name: "easdasdd1q2e2d2w.org.", Type: dns.TypeA}, nil)
	assert.Error(t, err)

	covering := parseRRs(t,
		`h9p7u7tr2u91d0v0ljs9l1gidnp90u3h.org. 86400 IN NSEC3 1 1 1 D399EAAB H9PARR669T6U8O1GSG9E1LMITK4DEM0T NS SOA RRSIG DNSKEY NSEC3PARAM`,
		`7787tb18r44mr7o4pqc3n8ur0h2043tl.org. 86400 IN NSEC3 1 1 1 D399EAAB 778KI18543GPI8BANNL5TLE6A49ALNT4 NS DS RRSIG`,
		`vaittv1g2ies9s3920soaumh73klnhs5.org. 86400 IN NSEC3 1 1 1 D399EAAB VAJSHJ9G9U88NEFMNIS1LOG48CM6L9LO NS DS RRSIG`,
	)
	err = verifyNameError(&dnsutil.QueryInfo{Name: "easdasdd1q2e2d2w.org.", Type: dns.TypeA}, covering)
	assert.NoError(t, err)

	incomplete := parseRRs(t,
		`h9p7u7tr2u91d0v0ljs9l1gidnp90u3h.org. 86400 IN NSEC3 1 1 1 D399EAAB H9PARR669T6U8O1GSG9E1LMITK4DEM0T NS SOA RRSIG DNSKEY NSEC3PARAM`,
		`7787tb18r44mr7o4pqc3n8ur0h2043tl.org. 86400 IN NSEC3 1 1 1 D399EAAB 778KI18543GPI8BANNL5TLE6A49ALNT4 NS DS RRSIG`,
	)
	err = verifyNameError(&dnsutil.QueryInfo{Name: "easdasdd1q2e2d2w.org.", Type: dns.TypeA}, incomplete)
	assert.Error(t, err)
}

func TestValidateNegativeRequiresSecureKeyEntry(t *testing.T) {
	v, _ := newTestValidator(&TrustAnchor{Zone: "."})
	status := v.ValidateNegative(dnsutil.QueryInfo{Name: "example.org.", Type: dns.TypeA}, SubtypeNXDOMAIN, nil, nil)
	assert.Equal(t, dnsutil.SecurityBogus, status)
}

func TestNSEC3IterationsExceededDowngradesToInsecure(t *testing.T) {
	ksk := &dns.DNSKEY{Hdr: dns.RR_Header{Name: "org.", Rrtype: dns.TypeDNSKEY}, Algorithm: dns.RSASHA256, Flags: 257, Protocol: 3}
	_, err := ksk.Generate(1024)
	require.NoError(t, err)

	v := &Validator{cfg: Config{NSEC3IterLimits: NSEC3IterTable{{KeySize: 1024, MaxIterations: 1}}}, log: logrus.NewEntry(logrus.New())}
	ke := &cache.KeyEntry{Kind: cache.KeyEntryKeys, Keys: []*dns.DNSKEY{ksk}}

	denial := parseRRs(t, `h9p7u7tr2u91d0v0ljs9l1gidnp90u3h.org. 86400 IN NSEC3 1 1 50 D399EAAB H9PARR669T6U8O1GSG9E1LMITK4DEM0T NS SOA`)
	status := v.ValidateNegative(dnsutil.QueryInfo{Name: "example.org.", Type: dns.TypeA}, SubtypeNODATA, denial, ke)
	assert.Equal(t, dnsutil.SecurityInsecure, status)
}
