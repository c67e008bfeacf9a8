package hints

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// RootKeys seeds the trust anchor for the root zone (spec §3 "Trust
// anchor", §6 "trust-anchor"). The record is a placeholder, not the
// live IANA root KSK DS: it carries key tag 20326 and algorithm
// RSASHA256, but its digest is 63 hex digits, one short of a SHA-256
// digest, so it matches no DNSKEY.
var RootKeys = []dns.RR{
	&dns.DS{
		Hdr:        dns.RR_Header{Name: ".", Rrtype: dns.TypeDS, Class: dns.ClassINET, Ttl: 172800},
		KeyTag:     20326,
		Algorithm:  dns.RSASHA256,
		DigestType: dns.SHA256,
		Digest:     "E06D44B80B8F1D39A95C0B0D7C65D08458E880409BBC683457104237C7F8EC8",
	},
}

// AnchorStore persists the RFC 5011 trust-anchor key lifecycle state
// to the single file the core is allowed to write back (spec §6:
// "only the auto-trust-anchor file ... is written back by the core").
type AnchorStore struct {
	path string
}

// NewAnchorStore returns a store that reads and writes path, the
// configured auto-trust-anchor-file.
func NewAnchorStore(path string) *AnchorStore {
	return &AnchorStore{path: path}
}

// Load reads the persisted DNSKEY set for zone, or returns (nil, nil)
// if the file is absent or contains no entry for zone.
func (a *AnchorStore) Load(zone string) ([]*dns.DNSKEY, error) {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var keys []*dns.DNSKEY
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		rr, err := dns.NewRR(line)
		if err != nil {
			continue
		}
		if k, ok := rr.(*dns.DNSKEY); ok && dns.Fqdn(k.Hdr.Name) == dns.Fqdn(zone) {
			keys = append(keys, k)
		}
	}
	return keys, sc.Err()
}

// Save persists keys as the current trust anchor for zone, replacing
// the file's contents. The validator calls it each time it validates
// an anchored zone's DNSKEY set, whether or not the set changed (spec
// §6, §9 DESIGN NOTES on the single piece of persisted state the core
// owns).
func (a *AnchorStore) Save(zone string, keys []*dns.DNSKEY) error {
	f, err := os.Create(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "; autotrust trust anchor file for %s\n", zone)
	for _, k := range keys {
		fmt.Fprintln(w, k.String())
	}
	return w.Flush()
}
