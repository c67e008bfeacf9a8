package pipeline

import (
	"context"

	"github.com/miekg/dns"
	"golang.org/x/net/trace"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// iteratorFetcher implements validator.Fetcher by dispatching ordinary
// sub-queries through the same iterator every client query uses (spec
// §4.7 FINDKEY: "dispatch a sub-query for DS (parent side) or DNSKEY
// (current side)" -- those sub-queries are themselves full iterative
// resolutions, not a special-cased code path).
type iteratorFetcher struct {
	env *ModuleEnv
}

func newIteratorFetcher(env *ModuleEnv) *iteratorFetcher {
	return &iteratorFetcher{env: env}
}

func (f *iteratorFetcher) FetchDNSKEY(ctx context.Context, zone string) ([]*dns.DNSKEY, []*dns.RRSIG, error) {
	tr := trace.New("resolver.subquery", "DNSKEY "+zone)
	defer tr.Finish()

	qi := dnsutil.NewQueryInfo(zone, dns.TypeDNSKEY, dns.ClassINET)
	_, rrsets, err := f.env.Iterator.Resolve(ctx, qi, 0)
	if err != nil {
		tr.SetError()
		return nil, nil, err
	}
	var keys []*dns.DNSKEY
	var sigs []*dns.RRSIG
	for _, rs := range rrsets {
		if rs.Key.Owner != qi.Name || rs.Key.Type != dns.TypeDNSKEY {
			continue
		}
		for _, rr := range rs.RR {
			if k, ok := rr.(*dns.DNSKEY); ok {
				keys = append(keys, k)
			}
		}
		sigs = append(sigs, rs.Sigs...)
	}
	return keys, sigs, nil
}

func (f *iteratorFetcher) FetchDS(ctx context.Context, zone string) ([]*dns.DS, []dns.RR, error) {
	tr := trace.New("resolver.subquery", "DS "+zone)
	defer tr.Finish()

	qi := dnsutil.NewQueryInfo(zone, dns.TypeDS, dns.ClassINET)
	_, rrsets, err := f.env.Iterator.Resolve(ctx, qi, 0)
	if err != nil {
		tr.SetError()
		return nil, nil, err
	}
	var ds []*dns.DS
	var denial []dns.RR
	for _, rs := range rrsets {
		switch rs.Key.Type {
		case dns.TypeDS:
			if rs.Key.Owner != qi.Name {
				continue
			}
			for _, rr := range rs.RR {
				if d, ok := rr.(*dns.DS); ok {
					ds = append(ds, d)
				}
			}
		case dns.TypeNSEC, dns.TypeNSEC3:
			denial = append(denial, rs.RR...)
		}
	}
	return ds, denial, nil
}
