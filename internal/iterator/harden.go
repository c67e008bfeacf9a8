package iterator

import (
	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
	"github.com/rolandshoemaker/recursor/internal/validator"
)

// verifyReferralProof runs the spec §6 harden-referral-path check: if
// a referral's authority section carries an NSEC/NSEC3 denial-of-DS
// proof alongside the NS records, the proof must be well-formed (NS
// bit set, no DS/SOA bits, correctly covering the delegation name) or
// the referral is untrustworthy. A referral with no denial records at
// all is left to the validator's own DS/DNSKEY chain walk and passes
// here unconditionally.
func verifyReferralProof(owner string, ns []dns.RR) error {
	var denial []dns.RR
	for _, rr := range ns {
		if rr.Header().Rrtype == dns.TypeNSEC || rr.Header().Rrtype == dns.TypeNSEC3 {
			denial = append(denial, rr)
		}
	}
	if len(denial) == 0 {
		return nil
	}
	return validator.VerifyDelegation(owner, denial)
}

// ancestorProvesNXDOMAIN implements spec §6 harden-below-nxdomain
// (RFC 8020): if a cached reply already proves that an ancestor of
// qname does not exist, then qname itself cannot exist either, and
// the iterator can answer NXDOMAIN without issuing any query at all.
// The message cache is keyed by (owner, type, class), so every
// commonly-queried type is checked at each ancestor label rather than
// a single "does this name exist" entry.
func (it *Iterator) ancestorProvesNXDOMAIN(qname string) bool {
	if !it.cfg.HardenBelowNXDOMAIN {
		return false
	}
	labels := dns.SplitDomainName(qname)
	for i := 1; i <= len(labels); i++ {
		owner := dns.Fqdn(joinTail(labels, i))
		if owner == "." {
			break
		}
		for _, t := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeNS, dns.TypeSOA, dns.TypeDS, dns.TypeMX, dns.TypeTXT} {
			qi := dnsutil.NewQueryInfo(owner, t, dns.ClassINET)
			if ri, _, ok := it.msgCache.Lookup(qi, 0); ok && ri.Rcode() == dns.RcodeNameError {
				return true
			}
		}
	}
	return false
}
