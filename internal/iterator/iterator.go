// Package iterator implements the iterative resolution state machine
// (spec §4.6): INIT -> INIT2 -> INIT3 -> QUERYTARGETS -> QUERY_RESP ->
// FINISHED. It walks the delegation chain from the closest cached
// delegation point (or the root hints) down to an authoritative answer, following referrals and CNAME
// chains, the way teacher's resolver.go RecursiveResolver.Lookup does,
// generalized to work over the shared rrset/message/infra caches and
// delegation.Point bookkeeping instead of teacher's single in-process
// QuestionAnswerCache and ad hoc Nameserver struct.
package iterator

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/delegation"
	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

var (
	ErrTooManyReferrals = errors.New("iterator: too many referrals")
	ErrTooManyRestarts  = errors.New("iterator: too many CNAME restarts")
	ErrNoUsableTarget   = errors.New("iterator: no usable target address for delegation point")
	ErrBadResponse      = errors.New("iterator: response had neither answer nor authority records")
	ErrOutOfBailiwick   = errors.New("iterator: response contained an out-of-bailiwick record")
)

// Exchanger sends msg to addr and returns the response, generalizing
// teacher's single *dns.Client.Exchange call into an interface so the
// iterator is testable without a network and so the pipeline can wrap
// it with outbound scheduling (spec §4.8, §9).
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg, addr string, useTCP bool) (*dns.Msg, time.Duration, error)
}

// Config bundles the iterator's tunables (spec §6).
type Config struct {
	UseIPv6             bool
	UseDNSSEC           bool
	MaxReferrals        int
	MaxRestarts         int
	TargetFetchPolicy   []int // per-referral-depth cap on target (A/AAAA) sub-queries issued
	HardenReferralPath  bool
	HardenGlue          bool
	HardenBelowNXDOMAIN bool
	QueryTimeout        time.Duration
	EDNSBufferSize      uint16
	Prefetch            bool    // spec §6 prefetch: refresh near-expiry cached replies in the background
	PrefetchKey         bool    // spec §6 prefetch-key: same, restricted to DNSKEY lookups
	PrefetchFraction    float64 // fraction of TTL lifetime remaining that counts as "near expiry"
	DoNotQueryAddress   []string
	DoNotQueryLocalhost bool
}

// DefaultTargetFetchPolicy mirrors unbound's "3 2 1 0 0": fetch up to
// 3 missing target addresses at the first referral depth, 2 at the
// next, and so on (spec §6 target-fetch-policy).
var DefaultTargetFetchPolicy = []int{3, 2, 1, 0, 0}

// Iterator runs the state machine of spec §4.6 over the shared
// message/RRset/infra caches.
type Iterator struct {
	cfg       Config
	msgCache  *cache.MessageCache
	rrsets    *cache.RRsetCache
	infra     *cache.InfraCache
	exch      Exchanger
	rootHints []dns.RR
	clk       interface{ Now() time.Time }
	log       *logrus.Entry

	prefetchMu  sync.Mutex
	prefetching map[string]bool

	denylist *delegation.Denylist
}

// New builds an Iterator. rootHints supplies the A/AAAA records used
// to prime the root delegation point (spec §4.6 INIT: "root priming").
func New(cfg Config, msgCache *cache.MessageCache, rrsets *cache.RRsetCache, infra *cache.InfraCache, exch Exchanger, rootHints []dns.RR, clk interface{ Now() time.Time }, log *logrus.Entry) *Iterator {
	if len(cfg.TargetFetchPolicy) == 0 {
		cfg.TargetFetchPolicy = DefaultTargetFetchPolicy
	}
	if cfg.MaxReferrals == 0 {
		cfg.MaxReferrals = 30
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = 8
	}
	if cfg.PrefetchFraction <= 0 {
		cfg.PrefetchFraction = 0.10
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	deny, err := delegation.NewDenylist(cfg.DoNotQueryAddress, cfg.DoNotQueryLocalhost)
	if err != nil {
		log.WithError(err).Warn("ignoring invalid do-not-query-address entries")
		deny, _ = delegation.NewDenylist(nil, cfg.DoNotQueryLocalhost)
	}
	return &Iterator{
		cfg: cfg, msgCache: msgCache, rrsets: rrsets, infra: infra,
		exch: exch, rootHints: rootHints, clk: clk, log: log,
		denylist: deny,
	}
}

// rootPoint builds the priming delegation point for "." from the
// configured root hints (spec §4.6 INIT: "arrange root priming").
func (it *Iterator) rootPoint() *delegation.Point {
	p := &delegation.Point{Owner: "."}
	seen := make(map[string]bool)
	for _, rr := range it.rootHints {
		var name string
		var ip net.IP
		switch r := rr.(type) {
		case *dns.A:
			name, ip = r.Hdr.Name, r.A
		case *dns.AAAA:
			name, ip = r.Hdr.Name, r.AAAA
		default:
			continue
		}
		name = dnsutil.CanonicalName(name)
		if !seen[name] {
			seen[name] = true
			p.NSNames = append(p.NSNames, name)
		}
		p.Targets = append(p.Targets, &delegation.Target{Addr: ip, Name: name, Status: delegation.StatusUnused})
	}
	return p
}

// fetchTargetAddr resolves a missing NS name to an address by
// recursing into the Iterator itself (spec §4.6 QUERYTARGETS: "dispatch
// a sub-query to resolve a missing target's address"), bounded by
// target_fetch_policy[depth] at the caller.
func (it *Iterator) fetchTargetAddr(ctx context.Context, nsName string) ([]net.IP, error) {
	var addrs []net.IP
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		if t == dns.TypeAAAA && !it.cfg.UseIPv6 {
			continue
		}
		qi := dnsutil.NewQueryInfo(nsName, t, dns.ClassINET)
		_, rrsets, err := it.Resolve(ctx, qi, 0)
		if err != nil {
			continue
		}
		for _, rs := range rrsets {
			if rs.Key.Owner != qi.Name {
				continue
			}
			for _, rr := range rs.RR {
				switch r := rr.(type) {
				case *dns.A:
					addrs = append(addrs, r.A)
				case *dns.AAAA:
					addrs = append(addrs, r.AAAA)
				}
			}
		}
	}
	return addrs, nil
}

// Resolve iteratively resolves qi, following referrals and CNAME
// chains, and returns the assembled reply and the RRsets it
// references (spec §4.6 entire state machine). Results are written
// through the message and RRset caches before being returned.
func (it *Iterator) Resolve(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dnsutil.ReplyInfo, []*dnsutil.PackedRRset, error) {
	if ri, rrsets, ok := it.msgCache.Lookup(qi, flags); ok {
		prefetchEnabled := it.cfg.Prefetch
		if qi.Type == dns.TypeDNSKEY {
			prefetchEnabled = it.cfg.PrefetchKey
		}
		if prefetchEnabled && ri.NearExpiry(it.now().Unix(), it.cfg.PrefetchFraction) {
			it.triggerPrefetch(qi, flags)
		}
		return ri, rrsets, nil
	}
	return it.resolveUncached(ctx, qi, flags)
}

// Prefetch re-resolves qi, bypassing the message cache, the way a
// background prefetch refresh (spec §6 prefetch/prefetch-key) must
// issue a real sub-query rather than returning the entry it is trying
// to replace.
func (it *Iterator) Prefetch(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dnsutil.ReplyInfo, []*dnsutil.PackedRRset, error) {
	return it.resolveUncached(ctx, qi, flags)
}

// triggerPrefetch launches a best-effort background refresh of
// (qi, flags), collapsing concurrent triggers for the same query into
// one in-flight refresh so a popular near-expiry name doesn't spawn a
// refresh per client hit.
func (it *Iterator) triggerPrefetch(qi dnsutil.QueryInfo, flags uint16) {
	key := qi.Fingerprint(flags)

	it.prefetchMu.Lock()
	if it.prefetching == nil {
		it.prefetching = make(map[string]bool)
	}
	if it.prefetching[key] {
		it.prefetchMu.Unlock()
		return
	}
	it.prefetching[key] = true
	it.prefetchMu.Unlock()

	go func() {
		defer func() {
			it.prefetchMu.Lock()
			delete(it.prefetching, key)
			it.prefetchMu.Unlock()
		}()

		timeout := it.cfg.QueryTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
		defer cancel()

		if _, _, err := it.resolveUncached(ctx, qi, flags); err != nil {
			it.log.WithError(err).WithField("qname", qi.Name).Debug("prefetch refresh failed")
		}
	}()
}

// resolveUncached runs the CNAME-chasing referral loop and writes the
// result through to the message cache, the shared tail of both a
// cache-missed Resolve and an explicit Prefetch.
func (it *Iterator) resolveUncached(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dnsutil.ReplyInfo, []*dnsutil.PackedRRset, error) {
	qname := qi.Name
	restarts := 0
	var answerAll, nsAll, addAll []*dnsutil.PackedRRset
	var rcode int
	var authoritative bool

	for {
		if it.ancestorProvesNXDOMAIN(qname) {
			rcode = dns.RcodeNameError
			authoritative = false
			break
		}

		cur := dnsutil.QueryInfo{Name: qname, Type: qi.Type, Class: qi.Class}
		msg, err := it.iterate(ctx, cur, flags)
		if err != nil {
			return nil, nil, err
		}

		rcode = msg.Rcode
		authoritative = msg.Authoritative

		target, chase := cnameChaseTarget(msg, qname, qi.Type)

		rrsets, aLen, nLen, dLen := splitIntoRRsets(msg)
		// Every message's answer section joins the an_prepend_list
		// (spec §4.6 QUERY_RESP "append to an_prepend_list"; §8
		// scenario 3: the CNAME and the final A both belong in the
		// answer section), but only the last message in the chain
		// contributes authority/additional records to the assembled
		// reply.
		answerAll = append(answerAll, rrsets[:aLen]...)
		nsAll = rrsets[aLen : aLen+nLen]
		addAll = rrsets[aLen+nLen : aLen+nLen+dLen]

		if chase {
			if restarts >= it.cfg.MaxRestarts {
				return nil, nil, ErrTooManyRestarts
			}
			restarts++
			qname = target
			continue
		}
		break
	}

	collected := make([]*dnsutil.PackedRRset, 0, len(answerAll)+len(nsAll)+len(addAll))
	collected = append(collected, answerAll...)
	collected = append(collected, nsAll...)
	collected = append(collected, addAll...)

	now := it.now().Unix()
	for _, rs := range collected {
		rs.TTL += now
	}

	flagsOut := dnsutil.NewFlags(rcode, authoritative, false)
	ri := it.msgCache.Store(qi, flagsOut, collected, len(answerAll), len(nsAll), len(addAll), dnsutil.SecurityIndeterminate)
	return ri, collected, nil
}

// iterate runs the referral-chasing loop (INIT3/QUERYTARGETS/QUERY_RESP
// of spec §4.6) for a single (possibly CNAME-chased) qname, returning
// the final upstream message.
func (it *Iterator) iterate(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dns.Msg, error) {
	point := it.closestCachedDelegation(qi.Name)
	if point == nil {
		point = it.rootPoint()
	}

	for depth := 0; depth < it.cfg.MaxReferrals; depth++ {
		if err := it.ensureTargets(ctx, point, depth); err != nil {
			return nil, err
		}

		target := point.SelectTarget(it.infra, it.cfg.UseIPv6, it.now(), it.denylist)
		if target == nil {
			return nil, ErrNoUsableTarget
		}

		msg, rtt, err := it.send(ctx, qi, flags, point, target)
		if err != nil {
			point.MarkBad(target, it.now().Add(cache.MaxTimeout))
			it.infra.RecordFailure(point.Owner, target.Addr.String())
			continue
		}
		point.MarkGood(target)
		it.infra.RecordSuccess(point.Owner, target.Addr.String(), rtt)

		if it.cfg.HardenGlue {
			if err := checkBailiwick(msg, point.Owner); err != nil {
				point.MarkBad(target, it.now().Add(cache.MaxTimeout))
				it.infra.RecordFailure(point.Owner, target.Addr.String())
				continue
			}
		}

		if len(msg.Answer) > 0 || msg.Rcode != dns.RcodeSuccess {
			return msg, nil
		}

		if len(msg.Ns) == 0 {
			return nil, ErrBadResponse
		}

		next := delegation.NewFromNSSet(referralOwner(msg.Ns), msg.Ns)
		if !delegation.StrictlyBelow(point.Owner, next.Owner) {
			// Referral didn't descend: treat as a terminal (possibly
			// lame) answer rather than looping forever.
			return msg, nil
		}
		if it.cfg.HardenReferralPath {
			if err := verifyReferralProof(next.Owner, msg.Ns); err != nil {
				// Malformed denial-of-DS proof: don't trust this
				// server's referral, try another target instead.
				point.MarkBad(target, it.now().Add(cache.MaxTimeout))
				it.infra.RecordFailure(point.Owner, target.Addr.String())
				continue
			}
		}
		mergeGlue(next, msg.Extra, point.Owner, it.cfg.HardenGlue)
		it.cacheReferral(msg)
		point = next
	}
	return nil, ErrTooManyReferrals
}

// cacheReferral writes a referral's NS and glue records through to the
// RRset cache directly, so a later closestCachedDelegation lookup can
// resume below this zone cut without re-walking from the root (spec
// §4.6 INIT2, §4.2 "every RRset passing through the iterator is
// written through the RRset cache").
func (it *Iterator) cacheReferral(msg *dns.Msg) {
	rrsets, _, _, _ := splitIntoRRsets(msg)
	now := it.now().Unix()
	for _, rs := range rrsets {
		rs.TTL += now
		it.rrsets.Update(rs)
	}
}

func (it *Iterator) now() time.Time {
	if it.clk != nil {
		return it.clk.Now()
	}
	return time.Now()
}

// ensureTargets fills in missing target addresses for point, bounded
// by the target-fetch-policy entry for this referral depth (spec §4.6
// QUERYTARGETS, §6 target-fetch-policy).
func (it *Iterator) ensureTargets(ctx context.Context, point *delegation.Point, depth int) error {
	if point.HasUsableTarget(it.infra, it.cfg.UseIPv6, it.now(), it.denylist) {
		return nil
	}
	budget := 2
	if depth < len(it.cfg.TargetFetchPolicy) {
		budget = it.cfg.TargetFetchPolicy[depth]
	}
	for _, name := range point.MissingAddressNames() {
		if budget <= 0 {
			break
		}
		addrs, err := it.fetchTargetAddr(ctx, name)
		if err != nil || len(addrs) == 0 {
			continue
		}
		point.MergeAddresses(name, addrs)
		budget--
	}
	if !point.HasUsableTarget(it.infra, it.cfg.UseIPv6, it.now(), it.denylist) {
		return ErrNoUsableTarget
	}
	return nil
}

// closestCachedDelegation looks up the RRset cache for an NS RRset at
// or above qname, letting the iterator resume below a previously
// cached zone cut instead of always restarting at the root (spec §4.6
// INIT2: "begin from the closest delegation point in the cache").
func (it *Iterator) closestCachedDelegation(qname string) *delegation.Point {
	labels := dns.SplitDomainName(qname)
	for i := 0; i <= len(labels); i++ {
		owner := dns.Fqdn(joinTail(labels, i))
		rs := it.rrsets.Lookup(dnsutil.RRsetKey{Owner: owner, Type: dns.TypeNS, Class: dns.ClassINET})
		if rs == nil {
			continue
		}
		p := delegation.NewFromNSSet(owner, rs.RR)
		for _, name := range p.NSNames {
			for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
				if ars := it.rrsets.Lookup(dnsutil.RRsetKey{Owner: name, Type: t, Class: dns.ClassINET}); ars != nil {
					var ips []net.IP
					for _, rr := range ars.RR {
						switch r := rr.(type) {
						case *dns.A:
							ips = append(ips, r.A)
						case *dns.AAAA:
							ips = append(ips, r.AAAA)
						}
					}
					p.MergeAddresses(name, ips)
				}
			}
		}
		if p.HasUsableTarget(it.infra, it.cfg.UseIPv6, it.now(), it.denylist) {
			return p
		}
	}
	return nil
}

func joinTail(labels []string, skip int) string {
	out := ""
	for _, l := range labels[skip:] {
		out += l + "."
	}
	return out
}

func (it *Iterator) send(ctx context.Context, qi dnsutil.QueryInfo, flags uint16, point *delegation.Point, target *delegation.Target) (*dns.Msg, time.Duration, error) {
	point.MarkInFlight(target)
	m := new(dns.Msg)
	m.SetQuestion(qi.Name, qi.Type)
	m.Question[0].Qclass = qi.Class
	if it.cfg.UseDNSSEC {
		m.SetEdns0(it.ednsSize(), true)
	}

	useTCP := false
	msg, rtt, err := it.exch.Exchange(ctx, m, net.JoinHostPort(target.Addr.String(), "53"), useTCP)
	if err == dns.ErrTruncated || (msg != nil && msg.Truncated) {
		msg, rtt, err = it.exch.Exchange(ctx, m, net.JoinHostPort(target.Addr.String(), "53"), true)
	}
	return msg, rtt, err
}

func (it *Iterator) ednsSize() uint16 {
	if it.cfg.EDNSBufferSize == 0 {
		return 4096
	}
	return it.cfg.EDNSBufferSize
}

func referralOwner(ns []dns.RR) string {
	for _, rr := range ns {
		if n, ok := rr.(*dns.NS); ok {
			return n.Hdr.Name
		}
	}
	return ""
}

func checkBailiwick(msg *dns.Msg, zone string) error {
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if !dns.IsSubDomain(zone, rr.Header().Name) && zone != rr.Header().Name {
				return ErrOutOfBailiwick
			}
		}
	}
	return nil
}

// mergeGlue folds A/AAAA glue from a referral's additional section
// into p's target list. When harden is set (spec §6 harden-glue) only
// glue whose owner name is at or below zone is trusted, rejecting the
// classic glue-poisoning trick of an authoritative server stuffing
// addresses for names outside the zone it's authoritative for.
func mergeGlue(p *delegation.Point, extra []dns.RR, zone string, harden bool) {
	byName := make(map[string][]net.IP)
	for _, rr := range extra {
		switch r := rr.(type) {
		case *dns.A:
			name := dnsutil.CanonicalName(r.Hdr.Name)
			if harden && !dns.IsSubDomain(zone, name) && zone != name {
				continue
			}
			byName[name] = append(byName[name], r.A)
		case *dns.AAAA:
			name := dnsutil.CanonicalName(r.Hdr.Name)
			if harden && !dns.IsSubDomain(zone, name) && zone != name {
				continue
			}
			byName[name] = append(byName[name], r.AAAA)
		}
	}
	for name, addrs := range byName {
		p.MergeAddresses(name, addrs)
	}
}

// cnameChaseTarget reports the next name to query if msg's answer
// section ends in a CNAME whose owner matches qname but qtype wasn't
// CNAME itself (spec §4.6 FINISHED: "if a CNAME was left unresolved,
// restart iteration at its target").
func cnameChaseTarget(msg *dns.Msg, qname string, qtype uint16) (string, bool) {
	if qtype == dns.TypeCNAME || len(msg.Answer) == 0 {
		return "", false
	}
	last := msg.Answer[len(msg.Answer)-1]
	c, ok := last.(*dns.CNAME)
	if !ok {
		return "", false
	}
	if dnsutil.CanonicalName(c.Hdr.Name) != dnsutil.CanonicalName(qname) {
		return "", false
	}
	for _, rr := range msg.Answer {
		if rr.Header().Rrtype == qtype {
			return "", false
		}
	}
	return dnsutil.CanonicalName(c.Target), true
}

// splitIntoRRsets groups msg's sections into PackedRRsets with the
// trust levels spec §4.2's dominance rule expects (answer records from
// an authoritative, non-aa response trust lower than an AA one;
// authority/additional records trust lowest of all).
func splitIntoRRsets(msg *dns.Msg) (rrsets []*dnsutil.PackedRRset, answerLen, nsLen, addLen int) {
	group := func(section []dns.RR, trust dnsutil.TrustLevel) []*dnsutil.PackedRRset {
		byKey := make(map[dnsutil.RRsetKey]*dnsutil.PackedRRset)
		var order []dnsutil.RRsetKey
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if sig, ok := rr.(*dns.RRSIG); ok {
				k := dnsutil.RRsetKey{Owner: dnsutil.CanonicalName(sig.Hdr.Name), Type: sig.TypeCovered, Class: sig.Hdr.Class}
				if p, present := byKey[k]; present {
					p.Sigs = append(p.Sigs, sig)
				}
				continue
			}
			k := dnsutil.RRsetKey{Owner: dnsutil.CanonicalName(rr.Header().Name), Type: rr.Header().Rrtype, Class: rr.Header().Class}
			p, present := byKey[k]
			if !present {
				p = &dnsutil.PackedRRset{Key: k, Trust: trust, TTL: int64(rr.Header().Ttl)}
				byKey[k] = p
				order = append(order, k)
			}
			p.RR = append(p.RR, rr)
			if int64(rr.Header().Ttl) < p.TTL {
				p.TTL = int64(rr.Header().Ttl)
			}
		}
		out := make([]*dnsutil.PackedRRset, 0, len(order))
		for _, k := range order {
			out = append(out, byKey[k])
		}
		return out
	}

	answerTrust := dnsutil.TrustAnswerNonAA
	if msg.Authoritative {
		answerTrust = dnsutil.TrustAnswerAA
	}
	ans := group(msg.Answer, answerTrust)
	ns := group(msg.Ns, dnsutil.TrustAuthority)
	add := group(msg.Extra, dnsutil.TrustAdditionalAddress)

	rrsets = append(rrsets, ans...)
	rrsets = append(rrsets, ns...)
	rrsets = append(rrsets, add...)
	return rrsets, len(ans), len(ns), len(add)
}
