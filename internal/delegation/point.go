// Package delegation implements the in-flight zone-cut state used by
// the iterator while it chases a referral chain (spec §4.5).
package delegation

import (
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// TargetStatus is the per-address state tracked for each NS name's
// resolved addresses (spec §3).
type TargetStatus int

const (
	StatusUnused TargetStatus = iota
	StatusInFlight
	StatusProbedGood
	StatusProbedBad
	StatusBlacklisted
)

// Target is one resolved address for an NS name, with its current
// probe status (spec §3).
type Target struct {
	Addr             net.IP
	Name             string // the NS name this address belongs to
	Status           TargetStatus
	BlacklistedUntil time.Time
}

// Point is the delegation point: the owner name of the zone cut, the
// NS names at that cut, and their resolved addresses (spec §3, §4.5).
type Point struct {
	Owner   string
	NSNames []string
	Targets []*Target
}

// NewFromNSSet constructs a delegation point from a cached NS RRset
// (spec §4.5: "construct from a cached NS RRset"). Only the NS records
// in ns are used; the target list starts empty and is filled with
// MergeAddresses.
func NewFromNSSet(owner string, ns []dns.RR) *Point {
	p := &Point{Owner: dnsutil.CanonicalName(owner)}
	seen := make(map[string]bool)
	for _, rr := range ns {
		if n, ok := rr.(*dns.NS); ok {
			name := dnsutil.CanonicalName(n.Ns)
			if !seen[name] {
				seen[name] = true
				p.NSNames = append(p.NSNames, name)
			}
		}
	}
	return p
}

// MergeAddresses merges A/AAAA records found in the RRset cache (or a
// referral's additional section) for nsName into the delegation
// point's target list (spec §4.5: "merge A/AAAA records found in the
// RRset cache for each NS").
func (p *Point) MergeAddresses(nsName string, addrs []net.IP) {
	nsName = dnsutil.CanonicalName(nsName)
	existing := make(map[string]bool, len(p.Targets))
	for _, t := range p.Targets {
		if t.Name == nsName {
			existing[t.Addr.String()] = true
		}
	}
	for _, a := range addrs {
		if existing[a.String()] {
			continue
		}
		p.Targets = append(p.Targets, &Target{Addr: a, Name: nsName, Status: StatusUnused})
	}
}

// MissingAddressNames returns the NS names that have no resolved
// address yet, for the iterator to issue target (A/AAAA) sub-queries
// against, bounded by target_fetch_policy[depth] (spec §4.6).
func (p *Point) MissingAddressNames() []string {
	have := make(map[string]bool)
	for _, t := range p.Targets {
		have[t.Name] = true
	}
	var missing []string
	for _, n := range p.NSNames {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// MarkInFlight transitions target to the in-flight state.
func (p *Point) MarkInFlight(t *Target) { t.Status = StatusInFlight }

// MarkGood records a successful exchange with target.
func (p *Point) MarkGood(t *Target) { t.Status = StatusProbedGood }

// MarkBad records a failed exchange with target, blacklisting it
// until until (spec §3: "blacklisted-until(t)").
func (p *Point) MarkBad(t *Target, until time.Time) {
	t.Status = StatusProbedBad
	t.BlacklistedUntil = until
}

// HasUsableTarget reports whether any target is eligible for
// selection right now (spec §4.6: "no usable target address").
func (p *Point) HasUsableTarget(infra *cache.InfraCache, useIPv6 bool, now time.Time, deny *Denylist) bool {
	return p.SelectTarget(infra, useIPv6, now, deny) != nil
}

// SelectTarget applies the deterministic tie-break policy of spec
// §4.5: lowest RTT first; among ties prefer IPv6 (if enabled);
// among ties, lexicographic address order. Targets currently
// in-flight, blacklisted, denylisted (spec §6 do-not-query-address,
// do-not-query-localhost), or with >=3 recent infra-cache failures
// are skipped.
func (p *Point) SelectTarget(infra *cache.InfraCache, useIPv6 bool, now time.Time, deny *Denylist) *Target {
	var candidates []*Target
	for _, t := range p.Targets {
		switch t.Status {
		case StatusInFlight:
			continue
		case StatusBlacklisted, StatusProbedBad:
			if now.Before(t.BlacklistedUntil) {
				continue
			}
		}
		if !useIPv6 && t.Addr.To4() == nil {
			continue
		}
		if deny.Denied(t.Addr) {
			continue
		}
		if infra != nil && !infra.Usable(p.Owner, t.Addr.String()) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	rtt := func(t *Target) time.Duration {
		if infra == nil {
			return cache.SeedRTT
		}
		return infra.RTT(p.Owner, t.Addr.String())
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rtt(candidates[i]), rtt(candidates[j])
		if ri != rj {
			return ri < rj
		}
		iv6i := candidates[i].Addr.To4() == nil
		iv6j := candidates[j].Addr.To4() == nil
		if iv6i != iv6j && useIPv6 {
			return iv6i // prefer IPv6 (To4() == nil) when enabled
		}
		return candidates[i].Addr.String() < candidates[j].Addr.String()
	})
	return candidates[0]
}

// StrictlyBelow reports whether child is a strict descendant of
// parent's owner name, the loop-prevention check used when building a
// new delegation point from a referral (spec §4.6, §9 open question:
// equality is treated as "throwaway", not as a valid descent).
func StrictlyBelow(parentOwner, childOwner string) bool {
	parentOwner = dnsutil.CanonicalName(parentOwner)
	childOwner = dnsutil.CanonicalName(childOwner)
	if parentOwner == childOwner {
		return false
	}
	return dns.IsSubDomain(parentOwner, childOwner)
}
