// Package dnsutil holds the data model shared by the cache, iterator,
// validator and pipeline packages: query fingerprints, packed RRsets,
// and assembled replies (spec §3).
package dnsutil

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// TrustLevel orders how much an RRset is to be believed, ascending.
// Used by the RRset cache's dominance rule (spec §4.2).
type TrustLevel int

const (
	TrustAdditionalNonAddress TrustLevel = iota
	TrustAdditionalAddress
	TrustAuthority
	TrustAnswerNonAA
	TrustAnswerAA
	TrustValidated
)

func (t TrustLevel) String() string {
	switch t {
	case TrustAdditionalNonAddress:
		return "additional-nonaddress"
	case TrustAdditionalAddress:
		return "additional-address"
	case TrustAuthority:
		return "authority"
	case TrustAnswerNonAA:
		return "answer"
	case TrustAnswerAA:
		return "answer-AA"
	case TrustValidated:
		return "validated"
	default:
		return "unknown"
	}
}

// SecurityStatus is the DNSSEC outcome of a reply or RRset (GLOSSARY).
type SecurityStatus int

const (
	SecurityIndeterminate SecurityStatus = iota
	SecurityInsecure
	SecurityBogus
	SecuritySecure
)

func (s SecurityStatus) String() string {
	switch s {
	case SecurityInsecure:
		return "insecure"
	case SecurityBogus:
		return "bogus"
	case SecuritySecure:
		return "secure"
	default:
		return "indeterminate"
	}
}

// RRsetFlags distinguishes the packed-RRset variants named in spec §3.
type RRsetFlags uint8

const (
	FlagNormal RRsetFlags = 1 << iota
	FlagNSECApex
	FlagSecurityChecked
)

// QueryInfo is the canonical (owner, type, class) tuple used as the
// primary cache key (spec §3).
type QueryInfo struct {
	Name  string // canonical (lowercased, fully qualified) wire-form owner name
	Type  uint16
	Class uint16
}

// CanonicalName lowercases and fully-qualifies name the way every
// cache key and wire comparison in this package expects.
func CanonicalName(name string) string {
	name = dns.Fqdn(name)
	return strings.ToLower(name)
}

// NewQueryInfo builds a QueryInfo with a canonicalized owner name.
func NewQueryInfo(name string, qtype, qclass uint16) QueryInfo {
	return QueryInfo{Name: CanonicalName(name), Type: qtype, Class: qclass}
}

// Fingerprint is the stable string key used by every cache and the
// pipeline's sub-query de-duplication map (spec §3, §4.8). It also
// encodes the flags word so a DO-bit query and a non-DO query for the
// same (owner, type, class) never collide (spec §3: "(query-info,
// flags) fingerprint").
func (q QueryInfo) Fingerprint(flags uint16) string {
	return fmt.Sprintf("%s/%d/%d/%04x", q.Name, q.Type, q.Class, flags)
}

func (q QueryInfo) String() string {
	return fmt.Sprintf("%s %s %s", q.Name, dns.ClassToString[q.Class], dns.TypeToString[q.Type])
}

// RRsetKey identifies a PackedRRset in the RRset cache: owner, type,
// class and flags (spec §3).
type RRsetKey struct {
	Owner string
	Type  uint16
	Class uint16
	Flags RRsetFlags
}

func (k RRsetKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%x", k.Owner, k.Type, k.Class, k.Flags)
}

// PackedRRset is the compact, cache-resident form of an RRset (spec §3).
// TTL is stored as an absolute wall-clock second count; Version is
// bumped on every mutating update so stale handles can be detected
// (spec §9: "(slot_index, version_id) handles").
type PackedRRset struct {
	Key     RRsetKey
	RR      []dns.RR
	Sigs    []*dns.RRSIG
	TTL     int64 // absolute UNIX seconds
	Trust   TrustLevel
	Secure  SecurityStatus
	Version uint64
}

// Expired reports whether the RRset's absolute TTL has passed now
// (spec §3 invariant: "Every cached reply whose absolute TTL <= now is
// treated as absent").
func (p *PackedRRset) Expired(now int64) bool {
	return p.TTL <= now
}

// ToRelative returns the records in this RRset with TTL made relative
// to now, the way a reply is exported to a client (spec §3).
func (p *PackedRRset) ToRelative(now int64) []dns.RR {
	out := make([]dns.RR, 0, len(p.RR)+len(p.Sigs))
	ttl := p.TTL - now
	if ttl < 0 {
		ttl = 0
	}
	for _, rr := range p.RR {
		c := dns.Copy(rr)
		c.Header().Ttl = uint32(ttl)
		out = append(out, c)
	}
	for _, s := range p.Sigs {
		c := dns.Copy(s).(*dns.RRSIG)
		c.Hdr.Ttl = uint32(ttl)
		out = append(out, c)
	}
	return out
}

// RRsetRef is a (slot, version) handle into the RRset cache, used by a
// message-cache entry's back-references (spec §3, §9).
type RRsetRef struct {
	Key     RRsetKey
	Version uint64
}

// ReplyInfo is the ordered, split RRset-reference form of a cached or
// in-flight reply (spec §3).
type ReplyInfo struct {
	RRsets      []RRsetRef
	AnswerLen   int
	NsLen       int
	AdditionLen int
	Flags       uint16
	TTL         int64 // absolute, minimum of all component RRsets
	StoredAt    int64 // absolute time the reply was written into the message cache
	Security    SecurityStatus
}

// NearExpiry reports whether, at now, r has entered the last fraction
// of its cached lifetime (spec §6 prefetch/prefetch-key: refresh a
// popular name before it goes cold rather than after it expires).
func (r *ReplyInfo) NearExpiry(now int64, fraction float64) bool {
	if r.TTL <= r.StoredAt {
		return false
	}
	lifetime := float64(r.TTL - r.StoredAt)
	elapsed := float64(now - r.StoredAt)
	return elapsed >= lifetime*(1-fraction)
}

// Rcode bits packed into Flags, mirroring how a DNS header's rcode is
// a 4-bit field alongside other bits (spec §3: "a flags word").
const (
	flagsRcodeMask = 0x0f
)

func NewFlags(rcode int, authoritative, truncated bool) uint16 {
	f := uint16(rcode) & flagsRcodeMask
	if authoritative {
		f |= 1 << 4
	}
	if truncated {
		f |= 1 << 5
	}
	return f
}

func (r *ReplyInfo) Rcode() int { return int(r.Flags & flagsRcodeMask) }
