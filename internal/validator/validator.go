// Package validator implements the DNSSEC validation state machine
// (spec §4.7): INIT -> FINDKEY -> VALIDATE -> FINISHED. It walks a
// chain of trust from a configured anchor down to the signer of the
// RRset being validated, fetching DS/DNSKEY along the way, then
// verifies every RRSIG in the reply and any NSEC/NSEC3 denial proofs.
//
// The chain-walking and signature-checking logic is grounded in
// teacher's dnssec.go (checkDS, verifyRRSIG) and nsec.go
// (findClosestEncloser, verifyNODATA, verifyNameError), generalized
// from teacher's single-hop "parent DS set for the current referral"
// model into a full anchor-to-signer walk with a persistent key
// cache, since the spec requires caching intermediate zone cuts
// rather than re-deriving them on every query (spec §4.7 FINDKEY,
// §3 "Key entry").
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

var (
	ErrNoDNSKEY                 = errors.New("validator: no DNSKEY records found")
	ErrMissingKSK               = errors.New("validator: no KSK DNSKEY found for DS records")
	ErrFailedToConvertKSK       = errors.New("validator: failed to convert KSK DNSKEY record to DS record")
	ErrMismatchingDS            = errors.New("validator: KSK DNSKEY record does not match DS record from parent zone")
	ErrNoSignatures             = errors.New("validator: no RRSIG records for a zone that should be signed")
	ErrMissingDNSKEY            = errors.New("validator: no matching DNSKEY found for RRSIG records")
	ErrInvalidSignaturePeriod   = errors.New("validator: incorrect signature validity period")
	ErrUnsupportedAlgorithm     = errors.New("validator: unsupported DNSKEY/RRSIG algorithm")
	ErrExcessiveNSEC3Iterations = errors.New("validator: NSEC3 iteration count exceeds configured limit for key size")
)

// MsgSubtype classifies the message under validation (spec §4.7 INIT).
type MsgSubtype int

const (
	SubtypePositive MsgSubtype = iota
	SubtypeReferral
	SubtypeCNAME
	SubtypeNXDOMAIN
	SubtypeNODATA
	SubtypeCNAMENoAnswer
	SubtypeAny
)

func (s MsgSubtype) String() string {
	switch s {
	case SubtypePositive:
		return "positive"
	case SubtypeReferral:
		return "referral"
	case SubtypeCNAME:
		return "cname"
	case SubtypeNXDOMAIN:
		return "nxdomain"
	case SubtypeNODATA:
		return "nodata"
	case SubtypeCNAMENoAnswer:
		return "cname-noanswer"
	default:
		return "any"
	}
}

// State is a step of the validator's state machine.
type State int

const (
	StateInit State = iota
	StateFindKey
	StateValidate
	StateFinished
)

// Fetcher is the sub-query capability FINDKEY needs: fetching a
// zone's DNSKEY RRset (with its covering RRSIGs) and a zone's DS
// RRset as seen from its parent (spec §4.7: "dispatch a sub-query for
// DS (parent side) or DNSKEY (current side)"). The pipeline package
// implements this over its sub-query machinery; tests provide a fake.
type Fetcher interface {
	FetchDNSKEY(ctx context.Context, zone string) (keys []*dns.DNSKEY, sigs []*dns.RRSIG, err error)
	FetchDS(ctx context.Context, zone string) (ds []*dns.DS, nsec []dns.RR, err error)
}

// TrustAnchor is a (zone) -> (DNSKEY or DS set) entry trusted a priori
// (spec §3).
type TrustAnchor struct {
	Zone string
	DS   []*dns.DS
	Keys []*dns.DNSKEY
}

// AnchorPersister is the single piece of state the core writes back
// (spec §6: "only the auto-trust-anchor file ... is written back by
// the core"; spec §9 SUPPLEMENTED FEATURES: RFC 5011 key lifecycle
// persistence). The validator calls Save each time primeAnchor
// validates an anchored zone's DNSKEY set, whether or not the set
// changed. Saved keys reach the validator only through
// TrustAnchor.Keys, which primeAnchor consults only when the anchor
// has no DS records.
type AnchorPersister interface {
	Save(zone string, keys []*dns.DNSKEY) error
}

// Config bundles the validator's tunables (spec §6).
type Config struct {
	SigSkewMin      time.Duration
	SigSkewMax      time.Duration
	BogusTTL        time.Duration
	PermissiveMode  bool
	OverrideNow     func() time.Time // nil uses time.Now; set in tests for val-override-date
	NSEC3IterLimits NSEC3IterTable
	AnchorStore     AnchorPersister // nil disables persistence (spec §6 auto-trust-anchor-file)
}

// Validator runs the state machine of spec §4.7 over a KeyCache shared
// with the rest of the resolver.
type Validator struct {
	cfg     Config
	keys    *cache.KeyCache
	anchors map[string]*TrustAnchor
	log     *logrus.Entry
}

// New builds a Validator backed by keyCache and seeded with anchors.
func New(cfg Config, keyCache *cache.KeyCache, anchors []*TrustAnchor, log *logrus.Entry) *Validator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := make(map[string]*TrustAnchor, len(anchors))
	for _, a := range anchors {
		m[dnsutil.CanonicalName(a.Zone)] = a
	}
	return &Validator{cfg: cfg, keys: keyCache, anchors: m, log: log}
}

func (v *Validator) now() time.Time {
	if v.cfg.OverrideNow != nil {
		return v.cfg.OverrideNow()
	}
	return time.Now()
}

// closestAnchor returns the most specific configured trust anchor
// that is an ancestor of (or equal to) signer (spec §4.7 INIT:
// "Locate the most specific trust anchor ancestor of the signer").
func (v *Validator) closestAnchor(signer string) *TrustAnchor {
	signer = dnsutil.CanonicalName(signer)
	var best *TrustAnchor
	for _, a := range v.anchors {
		z := dnsutil.CanonicalName(a.Zone)
		if z != signer && !dns.IsSubDomain(z, signer) {
			continue
		}
		if best == nil || len(dnsutil.CanonicalName(best.Zone)) < len(z) {
			best = a
		}
	}
	return best
}

// zoneChain enumerates the zone-cut names from anchor down to and
// including signer, e.g. (".", "example.com.") -> [".", "com.",
// "example.com."].
func zoneChain(anchor, signer string) []string {
	anchor = dnsutil.CanonicalName(anchor)
	signer = dnsutil.CanonicalName(signer)
	if anchor == signer {
		return []string{anchor}
	}

	labels := dns.SplitDomainName(signer)
	anchorDepth := dns.CountLabel(anchor)
	signerDepth := dns.CountLabel(signer)

	var chain []string
	for n := anchorDepth; n <= signerDepth; n++ {
		chain = append(chain, dns.Fqdn(strings.Join(labels[len(labels)-n:], ".")))
	}
	return chain
}

// FindKey walks from the closest trust anchor down to signer,
// populating the key cache at every zone cut along the way, and
// returns the resulting entry for signer (spec §4.7 FINDKEY).
func (v *Validator) FindKey(ctx context.Context, signer string, fetch Fetcher) (*cache.KeyEntry, error) {
	signer = dnsutil.CanonicalName(signer)

	anchor := v.closestAnchor(signer)
	if anchor == nil {
		// No configured anchor covers this name: nothing to validate
		// against, so the name is treated as insecure rather than bogus.
		return &cache.KeyEntry{Zone: signer, Kind: cache.KeyEntryInsecure}, nil
	}

	chain := zoneChain(anchor.Zone, signer)
	var parent *cache.KeyEntry
	for i, zone := range chain {
		if ke := v.keys.Lookup(zone); ke != nil {
			parent = ke
			continue
		}

		var ke *cache.KeyEntry
		var err error
		if i == 0 {
			ke, err = v.primeAnchor(ctx, anchor, fetch)
		} else {
			ke, err = v.descend(ctx, zone, parent, fetch)
		}
		if err != nil {
			v.log.WithError(err).WithField("zone", zone).Warn("dnssec chain validation failed")
			v.keys.StoreNull(zone)
			return v.keys.Lookup(zone), err
		}
		parent = ke
	}
	return parent, nil
}

// primeAnchor verifies the trust anchor zone's own DNSKEY set against
// its configured DS/DNSKEY and caches the result.
func (v *Validator) primeAnchor(ctx context.Context, anchor *TrustAnchor, fetch Fetcher) (*cache.KeyEntry, error) {
	keys, sigs, err := fetch.FetchDNSKEY(ctx, anchor.Zone)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoDNSKEY
	}
	keyMap := keyMapOf(keys)

	if len(anchor.DS) > 0 {
		if err := checkDS(keyMap, anchor.DS); err != nil {
			return nil, err
		}
	} else if len(anchor.Keys) > 0 {
		if !anyKeyMatches(keys, anchor.Keys) {
			return nil, ErrMismatchingDS
		}
	}

	if err := verifyRRSIGSet(keys, sigs, keyMap, anchor.Zone, v.cfg.SigSkewMin, v.cfg.SigSkewMax, v.now()); err != nil {
		return nil, err
	}

	ttl := minKeyTTL(keys)
	v.keys.StoreKeys(anchor.Zone, keys, ttl)
	if v.cfg.AnchorStore != nil {
		if err := v.cfg.AnchorStore.Save(anchor.Zone, keys); err != nil {
			v.log.WithError(err).WithField("zone", anchor.Zone).Warn("failed to persist trust anchor")
		}
	}
	return v.keys.Lookup(anchor.Zone), nil
}

// descend validates zone's DNSKEY set using its parent's validated
// key entry and a freshly fetched DS set, or proves zone insecure via
// an NSEC/NSEC3 no-DS proof (spec §4.7: "On failure, descend no
// further: ... insecure if an NSEC/NSEC3 proof of no-DS validates").
func (v *Validator) descend(ctx context.Context, zone string, parent *cache.KeyEntry, fetch Fetcher) (*cache.KeyEntry, error) {
	if parent == nil || parent.Kind == cache.KeyEntryNull {
		return nil, ErrNoDNSKEY
	}
	if parent.Kind == cache.KeyEntryInsecure {
		v.keys.StoreInsecure(zone, int64(v.cfg.BogusTTL.Seconds()))
		return v.keys.Lookup(zone), nil
	}

	ds, nsec, err := fetch.FetchDS(ctx, zone)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		// Proved-insecure path: an NSEC/NSEC3 proof of no-DS must
		// validate, otherwise this is bogus.
		if err := verifyNoDSProof(zone, nsec); err != nil {
			return nil, err
		}
		v.keys.StoreInsecure(zone, int64(v.cfg.BogusTTL.Seconds()))
		return v.keys.Lookup(zone), nil
	}

	keys, sigs, err := fetch.FetchDNSKEY(ctx, zone)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNoDNSKEY
	}
	keyMap := keyMapOf(keys)
	if err := checkDS(keyMap, ds); err != nil {
		return nil, err
	}
	if err := verifyRRSIGSet(keys, sigs, keyMap, zone, v.cfg.SigSkewMin, v.cfg.SigSkewMax, v.now()); err != nil {
		return nil, err
	}

	ttl := minKeyTTL(keys)
	v.keys.StoreKeys(zone, keys, ttl)
	return v.keys.Lookup(zone), nil
}

// Validate requires, for every RRset in set, at least one RRSIG that
// verifies against the key entry for signer (spec §4.7 VALIDATE).
// Negative subtypes additionally require a valid NSEC/NSEC3 proof,
// checked by the caller via ValidateNegative since the applicable
// qname/qtype vary by subtype.
func (v *Validator) Validate(set []*dnsutil.PackedRRset, signer string, ke *cache.KeyEntry) dnsutil.SecurityStatus {
	if ke == nil || ke.Kind == cache.KeyEntryNull {
		return dnsutil.SecurityBogus
	}
	if ke.Kind == cache.KeyEntryInsecure {
		return dnsutil.SecurityInsecure
	}

	keyMap := keyMapOf(ke.Keys)
	now := v.now()
	for _, rs := range set {
		if len(rs.Sigs) == 0 {
			return dnsutil.SecurityBogus
		}
		ok := false
		for _, sig := range rs.Sigs {
			if dnsutil.CanonicalName(sig.SignerName) != dnsutil.CanonicalName(signer) {
				continue
			}
			k, present := keyMap[sig.KeyTag]
			if !present {
				continue
			}
			if !supportedAlgorithm(sig.Algorithm) {
				continue
			}
			if err := sig.Verify(k, rs.RR); err != nil {
				continue
			}
			if !withinSkew(sig, now, v.cfg.SigSkewMin, v.cfg.SigSkewMax) {
				continue
			}
			ok = true
			break
		}
		if !ok {
			return dnsutil.SecurityBogus
		}
	}
	return dnsutil.SecuritySecure
}

// ValidateNegative proves a negative response (NXDOMAIN or NODATA) via
// the NSEC/NSEC3 closure proof in denial, chained to ke, the key entry
// for the proof's signer (spec §4.7 VALIDATE: "Negative proofs ...
// require an NSEC or NSEC3 closure proof over the correct names").
//
// An NSEC3 proof whose iteration count exceeds the configured ceiling
// for ke's smallest key is treated as insecure rather than bogus,
// exactly as spec §4.7 directs for the DoS guard: "to avoid DoS via
// expensive hashing" the proof is simply not trusted, not rejected as
// an attack.
func (v *Validator) ValidateNegative(qi dnsutil.QueryInfo, subtype MsgSubtype, denial []dns.RR, ke *cache.KeyEntry) dnsutil.SecurityStatus {
	if ke == nil || ke.Kind == cache.KeyEntryNull {
		return dnsutil.SecurityBogus
	}
	if ke.Kind == cache.KeyEntryInsecure {
		return dnsutil.SecurityInsecure
	}
	if len(denial) == 0 {
		return dnsutil.SecurityBogus
	}

	if exceeded := v.nsec3IterationsExceeded(denial, ke); exceeded {
		return dnsutil.SecurityInsecure
	}

	var err error
	switch subtype {
	case SubtypeNXDOMAIN:
		err = verifyNameError(&qi, denial)
	default:
		err = verifyNODATA(&qi, denial)
	}
	if err != nil {
		v.log.WithError(err).WithField("qname", qi.Name).WithField("subtype", subtype).Debug("negative proof failed")
		return dnsutil.SecurityBogus
	}
	return dnsutil.SecuritySecure
}

// nsec3IterationsExceeded reports whether any NSEC3 record in denial
// exceeds the configured iteration ceiling for ke's smallest key.
func (v *Validator) nsec3IterationsExceeded(denial []dns.RR, ke *cache.KeyEntry) bool {
	if len(v.cfg.NSEC3IterLimits) == 0 {
		return false
	}
	keySize := minKeySizeBits(ke.Keys)
	for _, rr := range denial {
		n3, ok := rr.(*dns.NSEC3)
		if !ok {
			continue
		}
		if err := v.cfg.NSEC3IterLimits.CheckIterations(n3, keySize); err != nil {
			return true
		}
	}
	return false
}

// Finish applies the FINISHED step's client-facing downgrade (spec
// §4.7): in permissive_mode, a bogus result is surfaced to the client
// as indeterminate but never cached as secure.
func (v *Validator) Finish(status dnsutil.SecurityStatus) (clientFacing dnsutil.SecurityStatus, cacheable dnsutil.SecurityStatus) {
	if status == dnsutil.SecurityBogus && v.cfg.PermissiveMode {
		return dnsutil.SecurityIndeterminate, dnsutil.SecurityBogus
	}
	return status, status
}

func keyMapOf(keys []*dns.DNSKEY) map[uint16]*dns.DNSKEY {
	m := make(map[uint16]*dns.DNSKEY, len(keys))
	for _, k := range keys {
		if k.Flags == 256 || k.Flags == 257 {
			m[k.KeyTag()] = k
		}
	}
	return m
}

func anyKeyMatches(keys []*dns.DNSKEY, trusted []*dns.DNSKEY) bool {
	for _, k := range keys {
		for _, t := range trusted {
			if k.KeyTag() == t.KeyTag() && k.PublicKey == t.PublicKey {
				return true
			}
		}
	}
	return false
}

// checkDS verifies that at least one DS in parentDSSet matches a KSK
// in keyMap by algorithm and digest (grounded in teacher's
// dnssec.go:checkDS).
func checkDS(keyMap map[uint16]*dns.DNSKEY, parentDSSet []*dns.DS) error {
	for _, parentDS := range parentDSSet {
		ksk, present := keyMap[parentDS.KeyTag]
		if !present {
			continue
		}
		ds := ksk.ToDS(parentDS.DigestType)
		if ds == nil {
			return ErrFailedToConvertKSK
		}
		if !equalFold(ds.Digest, parentDS.Digest) {
			continue
		}
		return nil
	}
	return ErrMissingKSK
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// verifyRRSIGSet verifies every RRSIG covering rrset using keyMap,
// requiring the signer to match zone and the validity period to
// cover now within the configured clock-skew tolerance (grounded in
// teacher's dnssec.go:verifyRRSIG, generalized with the sig-skew
// parameters spec §6 names explicitly).
func verifyRRSIGSet(rrset []*dns.DNSKEY, sigs []*dns.RRSIG, keyMap map[uint16]*dns.DNSKEY, zone string, skewMin, skewMax time.Duration, now time.Time) error {
	if len(sigs) == 0 {
		return ErrNoSignatures
	}
	rrs := make([]dns.RR, len(rrset))
	for i, k := range rrset {
		rrs[i] = k
	}
	ok := false
	for _, sig := range sigs {
		if dnsutil.CanonicalName(sig.SignerName) != dnsutil.CanonicalName(zone) {
			continue
		}
		k, present := keyMap[sig.KeyTag]
		if !present {
			continue
		}
		if !supportedAlgorithm(sig.Algorithm) {
			continue
		}
		if err := sig.Verify(k, rrs); err != nil {
			continue
		}
		if !withinSkew(sig, now, skewMin, skewMax) {
			continue
		}
		ok = true
		break
	}
	if !ok {
		return ErrInvalidSignaturePeriod
	}
	return nil
}

// withinSkew reports whether now falls inside the signature's validity
// window widened by the configured skew (spec §4.7: "inception <= now
// + val_sig_skew_min, expiration >= now - val_sig_skew_max"), i.e. now
// must be no more than skewMin early or skewMax late relative to the
// unwidened [inception, expiration] interval.
func withinSkew(sig *dns.RRSIG, now time.Time, skewMin, skewMax time.Duration) bool {
	return int64(sig.Inception) <= now.Add(skewMin).Unix() && int64(sig.Expiration) >= now.Add(-skewMax).Unix()
}

func supportedAlgorithm(alg uint8) bool {
	switch alg {
	case dns.RSASHA1, dns.RSASHA1NSEC3SHA1, dns.RSASHA256, dns.RSASHA512,
		dns.ECDSAP256SHA256, dns.ECDSAP384SHA384, dns.ED25519:
		return true
	default:
		return false
	}
}

func minKeyTTL(keys []*dns.DNSKEY) int64 {
	var min uint32
	for i, k := range keys {
		if i == 0 || k.Hdr.Ttl < min {
			min = k.Hdr.Ttl
		}
	}
	if min == 0 {
		min = 3600
	}
	return int64(min)
}

// verifyNoDSProof proves no DS exists at zone using an NSEC or NSEC3
// denial set (RFC 5155 §8.6, reusing the same encloser/coverer
// machinery as NXDOMAIN/NODATA proofs).
func verifyNoDSProof(zone string, denial []dns.RR) error {
	if len(denial) == 0 {
		return fmt.Errorf("%w: no NSEC/NSEC3 records to prove zone %q insecure", ErrMissingDNSKEY, zone)
	}
	return verifyNODATA(&dnsutil.QueryInfo{Name: zone, Type: dns.TypeDS}, denial)
}
