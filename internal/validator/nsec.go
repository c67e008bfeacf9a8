package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// NSEC/NSEC3 denial-of-existence proof checking, adapted from
// teacher's nsec.go to operate on dnsutil.QueryInfo and to feed the
// FINDKEY no-DS proof in validator.go as well as VALIDATE's negative
// subtypes (spec §4.7 VALIDATE: "NXDOMAIN/NODATA additionally require
// a valid NSEC/NSEC3 proof").
var (
	ErrNSECMismatch         = errors.New("validator: NSEC record doesn't match question")
	ErrNSECTypeExists       = errors.New("validator: NSEC record shows question type exists")
	ErrNSECMultipleCoverage = errors.New("validator: multiple NSEC records cover next closer/source of synthesis")
	ErrNSECMissingCoverage  = errors.New("validator: NSEC record missing for expected encloser")
	ErrNSECBadDelegation    = errors.New("validator: DS or SOA bit set in NSEC type map")
	ErrNSECNSMissing        = errors.New("validator: NS bit not set in NSEC type map")
)

func typesSet(set []uint16, types ...uint16) bool {
	tm := make(map[uint16]struct{}, len(types))
	for _, t := range types {
		tm[t] = struct{}{}
	}
	for _, t := range set {
		if _, present := tm[t]; present {
			return true
		}
	}
	return false
}

func asDenialer(rr dns.RR) dns.Denialer {
	switch ns := rr.(type) {
	case *dns.NSEC:
		return dns.Denialer(ns)
	case *dns.NSEC3:
		return dns.Denialer(ns)
	default:
		return nil
	}
}

func typeBitMap(rr dns.RR) []uint16 {
	switch ns := rr.(type) {
	case *dns.NSEC:
		return ns.TypeBitMap
	case *dns.NSEC3:
		return ns.TypeBitMap
	default:
		return nil
	}
}

// findClosestEncloser finds the Closest Encloser and Next Closer names
// for name in a set of NSEC/NSEC3 records (RFC 5155 §8.3).
func findClosestEncloser(name string, nsec []dns.RR) (ce, nc string) {
	labelIndices := dns.Split(name)
	for i := 0; i < len(labelIndices); i++ {
		z := name[labelIndices[i]:]
		for _, rr := range nsec {
			n := asDenialer(rr)
			if n == nil {
				continue
			}
			if n.Match(z) {
				ce = z
				if i == 0 {
					nc = name
				} else {
					nc = name[labelIndices[i-1]:]
				}
				return ce, nc
			}
		}
	}
	return "", ""
}

func findMatching(name string, nsec []dns.RR) ([]uint16, error) {
	var types []uint16
	var found bool
	for _, rr := range nsec {
		n := asDenialer(rr)
		if n == nil {
			continue
		}
		if n.Match(name) {
			if found {
				return nil, ErrNSECMultipleCoverage
			}
			types = typeBitMap(rr)
			found = true
		}
	}
	if !found {
		return nil, ErrNSECMissingCoverage
	}
	return types, nil
}

func findCoverer(name string, nsec []dns.RR) ([]uint16, error) {
	var types []uint16
	var found bool
	for _, rr := range nsec {
		n := asDenialer(rr)
		if n == nil {
			continue
		}
		if n.Cover(name) {
			if found {
				return nil, ErrNSECMultipleCoverage
			}
			types = typeBitMap(rr)
			found = true
		}
	}
	if !found {
		return nil, ErrNSECMissingCoverage
	}
	return types, nil
}

// verifyNameError proves qi.Name does not exist (RFC 5155 §8.4).
func verifyNameError(qi *dnsutil.QueryInfo, nsec []dns.RR) error {
	ce, nc := findClosestEncloser(qi.Name, nsec)
	if ce == "" {
		return ErrNSECMissingCoverage
	}
	if _, err := findCoverer(nc, nsec); err != nil {
		return err
	}
	if _, err := findCoverer(fmt.Sprintf("*.%s", ce), nsec); err != nil {
		return err
	}
	return nil
}

// verifyNODATA proves qi.Name exists but has no RRset of qi.Type (RFC
// 5155 §8.5), including the DS-specific no-delegation case (§8.6)
// FINDKEY reuses to prove a zone cut is insecure.
func verifyNODATA(qi *dnsutil.QueryInfo, nsec []dns.RR) error {
	types, err := findMatching(qi.Name, nsec)
	if err == nil {
		if typesSet(types, qi.Type, dns.TypeCNAME) {
			return ErrNSECTypeExists
		}
		if strings.HasPrefix(qi.Name, "*.") {
			ce, _ := findClosestEncloser(qi.Name, nsec)
			if ce == "" {
				return ErrNSECMissingCoverage
			}
			matchTypes, err := findMatching(fmt.Sprintf("*.%s", ce), nsec)
			if err != nil {
				return err
			}
			if typesSet(matchTypes, qi.Type, dns.TypeCNAME) {
				return ErrNSECTypeExists
			}
		}
		return nil
	}

	if qi.Type != dns.TypeDS {
		return err
	}

	ce, nc := findClosestEncloser(qi.Name, nsec)
	if ce == "" {
		return ErrNSECMissingCoverage
	}
	if _, err := findCoverer(nc, nsec); err != nil {
		return err
	}
	// opt-out NSEC3 records are accepted as-is: a resolver cannot
	// distinguish a missing from an opted-out delegation without
	// additional context the caller doesn't have here.
	return nil
}

// VerifyDelegation proves a referral at delegation is unsigned
// (RFC 5155 §8.9), used by the iterator when harden-referral-path
// is enabled.
func VerifyDelegation(delegation string, nsec []dns.RR) error {
	types, err := findMatching(delegation, nsec)
	if err != nil {
		ce, nc := findClosestEncloser(delegation, nsec)
		if ce == "" {
			return ErrNSECMissingCoverage
		}
		if _, err := findCoverer(nc, nsec); err != nil {
			return err
		}
		return nil
	}
	if !typesSet(types, dns.TypeNS) {
		return ErrNSECNSMissing
	}
	if typesSet(types, dns.TypeDS, dns.TypeSOA) {
		return ErrNSECBadDelegation
	}
	return nil
}
