package delegation

import (
	"fmt"
	"net"
)

// Denylist is the set of upstream addresses the iterator must never
// select as a query target (spec §6 do-not-query-address,
// do-not-query-localhost). A query whose only targets are denylisted
// fails with the same ErrNoUsableTarget as one whose targets are all
// unusable for other reasons; no separate policy-failure result is
// produced.
type Denylist struct {
	nets      []*net.IPNet
	localhost bool
}

// NewDenylist parses cidrs (bare IPs or CIDR blocks, as do-not-query-address
// accepts either in practice) into a Denylist. denyLocalhost additionally
// excludes loopback addresses, the way do-not-query-localhost defaults to
// true so a resolver never queries itself as an upstream.
func NewDenylist(cidrs []string, denyLocalhost bool) (*Denylist, error) {
	d := &Denylist{localhost: denyLocalhost}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			d.nets = append(d.nets, n)
			continue
		}
		ip := net.ParseIP(c)
		if ip == nil {
			return nil, fmt.Errorf("delegation: invalid do-not-query-address %q", c)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		d.nets = append(d.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return d, nil
}

// Denied reports whether ip must not be queried. A nil Denylist denies
// nothing, so callers that never configured one need no nil check.
func (d *Denylist) Denied(ip net.IP) bool {
	if d == nil || ip == nil {
		return false
	}
	if d.localhost && ip.IsLoopback() {
		return true
	}
	for _, n := range d.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
