// Package hints supplies the seed data the iterator and validator
// need before they can resolve anything: root nameserver hints and
// the root trust anchor. cmd/solvere and cmd/solvd in the teacher
// repo imported a sibling "hints" package for exactly this purpose,
// but that package was not present anywhere in the retrieved pack
// (and original_source kept zero files, so it could not be recovered
// from there either); this package fills the same role with
// compiled-in seed data: the published root server addresses and a
// placeholder root DS record.
package hints

import (
	"net"

	"github.com/miekg/dns"
)

// RootNameservers lists the addresses used to prime the root
// delegation point (spec §4.6 INIT: "arrange root priming"). These
// are the published IPv4 and IPv6 addresses of a.root-servers.net
// through m.root-servers.net, compiled in rather than read from a
// root hints file at startup, so a change to them needs a rebuild.
var RootNameservers = []dns.RR{
	mustA("a.root-servers.net.", "198.41.0.4"),
	mustA("b.root-servers.net.", "170.247.170.2"),
	mustA("c.root-servers.net.", "192.33.4.12"),
	mustA("d.root-servers.net.", "199.7.91.13"),
	mustA("e.root-servers.net.", "192.203.230.10"),
	mustA("f.root-servers.net.", "192.5.5.241"),
	mustA("g.root-servers.net.", "192.112.36.4"),
	mustA("h.root-servers.net.", "198.97.190.53"),
	mustA("i.root-servers.net.", "192.36.148.17"),
	mustA("j.root-servers.net.", "192.58.128.30"),
	mustA("k.root-servers.net.", "193.0.14.129"),
	mustA("l.root-servers.net.", "199.7.83.42"),
	mustA("m.root-servers.net.", "202.12.27.33"),

	mustAAAA("a.root-servers.net.", "2001:503:ba3e::2:30"),
	mustAAAA("b.root-servers.net.", "2801:1b8:10::b"),
	mustAAAA("c.root-servers.net.", "2001:500:2::c"),
	mustAAAA("d.root-servers.net.", "2001:500:2d::d"),
	mustAAAA("e.root-servers.net.", "2001:500:a8::e"),
	mustAAAA("f.root-servers.net.", "2001:500:2f::f"),
	mustAAAA("g.root-servers.net.", "2001:500:12::d0d"),
	mustAAAA("h.root-servers.net.", "2001:500:1::53"),
	mustAAAA("i.root-servers.net.", "2001:7fe::53"),
	mustAAAA("j.root-servers.net.", "2001:503:c27::2:30"),
	mustAAAA("k.root-servers.net.", "2001:7fd::1"),
	mustAAAA("l.root-servers.net.", "2001:500:9f::42"),
	mustAAAA("m.root-servers.net.", "2001:dc3::35"),
}

func mustA(name, addr string) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 3600000},
		A:   net.ParseIP(addr),
	}
}

func mustAAAA(name, addr string) *dns.AAAA {
	return &dns.AAAA{
		Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 3600000},
		AAAA: net.ParseIP(addr),
	}
}
