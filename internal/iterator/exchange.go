package iterator

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// NetExchanger is the real-network Exchanger, a thin wrapper over
// *dns.Client the way teacher's RecursiveResolver carried a single
// *dns.Client and called its Exchange method directly (resolver.go).
// Generalized here to take a context (for per-query cancellation from
// the pipeline's worker pool) and to dial over whichever network
// useTCP selects.
type NetExchanger struct {
	udp *dns.Client
	tcp *dns.Client
}

// NewNetExchanger builds a NetExchanger with the given per-query
// timeout applied to both the UDP and TCP clients.
func NewNetExchanger(timeout time.Duration) *NetExchanger {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NetExchanger{
		udp: &dns.Client{Net: "udp", Timeout: timeout},
		tcp: &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (n *NetExchanger) Exchange(ctx context.Context, msg *dns.Msg, addr string, useTCP bool) (*dns.Msg, time.Duration, error) {
	c := n.udp
	if useTCP {
		c = n.tcp
	}
	return c.ExchangeContext(ctx, msg, addr)
}
