package pipeline

import (
	"context"
	"time"

	"github.com/miekg/dns"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
)

// Handler adapts Server to dns.Handler, the way teacher's top-level
// handler function turned an incoming *dns.Msg into a recursiveResolve
// call and wrote the answer back out.
type Handler struct {
	Server  *Server
	Timeout time.Duration
}

func (h *Handler) timeout() time.Duration {
	if h.Timeout <= 0 {
		return 10 * time.Second
	}
	return h.Timeout
}

func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(r)
	reply.RecursionAvailable = true

	if len(r.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		w.WriteMsg(reply)
		return
	}
	q := r.Question[0]

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout())
	defer cancel()

	var flags uint16
	if opt := r.IsEdns0(); opt != nil && opt.Do() {
		flags |= 1 << 15
	}

	qi := dnsutil.NewQueryInfo(q.Name, q.Qtype, q.Qclass)
	answer, err := h.Server.Resolve(ctx, qi, flags)
	if err != nil {
		h.Server.log.WithError(err).WithField("qname", q.Name).Info("query failed")
		reply.Rcode = dns.RcodeServerFailure
		w.WriteMsg(reply)
		return
	}

	answer.Id = r.Id
	answer.Question = r.Question
	w.WriteMsg(answer)
}
