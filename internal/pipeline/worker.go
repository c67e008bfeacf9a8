package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rolandshoemaker/recursor/internal/dnsutil"
	"github.com/rolandshoemaker/recursor/internal/validator"
)

// Config bounds the worker pool (spec §4.8, §9): how many event-loop
// workers run concurrently, how deep the job queue is allowed to
// build up, and how long a query may sit in the jostle list before
// it becomes eligible for eviction.
type Config struct {
	Workers       int
	QueueDepth    int
	JostleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.JostleTimeout <= 0 {
		c.JostleTimeout = 2 * time.Second
	}
	return c
}

type job struct {
	ctx    context.Context
	qi     dnsutil.QueryInfo
	flags  uint16
	result chan<- jobResult
}

type jobResult struct {
	msg *dns.Msg
	err error
}

// Server is the pipeline's worker pool: a small fixed number of
// single-threaded event-loop goroutines (spec §9's "worker" concept),
// each pulling jobs off a shared queue, de-duplicating identical
// in-flight sub-queries via singleflight, and bounding the number of
// queries held at once via the jostle list.
type Server struct {
	env     *ModuleEnv
	cfg     Config
	fetcher *iteratorFetcher
	jostle  *jostleList
	sf      singleflight.Group
	jobs    chan job
	log     *logrus.Entry
}

// NewServer builds a pipeline Server wired to env.
func NewServer(env *ModuleEnv, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		env:     env,
		cfg:     cfg,
		fetcher: newIteratorFetcher(env),
		jostle:  newJostleList(cfg.QueueDepth, cfg.JostleTimeout, env.clk()),
		jobs:    make(chan job, cfg.QueueDepth),
		log:     env.logger(),
	}
}

// Run launches the configured number of workers and blocks until ctx
// is cancelled or a worker returns an unrecoverable error.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return s.runWorker(ctx, id)
		})
	}
	return g.Wait()
}

func (s *Server) runWorker(ctx context.Context, id int) error {
	log := s.log.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-s.jobs:
			if !ok {
				return nil
			}
			msg, err := s.resolve(j.ctx, j.qi, j.flags)
			if err != nil {
				log.WithError(err).WithField("qname", j.qi.Name).Debug("resolve failed")
			}
			j.result <- jobResult{msg: msg, err: err}
		}
	}
}

// Resolve enqueues (qi, flags) for a worker and blocks for the answer.
// It is the synchronous entry point a dns.Handler calls per incoming
// client query.
func (s *Server) Resolve(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dns.Msg, error) {
	result := make(chan jobResult, 1)
	select {
	case s.jobs <- job{ctx: ctx, qi: qi, flags: flags, result: result}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-result:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve runs one query to completion: de-duplicate against any
// identical in-flight sub-query, admit it onto the jostle list,
// iteratively resolve it, validate every resulting RRset, and
// assemble the client-facing dns.Msg.
func (s *Server) resolve(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dns.Msg, error) {
	key := qi.Fingerprint(flags)

	admitted, evicted := s.jostle.Admit(key)
	if !admitted {
		return nil, fmt.Errorf("pipeline: jostle list full, rejecting %s", qi)
	}
	if evicted != "" {
		s.log.WithField("evicted", evicted).Debug("jostled query out to admit new one")
	}
	defer s.jostle.Done(key)

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		return s.resolveOnce(ctx, qi, flags)
	})
	if err != nil {
		return nil, err
	}
	return v.(*dns.Msg), nil
}

func (s *Server) resolveOnce(ctx context.Context, qi dnsutil.QueryInfo, flags uint16) (*dns.Msg, error) {
	tr := trace.New("resolver.query", qi.String())
	defer tr.Finish()

	ri, rrsets, err := s.env.Iterator.Resolve(ctx, qi, flags)
	if err != nil {
		tr.LazyPrintf("iterator failed: %v", err)
		tr.SetError()
		return nil, err
	}
	tr.LazyPrintf("resolved rcode=%d answer=%d ns=%d extra=%d", ri.Rcode(), ri.AnswerLen, ri.NsLen, ri.AdditionLen)

	security := s.validateAll(ctx, qi, ri, rrsets)
	clientFacing := security
	if s.env.Validator != nil {
		clientFacing, _ = s.env.Validator.Finish(security)
	}
	tr.LazyPrintf("security=%s client-facing=%s", security, clientFacing)

	now := s.env.clk().Now().Unix()
	m := new(dns.Msg)
	m.Question = []dns.Question{{Name: qi.Name, Qtype: qi.Type, Qclass: qi.Class}}
	m.Rcode = ri.Rcode()
	m.Response = true
	m.RecursionAvailable = true
	if clientFacing == dnsutil.SecurityBogus {
		m.Rcode = dns.RcodeServerFailure
	}

	var i int
	appendSection := func(n int) []dns.RR {
		var out []dns.RR
		for ; i < len(rrsets) && n > 0; i++ {
			out = append(out, rrsets[i].ToRelative(now)...)
			n--
		}
		return out
	}
	m.Answer = appendSection(ri.AnswerLen)
	m.Ns = appendSection(ri.NsLen)
	m.Extra = appendSection(ri.AdditionLen)
	return m, nil
}

// validateAll runs the DNSSEC state machine over a reply, folding the
// individual outcomes down to a single worst-case status the way a
// resolver reports a reply's overall security (spec §4.7, §8). A
// positive answer validates each signed RRset independently; a
// negative response (NXDOMAIN or NODATA; spec §4.7 INIT classifies
// the message subtype before VALIDATE runs) instead requires an
// NSEC/NSEC3 closure proof over the authority section.
func (s *Server) validateAll(ctx context.Context, qi dnsutil.QueryInfo, ri *dnsutil.ReplyInfo, rrsets []*dnsutil.PackedRRset) dnsutil.SecurityStatus {
	if s.env.Validator == nil {
		return dnsutil.SecurityIndeterminate
	}

	if ri.AnswerLen == 0 {
		return s.validateNegative(ctx, qi, ri, rrsets)
	}

	worst := dnsutil.SecurityIndeterminate
	for _, rs := range rrsets[:ri.AnswerLen] {
		if len(rs.Sigs) == 0 {
			continue
		}
		signer := rs.Sigs[0].SignerName
		ke, err := s.env.Validator.FindKey(ctx, signer, s.fetcher)
		if err != nil {
			worst = worsen(worst, dnsutil.SecurityBogus)
			continue
		}
		status := s.env.Validator.Validate([]*dnsutil.PackedRRset{rs}, signer, ke)
		worst = worsen(worst, status)
	}
	return worst
}

// validateNegative proves an NXDOMAIN or NODATA response using the
// NSEC/NSEC3 records in the reply's authority section (spec §4.7
// VALIDATE: "Negative proofs ... require an NSEC or NSEC3 closure
// proof over the correct names"). If the reply carries no denial
// RRset at all the result is indeterminate -- the zone may simply be
// unsigned, which FINDKEY's own insecure-delegation proof already
// covers for the chain as a whole.
func (s *Server) validateNegative(ctx context.Context, qi dnsutil.QueryInfo, ri *dnsutil.ReplyInfo, rrsets []*dnsutil.PackedRRset) dnsutil.SecurityStatus {
	var denial []*dnsutil.PackedRRset
	for _, rs := range rrsets[ri.AnswerLen:] {
		if rs.Key.Type == dns.TypeNSEC || rs.Key.Type == dns.TypeNSEC3 {
			denial = append(denial, rs)
		}
	}
	if len(denial) == 0 {
		return dnsutil.SecurityIndeterminate
	}

	var signer string
	var denialRR []dns.RR
	for _, rs := range denial {
		denialRR = append(denialRR, rs.RR...)
		if signer == "" && len(rs.Sigs) > 0 {
			signer = rs.Sigs[0].SignerName
		}
	}
	if signer == "" {
		return dnsutil.SecurityBogus
	}

	ke, err := s.env.Validator.FindKey(ctx, signer, s.fetcher)
	if err != nil {
		return dnsutil.SecurityBogus
	}

	subtype := validator.SubtypeNODATA
	if ri.Rcode() == dns.RcodeNameError {
		subtype = validator.SubtypeNXDOMAIN
	}
	return s.env.Validator.ValidateNegative(qi, subtype, denialRR, ke)
}

// worsen orders statuses the way a reply's aggregate security can only
// degrade as worse-rated RRsets are folded in: bogus beats everything,
// then indeterminate, then insecure; secure never overrides another
// result. An indeterminate current value counts as "no result yet"
// and is replaced by next.
func worsen(current, next dnsutil.SecurityStatus) dnsutil.SecurityStatus {
	rank := func(s dnsutil.SecurityStatus) int {
		switch s {
		case dnsutil.SecurityBogus:
			return 3
		case dnsutil.SecurityInsecure:
			return 1
		case dnsutil.SecuritySecure:
			return 0
		default:
			return 2
		}
	}
	if current == dnsutil.SecurityIndeterminate {
		return next
	}
	if rank(next) > rank(current) {
		return next
	}
	return current
}
