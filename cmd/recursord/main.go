// Command recursord runs the recursive resolver as a standalone DNS
// server, the way teacher's cmd/solvd wires RecursiveResolver up to a
// dns.Server and a flag-parsed listen address.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/config"
	"github.com/rolandshoemaker/recursor/internal/hints"
	"github.com/rolandshoemaker/recursor/internal/iterator"
	"github.com/rolandshoemaker/recursor/internal/pipeline"
	"github.com/rolandshoemaker/recursor/internal/validator"
)

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	logLevel := flag.String("log-level", "info", "logrus level")
	listenAddr := flag.String("listen", fmt.Sprintf("0.0.0.0:%d", cfg.Port), "address to listen on")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	entry := logrus.NewEntry(log)

	if err := run(cfg, *listenAddr, entry); err != nil {
		entry.WithError(err).Fatal("recursord exiting")
	}
}

func run(cfg *config.Config, listenAddr string, log *logrus.Entry) error {
	clk := clock.Default()

	rrsets := cache.NewRRsetCache(cfg.RRsetCacheSlabs, cfg.RRsetCacheSize, clk)
	msgs := cache.NewMessageCache(cfg.MsgCacheSlabs, cfg.MsgCacheSize, rrsets, clk)
	keys := cache.NewKeyCache(cfg.KeyCacheSlabs, cfg.KeyCacheSize, clk)
	infra := cache.NewInfraCache(cfg.InfraCacheSlabs, 15*time.Minute, clk)

	exch := iterator.NewNetExchanger(2 * time.Second)
	it := iterator.New(iterator.Config{
		UseIPv6:             cfg.DoIP6,
		UseDNSSEC:           true,
		HardenReferralPath:  cfg.HardenReferralPath,
		HardenGlue:          cfg.HardenGlue,
		HardenBelowNXDOMAIN: cfg.HardenBelowNXDOMAIN,
		QueryTimeout:        2 * time.Second,
		EDNSBufferSize:      uint16(cfg.EDNSBufferSize),
		Prefetch:            cfg.Prefetch,
		PrefetchKey:         cfg.PrefetchKey,
		DoNotQueryAddress:   cfg.DoNotQueryAddress,
		DoNotQueryLocalhost: cfg.DoNotQueryLocalhost,
	}, msgs, rrsets, infra, exch, hints.RootNameservers, clk, log.WithField("component", "iterator"))

	iterTable, err := validator.ParseNSEC3IterTable(cfg.ValNSEC3KeysizeIter)
	if err != nil {
		return fmt.Errorf("parsing nsec3 iteration table: %w", err)
	}

	rootAnchor := &validator.TrustAnchor{Zone: "."}
	for _, rr := range hints.RootKeys {
		if ds, ok := rr.(*dns.DS); ok {
			rootAnchor.DS = append(rootAnchor.DS, ds)
		}
	}

	var anchorStore validator.AnchorPersister
	if cfg.AutoTrustAnchorFile != "" {
		store := hints.NewAnchorStore(cfg.AutoTrustAnchorFile)
		anchorStore = store
		if persisted, err := store.Load(rootAnchor.Zone); err != nil {
			log.WithError(err).Warn("failed to load persisted trust anchor, falling back to static anchor")
		} else if len(persisted) > 0 {
			rootAnchor.Keys = persisted
		}
	}

	val := validator.New(validator.Config{
		SigSkewMin:      cfg.ValSigSkewMin,
		SigSkewMax:      cfg.ValSigSkewMax,
		BogusTTL:        cfg.BogusTTL,
		PermissiveMode:  cfg.ValPermissiveMode,
		NSEC3IterLimits: iterTable,
		AnchorStore:     anchorStore,
	}, keys, []*validator.TrustAnchor{rootAnchor}, log.WithField("component", "validator"))

	env := &pipeline.ModuleEnv{
		Iterator:  it,
		Validator: val,
		Messages:  msgs,
		RRsets:    rrsets,
		Keys:      keys,
		Infra:     infra,
		Clock:     clk,
		Log:       log.WithField("component", "pipeline"),
	}
	srv := pipeline.NewServer(env, pipeline.Config{
		Workers:       cfg.NumWorkers,
		JostleTimeout: cfg.JostleTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("pipeline server stopped")
		}
	}()

	handler := &pipeline.Handler{Server: srv, Timeout: 10 * time.Second}
	mux := dns.NewServeMux()
	mux.Handle(".", handler)

	var servers []*dns.Server
	if cfg.DoUDP {
		servers = append(servers, &dns.Server{Addr: listenAddr, Net: "udp", Handler: mux})
	}
	if cfg.DoTCP {
		servers = append(servers, &dns.Server{Addr: listenAddr, Net: "tcp", Handler: mux})
	}

	errc := make(chan error, len(servers))
	for _, s := range servers {
		s := s
		go func() {
			log.WithField("net", s.Net).WithField("addr", listenAddr).Info("listening")
			errc <- s.ListenAndServe()
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case <-sigc:
		log.Info("shutting down")
	}

	cancel()
	for _, s := range servers {
		s.Shutdown()
	}
	return nil
}
