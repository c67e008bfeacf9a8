// Package config declares the recognized configuration surface the
// core consumes (spec §6). Parsing a configuration file is an
// external collaborator out of this core's scope (spec §1); this
// package only defines the struct and registers the equivalent
// command-line flags, the way teacher's cmd/solvd uses the flag
// package directly rather than a file format.
package config

import (
	"flag"
	"time"
)

// Config is the recognized option surface of spec §6, grouped the
// same way the spec groups them.
type Config struct {
	// Cache sizing
	MsgCacheSize       int
	MsgCacheSlabs      int
	RRsetCacheSize     int
	RRsetCacheSlabs    int
	KeyCacheSize       int
	KeyCacheSlabs      int
	InfraCacheNumHosts int
	InfraCacheSlabs    int
	NegCacheSize       int

	// Resolution
	TargetFetchPolicy     string
	HardenReferralPath    bool
	HardenGlue            bool
	HardenDNSSECStripped  bool
	HardenBelowNXDOMAIN   bool
	UseCapsForID          bool
	Prefetch              bool
	PrefetchKey           bool
	UnwantedReplyThresh   int
	DoNotQueryAddress     []string
	DoNotQueryLocalhost   bool

	// TTL bounds
	CacheMinTTL time.Duration
	CacheMaxTTL time.Duration
	BogusTTL    time.Duration

	// Validation
	TrustAnchorFile       string
	TrustAnchor           []string
	AutoTrustAnchorFile   string
	TrustedKeysFile       string
	DLVAnchorFile         string
	DomainInsecure        []string
	ValOverrideDate       string
	ValSigSkewMin         time.Duration
	ValSigSkewMax         time.Duration
	ValCleanAdditional    bool
	ValPermissiveMode     bool
	IgnoreCDFlag          bool
	ValNSEC3KeysizeIter   string
	AddHolddown           time.Duration
	DelHolddown           time.Duration
	KeepMissing           time.Duration

	// Network
	Port                 int
	Interface            []string
	OutgoingInterface    []string
	OutgoingRange        int
	OutgoingPortPermit   string
	OutgoingPortAvoid    string
	DoIP4, DoIP6         bool
	DoUDP, DoTCP         bool
	SoRcvbuf, SoSndbuf   int
	SoReuseport          bool
	EDNSBufferSize       int
	MaxUDPSize           int
	JostleTimeout        time.Duration
	DelayClose           time.Duration

	// infra-lame-ttl and infra-cache-lame-size are recognized but
	// ignored (spec §9 open question): they are fields of Config
	// only, no flag is registered for them, and nothing in
	// internal/cache reads them.
	InfraLameTTL        time.Duration
	InfraCacheLameSize  int

	// Worker pool (not a named option in spec §6; analogous to
	// unbound's num-threads, needed to size cmd/recursord's worker
	// pool).
	NumWorkers int
}

// Default returns the configuration teacher's cmd/solvd effectively
// hardcoded, expanded to the full option surface with conservative
// defaults.
func Default() *Config {
	return &Config{
		MsgCacheSize:       4 << 20,
		MsgCacheSlabs:      4,
		RRsetCacheSize:     8 << 20,
		RRsetCacheSlabs:    4,
		KeyCacheSize:       2 << 20,
		KeyCacheSlabs:      4,
		InfraCacheNumHosts: 10000,
		InfraCacheSlabs:    4,
		NegCacheSize:       1 << 20,

		TargetFetchPolicy:   "3 2 1 0 0",
		HardenReferralPath:  true,
		HardenGlue:          true,
		HardenDNSSECStripped: true,
		HardenBelowNXDOMAIN: true,
		Prefetch:            true,
		PrefetchKey:         true,
		UnwantedReplyThresh: 10000,
		DoNotQueryLocalhost: true,

		CacheMinTTL: 0,
		CacheMaxTTL: 86400 * time.Second,
		BogusTTL:    60 * time.Second,

		AutoTrustAnchorFile: "root.key",
		ValSigSkewMin:       3600 * time.Second,
		ValSigSkewMax:       86400 * time.Second,
		ValCleanAdditional:  true,
		ValNSEC3KeysizeIter: "1024 150,2048 500,4096 2500",
		AddHolddown:         30 * 24 * time.Hour,
		DelHolddown:         30 * 24 * time.Hour,
		KeepMissing:         0,

		Port:           53,
		DoIP4:          true,
		DoIP6:          true,
		DoUDP:          true,
		DoTCP:          true,
		EDNSBufferSize: 4096,
		MaxUDPSize:     4096,
		JostleTimeout:  200 * time.Millisecond,
		DelayClose:     0,

		NumWorkers: 4,
	}
}

// RegisterFlags binds a subset of c's fields to flag.FlagSet fs,
// following teacher's cmd/solvd pattern of using flag directly rather
// than a config-file parser. Fields without a flag keep the values
// Default set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "port to listen on")
	fs.IntVar(&c.NumWorkers, "num-workers", c.NumWorkers, "number of worker event loops")
	fs.BoolVar(&c.DoIP6, "do-ip6", c.DoIP6, "enable IPv6 upstream queries")
	fs.BoolVar(&c.ValPermissiveMode, "val-permissive-mode", c.ValPermissiveMode, "downgrade bogus to indeterminate for clients")
	fs.StringVar(&c.AutoTrustAnchorFile, "auto-trust-anchor-file", c.AutoTrustAnchorFile, "RFC5011 trust anchor state file")
	fs.DurationVar(&c.BogusTTL, "bogus-ttl", c.BogusTTL, "lifetime of key-cache entries for zones proved insecure (bogus results are not cached)")
	fs.IntVar(&c.MsgCacheSlabs, "msg-cache-slabs", c.MsgCacheSlabs, "message cache shard count")
	fs.IntVar(&c.RRsetCacheSlabs, "rrset-cache-slabs", c.RRsetCacheSlabs, "RRset cache shard count")
}
