package cache

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"
)

// SeedRTT is the initial round-trip estimate used for a target with no
// measurement yet (spec §4.5, §5: "seed value 376 ms").
const SeedRTT = 376 * time.Millisecond

// MaxTimeout bounds how long an outbound query will wait regardless of
// a target's measured RTT (spec §5).
const MaxTimeout = 120 * time.Second

// hostKey identifies a (zone, server-address) pair in the infra cache
// (spec §4.4).
type hostKey struct {
	zone string
	addr string
}

type lameKey struct {
	zone  string
	qtype uint16
}

type hostState struct {
	mu            sync.Mutex
	rtt           time.Duration
	hasRTT        bool
	failures      int
	lastFailure   time.Time
	ednsSupported bool
	ednsKnown     bool
	lame          map[lameKey]bool
}

// InfraCache tracks per-server RTT, EDNS capability, and lameness,
// driving delegation-point target selection and retry backoff (spec
// §4.4). It is deliberately not built on Slab: entries are small,
// long-lived, and mutated far more often than they're evicted, so a
// single sharded map with per-entry locks (mirroring the per-shard
// locking discipline used elsewhere in this package) is a better fit
// than LRU churn.
type InfraCache struct {
	numShards int
	shards    []*infraShard
	clk       clock.Clock
	hostTTL   time.Duration
}

type infraShard struct {
	mu    sync.Mutex
	hosts map[hostKey]*hostState
}

// NewInfraCache builds an infra cache with numShards shards and a
// host-failure memory window of hostTTL (spec §4.5: "failure count
// >= 3 within host-ttl").
func NewInfraCache(numShards int, hostTTL time.Duration, clk clock.Clock) *InfraCache {
	if numShards <= 0 {
		numShards = 4
	}
	if clk == nil {
		clk = clock.Default()
	}
	ic := &InfraCache{numShards: numShards, clk: clk, hostTTL: hostTTL}
	ic.shards = make([]*infraShard, numShards)
	for i := range ic.shards {
		ic.shards[i] = &infraShard{hosts: make(map[hostKey]*hostState)}
	}
	return ic
}

func (ic *InfraCache) shardFor(k hostKey) *infraShard {
	return ic.shards[hashString(k.zone+"|"+k.addr)%uint32(ic.numShards)]
}

func (ic *InfraCache) get(zone, addr string, create bool) *hostState {
	k := hostKey{zone, addr}
	sh := ic.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	hs, ok := sh.hosts[k]
	if !ok {
		if !create {
			return nil
		}
		hs = &hostState{lame: make(map[lameKey]bool)}
		sh.hosts[k] = hs
	}
	return hs
}

// RTT returns the current RTT estimate for (zone, addr), or SeedRTT if
// unmeasured (spec §4.5).
func (ic *InfraCache) RTT(zone, addr string) time.Duration {
	hs := ic.get(zone, addr, false)
	if hs == nil {
		return SeedRTT
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if !hs.hasRTT {
		return SeedRTT
	}
	return hs.rtt
}

// RecordSuccess records a successful exchange with (zone, addr),
// updating its RTT with a simple exponential moving average and
// resetting its failure count.
func (ic *InfraCache) RecordSuccess(zone, addr string, rtt time.Duration) {
	hs := ic.get(zone, addr, true)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if !hs.hasRTT {
		hs.rtt = rtt
	} else {
		hs.rtt = (hs.rtt*3 + rtt) / 4
	}
	if hs.rtt > MaxTimeout {
		hs.rtt = MaxTimeout
	}
	hs.hasRTT = true
	hs.failures = 0
}

// RecordFailure increments (zone, addr)'s consecutive-failure count
// (spec §4.4, §4.5).
func (ic *InfraCache) RecordFailure(zone, addr string) {
	hs := ic.get(zone, addr, true)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.failures++
	hs.lastFailure = ic.clk.Now()
}

// Usable reports whether (zone, addr) may currently be selected as a
// query target: a target with failure count >= 3 within host-ttl is
// skipped (spec §4.5).
func (ic *InfraCache) Usable(zone, addr string) bool {
	hs := ic.get(zone, addr, false)
	if hs == nil {
		return true
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.failures < 3 {
		return true
	}
	if ic.clk.Now().Sub(hs.lastFailure) > ic.hostTTL {
		return true
	}
	return false
}

// SetEDNSSupported records whether (zone, addr) is known to support
// EDNS0 (spec §4.4).
func (ic *InfraCache) SetEDNSSupported(zone, addr string, supported bool) {
	hs := ic.get(zone, addr, true)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.ednsSupported = supported
	hs.ednsKnown = true
}

// EDNSSupported reports (known, supported) for (zone, addr).
func (ic *InfraCache) EDNSSupported(zone, addr string) (known, supported bool) {
	hs := ic.get(zone, addr, false)
	if hs == nil {
		return false, false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.ednsKnown, hs.ednsSupported
}

// MarkLame records that (zone, addr) is lame for qtype (spec §4.4).
// infra-lame-ttl and infra-cache-lame-size are accepted as recognized
// config keys elsewhere but have no effect here: spec §9 directs that
// they be honored as ignored legacy options.
func (ic *InfraCache) MarkLame(zone, addr string, qtype uint16) {
	hs := ic.get(zone, addr, true)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.lame[lameKey{zone, qtype}] = true
}

// IsLame reports whether (zone, addr) is marked lame for qtype.
func (ic *InfraCache) IsLame(zone, addr string, qtype uint16) bool {
	hs := ic.get(zone, addr, false)
	if hs == nil {
		return false
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.lame[lameKey{zone, qtype}]
}
