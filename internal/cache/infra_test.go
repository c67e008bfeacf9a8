package cache

import (
	"testing"
	"time"

	"github.com/jmhodges/clock"
)

func TestInfraCacheSeedRTT(t *testing.T) {
	ic := NewInfraCache(4, time.Hour, clock.NewFake())
	if got := ic.RTT("com.", "192.0.2.1"); got != SeedRTT {
		t.Fatalf("expected seed RTT %v for unmeasured target, got %v", SeedRTT, got)
	}
}

func TestInfraCacheRecordsSuccessRTT(t *testing.T) {
	ic := NewInfraCache(4, time.Hour, clock.NewFake())
	ic.RecordSuccess("com.", "192.0.2.1", 20*time.Millisecond)
	if got := ic.RTT("com.", "192.0.2.1"); got != 20*time.Millisecond {
		t.Fatalf("expected RTT 20ms after first measurement, got %v", got)
	}
}

func TestInfraCacheUnusableAfterThreeFailures(t *testing.T) {
	fc := clock.NewFake()
	ic := NewInfraCache(4, time.Hour, fc)
	addr := "192.0.2.1"
	if !ic.Usable("com.", addr) {
		t.Fatal("expected unknown target to be usable")
	}
	ic.RecordFailure("com.", addr)
	ic.RecordFailure("com.", addr)
	if !ic.Usable("com.", addr) {
		t.Fatal("expected target with 2 failures to still be usable")
	}
	ic.RecordFailure("com.", addr)
	if ic.Usable("com.", addr) {
		t.Fatal("expected target with 3 failures within host-ttl to be unusable")
	}
}

func TestInfraCacheUsableAgainAfterHostTTL(t *testing.T) {
	fc := clock.NewFake()
	ic := NewInfraCache(4, time.Minute, fc)
	addr := "192.0.2.1"
	for i := 0; i < 3; i++ {
		ic.RecordFailure("com.", addr)
	}
	if ic.Usable("com.", addr) {
		t.Fatal("expected target to be unusable immediately after 3 failures")
	}
	fc.Add(2 * time.Minute)
	if !ic.Usable("com.", addr) {
		t.Fatal("expected target to become usable again after host-ttl elapses")
	}
}

func TestInfraCacheSuccessResetsFailures(t *testing.T) {
	ic := NewInfraCache(4, time.Hour, clock.NewFake())
	addr := "192.0.2.1"
	for i := 0; i < 3; i++ {
		ic.RecordFailure("com.", addr)
	}
	ic.RecordSuccess("com.", addr, SeedRTT)
	if !ic.Usable("com.", addr) {
		t.Fatal("expected a success to reset the failure count and make target usable")
	}
}

func TestInfraCacheLameness(t *testing.T) {
	ic := NewInfraCache(4, time.Hour, clock.NewFake())
	if ic.IsLame("com.", "192.0.2.1", 1) {
		t.Fatal("expected not-yet-marked target to not be lame")
	}
	ic.MarkLame("com.", "192.0.2.1", 1)
	if !ic.IsLame("com.", "192.0.2.1", 1) {
		t.Fatal("expected marked target to be lame")
	}
}

func TestInfraCacheEDNSCapability(t *testing.T) {
	ic := NewInfraCache(4, time.Hour, clock.NewFake())
	if known, _ := ic.EDNSSupported("com.", "192.0.2.1"); known {
		t.Fatal("expected unknown EDNS capability initially")
	}
	ic.SetEDNSSupported("com.", "192.0.2.1", true)
	known, supported := ic.EDNSSupported("com.", "192.0.2.1")
	if !known || !supported {
		t.Fatal("expected EDNS capability to be recorded as supported")
	}
}
