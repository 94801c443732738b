package peer

import (
	"net/netip"
	"testing"
	"time"
)

func TestGetResolvesAndCaches(t *testing.T) {
	calls := 0
	resolve := func(addr netip.Addr) (RouteHandle, error) {
		calls++
		return "route:" + addr.String(), nil
	}
	tb := NewTable(resolve, time.Millisecond)

	addr := netip.MustParseAddr("10.0.0.1")
	p1, err := tb.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p2, err := tb.Get(addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("expected the same *Peer on repeated Get")
	}
	if calls != 1 {
		t.Fatalf("resolve called %d times, want 1", calls)
	}
}

func TestApplyCutoffsIgnoresStaleVersion(t *testing.T) {
	tb := NewTable(func(netip.Addr) (RouteHandle, error) { return nil, nil }, time.Millisecond)
	p, _ := tb.Get(netip.MustParseAddr("10.0.0.2"))

	var first [MaxPriorities]uint32
	first[0] = 1000
	if !p.ApplyCutoffs(first, 2) {
		t.Fatalf("expected first ApplyCutoffs to apply")
	}
	var stale [MaxPriorities]uint32
	stale[0] = 9999
	if p.ApplyCutoffs(stale, 1) {
		t.Fatalf("expected stale (older) version to be ignored")
	}
	if p.UnschedCutoffs()[0] != 1000 {
		t.Fatalf("cutoffs should not have changed after stale apply")
	}
}

func TestPriorityForSize(t *testing.T) {
	tb := NewTable(func(netip.Addr) (RouteHandle, error) { return nil, nil }, time.Millisecond)
	p, _ := tb.Get(netip.MustParseAddr("10.0.0.3"))

	var cutoffs [MaxPriorities]uint32
	cutoffs[0] = 1000
	cutoffs[1] = 5000
	p.ApplyCutoffs(cutoffs, 1)

	if pr := p.PriorityForSize(500); pr != 0 {
		t.Fatalf("priority for 500 bytes = %d, want 0", pr)
	}
	if pr := p.PriorityForSize(3000); pr != 1 {
		t.Fatalf("priority for 3000 bytes = %d, want 1", pr)
	}
}

func TestAllowResendRateLimits(t *testing.T) {
	tb := NewTable(func(netip.Addr) (RouteHandle, error) { return nil, nil }, 50*time.Millisecond)
	p, _ := tb.Get(netip.MustParseAddr("10.0.0.4"))

	now := time.Now()
	if !p.AllowResend(now) {
		t.Fatalf("expected first AllowResend to succeed")
	}
	if p.AllowResend(now) {
		t.Fatalf("expected immediate second AllowResend to be throttled")
	}
	if !p.AllowResend(now.Add(100 * time.Millisecond)) {
		t.Fatalf("expected AllowResend to succeed after the interval elapses")
	}
}
