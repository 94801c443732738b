package config

import (
	"testing"

	"go.uber.org/zap"
)

func newTestSugaredLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestDefaultTunables(t *testing.T) {
	d := Default()
	if d.NumPriorities != 8 {
		t.Fatalf("NumPriorities = %d, want 8", d.NumPriorities)
	}
	if d.MaxOvercommit != 8 {
		t.Fatalf("MaxOvercommit = %d, want 8", d.MaxOvercommit)
	}
	if d.UnschedCutoffs[0] == 0 {
		t.Fatalf("expected highest unscheduled priority to have a nonzero default cutoff")
	}
}

func TestLiveGetReflectsLastSet(t *testing.T) {
	live := NewLive(Default())
	got := live.Get()
	if got.LinkMbps != 10000 {
		t.Fatalf("LinkMbps = %d, want 10000", got.LinkMbps)
	}

	updated := got
	updated.LinkMbps = 25000
	live.set(updated)

	if live.Get().LinkMbps != 25000 {
		t.Fatalf("Get after set = %d, want 25000", live.Get().LinkMbps)
	}
}

func TestLiveGetReturnsIndependentCopies(t *testing.T) {
	live := NewLive(Default())
	first := live.Get()
	first.MaxOvercommit = 999
	if live.Get().MaxOvercommit == 999 {
		t.Fatalf("mutating a Get() result leaked into Live's stored value")
	}
}

func TestWatcherApplyMalformedJSONIsIgnored(t *testing.T) {
	live := NewLive(Default())
	w := &Watcher{live: live, log: newTestSugaredLogger()}
	before := live.Get()

	w.apply([]byte("not json"))

	if live.Get() != before {
		t.Fatalf("malformed update should leave tunables unchanged")
	}
}

func TestWatcherApplyValidJSONUpdates(t *testing.T) {
	live := NewLive(Default())
	w := &Watcher{live: live, log: newTestSugaredLogger()}

	w.apply([]byte(`{"GrantIncrement": 20000, "MaxOvercommit": 4}`))

	got := live.Get()
	if got.GrantIncrement != 20000 || got.MaxOvercommit != 4 {
		t.Fatalf("apply did not update tunables: %+v", got)
	}
}
