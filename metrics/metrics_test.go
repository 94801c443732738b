package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 9 {
		t.Fatalf("got %d registered collectors, want 9", len(families))
	}
	if counterValue(t, c.ResentPackets) != 0 {
		t.Fatalf("expected fresh counter to start at zero")
	}
}

func TestCountersIncrement(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.ResentPackets.Inc()
	c.ResentPackets.Inc()
	if got := counterValue(t, c.ResentPackets); got != 2 {
		t.Fatalf("ResentPackets = %v, want 2", got)
	}
}

func TestGaugesSet(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.NumGrantable.Set(7)
	if got := gaugeValue(t, c.NumGrantable); got != 7 {
		t.Fatalf("NumGrantable = %v, want 7", got)
	}
}

func TestTwoInstancesDoNotCollide(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())
	a.GrantsEmitted.Inc()
	if got := counterValue(t, b.GrantsEmitted); got != 0 {
		t.Fatalf("expected independent registries to have independent counters, got %v", got)
	}
}
