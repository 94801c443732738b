// Package metrics exposes the per-process counters the protocol defines
// throughout §7 and §8 (resent_packets, pacer_skipped_rpcs, grants_emitted,
// restarts_sent, dropped_unknown_rpc) as Prometheus collectors.
//
// Grounded on the pack's client_golang usage (runZeroInc-sockstats'
// pkg/exporter and nabbar-golib's prometheus/metrics packages both embed
// collectors behind a constructor that takes a prometheus.Registerer),
// rather than relying on the default global registry, so a process can run
// more than one Homa instance side by side in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every counter/gauge the core increments. Per-core
// increments are done via the *prometheus.Counter directly (atomic,
// lock-free) matching §5's per-core metrics counters: written without
// synchronization; occasional lost updates are acceptable. Prometheus
// counters already provide that semantics.
type Collectors struct {
	ResentPackets     prometheus.Counter
	PacerSkippedRPCs  prometheus.Counter
	GrantsEmitted     prometheus.Counter
	RestartsSent      prometheus.Counter
	DroppedUnknownRPC prometheus.Counter
	CutoffsSent       prometheus.Counter
	NumGrantable      prometheus.Gauge
	ThrottledListLen  prometheus.Gauge
	LinkIdleCycles    prometheus.Gauge
}

// New creates and registers a Collectors bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with other
// instances in the same process.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ResentPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_resent_packets_total",
			Help: "DATA packets retransmitted in response to a RESEND.",
		}),
		PacerSkippedRPCs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_pacer_skipped_rpcs_total",
			Help: "Times the pacer found the head throttled RPC's bucket busy and skipped it.",
		}),
		GrantsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_grants_emitted_total",
			Help: "GRANT packets emitted by the scheduler.",
		}),
		RestartsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_restarts_sent_total",
			Help: "RESTART packets sent in response to a RESEND for an unknown server RPC.",
		}),
		DroppedUnknownRPC: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_dropped_unknown_rpc_total",
			Help: "Packets dropped because they referenced an unknown RPC.",
		}),
		CutoffsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "homa_cutoffs_sent_total",
			Help: "CUTOFFS packets sent because a peer's cutoff_version was stale.",
		}),
		NumGrantable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homa_grantable_rpcs",
			Help: "Current size of the grantable_rpcs list.",
		}),
		ThrottledListLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homa_throttled_rpcs",
			Help: "Current size of the throttled_rpcs list.",
		}),
		LinkIdleCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "homa_link_idle_time_cycles",
			Help: "Current value of the NIC-queue idle-time estimator.",
		}),
	}
	reg.MustRegister(
		c.ResentPackets, c.PacerSkippedRPCs, c.GrantsEmitted, c.RestartsSent,
		c.DroppedUnknownRPC, c.CutoffsSent, c.NumGrantable, c.ThrottledListLen,
		c.LinkIdleCycles,
	)
	return c
}
