// Package config holds the Homa sysctl-tunable table (§6) as a plain Go
// struct with defaults, and an optional etcd-backed watcher that lets an
// operator change tunables live without a process restart.
//
// The watcher is grounded on the teacher's registry package: mini-rpc used
// an etcd client purely for service discovery (Watch(name) <-chan
// []ServiceInstance>). Homa has no service-discovery concept, but its
// sysctl table is exactly the kind of small, frequently-tuned state an
// operator wants to push without a restart, so the same etcd Watch idiom
// is reused for that purpose instead.
package config

import (
	"context"
	"encoding/json"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Tunables mirrors the protocol's sysctl table (§6).
type Tunables struct {
	RTTBytes         uint32    // rtt_bytes: unscheduled-window size
	LinkMbps         uint32    // link_mbps: uplink bandwidth
	NumPriorities    int       // num_priorities (<= 8)
	BasePriority     int       // base_priority
	MaxSchedPrio     int       // max_sched_prio
	UnschedCutoffs   [8]uint32 // unsched_cutoffs[0..P]
	GrantIncrement   uint32    // grant_increment
	MaxOvercommit    int       // max_overcommit
	ResendTicks      int       // resend_ticks
	ResendIntervalMs int       // resend_interval, in milliseconds
	AbortResends     int       // abort_resends
	ThrottleMinBytes uint32    // throttle_min_bytes
	MaxNICQueueNs    int64     // max_nic_queue_ns
	MaxGSOSize       uint32    // max_gso_size
	MaxGroSkbs       int       // max_gro_skbs
	ReapLimit        int       // reap_limit
	MaxDeadBuffs     int       // max_dead_buffs
}

// Default returns the sysctl defaults used throughout the protocol's
// worked examples and test scenarios (§8).
func Default() Tunables {
	t := Tunables{
		RTTBytes:         60000,
		LinkMbps:         10000,
		NumPriorities:    8,
		BasePriority:     0,
		MaxSchedPrio:     6,
		GrantIncrement:   10000,
		MaxOvercommit:    8,
		ResendTicks:      5,
		ResendIntervalMs: 100,
		AbortResends:     5,
		ThrottleMinBytes: 1000,
		MaxNICQueueNs:    2000 * 1000, // 2ms queue drain budget
		MaxGSOSize:       65536,
		MaxGroSkbs:       20,
		ReapLimit:        10,
		MaxDeadBuffs:     5000,
	}
	t.UnschedCutoffs[0] = 1 << 30 // highest unscheduled priority accepts any size by default
	return t
}

// Live holds a Tunables value that may be swapped atomically by a Watcher
// while readers observe it lock-free.
type Live struct {
	v atomic.Pointer[Tunables]
}

// NewLive creates a Live initialized to t.
func NewLive(t Tunables) *Live {
	l := &Live{}
	cp := t
	l.v.Store(&cp)
	return l
}

// Get returns the current tunables. Safe for concurrent use.
func (l *Live) Get() Tunables {
	return *l.v.Load()
}

// set atomically installs a new tunables value.
func (l *Live) set(t Tunables) {
	cp := t
	l.v.Store(&cp)
}

// Watcher watches an etcd key for JSON-encoded Tunables updates and applies
// them to a Live via atomic swap.
type Watcher struct {
	client *clientv3.Client
	key    string
	live   *Live
	log    *zap.SugaredLogger
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher. Call Start to begin watching; Stop to end it.
func NewWatcher(client *clientv3.Client, key string, live *Live, log *zap.Logger) *Watcher {
	return &Watcher{client: client, key: key, live: live, log: log.Sugar()}
}

// Start launches the watch loop in a background goroutine. It first does a
// Get to seed the current value, then follows the key's revision stream.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	resp, err := w.client.Get(ctx, w.key)
	if err != nil {
		cancel()
		return err
	}
	if len(resp.Kvs) > 0 {
		w.apply(resp.Kvs[0].Value)
	}

	watchChan := w.client.Watch(ctx, w.key)
	go func() {
		for wresp := range watchChan {
			for _, ev := range wresp.Events {
				if ev.Kv != nil {
					w.apply(ev.Kv.Value)
				}
			}
		}
	}()
	return nil
}

func (w *Watcher) apply(raw []byte) {
	var t Tunables
	if err := json.Unmarshal(raw, &t); err != nil {
		w.log.Warnw("config: ignoring malformed tunables update", "error", err)
		return
	}
	w.live.set(t)
	w.log.Infow("config: tunables updated", "grant_increment", t.GrantIncrement, "max_overcommit", t.MaxOvercommit)
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}
