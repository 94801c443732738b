// Package homatest exercises the fully wired transport end to end: two or
// more homa.Global instances connected through an in-memory packet fabric
// instead of a real socket, so the protocol's testable-properties scenarios
// (§8) can run deterministically and without ever calling into the network
// stack.
package homatest

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/homa-transport/homa"
	"github.com/homa-transport/homa/config"
	"github.com/homa-transport/homa/metrics"
	"github.com/homa-transport/homa/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type packet struct {
	payload []byte
	from    netip.AddrPort
}

// fabric is a many-node in-memory network: every node registers an inbox
// keyed by its own address, and any node's sink can address a payload to
// any other node's address. Built incrementally as nodes join; every join
// happens from the test goroutine before any traffic flows, so the inbox
// map itself needs no lock.
type fabric struct {
	inboxes map[netip.Addr]chan packet
}

func newFabric() *fabric {
	return &fabric{inboxes: make(map[netip.Addr]chan packet)}
}

// node registers addr on the fabric and returns a PacketSink for it.
func (f *fabric) node(addr netip.Addr) *fabricSink {
	inbox := make(chan packet, 8192)
	f.inboxes[addr] = inbox
	return &fabricSink{f: f, self: addr, inbox: inbox}
}

// fabricSink is a netsink.PacketSink backed by the fabric. setDrop installs
// a predicate that suppresses matching outbound payloads, simulating packet
// loss or a dead peer; nil (the default) drops nothing.
type fabricSink struct {
	f     *fabric
	self  netip.Addr
	inbox chan packet
	drop  atomic.Pointer[func([]byte) bool]
}

func (s *fabricSink) setDrop(fn func([]byte) bool) { s.drop.Store(&fn) }

func (s *fabricSink) SendTo(addr netip.AddrPort, payload []byte) error {
	if d := s.drop.Load(); d != nil && (*d)(payload) {
		return nil
	}
	ch, ok := s.f.inboxes[addr.Addr()]
	if !ok {
		return fmt.Errorf("homatest: no route to %v", addr.Addr())
	}
	cp := append([]byte(nil), payload...)
	select {
	case ch <- packet{payload: cp, from: netip.AddrPortFrom(s.self, 0)}:
	default:
		return fmt.Errorf("homatest: fabric inbox full for %v", addr.Addr())
	}
	return nil
}

func (s *fabricSink) RecvFrom() ([]byte, netip.AddrPort, error) {
	p, ok := <-s.inbox
	if !ok {
		return nil, netip.AddrPort{}, fmt.Errorf("homatest: sink closed")
	}
	return p.payload, p.from, nil
}

func (s *fabricSink) Close() error { return nil }

// clock is a netsink.TimeSource that always advances, for the pacer's
// NIC-queue estimator.
type clock struct{ n atomic.Int64 }

func (c *clock) Now() int64 { return c.n.Add(1_000_000) }

func noRoute(netip.Addr) (peer.RouteHandle, error) { return nil, nil }

type testNode struct {
	g    *homa.Global
	addr netip.Addr
	sink *fabricSink
	m    *metrics.Collectors

	cancel context.CancelFunc
}

func (n *testNode) stop() { n.cancel() }

// newNode wires one Global onto f at addr, with its own metrics registry and
// background receiver/pacer goroutines. timerTick of zero disables the
// recovery-timer loop (most scenarios don't need it).
func newNode(f *fabric, addr netip.Addr, tunables config.Tunables, timerTick time.Duration) *testNode {
	sink := f.node(addr)
	m := metrics.New(prometheus.NewRegistry())

	cfg := homa.Config{
		Tunables:     tunables,
		MTU:          1500,
		DeviceGSOMax: 65536,
		TickInterval: 5 * time.Millisecond,
	}
	g := homa.New(cfg, sink, &clock{}, noRoute, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go g.RunReceiver(ctx)
	go g.RunPacer(ctx)
	if timerTick > 0 {
		go g.RunTimer(ctx, timerTick)
	}
	return &testNode{g: g, addr: addr, sink: sink, m: m, cancel: cancel}
}

// waitFor polls cond until it returns true or timeout elapses, failing t if
// it never does.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("homatest: condition not met within %v", timeout)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
