// Package homa is the top-level driver: it wires the wire codec, peer and
// socket tables, grant scheduler, pacer, timer, and dispatcher into a single
// owned aggregate (HomaGlobal, §3/§9) and exposes the five-operation
// application surface of §6 (send_request, reply, recv, shutdown, abort)
// through Socket.
package homa

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/homa-transport/homa/config"
	"github.com/homa-transport/homa/dispatch"
	"github.com/homa-transport/homa/grant"
	"github.com/homa-transport/homa/metrics"
	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/netsink"
	"github.com/homa-transport/homa/pacer"
	"github.com/homa-transport/homa/peer"
	"github.com/homa-transport/homa/rpctab"
	"github.com/homa-transport/homa/socktab"
	"github.com/homa-transport/homa/timer"
	"github.com/homa-transport/homa/wire"
	"go.uber.org/zap"
)

// Config bundles what Global needs beyond its collaborators: the sysctl
// tunables of §6 and the MTU/GSO parameters outbound assembly needs.
type Config struct {
	Tunables      config.Tunables
	MTU           uint32
	DeviceGSOMax  uint32
	LocalCutoffs  [wire.MaxPriorities]uint32
	CutoffVersion uint16
	TickInterval  time.Duration
}

// Global is HomaGlobal (§3): the single owned aggregate every operation is
// threaded through. No ambient singletons — callers construct one Global
// per process (or per test) and pass it explicitly.
type Global struct {
	sockets *socktab.Table[dispatch.Socket]
	peers   *peer.Table

	scheduler  *grant.Scheduler
	pacerLoop  *pacer.Pacer
	dispatcher *dispatch.Dispatcher
	timer      *timer.Timer

	cfg *config.Live

	sink  netsink.PacketSink
	clock netsink.TimeSource

	mtu          uint32
	deviceGSOMax uint32

	metrics *metrics.Collectors
	log     *zap.SugaredLogger
}

// New wires every subsystem together per §2's data-flow diagram: wire codec
// underlies dispatch; dispatch drives grant/pacer/timer via narrow
// interfaces; Global implements those interfaces so no subsystem imports
// this package.
func New(cfg Config, sink netsink.PacketSink, clock netsink.TimeSource, resolve peer.Resolver, m *metrics.Collectors, log *zap.Logger) *Global {
	t := cfg.Tunables
	live := config.NewLive(t)

	g := &Global{
		sockets:      socktab.NewTable[dispatch.Socket](),
		peers:        peer.NewTable(resolve, time.Duration(t.ResendIntervalMs)*time.Millisecond),
		cfg:          live,
		sink:         sink,
		clock:        clock,
		mtu:          cfg.MTU,
		deviceGSOMax: cfg.DeviceGSOMax,
		metrics:      m,
		log:          log.Sugar(),
	}

	var grantsCounter grant.GrantsCounter
	var grantableGauge grant.Gauge
	var skippedCounter pacer.Counter
	var throttledGauge pacer.Gauge
	var resendsCounter timer.ResendsCounter
	if m != nil {
		grantsCounter = m.GrantsEmitted
		grantableGauge = m.NumGrantable
		skippedCounter = m.PacerSkippedRPCs
		throttledGauge = m.ThrottledListLen
		resendsCounter = m.ResentPackets
	}

	g.scheduler = grant.New(grant.Config{
		MaxOvercommit:  t.MaxOvercommit,
		GrantIncrement: t.GrantIncrement,
		MaxSchedPrio:   t.MaxSchedPrio,
	}, g.emitGrant, log, grantsCounter, grantableGauge)

	estimator := pacer.NewEstimator(t.LinkMbps, t.MaxNICQueueNs)
	g.pacerLoop = pacer.New(estimator, t.ThrottleMinBytes, g, g, g.freeServerRpc, skippedCounter, throttledGauge, log)

	g.timer = timer.New(timer.Config{
		ResendTicks:      t.ResendTicks,
		ResendIntervalMs: int64(t.ResendIntervalMs),
		AbortResends:     t.AbortResends,
		TickInterval:     cfg.TickInterval,
	}, g.emitResend, g.emitRestart, g.wakeOnAbort, resendsCounter, log)

	g.dispatcher = dispatch.New(dispatch.Config{
		BufferMax:     g.bufferMax(t),
		LocalCutoffs:  cfg.LocalCutoffs,
		CutoffVersion: cfg.CutoffVersion,
	}, g.sockets, g.peers, g.scheduler, g.pacerLoop, g, m, log)

	return g
}

// bufferMax mirrors AssembleOutbound's own bufferMax derivation so RESTART
// re-linearization uses the same buffer sizing a fresh send would.
func (g *Global) bufferMax(t config.Tunables) uint32 {
	segPayloadMax := g.mtu - msg.IPv4HeaderSize - msg.DataHeaderSize
	bufferMax := g.deviceGSOMax
	if t.MaxGSOSize < bufferMax {
		bufferMax = t.MaxGSOSize
	}
	if bufferMax >= segPayloadMax && segPayloadMax > 0 {
		bufferMax = (bufferMax / segPayloadMax) * segPayloadMax
	}
	return bufferMax
}

// Tunables returns the live sysctl table (§6), reflecting any config.Watcher updates.
func (g *Global) Tunables() config.Tunables { return g.cfg.Get() }

// Metrics returns the Prometheus collectors this Global was constructed
// with, or nil if metrics were not enabled.
func (g *Global) Metrics() *metrics.Collectors { return g.metrics }

// Open creates a socket bound to port, or to a freshly allocated client port
// if port is zero (§4.2).
func (g *Global) Open(port uint16) (*Socket, error) {
	if port == 0 {
		port = g.sockets.AllocClientPort()
	}
	s := newSocket(g, port)
	if err := g.sockets.Insert(s); err != nil {
		return nil, fmt.Errorf("homa: open port %d: %w", port, err)
	}
	return s, nil
}

// RunReceiver pumps inbound packets from sink into the dispatcher until ctx
// is done or the sink returns an error (§2 "inbound packet → dispatch").
func (g *Global) RunReceiver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		payload, from, err := g.sink.RecvFrom()
		if err != nil {
			return err
		}
		if err := g.dispatcher.HandlePacket(from, payload); err != nil {
			g.log.Warnw("homa: dispatch error", "from", from, "error", err)
		}
	}
}

// RunPacer drives the pacer's dedicated worker loop (§4.7) until ctx is done.
func (g *Global) RunPacer(ctx context.Context) { g.pacerLoop.Run(ctx) }

// RunTimer drives the fixed-tick recovery sweep (§4.8) over every currently
// registered socket's client and server RPC tables until ctx is done.
func (g *Global) RunTimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			reapLimit := g.cfg.Get().ReapLimit
			g.sockets.Each(func(sock dispatch.Socket) {
				g.timer.Sweep(sock.Table(), true, tickTime)
				g.timer.Sweep(sock.Table(), false, tickTime)
				reapTable(sock.Table(), reapLimit)
			})
		}
	}
}

// reapTable reclaims dead RPCs opportunistically on every timer tick: up
// to reapLimit normally, or the whole dead list once it has crossed
// max_dead_buffs, per §4.3's aggressive-reap threshold.
func reapTable(t *rpctab.Table, reapLimit int) {
	if t.ShouldReapAggressively() {
		t.ReapAll()
		return
	}
	t.Reap(reapLimit)
}

// Send implements dispatch.Sender and pacer's outbound transmission path:
// it addresses a pre-encoded payload to p at dport via the PacketSink.
func (g *Global) Send(p *peer.Peer, dport uint16, payload []byte) error {
	return g.sink.SendTo(netip.AddrPortFrom(p.Addr, dport), payload)
}

// BucketFor implements pacer.BucketLocker by re-deriving rpc's owning
// bucket from its back-referenced Table (§9 "back-references on multiple
// lists").
func (g *Global) BucketFor(rpc *rpctab.Rpc) *rpctab.Bucket {
	return rpc.Table.Bucket(rpc.ID, rpc.IsClient)
}

// SendNext implements pacer.Transmitter (§4.7 step 3): transmit the next
// sendable buffer of rpc's outbound message, forcing past the NIC-queue
// estimator when force is set.
func (g *Global) SendNext(rpc *rpctab.Rpc, force bool) (sent bool, drained bool, err error) {
	buf := rpc.MsgOut.NextSendable()
	if buf == nil {
		return false, true, nil
	}

	wireBytes := uint32(msg.IPv4HeaderSize+msg.DataHeaderSize) + buf.Length()
	if !force && !g.pacerLoop.Estimator().TryReserve(g.clock.Now(), wireBytes) {
		return false, false, nil
	}
	if force {
		g.pacerLoop.Estimator().TryReserve(g.clock.Now(), wireBytes)
	}

	priority := byte(0)
	if rpc.Peer != nil {
		priority = rpc.Peer.PriorityForSize(rpc.MsgOut.Length())
	}
	payload, encErr := wire.EncodeData(wire.DataPacket{
		Header:        wire.Header{SPort: rpc.LocalPort, DPort: rpc.DPort, ID: rpc.ID, Priority: priority},
		MessageLength: rpc.MsgOut.Length(),
		Incoming:      rpc.MsgOut.Granted(),
		Segments:      []wire.Segment{{Offset: buf.Offset, Payload: buf.Data}},
	})
	if encErr != nil {
		return false, false, encErr
	}
	if err := g.Send(rpc.Peer, rpc.DPort, payload); err != nil {
		return false, false, err
	}
	rpc.MsgOut.MarkSent(buf)
	return true, rpc.MsgOut.NextSendable() == nil, nil
}

// emitGrant implements grant.Emit: encodes and sends a GRANT packet (§4.6).
func (g *Global) emitGrant(rpc *rpctab.Rpc, offset uint32, priority byte) error {
	payload := wire.EncodeGrant(wire.GrantPacket{
		Header:   wire.Header{SPort: rpc.LocalPort, DPort: rpc.DPort, ID: rpc.ID},
		Offset:   offset,
		Priority: priority,
	})
	return g.Send(rpc.Peer, rpc.DPort, payload)
}

// emitResend implements timer.SendResend: encodes and sends a RESEND (§4.8).
func (g *Global) emitResend(rpc *rpctab.Rpc, start, end uint32, priority byte) error {
	payload := wire.EncodeResend(wire.ResendPacket{
		Header:   wire.Header{SPort: rpc.LocalPort, DPort: rpc.DPort, ID: rpc.ID},
		Offset:   start,
		Length:   end - start,
		Priority: priority,
	})
	return g.Send(rpc.Peer, rpc.DPort, payload)
}

// emitRestart implements timer.SendRestart: encodes and sends a RESTART
// for rpc. The timer is handed it but never calls it; RESTARTs go out from
// the dispatcher, on a RESEND for an unknown server RPC.
func (g *Global) emitRestart(rpc *rpctab.Rpc) error {
	payload := wire.EncodeRestart(wire.Header{SPort: rpc.LocalPort, DPort: rpc.DPort, ID: rpc.ID})
	return g.Send(rpc.Peer, rpc.DPort, payload)
}

// wakeOnAbort implements timer.NotifyReady: an aborted client RPC has
// already transitioned to Ready under its bucket lock (§4.8), but nothing
// has woken a blocked recv() for it yet. Re-derive the owning socket from
// the RPC's own local port and deliver it the same way a fully-received
// response would be.
func (g *Global) wakeOnAbort(rpc *rpctab.Rpc) {
	sock, ok := g.sockets.Lookup(rpc.LocalPort)
	if !ok {
		return
	}
	sock.Responses().Deliver(rpc)
}

// freeServerRpc is the pacer's freeServer callback (§4.7 step 4): reclaim a
// fully-sent server-side RPC's bucket slot. Called with rpc's bucket lock
// already held by the pacer loop.
func (g *Global) freeServerRpc(rpc *rpctab.Rpc) {
	bucket := rpc.Table.Bucket(rpc.ID, rpc.IsClient)
	g.scheduler.Remove(rpc)
	rpc.Table.Free(bucket, rpc)
}
