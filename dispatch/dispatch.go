// Package dispatch implements inbound packet demultiplexing into RPC
// lookup/creation, state transitions, and delivery to waiting receivers
// (§4.9). It is the one place that touches the wire codec on the receive
// path; grant/pacer/timer emit control traffic through callbacks supplied
// here so those packages stay free of wire-format knowledge.
package dispatch

import (
	"net/netip"

	"github.com/homa-transport/homa/grant"
	"github.com/homa-transport/homa/metrics"
	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/pacer"
	"github.com/homa-transport/homa/peer"
	"github.com/homa-transport/homa/rpctab"
	"github.com/homa-transport/homa/socktab"
	"github.com/homa-transport/homa/timer"
	"github.com/homa-transport/homa/wire"
	"go.uber.org/zap"
)

// Sender transmits an already-encoded wire packet to p's address at the
// given remote port. Supplied by the netsink boundary.
type Sender interface {
	Send(p *peer.Peer, dport uint16, payload []byte) error
}

// cutoffState is this host's own unscheduled-priority cutoff table, the
// one it advertises to senders addressing it (distinct from each Peer's
// copy of *its* cutoffs). Bumped whenever sysctl changes it (§4.6).
type cutoffState struct {
	cutoffs [wire.MaxPriorities]uint32
	version uint16
}

// Dispatcher is the inbound-packet entry point (§4.9). One Dispatcher
// serves every socket in a process, fanning packets out by destination
// port via the socket table.
type Dispatcher struct {
	sockets *socktab.Table[Socket]
	peers   *peer.Table

	scheduler *grant.Scheduler
	pacer     *pacer.Pacer
	send      Sender

	bufferMax uint32 // device/configured GSO ceiling, for RESTART re-linearization

	local cutoffState

	metrics *metrics.Collectors
	log     *zap.SugaredLogger
}

// Config bundles what the dispatcher needs beyond its collaborators.
type Config struct {
	BufferMax     uint32
	LocalCutoffs  [wire.MaxPriorities]uint32
	CutoffVersion uint16
}

// New creates a Dispatcher.
func New(cfg Config, sockets *socktab.Table[Socket], peers *peer.Table, scheduler *grant.Scheduler, pc *pacer.Pacer, send Sender, m *metrics.Collectors, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		sockets:   sockets,
		peers:     peers,
		scheduler: scheduler,
		pacer:     pc,
		send:      send,
		bufferMax: cfg.BufferMax,
		local:     cutoffState{cutoffs: cfg.LocalCutoffs, version: cfg.CutoffVersion},
		metrics:   m,
		log:       log.Sugar(),
	}
}

// SetLocalCutoffs updates the cutoff table this host advertises, bumping
// its version so peers with a stale view get corrected (§4.6).
func (d *Dispatcher) SetLocalCutoffs(cutoffs [wire.MaxPriorities]uint32, version uint16) {
	d.local = cutoffState{cutoffs: cutoffs, version: version}
}

// HandlePacket decodes and routes one inbound datagram (§4.9).
func (d *Dispatcher) HandlePacket(from netip.AddrPort, raw []byte) error {
	decoded, err := wire.Decode(raw)
	if err != nil {
		d.log.Debugw("dispatch: dropping malformed packet", "from", from, "error", err)
		return nil
	}

	h := headerOf(decoded)
	sock, ok := d.sockets.Lookup(h.DPort)
	if !ok {
		d.countDropped()
		return nil
	}
	p, err := d.peers.Get(from.Addr())
	if err != nil {
		return err
	}

	switch pkt := decoded.(type) {
	case wire.DataPacket:
		return d.handleData(sock, p, pkt)
	case wire.GrantPacket:
		return d.handleGrant(sock, pkt)
	case wire.ResendPacket:
		return d.handleResend(sock, p, pkt)
	case wire.RestartPacket:
		return d.handleRestart(sock, pkt)
	case wire.BusyPacket:
		return d.handleBusy(sock, pkt)
	case wire.CutoffsPacket:
		return d.handleCutoffs(p, pkt)
	case wire.FreezePacket:
		d.log.Infow("dispatch: received FREEZE (no-op)", "rpc_id", pkt.ID, "from", from)
		return nil
	default:
		d.countDropped()
		return nil
	}
}

func headerOf(decoded any) wire.Header {
	switch pkt := decoded.(type) {
	case wire.DataPacket:
		return pkt.Header
	case wire.GrantPacket:
		return pkt.Header
	case wire.ResendPacket:
		return pkt.Header
	case wire.RestartPacket:
		return pkt.Header
	case wire.BusyPacket:
		return pkt.Header
	case wire.CutoffsPacket:
		return pkt.Header
	case wire.FreezePacket:
		return pkt.Header
	default:
		return wire.Header{}
	}
}

func (d *Dispatcher) countDropped() {
	if d.metrics != nil {
		d.metrics.DroppedUnknownRPC.Inc()
	}
}

// lookup finds id in either of sock's tables, trying the client table
// first. Returns the owning Bucket (already locked) and the Rpc, or a nil
// Rpc with the server-table bucket for id still locked if nothing is found
// in either.
func lookup(sock Socket, id uint64) (bucket *rpctab.Bucket, rpc *rpctab.Rpc) {
	table := sock.Table()
	clientBucket := table.Bucket(id, true)
	clientBucket.Lock()
	if r := clientBucket.Find(id); r != nil {
		return clientBucket, r
	}
	clientBucket.Unlock()

	serverBucket := table.Bucket(id, false)
	serverBucket.Lock()
	if r := serverBucket.Find(id); r != nil {
		return serverBucket, r
	}
	return serverBucket, nil
}

func dataHasOffsetZero(pkt wire.DataPacket) bool {
	for _, seg := range pkt.Segments {
		if seg.Offset == 0 {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleData(sock Socket, p *peer.Peer, pkt wire.DataPacket) error {
	bucket, rpc := lookup(sock, pkt.ID)
	if rpc == nil {
		if !dataHasOffsetZero(pkt) {
			bucket.Unlock()
			d.countDropped()
			return nil
		}
		rpc = &rpctab.Rpc{ID: pkt.ID, IsClient: false, Peer: p, DPort: pkt.SPort, LocalPort: pkt.DPort, State: rpctab.Incoming, Table: sock.Table()}
		bucket.Insert(rpc)
	}

	timer.NoteActivity(rpc)
	if rpc.MsgIn == nil {
		rpc.MsgIn = msg.NewMessageIn(pkt.MessageLength, pkt.Incoming)
	} else {
		rpc.MsgIn.SetIncoming(pkt.Incoming)
	}

	var ready bool
	for _, seg := range pkt.Segments {
		_, ready = rpc.MsgIn.Insert(seg.Offset, seg.Payload)
	}
	// Only an RPC still actually waiting on inbound data can be completed
	// here: a server RPC already claimed (InService) or replying (Outgoing)
	// has moved past Incoming, and a late/duplicate DATA for it must not
	// re-promote it to Ready and redeliver the same request a second time.
	waitingForData := rpc.State == rpctab.Incoming || (rpc.IsClient && rpc.State == rpctab.Outgoing)
	if waitingForData {
		if rpc.MsgIn.BytesRemaining() == 0 {
			rpc.State = rpctab.Ready
			ready = true
		} else {
			rpc.State = rpctab.Incoming
		}
	}
	bucket.Unlock()

	if d.scheduler != nil {
		d.scheduler.Update(rpc)
	}
	d.maybeSendCutoffs(p, pkt.SPort, pkt.DPort, pkt.ID, pkt.CutoffVersion)

	if ready {
		reg := sock.Requests()
		if rpc.IsClient {
			reg = sock.Responses()
		}
		reg.Deliver(rpc)
	}
	return nil
}

// maybeSendCutoffs implements §4.6's "sent by the receiver whenever it
// notices a stale cutoff_version in an inbound DATA": if the sender's
// advertised view of our cutoff table is older than our current one, push
// a CUTOFFS packet back so future DATA from it uses correct priorities.
func (d *Dispatcher) maybeSendCutoffs(p *peer.Peer, srcPort, dstPort uint16, id uint64, sendersVersion uint16) {
	if d.local.version == 0 || sendersVersion >= d.local.version {
		return
	}
	payload := wire.EncodeCutoffs(wire.CutoffsPacket{
		Header:        wire.Header{SPort: dstPort, DPort: srcPort, ID: id},
		Cutoffs:       d.local.cutoffs,
		CutoffVersion: d.local.version,
	})
	if err := d.send.Send(p, srcPort, payload); err != nil {
		d.log.Warnw("dispatch: failed to send CUTOFFS", "error", err)
		return
	}
	if d.metrics != nil {
		d.metrics.CutoffsSent.Inc()
	}
}

func (d *Dispatcher) handleGrant(sock Socket, pkt wire.GrantPacket) error {
	bucket, rpc := lookup(sock, pkt.ID)
	if rpc == nil {
		bucket.Unlock()
		d.countDropped()
		return nil
	}
	timer.NoteActivity(rpc)
	if rpc.MsgOut != nil {
		rpc.MsgOut.SetGranted(pkt.Offset)
	}
	bucket.Unlock()

	if d.pacer != nil && rpc.MsgOut != nil && rpc.MsgOut.BytesRemaining() > 0 {
		d.pacer.Insert(rpc)
	}
	return nil
}

func (d *Dispatcher) handleResend(sock Socket, p *peer.Peer, pkt wire.ResendPacket) error {
	bucket, rpc := lookup(sock, pkt.ID)
	if rpc == nil {
		bucket.Unlock()
		return d.sendRestart(p, pkt.SPort, pkt.DPort, pkt.ID)
	}
	timer.NoteActivity(rpc)
	out := rpc.MsgOut
	bucket.Unlock()

	if out == nil {
		return nil
	}
	data := out.RangeData(pkt.Offset, pkt.Offset+pkt.Length)
	if len(data) == 0 {
		return nil
	}
	payload, err := wire.EncodeData(wire.DataPacket{
		Header:        wire.Header{SPort: pkt.DPort, DPort: pkt.SPort, ID: pkt.ID, Priority: pkt.Priority},
		MessageLength: out.Length(),
		Incoming:      out.Granted(),
		Retransmit:    true,
		Segments:      []wire.Segment{{Offset: pkt.Offset, Payload: data}},
	})
	if err != nil {
		return err
	}
	if err := d.send.Send(p, pkt.SPort, payload); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.ResentPackets.Inc()
	}
	return nil
}

func (d *Dispatcher) sendRestart(p *peer.Peer, srcPort, dstPort uint16, id uint64) error {
	payload := wire.EncodeRestart(wire.Header{SPort: dstPort, DPort: srcPort, ID: id})
	if err := d.send.Send(p, srcPort, payload); err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.RestartsSent.Inc()
	}
	return nil
}

func (d *Dispatcher) handleRestart(sock Socket, pkt wire.RestartPacket) error {
	bucket, rpc := lookup(sock, pkt.ID)
	if rpc == nil {
		bucket.Unlock()
		d.countDropped()
		return nil
	}
	if !rpc.IsClient || rpc.MsgOut == nil {
		bucket.Unlock()
		return nil
	}
	timer.HandleRestart(rpc, rpc.MsgOut, d.bufferMax)
	bucket.Unlock()

	if d.pacer != nil {
		d.pacer.Insert(rpc)
	}
	return nil
}

func (d *Dispatcher) handleBusy(sock Socket, pkt wire.BusyPacket) error {
	bucket, rpc := lookup(sock, pkt.ID)
	if rpc == nil {
		bucket.Unlock()
		return nil
	}
	timer.NoteActivity(rpc)
	bucket.Unlock()
	return nil
}

func (d *Dispatcher) handleCutoffs(p *peer.Peer, pkt wire.CutoffsPacket) error {
	p.ApplyCutoffs(pkt.Cutoffs, pkt.CutoffVersion)
	return nil
}
