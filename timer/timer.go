// Package timer implements the per-RPC silent-tick bookkeeping of §4.8:
// RESEND emission for RPCs that have gone quiet, RESTART handling for
// server RPCs the peer has forgotten, abort of client RPCs that exceed
// abort_resends, and the BUSY-packet keepalive that resets the counter.
package timer

import (
	"time"

	"github.com/homa-transport/homa/msg"
	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

// ErrAborted is the error recorded on a client Rpc's Err field when it
// times out after abort_resends RESEND attempts (§4.8, §7).
var ErrAborted = errAborted{}

type errAborted struct{}

func (errAborted) Error() string { return "rpc aborted: no response after max resends" }

// SendResend emits a RESEND for rpc covering the still-missing byte range,
// and SendRestart emits a RESTART for rpc. Both are supplied by the caller
// (the dispatch/netsink boundary) so this package never touches the wire
// directly. Timer stores the SendRestart it is given but never calls it.
type SendResend func(rpc *rpctab.Rpc, start, end uint32, priority byte) error
type SendRestart func(rpc *rpctab.Rpc) error

// NotifyReady wakes a receiver blocked on rpc once it reaches Ready outside
// the normal DATA-completion path — currently only the abort_resends
// timeout (§4.8). Called with no bucket lock held.
type NotifyReady func(rpc *rpctab.Rpc)

// ResendsCounter is satisfied by metrics.Collectors.ResentPackets.
type ResendsCounter interface{ Inc() }

// Config bundles the sysctl tunables the timer needs (§6).
type Config struct {
	ResendTicks      int           // silent ticks before the first RESEND
	ResendIntervalMs int64         // minimum spacing between RESENDs to one peer
	AbortResends     int           // RESEND attempts before abort
	TickInterval     time.Duration // real wall-clock cadence of one tick
}

// Timer drives the per-tick sweep over a table's RPCs (§4.8). It holds no
// RPC state itself — SilentTicks/NumResends live on rpctab.Rpc, guarded by
// that RPC's bucket lock, which Sweep acquires per-bucket as it walks.
type Timer struct {
	cfg Config

	resend  SendResend
	restart SendRestart
	onReady NotifyReady

	resends ResendsCounter
	log     *zap.SugaredLogger

	tick int64
}

// New creates a Timer. onReady may be nil if the caller has no receiver
// wake-up to perform (e.g. tests exercising Sweep in isolation).
func New(cfg Config, resend SendResend, restart SendRestart, onReady NotifyReady, resends ResendsCounter, log *zap.Logger) *Timer {
	return &Timer{cfg: cfg, resend: resend, restart: restart, onReady: onReady, resends: resends, log: log.Sugar()}
}

// Tick returns the current tick counter (monotonically increasing once
// per Sweep call), used as the "logical clock" peer.SetLastResendTick
// records against.
func (t *Timer) Tick() int64 { return t.tick }

// NoteActivity resets an RPC's silent-tick counter when any packet for it
// arrives (§4.8: "any inbound packet for this RPC resets silent_ticks to
// 0"), including BUSY. Caller must hold rpc's bucket lock.
func NoteActivity(rpc *rpctab.Rpc) {
	rpc.SilentTicks = 0
}

// Sweep walks every bucket in table, incrementing SilentTicks for RPCs
// that are still waiting on something, and takes the RESEND/RESTART/abort
// action appropriate to how long they've been silent (§4.8 steps 1-4).
// now is supplied by the caller's TimeSource.
func (t *Timer) Sweep(table *rpctab.Table, isClient bool, now time.Time) {
	t.tick++
	for i := 0; i < rpctab.NumBuckets; i++ {
		bucket := table.Bucket(uint64(i), isClient)
		var woken []*rpctab.Rpc
		bucket.Lock()
		bucket.Each(func(rpc *rpctab.Rpc) {
			if t.stepRpc(rpc, now) {
				woken = append(woken, rpc)
			}
		})
		bucket.Unlock()

		if t.onReady != nil {
			for _, rpc := range woken {
				t.onReady(rpc)
			}
		}
	}
}

// stepRpc evaluates and acts on one RPC, returning true if this call just
// transitioned a client RPC to Ready via abort (the caller must notify a
// blocked receiver once the bucket lock is released). Caller must hold
// rpc's bucket lock.
func (t *Timer) stepRpc(rpc *rpctab.Rpc, now time.Time) bool {
	switch rpc.State {
	case rpctab.Ready, rpctab.Dead:
		return false
	}

	waiting := t.isWaiting(rpc)
	if !waiting {
		rpc.SilentTicks = 0
		return false
	}

	rpc.SilentTicks++
	if rpc.SilentTicks < t.cfg.ResendTicks {
		return false
	}

	if rpc.NumResends >= t.cfg.AbortResends {
		t.abort(rpc)
		return rpc.IsClient && rpc.State == rpctab.Ready
	}

	if rpc.Peer == nil || !rpc.Peer.AllowResend(now) {
		return false
	}

	// Every resend_interval-gated silent period beyond resend_ticks counts
	// toward abort_resends, whether or not there is reassembly state to
	// form an actual RESEND packet from yet (a client waiting on the very
	// first byte of a response has no MsgIn to compute a range from).
	rpc.NumResends++
	if rpc.Peer != nil {
		rpc.Peer.SetLastResendTick(t.tick)
	}
	if t.emitResend(rpc) && t.resends != nil {
		t.resends.Inc()
	}
	return false
}

// isWaiting reports whether rpc is expecting more inbound traffic: a
// client waiting on a response, or either side waiting on more DATA for a
// scheduled message that isn't fully received yet.
func (t *Timer) isWaiting(rpc *rpctab.Rpc) bool {
	if rpc.MsgIn == nil {
		return rpc.State == rpctab.Outgoing || rpc.State == rpctab.Incoming
	}
	return rpc.MsgIn.BytesRemaining() > 0
}

// emitResend sends an actual RESEND packet for rpc if its reassembly state
// can compute a missing range, reporting whether one was sent. A client
// still waiting for the first byte of a response has no MsgIn yet and
// nothing to form a RESEND from — the silent tick still counts toward
// abort_resends even though no packet goes out.
func (t *Timer) emitResend(rpc *rpctab.Rpc) bool {
	if rpc.MsgIn == nil {
		return false
	}
	start, end, ok := rpc.MsgIn.ResendRange()
	if !ok {
		return false
	}
	priority := byte(0)
	if rpc.Peer != nil {
		priority = rpc.Peer.PriorityForSize(rpc.MsgIn.TotalLength())
	}
	if err := t.resend(rpc, start, end, priority); err != nil {
		t.log.Warnw("timer: failed to emit RESEND", "rpc_id", rpc.ID, "error", err)
		return false
	}
	return true
}

// abort implements §4.8's abort_resends behavior: a client RPC records
// ErrAborted and transitions to Ready so a blocked recv() wakes with an
// error; a server RPC is simply abandoned (no response channel to wake).
func (t *Timer) abort(rpc *rpctab.Rpc) {
	if rpc.IsClient {
		rpc.Err = ErrAborted
		rpc.State = rpctab.Ready
		return
	}
	rpc.State = rpctab.Dead
}

// HandleRestart implements the client side of RESTART (§4.8): the server
// has forgotten this RPC (most likely after a crash/restart), so the
// client must re-linearize and retransmit msgout from the beginning,
// exactly as if it were a fresh send. Any partially-received response is
// discarded along with it — the server will re-execute the request and
// may answer with a different response, so msgin must not carry over any
// bytes already reassembled from the previous attempt.
func HandleRestart(rpc *rpctab.Rpc, out *msg.MessageOut, bufferMax uint32) {
	out.Reset(bufferMax)
	rpc.MsgIn = nil
	rpc.SilentTicks = 0
	rpc.NumResends = 0
	rpc.State = rpctab.Outgoing
}
