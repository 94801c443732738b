package pacer

import (
	"context"
	"sync"

	"github.com/homa-transport/homa/rpctab"
	"go.uber.org/zap"
)

// Counter is satisfied by a prometheus.Counter; kept narrow to avoid
// pulling the metrics package's dependency into core scheduling logic.
type Counter interface{ Inc() }

// Gauge is satisfied by a prometheus.Gauge.
type Gauge interface{ Set(float64) }

// Transmitter performs the actual encode-and-send of one outbound buffer
// for rpc, supplied by the dispatch/netsink boundary so this package never
// touches the wire directly.
//
// If force is true the estimator must be bypassed for this one packet
// (§4.7 step 3: "forcing the first packet through even if the estimator
// disagrees, to avoid starvation"). SendNext returns whether a packet was
// actually transmitted, and whether the RPC has no more granted-but-unsent
// bytes left (drained) after this call.
type Transmitter interface {
	SendNext(rpc *rpctab.Rpc, force bool) (sent bool, drained bool, err error)
}

// BucketLocker exposes just enough of rpctab.Table for the pacer loop to
// try-lock an RPC's bucket without creating an import-cycle-prone
// dependency on the full table type.
type BucketLocker interface {
	BucketFor(rpc *rpctab.Rpc) *rpctab.Bucket
}

// Pacer holds the throttled-RPC list and drives the pacer loop (§4.7).
type Pacer struct {
	mu   sync.Mutex // throttle_lock
	head *rpctab.Rpc

	estimator        *Estimator
	throttleMinBytes uint32

	wake chan struct{}

	transmitter Transmitter
	buckets     BucketLocker
	freeServer  func(rpc *rpctab.Rpc)

	skipped Counter
	qlen    Gauge
	log     *zap.SugaredLogger
}

// New creates a Pacer. freeServer is invoked when a fully-sent server-side
// RPC drains off the throttled list (§4.7 step 4).
func New(estimator *Estimator, throttleMinBytes uint32, transmitter Transmitter, buckets BucketLocker, freeServer func(*rpctab.Rpc), skipped Counter, qlen Gauge, log *zap.Logger) *Pacer {
	return &Pacer{
		estimator:        estimator,
		throttleMinBytes: throttleMinBytes,
		wake:             make(chan struct{}, 1),
		transmitter:      transmitter,
		buckets:          buckets,
		freeServer:       freeServer,
		skipped:          skipped,
		qlen:             qlen,
		log:              log.Sugar(),
	}
}

// BelowThrottleMinimum reports whether a packet of wireBytes is small
// enough to bypass the throttled list entirely (§6 throttle_min_bytes).
func (p *Pacer) BelowThrottleMinimum(wireBytes uint32) bool {
	return wireBytes < p.throttleMinBytes
}

// Estimator returns the NIC-queue estimator, for direct use by non-pacer
// senders deciding whether they may transmit without queuing (§4.7,
// "non-pacer senders may also transmit directly ... if the estimator
// indicates capacity").
func (p *Pacer) Estimator() *Estimator { return p.estimator }

// IsEmpty reports whether the throttled list currently has no entries.
func (p *Pacer) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head == nil
}

// remove unlinks rpc. Caller must hold mu.
func (p *Pacer) remove(rpc *rpctab.Rpc) {
	if !rpc.OnThrottled {
		return
	}
	if rpc.ThrottledPrev != nil {
		rpc.ThrottledPrev.ThrottledNext = rpc.ThrottledNext
	} else {
		p.head = rpc.ThrottledNext
	}
	if rpc.ThrottledNext != nil {
		rpc.ThrottledNext.ThrottledPrev = rpc.ThrottledPrev
	}
	rpc.ThrottledNext = nil
	rpc.ThrottledPrev = nil
	rpc.OnThrottled = false
}

// Remove takes rpc off the throttled list if present (e.g. on abort or
// shutdown, §5).
func (p *Pacer) Remove(rpc *rpctab.Rpc) {
	p.mu.Lock()
	p.remove(rpc)
	p.report()
	p.mu.Unlock()
}

// RemoveAllForTable drops every currently-throttled RPc belonging to table,
// e.g. when the owning socket shuts down (§5: "the pacer skips shut-down
// sockets' RPCs and removes them from the throttled list under lock").
func (p *Pacer) RemoveAllForTable(table *rpctab.Table) {
	p.mu.Lock()
	var matched []*rpctab.Rpc
	for r := p.head; r != nil; r = r.ThrottledNext {
		if r.Table == table {
			matched = append(matched, r)
		}
	}
	for _, r := range matched {
		p.remove(r)
	}
	p.report()
	p.mu.Unlock()
}

// Insert adds rpc to the throttled list, sorted by remaining-bytes
// ascending (send-side SRPT, §4.7/§8). Wakes the pacer loop if the list
// was empty.
func (p *Pacer) Insert(rpc *rpctab.Rpc) {
	p.mu.Lock()
	wasEmpty := p.head == nil
	if rpc.OnThrottled {
		p.remove(rpc)
	}
	remaining := rpc.MsgOut.BytesRemaining()
	var prev *rpctab.Rpc
	cur := p.head
	for cur != nil && cur.MsgOut.BytesRemaining() <= remaining {
		prev = cur
		cur = cur.ThrottledNext
	}
	rpc.ThrottledPrev = prev
	rpc.ThrottledNext = cur
	if prev != nil {
		prev.ThrottledNext = rpc
	} else {
		p.head = rpc
	}
	if cur != nil {
		cur.ThrottledPrev = rpc
	}
	rpc.OnThrottled = true
	p.report()
	p.mu.Unlock()

	if wasEmpty {
		p.signal()
	}
}

func (p *Pacer) report() {
	if p.qlen == nil {
		return
	}
	n := 0
	for r := p.head; r != nil; r = r.ThrottledNext {
		n++
	}
	p.qlen.Set(float64(n))
}

func (p *Pacer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drives the pacer loop until ctx is canceled (§4.7's "dedicated
// worker task"). It sleeps on the wake channel when the throttled list is
// empty, otherwise repeatedly drains the head RPC.
func (p *Pacer) Run(ctx context.Context) {
	for {
		if p.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
			continue
		}
		p.runOnce()
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runOnce implements one pass of the pacer loop body (§4.7 steps 2-5).
func (p *Pacer) runOnce() {
	p.mu.Lock()
	head := p.head
	p.mu.Unlock()
	if head == nil {
		return
	}

	bucket := p.buckets.BucketFor(head)
	if !bucket.TryLock() {
		if p.skipped != nil {
			p.skipped.Inc()
		}
		return
	}
	defer bucket.Unlock()

	const maxBatch = 5
	for i := 0; i < maxBatch; i++ {
		force := i == 0
		sent, drained, err := p.transmitter.SendNext(head, force)
		if err != nil {
			p.log.Warnw("pacer: transmit failed", "rpc_id", head.ID, "error", err)
			return
		}
		if !sent {
			return
		}
		if drained {
			p.Remove(head)
			if !head.IsClient && head.MsgOut.FullySent() && p.freeServer != nil {
				p.freeServer(head)
			}
			return
		}
	}
}
