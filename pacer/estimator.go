// Package pacer implements the sender-side NIC-queue estimator, the
// priority-ordered throttled-RPC list, and the cooperative pacer loop that
// keeps the NIC transmit queue short (§4.7).
package pacer

import "sync/atomic"

// Estimator tracks link_idle_time_cycles: the time at which the NIC is
// expected to become idle if no further packets are queued. "Cycles" here
// are whatever monotonic unit the caller's TimeSource produces (the
// original kernel module uses rdtsc cycles; this port treats them as
// nanoseconds, which is the natural unit for a userspace TimeSource, and
// derives cyclesPerKByte accordingly).
type Estimator struct {
	idle              atomic.Int64
	cyclesPerKByte    float64
	maxNICQueueCycles int64
}

// CyclesPerKByte derives the per-1000-byte transmit cost from the
// configured link speed, multiplied by 1.05 to over-estimate slightly and
// avoid underflowing the queue tracking (§4.7).
func CyclesPerKByte(linkMbps uint32) float64 {
	if linkMbps == 0 {
		linkMbps = 1
	}
	// 1000 bytes = 8000 bits; at linkMbps megabits/sec that takes
	// 8000/(linkMbps*1e6) seconds = 8e6/linkMbps nanoseconds.
	return (8_000_000_000.0 / float64(linkMbps)) / 1000.0 * 1.05
}

// NewEstimator creates an Estimator for the given link speed and maximum
// NIC-queue depth (max_nic_queue_ns, §6).
func NewEstimator(linkMbps uint32, maxNICQueueNs int64) *Estimator {
	return &Estimator{
		cyclesPerKByte:    CyclesPerKByte(linkMbps),
		maxNICQueueCycles: maxNICQueueNs,
	}
}

// IdleAt returns the current link_idle_time_cycles value.
func (e *Estimator) IdleAt() int64 { return e.idle.Load() }

// pktCycles returns the transmit-time estimate for a packet of wireBytes.
func (e *Estimator) pktCycles(wireBytes uint32) int64 {
	return int64(float64(wireBytes) * e.cyclesPerKByte / 1000.0)
}

// TryReserve attempts to admit a packet of wireBytes queued at time now.
// If admitting it would push the queue beyond max_nic_queue_cycles ahead of
// now, it is rejected (false) and the estimator is left unchanged.
// Otherwise it atomically advances link_idle_time_cycles and returns true.
//
// This loop is the compare-and-swap algorithm of §4.7 verbatim: read idle,
// reject if now+max_queue < idle, else idle = max(idle, now) + pkt_cycles.
func (e *Estimator) TryReserve(now int64, wireBytes uint32) bool {
	cycles := e.pktCycles(wireBytes)
	for {
		idle := e.idle.Load()
		if now+e.maxNICQueueCycles < idle {
			return false
		}
		base := idle
		if now > base {
			base = now
		}
		newIdle := base + cycles
		if e.idle.CompareAndSwap(idle, newIdle) {
			return true
		}
	}
}
