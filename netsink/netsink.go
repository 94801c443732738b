// Package netsink defines the boundary between the transport engine and
// the outside world: PacketSink moves encoded wire buffers in and out over
// a real socket, and TimeSource supplies the monotonic clock the pacer's
// NIC-queue estimator and the timer's tick counters run on. Keeping both
// as interfaces lets dispatch/grant/pacer/timer be driven from a fake in
// tests without a real UDP socket or wall clock.
package netsink

import "net/netip"

// PacketSink is the datagram I/O boundary. One RemoteAddr/payload pair per
// packet: this package does not know about DATA/GRANT/RESEND framing, only
// about moving already-encoded buffers.
type PacketSink interface {
	// SendTo transmits payload to addr. Implementations should not block
	// indefinitely; a full send queue should return an error rather than
	// stall the caller (the pacer and timer both call this from a shared
	// worker goroutine).
	SendTo(addr netip.AddrPort, payload []byte) error

	// RecvFrom blocks until a packet arrives, returning its payload and
	// the address it came from. Implementations own the receive buffer
	// backing the returned slice; callers must not retain it past their
	// next RecvFrom call.
	RecvFrom() (payload []byte, from netip.AddrPort, err error)

	// Close releases the underlying socket, unblocking any in-flight
	// RecvFrom with an error.
	Close() error
}

// TimeSource supplies the monotonic clock used for the pacer's NIC-queue
// estimator (§4.7) and the timer's tick cadence (§4.8). Nanoseconds are
// treated as the "cycles" unit throughout this port (see pacer.Estimator).
type TimeSource interface {
	// Now returns the current time in nanoseconds since an arbitrary,
	// fixed epoch (only differences between two Now() calls are
	// meaningful).
	Now() int64
}
