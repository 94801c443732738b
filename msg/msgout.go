// Package msg implements outbound message segmentation (§4.4) and inbound
// message reassembly (§4.5): MessageOut turns one contiguous user buffer
// into an ordered chain of packet buffers; MessageIn reassembles
// out-of-order, possibly-overlapping segments back into one buffer and
// tracks the RESEND range.
package msg

import (
	"sync"
)

// OutBuffer is one outbound packet buffer: a contiguous slice of the
// message plus the fields the DATA packet needs at send time. Buffers are
// chained via Next, mirroring the private in-buffer "next" pointer the
// spec describes (§3 MessageOut) — a Go slice of *OutBuffer would work
// just as well, but the linked form keeps the pacer's "head of list" and
// pop/requeue operations (§4.7) shaped the way the spec states them.
type OutBuffer struct {
	Offset   uint32
	Data     []byte
	Incoming uint32 // per-buffer authorized horizon, set once at assembly
	Next     *OutBuffer
	sent     bool
}

// Length returns the number of message bytes this buffer carries.
func (b *OutBuffer) Length() uint32 { return uint32(len(b.Data)) }

// MessageOut is the sender-side state of one outbound message (§3).
type MessageOut struct {
	mu          sync.Mutex
	length      uint32
	unscheduled uint32
	granted     uint32
	nextPacket  uint32 // cursor: offset of the next unsent byte
	head        *OutBuffer
	raw         []byte // retained for RESTART re-linearization
}

const (
	// IPv4HeaderSize is the assumed IPv4 header size subtracted from MTU
	// when computing the maximum DATA segment payload (§4.4).
	IPv4HeaderSize = 20
	// DataHeaderSize approximates the fixed, non-segment portion of a DATA
	// packet (common header + message_length/incoming/cutoff_version/
	// retransmit fields), used only to size per-segment payload.
	DataHeaderSize = 44
)

func ceilToMultiple(v, m uint32) uint32 {
	if m == 0 {
		return v
	}
	return ((v + m - 1) / m) * m
}

// AssembleOutbound segments data into a MessageOut per §4.4.
//
//   - segPayloadMax = mtu - IPv4HeaderSize - DataHeaderSize: the most
//     message bytes one MTU-sized segment can carry.
//   - bufferMax = min(deviceGSOMax, configuredGSOMax), rounded down to a
//     whole number of segPayloadMax-sized segments (so a GSO buffer is
//     always an integral number of MTU packets).
//   - unscheduled = ceil(rttBytes / bufferMax) * bufferMax, capped at the
//     message length.
func AssembleOutbound(data []byte, mtu, deviceGSOMax, configuredGSOMax, rttBytes uint32) (*MessageOut, error) {
	length := uint32(len(data))

	segPayloadMax := mtu - IPv4HeaderSize - DataHeaderSize
	if segPayloadMax == 0 {
		segPayloadMax = 1
	}

	bufferMax := deviceGSOMax
	if configuredGSOMax < bufferMax {
		bufferMax = configuredGSOMax
	}
	if bufferMax >= segPayloadMax {
		bufferMax = (bufferMax / segPayloadMax) * segPayloadMax
	}
	if bufferMax == 0 {
		bufferMax = segPayloadMax
	}

	unscheduled := ceilToMultiple(rttBytes, bufferMax)
	if unscheduled > length {
		unscheduled = length
	}

	m := &MessageOut{
		length:      length,
		unscheduled: unscheduled,
		granted:     unscheduled,
		raw:         data,
	}
	m.head = m.linearize(bufferMax)
	return m, nil
}

// linearize rebuilds the buffer chain from raw, used both at assembly and
// on RESTART (§4.8: "reset msgout — re-linearizing all buffers so lower
// layers' per-send mutations do not corrupt retransmitted bytes").
func (m *MessageOut) linearize(bufferMax uint32) *OutBuffer {
	if bufferMax == 0 {
		bufferMax = m.length
		if bufferMax == 0 {
			bufferMax = 1
		}
	}
	var head, tail *OutBuffer
	var bytesSoFar uint32
	for offset := uint32(0); offset < m.length || (m.length == 0 && offset == 0); {
		end := offset + bufferMax
		if end > m.length {
			end = m.length
		}
		buf := &OutBuffer{Offset: offset, Data: m.raw[offset:end]}
		bytesSoFar = end
		incoming := m.unscheduled
		if bytesSoFar > incoming {
			incoming = bytesSoFar
		}
		if incoming > m.length {
			incoming = m.length
		}
		buf.Incoming = incoming
		if head == nil {
			head = buf
		} else {
			tail.Next = buf
		}
		tail = buf
		if m.length == 0 {
			break
		}
		offset = end
	}
	return head
}

// Length returns the total message length.
func (m *MessageOut) Length() uint32 { return m.length }

// Unscheduled returns the unscheduled-byte window computed at assembly.
func (m *MessageOut) Unscheduled() uint32 { return m.unscheduled }

// Granted returns the cumulative bytes currently authorized to send.
func (m *MessageOut) Granted() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted
}

// SetGranted raises the granted horizon. Per §3's invariant, granted is
// monotonic non-decreasing and capped at length; a regression is ignored
// rather than applied (a grant for an offset we've already passed can
// arrive late after reordering).
func (m *MessageOut) SetGranted(offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset > m.length {
		offset = m.length
	}
	if offset > m.granted {
		m.granted = offset
	}
}

// NextPacket returns the offset of the next unsent byte.
func (m *MessageOut) NextPacket() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPacket
}

// BytesRemaining returns the bytes not yet handed to the pacer/socket for
// transmission — the key the send-side SRPT ordering sorts on (§4.7).
func (m *MessageOut) BytesRemaining() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length - m.nextPacket
}

// NextSendable returns the next buffer eligible to send: its offset must
// equal the current cursor and lie below the granted horizon. Returns nil
// if nothing is currently sendable (either fully sent or grant-starved).
func (m *MessageOut) NextSendable() *OutBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := m.head; b != nil; b = b.Next {
		if b.sent {
			continue
		}
		if b.Offset != m.nextPacket {
			return nil
		}
		if b.Offset >= m.granted {
			return nil
		}
		return b
	}
	return nil
}

// MarkSent advances the cursor past buf, which must be the buffer last
// returned by NextSendable.
func (m *MessageOut) MarkSent(buf *OutBuffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf.sent = true
	m.nextPacket = buf.Offset + buf.Length()
}

// FullySent reports whether every buffer has been transmitted.
func (m *MessageOut) FullySent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextPacket >= m.length
}

// RangeData returns a copy of the raw message bytes in [start, end), clipped
// to the message length. Used to serve a RESEND: the sender always retains
// the original buffer, so any previously-sent (or not-yet-sent) range can be
// reconstructed without walking the OutBuffer chain (§4.8).
func (m *MessageOut) RangeData(start, end uint32) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end > m.length {
		end = m.length
	}
	if start >= end {
		return nil
	}
	out := make([]byte, end-start)
	copy(out, m.raw[start:end])
	return out
}

// Reset implements the client-side half of RESTART (§4.8): granted resets
// to unscheduled, next_packet resets to the head, and every buffer is
// re-linearized from the retained raw bytes so that any per-send mutation
// lower layers made to a buffer (e.g. a GSO header stamped in place) is
// undone before retransmission.
func (m *MessageOut) Reset(bufferMax uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = m.unscheduled
	m.nextPacket = 0
	m.head = m.linearize(bufferMax)
}
