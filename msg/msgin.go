package msg

import "sync"

// interval is a half-open, non-overlapping covered byte range [Start, End).
type interval struct {
	Start, End uint32
}

// MessageIn is the receiver-side state of one inbound message (§3, §4.5).
type MessageIn struct {
	mu            sync.Mutex
	totalLength   uint32
	unscheduled   uint32
	scheduled     bool
	incoming      uint32
	bytesReceived uint32
	segments      []interval // sorted, merged, non-overlapping
	data          []byte
}

// NewMessageIn creates reassembly state for a message whose total length
// and unscheduled window are already known (learned from the first DATA
// packet's message_length/incoming fields, §4.1).
func NewMessageIn(totalLength, unscheduled uint32) *MessageIn {
	return &MessageIn{
		totalLength: totalLength,
		unscheduled: unscheduled,
		scheduled:   totalLength > unscheduled,
		incoming:    unscheduled,
		data:        make([]byte, totalLength),
	}
}

// TotalLength returns the full message length.
func (m *MessageIn) TotalLength() uint32 { return m.totalLength }

// Scheduled reports whether this message requires grants beyond its
// unscheduled window — the first half of the grantable_rpcs membership
// invariant (§3).
func (m *MessageIn) Scheduled() bool { return m.scheduled }

// BytesRemaining returns total_length - (bytes covered so far) (§3).
func (m *MessageIn) BytesRemaining() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLength - m.bytesReceived
}

// BytesReceived returns the number of distinct bytes covered so far.
func (m *MessageIn) BytesReceived() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesReceived
}

// Incoming returns the sender-authorized horizon last recorded (the
// highest byte the sender is known to be authorized to have sent).
func (m *MessageIn) Incoming() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incoming
}

// SetIncoming records a new authorized horizon. Per §5's ordering
// guarantee ("grants to the same sender never regress in offset"), a
// regression is ignored.
func (m *MessageIn) SetIncoming(v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v > m.incoming {
		m.incoming = v
	}
}

// Insert records a newly-arrived segment [offset, offset+len(payload)).
// Bytes already covered by a prior segment are dropped (duplicate). It
// returns the number of genuinely new bytes this call covered and whether
// the message is now completely reassembled.
func (m *MessageIn) Insert(offset uint32, payload []byte) (newBytes uint32, ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := offset + uint32(len(payload))
	if offset > m.totalLength {
		offset = m.totalLength
	}
	if end > m.totalLength {
		end = m.totalLength
	}
	if end <= offset {
		return 0, m.bytesReceived >= m.totalLength && m.totalLength > 0
	}

	added := m.copyUncovered(offset, end, payload)
	m.mergeInterval(offset, end)
	m.bytesReceived += added

	ready = m.bytesReceived >= m.totalLength && m.totalLength > 0
	return added, ready
}

// copyUncovered copies only the sub-ranges of [start, end) not already
// present in m.segments into m.data, and returns the total bytes copied.
func (m *MessageIn) copyUncovered(start, end uint32, payload []byte) uint32 {
	var added uint32
	pos := start
	for _, iv := range m.segments {
		if iv.End <= pos {
			continue
		}
		if iv.Start >= end {
			break
		}
		if iv.Start > pos {
			gapEnd := iv.Start
			if gapEnd > end {
				gapEnd = end
			}
			added += m.copyRange(pos, gapEnd, start, payload)
		}
		if iv.End > pos {
			pos = iv.End
		}
		if pos >= end {
			break
		}
	}
	if pos < end {
		added += m.copyRange(pos, end, start, payload)
	}
	return added
}

// copyRange copies payload[gapStart-segStart : gapEnd-segStart) into
// m.data[gapStart:gapEnd) and returns the byte count copied.
func (m *MessageIn) copyRange(gapStart, gapEnd, segStart uint32, payload []byte) uint32 {
	if gapEnd <= gapStart {
		return 0
	}
	copy(m.data[gapStart:gapEnd], payload[gapStart-segStart:gapEnd-segStart])
	return gapEnd - gapStart
}

// mergeInterval inserts [start, end) into the sorted, merged interval list.
func (m *MessageIn) mergeInterval(start, end uint32) {
	var merged []interval
	inserted := false
	for _, iv := range m.segments {
		if iv.End < start {
			merged = append(merged, iv)
			continue
		}
		if iv.Start > end {
			if !inserted {
				merged = append(merged, interval{start, end})
				inserted = true
			}
			merged = append(merged, iv)
			continue
		}
		// Overlapping or adjacent: fold into the pending [start,end).
		if iv.Start < start {
			start = iv.Start
		}
		if iv.End > end {
			end = iv.End
		}
	}
	if !inserted {
		merged = append(merged, interval{start, end})
	}
	m.segments = merged
}

// ResendRange computes the lowest missing byte range below incoming, per
// §4.5: scan the sorted segment list for the first gap; if none exist
// below incoming, there is nothing to resend. If no segment has arrived at
// all and no bytes have been granted yet, the gap is the initial
// unscheduled window — the sender should have transmitted it already.
func (m *MessageIn) ResendRange() (start, end uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.segments) == 0 {
		if m.incoming == 0 {
			if m.unscheduled == 0 {
				return 0, 0, false
			}
			return 0, m.unscheduled, true
		}
		return 0, m.incoming, m.incoming > 0
	}

	pos := uint32(0)
	for _, iv := range m.segments {
		if iv.Start > pos {
			gapEnd := iv.Start
			if gapEnd > m.incoming {
				gapEnd = m.incoming
			}
			if pos < gapEnd {
				return pos, gapEnd, true
			}
		}
		if iv.End > pos {
			pos = iv.End
		}
	}
	if pos < m.incoming {
		return pos, m.incoming, true
	}
	return 0, 0, false
}

// Data returns the reconstructed message buffer. Only meaningful once the
// message has reached Ready (BytesRemaining() == 0).
func (m *MessageIn) Data() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}
