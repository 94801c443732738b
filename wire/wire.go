// Package wire implements the Homa wire codec: encoding and decoding of the
// fixed common header shared by every packet type, plus the type-specific
// trailing fields for DATA, GRANT, RESEND, RESTART, BUSY, CUTOFFS and
// FREEZE.
//
// Every packet begins with a 32-byte common header whose first 16 bytes
// mirror TCP's field offsets (source port, dest port, two reserved 32-bit
// words sitting where TCP's seq/ack live) so that NIC TSO/RSS steering,
// tuned for TCP, does not misparse a Homa packet. All multi-byte fields are
// big-endian except ID, which travels in the sender's host byte order (the
// kernel source does this to avoid a swap on the hot path; we keep the
// wire-compat behavior here even though userspace has no such shortcut).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the packet kind carried in the common header.
type Type uint8

const (
	TypeData Type = iota + 1
	TypeGrant
	TypeResend
	TypeRestart
	TypeBusy
	TypeCutoffs
	TypeFreeze
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeGrant:
		return "GRANT"
	case TypeResend:
		return "RESEND"
	case TypeRestart:
		return "RESTART"
	case TypeBusy:
		return "BUSY"
	case TypeCutoffs:
		return "CUTOFFS"
	case TypeFreeze:
		return "FREEZE"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

const (
	// CommonHeaderSize is the fixed 32-byte header every packet begins with.
	CommonHeaderSize = 32
	// MinPacketSize is the minimum wire size of any packet; shorter
	// encodings are zero-padded to satisfy minimum-header assumptions
	// downstream (GRO, RSS) that expect at least this many bytes.
	MinPacketSize = 64
	// MaxPriorities bounds num_priorities (sysctl-tunable, §6).
	MaxPriorities = 8
)

// Header is the common 32-byte header carried by every packet.
//
// Layout (big-endian except ID):
//
//	0   2    sport
//	2   4    dport
//	4   8    unused1 (sits where TCP seq lives)
//	8   12   unused2 (sits where TCP ack lives)
//	12  13   doff (high 4 bits: header word count, used by TSO)
//	13  14   type
//	14  15   gro_count (wire-defined only for receive aggregation; unused by the core)
//	15  17   checksum (unused by Homa, kept at TCP's checksum offset)
//	17  18   priority (debug only)
//	18  24   reserved
//	24  32   id (client-host byte order)
type Header struct {
	SPort    uint16
	DPort    uint16
	Doff     byte
	Type     Type
	GroCount byte
	Priority byte
	ID       uint64
}

// ErrShortPacket is returned when a buffer is too small to hold a valid header.
var ErrShortPacket = errors.New("wire: packet shorter than common header")

// ErrUnknownType is returned when the common header names a type this codec
// does not recognize.
var ErrUnknownType = errors.New("wire: unknown packet type")

func putHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint16(buf[0:2], h.SPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DPort)
	// unused1/unused2 left zero — reserved TCP-shaped padding.
	buf[12] = h.Doff
	buf[13] = byte(h.Type)
	buf[14] = h.GroCount
	// checksum (15:17) left zero — unused by Homa.
	buf[17] = h.Priority
	// reserved (18:24) left zero.
	binary.NativeEndian.PutUint64(buf[24:32], h.ID)
}

func getHeader(buf []byte) Header {
	return Header{
		SPort:    binary.BigEndian.Uint16(buf[0:2]),
		DPort:    binary.BigEndian.Uint16(buf[2:4]),
		Doff:     buf[12],
		Type:     Type(buf[13]),
		GroCount: buf[14],
		Priority: buf[17],
		ID:       binary.NativeEndian.Uint64(buf[24:32]),
	}
}

// pad grows buf with zero bytes until it is at least MinPacketSize long.
func pad(buf []byte) []byte {
	if len(buf) >= MinPacketSize {
		return buf
	}
	grown := make([]byte, MinPacketSize)
	copy(grown, buf)
	return grown
}

// Segment is one offset-tagged chunk of message payload inside a DATA packet.
type Segment struct {
	Offset  uint32
	Payload []byte
}

// DataPacket is the DATA packet: carries one or more payload segments plus
// the sender's authorized-horizon and cutoff-version bookkeeping (§4.1, §4.6).
type DataPacket struct {
	Header
	MessageLength uint32
	Incoming      uint32
	CutoffVersion uint16
	Retransmit    bool
	Segments      []Segment
}

// EncodeData serializes a DATA packet.
func EncodeData(p DataPacket) ([]byte, error) {
	if len(p.Segments) == 0 {
		return nil, errors.New("wire: DATA packet must carry at least one segment")
	}
	size := CommonHeaderSize + 4 + 4 + 2 + 1 + 1 // +1 pad byte after retransmit flag
	for _, seg := range p.Segments {
		size += 4 + 4 + len(seg.Payload)
	}
	buf := make([]byte, size)
	p.Header.Type = TypeData
	putHeader(buf, p.Header)
	off := CommonHeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], p.MessageLength)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], p.Incoming)
	off += 4
	binary.BigEndian.PutUint16(buf[off:off+2], p.CutoffVersion)
	off += 2
	if p.Retransmit {
		buf[off] = 1
	}
	off += 2 // retransmit byte + 1 reserved pad byte
	for _, seg := range p.Segments {
		binary.BigEndian.PutUint32(buf[off:off+4], seg.Offset)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(seg.Payload)))
		off += 4
		copy(buf[off:off+len(seg.Payload)], seg.Payload)
		off += len(seg.Payload)
	}
	return pad(buf), nil
}

// DecodeData parses a DATA packet body following an already-validated common header.
func DecodeData(h Header, buf []byte) (DataPacket, error) {
	rest := buf[CommonHeaderSize:]
	if len(rest) < 12 {
		return DataPacket{}, ErrShortPacket
	}
	p := DataPacket{Header: h}
	off := 0
	p.MessageLength = binary.BigEndian.Uint32(rest[off : off+4])
	off += 4
	p.Incoming = binary.BigEndian.Uint32(rest[off : off+4])
	off += 4
	p.CutoffVersion = binary.BigEndian.Uint16(rest[off : off+2])
	off += 2
	p.Retransmit = rest[off] != 0
	off += 2
	for off < len(rest) {
		if off+8 > len(rest) {
			break // trailing zero padding, not a segment
		}
		segOffset := binary.BigEndian.Uint32(rest[off : off+4])
		segLen := binary.BigEndian.Uint32(rest[off+4 : off+8])
		off += 8
		if segLen == 0 {
			break
		}
		if off+int(segLen) > len(rest) {
			return DataPacket{}, fmt.Errorf("wire: segment length %d exceeds packet", segLen)
		}
		payload := make([]byte, segLen)
		copy(payload, rest[off:off+int(segLen)])
		off += int(segLen)
		p.Segments = append(p.Segments, Segment{Offset: segOffset, Payload: payload})
	}
	if len(p.Segments) == 0 {
		return DataPacket{}, errors.New("wire: DATA packet had no segments")
	}
	return p, nil
}

// GrantPacket authorizes the sender to transmit up to Offset bytes (§4.6).
type GrantPacket struct {
	Header
	Offset   uint32
	Priority byte
}

func EncodeGrant(p GrantPacket) []byte {
	buf := make([]byte, CommonHeaderSize+5)
	p.Header.Type = TypeGrant
	putHeader(buf, p.Header)
	binary.BigEndian.PutUint32(buf[CommonHeaderSize:CommonHeaderSize+4], p.Offset)
	buf[CommonHeaderSize+4] = p.Priority
	return pad(buf)
}

func DecodeGrant(h Header, buf []byte) (GrantPacket, error) {
	rest := buf[CommonHeaderSize:]
	if len(rest) < 5 {
		return GrantPacket{}, ErrShortPacket
	}
	return GrantPacket{
		Header:   h,
		Offset:   binary.BigEndian.Uint32(rest[0:4]),
		Priority: rest[4],
	}, nil
}

// ResendPacket requests retransmission of [Offset, Offset+Length) (§4.5, §4.8).
type ResendPacket struct {
	Header
	Offset   uint32
	Length   uint32
	Priority byte
}

func EncodeResend(p ResendPacket) []byte {
	buf := make([]byte, CommonHeaderSize+9)
	p.Header.Type = TypeResend
	putHeader(buf, p.Header)
	binary.BigEndian.PutUint32(buf[CommonHeaderSize:CommonHeaderSize+4], p.Offset)
	binary.BigEndian.PutUint32(buf[CommonHeaderSize+4:CommonHeaderSize+8], p.Length)
	buf[CommonHeaderSize+8] = p.Priority
	return pad(buf)
}

func DecodeResend(h Header, buf []byte) (ResendPacket, error) {
	rest := buf[CommonHeaderSize:]
	if len(rest) < 9 {
		return ResendPacket{}, ErrShortPacket
	}
	return ResendPacket{
		Header:   h,
		Offset:   binary.BigEndian.Uint32(rest[0:4]),
		Length:   binary.BigEndian.Uint32(rest[4:8]),
		Priority: rest[8],
	}, nil
}

// RestartPacket carries no payload: it tells the client its server-side
// state is gone and the RPC must be replayed from offset 0 (§4.8).
type RestartPacket struct{ Header }

func EncodeRestart(h Header) []byte {
	buf := make([]byte, CommonHeaderSize)
	h.Type = TypeRestart
	putHeader(buf, h)
	return pad(buf)
}

// BusyPacket is an unsolicited liveness packet; it resets silent_ticks but
// carries no data (§4.8).
type BusyPacket struct{ Header }

func EncodeBusy(h Header) []byte {
	buf := make([]byte, CommonHeaderSize)
	h.Type = TypeBusy
	putHeader(buf, h)
	return pad(buf)
}

// CutoffsPacket announces the receiver's unscheduled-priority cutoff table
// (§4.6, §4.2).
type CutoffsPacket struct {
	Header
	Cutoffs       [MaxPriorities]uint32
	CutoffVersion uint16
}

func EncodeCutoffs(p CutoffsPacket) []byte {
	buf := make([]byte, CommonHeaderSize+MaxPriorities*4+2)
	p.Header.Type = TypeCutoffs
	putHeader(buf, p.Header)
	off := CommonHeaderSize
	for i := 0; i < MaxPriorities; i++ {
		binary.BigEndian.PutUint32(buf[off:off+4], p.Cutoffs[i])
		off += 4
	}
	binary.BigEndian.PutUint16(buf[off:off+2], p.CutoffVersion)
	return pad(buf)
}

func DecodeCutoffs(h Header, buf []byte) (CutoffsPacket, error) {
	rest := buf[CommonHeaderSize:]
	if len(rest) < MaxPriorities*4+2 {
		return CutoffsPacket{}, ErrShortPacket
	}
	p := CutoffsPacket{Header: h}
	off := 0
	for i := 0; i < MaxPriorities; i++ {
		p.Cutoffs[i] = binary.BigEndian.Uint32(rest[off : off+4])
		off += 4
	}
	p.CutoffVersion = binary.BigEndian.Uint16(rest[off : off+2])
	return p, nil
}

// FreezePacket is a debug packet (freezes the source's tcpdump ring buffer
// in the original kernel module). The core treats it as a logged no-op.
type FreezePacket struct{ Header }

func EncodeFreeze(h Header) []byte {
	buf := make([]byte, CommonHeaderSize)
	h.Type = TypeFreeze
	putHeader(buf, h)
	return pad(buf)
}

// Decode inspects the common header and dispatches to the matching
// type-specific decoder, returning one of the Data/Grant/Resend/Restart/
// Busy/Cutoffs/FreezePacket values (not pointers).
func Decode(buf []byte) (any, error) {
	if len(buf) < CommonHeaderSize {
		return nil, ErrShortPacket
	}
	h := getHeader(buf)
	switch h.Type {
	case TypeData:
		return DecodeData(h, buf)
	case TypeGrant:
		return DecodeGrant(h, buf)
	case TypeResend:
		return DecodeResend(h, buf)
	case TypeRestart:
		return RestartPacket{Header: h}, nil
	case TypeBusy:
		return BusyPacket{Header: h}, nil
	case TypeCutoffs:
		return DecodeCutoffs(h, buf)
	case TypeFreeze:
		return FreezePacket{Header: h}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}
