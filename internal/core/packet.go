package core

import (
	"encoding/binary"
	"net/netip"
	"time"
)

// RawPacket is a captured link-layer frame.
type RawPacket struct {
	Data       []byte    // Raw frame data, zero-copy slice
	Timestamp  time.Time // Capture timestamp
	CaptureLen uint32    // Actual captured length
	OrigLen    uint32    // Original frame length
}

// ProtocolCode records which layer last classified a packet.
type ProtocolCode uint8

const (
	ProtocolUnknown ProtocolCode = iota
	ProtocolIPv4
	ProtocolGRE
	ProtocolERSPAN
	ProtocolUDP
	ProtocolRTP
)

func (c ProtocolCode) String() string {
	switch c {
	case ProtocolIPv4:
		return "ipv4"
	case ProtocolGRE:
		return "gre"
	case ProtocolERSPAN:
		return "erspan"
	case ProtocolUDP:
		return "udp"
	case ProtocolRTP:
		return "rtp"
	default:
		return "unknown"
	}
}

// Payload is the content a Packet carries. The concrete types are *Buffer
// (raw bytes still to be decoded) and RtpHeader (terminal parsed form).
type Payload interface {
	isPayload()
}

// Packet is one captured unit as it flows through the pipeline.
// Ownership moves from decoder to decoder; it is never mutated concurrently.
type Packet struct {
	Timestamp     time.Time
	SrcAddr       [4]byte
	DstAddr       [4]byte
	Payload       Payload
	ProtocolCode  ProtocolCode
	RecordingMark int // offset into the raw buffer where RTP bytes begin
}

// NewPacket wraps raw bytes into a packet ready for decoding.
func NewPacket(ts time.Time, data []byte) *Packet {
	return &Packet{Timestamp: ts, Payload: NewBuffer(data)}
}

// Buffer returns the raw payload, or nil once the payload has been replaced by a parsed form.
func (p *Packet) Buffer() *Buffer {
	b, _ := p.Payload.(*Buffer)
	return b
}

// Src returns the source address as netip.Addr.
func (p *Packet) Src() netip.Addr { return netip.AddrFrom4(p.SrcAddr) }

// Dst returns the destination address as netip.Addr.
func (p *Packet) Dst() netip.Addr { return netip.AddrFrom4(p.DstAddr) }

// Copy returns a deep copy whose payload bytes share nothing with p.
func (p *Packet) Copy() *Packet {
	c := *p
	if b, ok := p.Payload.(*Buffer); ok {
		data := make([]byte, len(b.Data))
		copy(data, b.Data)
		c.Payload = &Buffer{Data: data, Pos: b.Pos}
	}
	return &c
}

// Buffer is a byte slice with a read cursor. Decoders consume header
// bytes by advancing Pos; Data is never shifted so offsets stay valid.
type Buffer struct {
	Data []byte
	Pos  int
}

// NewBuffer creates a buffer positioned at the first byte of data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{Data: data}
}

func (*Buffer) isPayload() {}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.Data) - b.Pos
}

// Bytes returns the unread bytes without copying.
func (b *Buffer) Bytes() []byte {
	return b.Data[b.Pos:]
}

// Skip advances the cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	if n < 0 || b.Len() < n {
		return ErrPacketTooShort
	}
	b.Pos += n
	return nil
}

// ReadUint8 reads one byte.
func (b *Buffer) ReadUint8() (uint8, error) {
	if b.Len() < 1 {
		return 0, ErrPacketTooShort
	}
	v := b.Data[b.Pos]
	b.Pos++
	return v, nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	if b.Len() < 2 {
		return 0, ErrPacketTooShort
	}
	v := binary.BigEndian.Uint16(b.Data[b.Pos:])
	b.Pos += 2
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	if b.Len() < 4 {
		return 0, ErrPacketTooShort
	}
	v := binary.BigEndian.Uint32(b.Data[b.Pos:])
	b.Pos += 4
	return v, nil
}

// Reset replaces the buffer contents and rewinds the cursor.
func (b *Buffer) Reset(data []byte) {
	b.Data = data
	b.Pos = 0
}
