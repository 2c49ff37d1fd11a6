// Package core defines the packet model, header types and sentinel errors
// with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Ipv4Header carries the IPv4 fields needed for reassembly and dispatch.
// It is produced by the ingress IPv4 decoder and consumed by the fragment table.
type Ipv4Header struct {
	SrcAddr        [4]byte
	DstAddr        [4]byte
	Identification uint16
	FragmentOffset uint16 // 13-bit, in units of 8 bytes
	MoreFragments  bool
	TotalLength    int
	HeaderLength   int
	ProtocolNumber uint8
}

// IsFragment reports whether the datagram needs reassembly.
func (h Ipv4Header) IsFragment() bool {
	return h.MoreFragments || h.FragmentOffset != 0
}

// ByteOffset is the fragment's position inside the original datagram.
func (h Ipv4Header) ByteOffset() int {
	return int(h.FragmentOffset) * 8
}

// PayloadLength is the number of payload bytes the header claims for this fragment.
func (h Ipv4Header) PayloadLength() int {
	return h.TotalLength - h.HeaderLength
}

// FlowKey returns the identity of the datagram this fragment belongs to.
func (h Ipv4Header) FlowKey() FlowKey {
	return FlowKey{Src: h.SrcAddr, Dst: h.DstAddr, ID: h.Identification}
}

// FlowKey identifies one in-flight datagram's fragment set.
// Fixed-size arrays keep it comparable and allocation free.
type FlowKey struct {
	Src [4]byte
	Dst [4]byte
	ID  uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%s:%d", netip.AddrFrom4(k.Src), netip.AddrFrom4(k.Dst), k.ID)
}

// RtpHeader is the parsed fixed RTP header (RFC 3550 §5.1).
// Padding and version bits are not retained.
type RtpHeader struct {
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	CSRCCount      uint8
	Extension      bool
}

func (RtpHeader) isPayload() {}
