package decoder

import (
	"encoding/binary"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

const (
	// GRE flag bits in the first header byte
	greFlagChecksum = 0x80
	greFlagKey      = 0x20
	greFlagSequence = 0x10

	// GRE protocol types
	greProtoIPv4   = 0x0800
	greProtoERSPAN = 0x88BE

	// Header lengths
	greOptionLen       = 4
	erspanIIHeaderLen  = 8
	erspanIIIHeaderLen = 12
	erspanIIISubLen    = 8
)

// GreDecoder strips the GRE header. The checksum, key and sequence fields
// are skipped in that order, 4 bytes each, only when their flag is set.
type GreDecoder struct{}

// Decode consumes the GRE header of pkt.
func (GreDecoder) Decode(pkt *core.Packet) (Layer, bool) {
	buf := pkt.Buffer()
	if buf == nil {
		drop(LayerGRE, metrics.ReasonMalformed)
		return LayerNone, false
	}

	flags, err := buf.ReadUint8()
	if err != nil {
		drop(LayerGRE, metrics.ReasonTruncated)
		return LayerNone, false
	}
	// Reserved bits and version
	if err := buf.Skip(1); err != nil {
		drop(LayerGRE, metrics.ReasonTruncated)
		return LayerNone, false
	}
	protocolType, err := buf.ReadUint16()
	if err != nil {
		drop(LayerGRE, metrics.ReasonTruncated)
		return LayerNone, false
	}

	for _, flag := range [...]uint8{greFlagChecksum, greFlagKey, greFlagSequence} {
		if flags&flag == 0 {
			continue
		}
		if err := buf.Skip(greOptionLen); err != nil {
			drop(LayerGRE, metrics.ReasonTruncated)
			return LayerNone, false
		}
	}

	pkt.ProtocolCode = core.ProtocolGRE

	switch protocolType {
	case greProtoIPv4:
		return LayerIPv4, true
	case greProtoERSPAN:
		// Type I has no GRE sequence number and no header. Types II and
		// III carry both and differ in the header version nibble.
		if flags&greFlagSequence == 0 {
			return LayerErspanI, true
		}
		if data := buf.Bytes(); len(data) > 0 && data[0]>>4 == 2 {
			return LayerErspanIII, true
		}
		return LayerErspanII, true
	default:
		drop(LayerGRE, metrics.ReasonUnsupported)
		return LayerNone, false
	}
}

// ErspanDecoder strips the ERSPAN header left after GRE. The mirrored
// frame inside is an Ethernet frame.
type ErspanDecoder struct{}

// Decode consumes the ERSPAN header of the given type.
func (ErspanDecoder) Decode(pkt *core.Packet, typ Layer) (Layer, bool) {
	buf := pkt.Buffer()
	if buf == nil {
		drop(typ, metrics.ReasonMalformed)
		return LayerNone, false
	}

	data := buf.Bytes()
	var headerLen int
	switch typ {
	case LayerErspanI:
		// No header; the payload is the mirrored frame.
	case LayerErspanII:
		if len(data) < erspanIIHeaderLen {
			drop(typ, metrics.ReasonTruncated)
			return LayerNone, false
		}
		if data[0]>>4 != 1 {
			drop(typ, metrics.ReasonMalformed)
			return LayerNone, false
		}
		headerLen = erspanIIHeaderLen
	case LayerErspanIII:
		if len(data) < erspanIIIHeaderLen {
			drop(typ, metrics.ReasonTruncated)
			return LayerNone, false
		}
		if data[0]>>4 != 2 {
			drop(typ, metrics.ReasonMalformed)
			return LayerNone, false
		}
		headerLen = erspanIIIHeaderLen
		// O bit: platform specific sub-header follows
		if binary.BigEndian.Uint16(data[10:12])&0x0001 != 0 {
			headerLen += erspanIIISubLen
		}
	default:
		drop(typ, metrics.ReasonUnsupported)
		return LayerNone, false
	}

	if err := buf.Skip(headerLen); err != nil || buf.Len() == 0 {
		drop(typ, metrics.ReasonTruncated)
		return LayerNone, false
	}

	pkt.ProtocolCode = core.ProtocolERSPAN
	return LayerEthernet, true
}
