package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// Ipv4Decoder parses the IPv4 header and routes fragments through the
// shared FragmentTable. Whole datagrams, first-arrival or reassembled,
// leave with their protocol number for DispatchDatagram.
type Ipv4Decoder struct {
	table   *FragmentTable
	limiter *FragmentRateLimiter
	ip      layers.IPv4
}

// NewIpv4Decoder creates a decoder feeding table. limiter may be nil.
func NewIpv4Decoder(table *FragmentTable, limiter *FragmentRateLimiter) *Ipv4Decoder {
	return &Ipv4Decoder{table: table, limiter: limiter}
}

// ParseIpv4Header decodes the fixed IPv4 header at the front of data and
// returns it together with the payload bounded by the total length field.
func (d *Ipv4Decoder) ParseIpv4Header(data []byte) (core.Ipv4Header, []byte, error) {
	if err := d.ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return core.Ipv4Header{}, nil, core.ErrMalformedHeader
	}
	if d.ip.Version != 4 {
		return core.Ipv4Header{}, nil, core.ErrUnsupportedProto
	}

	h := core.Ipv4Header{
		Identification: d.ip.Id,
		FragmentOffset: d.ip.FragOffset,
		MoreFragments:  d.ip.Flags&layers.IPv4MoreFragments != 0,
		TotalLength:    int(d.ip.Length),
		HeaderLength:   int(d.ip.IHL) * 4,
		ProtocolNumber: uint8(d.ip.Protocol),
	}
	copy(h.SrcAddr[:], d.ip.SrcIP.To4())
	copy(h.DstAddr[:], d.ip.DstIP.To4())

	payload := d.ip.Payload
	if len(payload) > h.PayloadLength() {
		payload = payload[:h.PayloadLength()]
	}
	return h, payload, nil
}

// Decode consumes the IPv4 header of pkt. A fragment that does not complete
// its datagram is absorbed and ok is false. On completion pkt becomes the
// reassembled datagram, stamped with the time its first fragment arrived.
func (d *Ipv4Decoder) Decode(pkt *core.Packet) (proto uint8, ok bool) {
	buf := pkt.Buffer()
	if buf == nil {
		drop(LayerIPv4, metrics.ReasonMalformed)
		return 0, false
	}

	h, payload, err := d.ParseIpv4Header(buf.Bytes())
	if err != nil {
		if err == core.ErrUnsupportedProto {
			drop(LayerIPv4, metrics.ReasonUnsupported)
		} else {
			drop(LayerIPv4, metrics.ReasonMalformed)
		}
		return 0, false
	}

	pkt.SrcAddr = h.SrcAddr
	pkt.DstAddr = h.DstAddr
	pkt.ProtocolCode = core.ProtocolIPv4

	if !h.IsFragment() {
		// Trim link-layer padding, then step over the header.
		buf.Data = buf.Data[:buf.Pos+h.HeaderLength+len(payload)]
		buf.Pos += h.HeaderLength
		return h.ProtocolNumber, true
	}

	// Contiguity trusts the length fields, so a snaplen-cut fragment
	// would shift every later fragment.
	if len(payload) < h.PayloadLength() {
		drop(LayerIPv4, metrics.ReasonTruncated)
		return 0, false
	}

	if !d.limiter.Allow(h.SrcAddr, pkt.Timestamp) {
		drop(LayerIPv4, metrics.ReasonFiltered)
		return 0, false
	}

	metrics.FragmentsTotal.Inc()
	dg, done := d.table.Accept(h, payload, pkt.Timestamp)
	if !done {
		return 0, false
	}

	pkt.Timestamp = dg.FirstSeen
	pkt.SrcAddr = dg.SrcAddr
	pkt.DstAddr = dg.DstAddr
	pkt.Payload = core.NewBuffer(dg.Payload)
	pkt.RecordingMark = 0
	return dg.ProtocolNumber, true
}
