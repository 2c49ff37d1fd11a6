package decoder

import (
	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

const udpHeaderLen = 8

// UdpDecoder strips the UDP header. Every UDP payload is offered to the RTP
// decoder, which filters out what does not look like RTP.
type UdpDecoder struct{}

// Decode consumes the UDP header of pkt.
func (UdpDecoder) Decode(pkt *core.Packet) (Layer, bool) {
	buf := pkt.Buffer()
	if buf == nil {
		drop(LayerUDP, metrics.ReasonMalformed)
		return LayerNone, false
	}

	if err := buf.Skip(udpHeaderLen); err != nil {
		drop(LayerUDP, metrics.ReasonTruncated)
		return LayerNone, false
	}

	pkt.ProtocolCode = core.ProtocolUDP
	return LayerRTP, true
}
