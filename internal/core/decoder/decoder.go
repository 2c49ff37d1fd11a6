// Package decoder implements the capture decode chain: link layer, IPv4 with
// fragment reassembly, GRE and ERSPAN tunnels, UDP and RTP.
package decoder

import (
	"context"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// Layer names the decoder a packet is handed to next.
type Layer uint8

const (
	LayerNone Layer = iota
	LayerEthernet
	LayerIPv4
	LayerGRE
	LayerErspanI
	LayerErspanII
	LayerErspanIII
	LayerUDP
	LayerRTP
)

func (l Layer) String() string {
	switch l {
	case LayerEthernet:
		return "ethernet"
	case LayerIPv4:
		return "ipv4"
	case LayerGRE:
		return "gre"
	case LayerErspanI, LayerErspanII, LayerErspanIII:
		return "erspan"
	case LayerUDP:
		return "udp"
	case LayerRTP:
		return "rtp"
	default:
		return "none"
	}
}

// IP protocol numbers handled after IPv4.
const (
	protocolUDP = 17
	protocolGRE = 47
)

// protocolLayer maps an IPv4 protocol number to the next decoder.
func protocolLayer(proto uint8) Layer {
	switch proto {
	case protocolUDP:
		return LayerUDP
	case protocolGRE:
		return LayerGRE
	default:
		return LayerNone
	}
}

// Recorder receives copies of packets selected for recording.
type Recorder interface {
	Check(pkt *core.Packet) bool
	Record(pkt *core.Packet)
}

// Router accepts decoded RTP packets for batched downstream delivery.
// Route may block when downstream is slow.
type Router interface {
	Route(ctx context.Context, pkt *core.Packet) error
}

func drop(l Layer, reason string) {
	metrics.PacketsDroppedTotal.WithLabelValues(l.String(), reason).Inc()
}
