package decoder

import (
	"context"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// Dispatcher drives a packet through the decode chain. Each decoder reports
// the next layer; the dispatcher looks it up and continues until a decoder
// drops, absorbs or terminally routes the packet.
//
// A Dispatcher belongs to one pipeline instance and is not safe for concurrent use.
type Dispatcher struct {
	ethernet EthernetDecoder
	ipv4     *Ipv4Decoder
	gre      GreDecoder
	erspan   ErspanDecoder
	udp      UdpDecoder
	rtp      *RtpDecoder
}

// NewDispatcher assembles the decode chain around the shared fragment table.
func NewDispatcher(ipv4 *Ipv4Decoder, rtp *RtpDecoder) *Dispatcher {
	return &Dispatcher{ipv4: ipv4, rtp: rtp}
}

// Dispatch decodes pkt starting at layer. The only error returned is from
// the router, when downstream delivery fails or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, layer Layer, pkt *core.Packet) error {
	ok := true
	for ok {
		switch layer {
		case LayerEthernet:
			layer, ok = d.ethernet.Decode(pkt)
		case LayerIPv4:
			proto, whole := d.ipv4.Decode(pkt)
			if !whole {
				return nil
			}
			return d.DispatchDatagram(ctx, proto, pkt)
		case LayerGRE:
			layer, ok = d.gre.Decode(pkt)
		case LayerErspanI, LayerErspanII, LayerErspanIII:
			layer, ok = d.erspan.Decode(pkt, layer)
		case LayerUDP:
			layer, ok = d.udp.Decode(pkt)
		case LayerRTP:
			return d.rtp.Decode(ctx, pkt)
		default:
			return nil
		}
	}
	return nil
}

// DispatchDatagram continues decoding after an IPv4 header. It is the single
// entry point for first-arrival and reassembled datagrams alike.
func (d *Dispatcher) DispatchDatagram(ctx context.Context, proto uint8, pkt *core.Packet) error {
	next := protocolLayer(proto)
	if next == LayerNone {
		drop(LayerIPv4, metrics.ReasonUnsupported)
		return nil
	}
	return d.Dispatch(ctx, next, pkt)
}
