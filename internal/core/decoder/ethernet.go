package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

const (
	vlanHeaderLen = 4
	maxVLANTags   = 2
)

// EthernetDecoder strips the Ethernet header and up to two 802.1Q/802.1ad
// tags. Only IPv4 payloads continue down the chain.
type EthernetDecoder struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
}

// Decode consumes the link-layer header of pkt.
func (d *EthernetDecoder) Decode(pkt *core.Packet) (Layer, bool) {
	buf := pkt.Buffer()
	if buf == nil {
		drop(LayerEthernet, metrics.ReasonMalformed)
		return LayerNone, false
	}

	data := buf.Bytes()
	if err := d.eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		drop(LayerEthernet, metrics.ReasonTruncated)
		return LayerNone, false
	}

	n := len(d.eth.Contents)
	etherType := d.eth.EthernetType
	for tags := 0; etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ; tags++ {
		if tags == maxVLANTags {
			drop(LayerEthernet, metrics.ReasonUnsupported)
			return LayerNone, false
		}
		if len(data) < n+vlanHeaderLen {
			drop(LayerEthernet, metrics.ReasonTruncated)
			return LayerNone, false
		}
		if err := d.dot1q.DecodeFromBytes(data[n:], gopacket.NilDecodeFeedback); err != nil {
			drop(LayerEthernet, metrics.ReasonTruncated)
			return LayerNone, false
		}
		etherType = d.dot1q.Type
		n += vlanHeaderLen
	}

	if etherType != layers.EthernetTypeIPv4 {
		drop(LayerEthernet, metrics.ReasonUnsupported)
		return LayerNone, false
	}

	if err := buf.Skip(n); err != nil {
		drop(LayerEthernet, metrics.ReasonTruncated)
		return LayerNone, false
	}
	return LayerIPv4, true
}
