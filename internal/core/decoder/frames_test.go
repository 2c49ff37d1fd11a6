package decoder

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"firestige.xyz/captain/internal/core"
)

var (
	testSrcIP = net.IP{192, 168, 1, 1}
	testDstIP = net.IP{192, 168, 1, 2}
	testEth   = layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
		DstMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		EthernetType: layers.EthernetTypeIPv4,
	}
)

// rtpBytes builds an RTP packet with csrc contributing sources, an optional
// extension of extWords 32-bit words, and a 4-byte media payload.
func rtpBytes(ssrc uint32, pt uint8, csrc int, extWords int) []byte {
	b := make([]byte, 12)
	b[0] = 0x80 | byte(csrc)
	if extWords >= 0 {
		b[0] |= rtpFlagExtension
	}
	b[1] = 0x80 | pt
	binary.BigEndian.PutUint16(b[2:4], 1234)
	binary.BigEndian.PutUint32(b[4:8], 160000)
	binary.BigEndian.PutUint32(b[8:12], ssrc)
	for i := 0; i < csrc; i++ {
		b = binary.BigEndian.AppendUint32(b, uint32(0xc0000000+i))
	}
	if extWords >= 0 {
		b = binary.BigEndian.AppendUint16(b, 0xbede)
		b = binary.BigEndian.AppendUint16(b, uint16(extWords))
		for i := 0; i < extWords; i++ {
			b = binary.BigEndian.AppendUint32(b, 0xffffffff)
		}
	}
	return append(b, 0xde, 0xad, 0xbe, 0xef)
}

// simpleRTP is an RTP packet without CSRCs or extension.
func simpleRTP(ssrc uint32, pt uint8) []byte {
	return rtpBytes(ssrc, pt, 0, -1)
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...)
	require.NoError(t, err)
	return append([]byte(nil), buf.Bytes()...)
}

func testIPv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0xe8dd,
		Protocol: proto,
		SrcIP:    testSrcIP,
		DstIP:    testDstIP,
	}
}

// udpDatagram returns UDP header plus payload, as carried inside IPv4.
func udpDatagram(t *testing.T, payload []byte) []byte {
	udp := &layers.UDP{SrcPort: 40000, DstPort: 40002}
	return serialize(t, udp, gopacket.Payload(payload))
}

// udpFrame builds Ethernet/IPv4/UDP around payload.
func udpFrame(t *testing.T, payload []byte) []byte {
	eth := testEth
	return serialize(t, &eth, testIPv4(layers.IPProtocolUDP), gopacket.Payload(udpDatagram(t, payload)))
}

// ipv4Packet builds a bare IPv4 packet without a link layer.
func ipv4Packet(t *testing.T, proto layers.IPProtocol, payload []byte) []byte {
	return serialize(t, testIPv4(proto), gopacket.Payload(payload))
}

// fragmentFrames splits an IPv4 payload at split bytes (a multiple of 8)
// into two Ethernet frames.
func fragmentFrames(t *testing.T, proto layers.IPProtocol, payload []byte, split int) (first, last []byte) {
	require.Zero(t, split%8)

	eth := testEth
	ip1 := testIPv4(proto)
	ip1.Flags = layers.IPv4MoreFragments
	first = serialize(t, &eth, ip1, gopacket.Payload(payload[:split]))

	ip2 := testIPv4(proto)
	ip2.FragOffset = uint16(split / 8)
	last = serialize(t, &eth, ip2, gopacket.Payload(payload[split:]))
	return first, last
}

// greHeader builds a GRE header. Option fields are filled with 0xee so tests
// can tell skipped bytes from payload.
func greHeader(flags uint8, protocol uint16) []byte {
	b := []byte{flags, 0}
	b = binary.BigEndian.AppendUint16(b, protocol)
	for _, f := range []uint8{greFlagChecksum, greFlagKey, greFlagSequence} {
		if flags&f != 0 {
			b = append(b, 0xee, 0xee, 0xee, 0xee)
		}
	}
	return b
}

// greFrame wraps inner in Ethernet/IPv4/GRE.
func greFrame(t *testing.T, flags uint8, protocol uint16, inner []byte) []byte {
	eth := testEth
	payload := append(greHeader(flags, protocol), inner...)
	return serialize(t, &eth, testIPv4(layers.IPProtocolGRE), gopacket.Payload(payload))
}

type captureRouter struct {
	pkts []*core.Packet
	err  error
}

func (r *captureRouter) Route(_ context.Context, pkt *core.Packet) error {
	if r.err != nil {
		return r.err
	}
	r.pkts = append(r.pkts, pkt)
	return nil
}

type captureRecorder struct {
	match    bool
	recorded []*core.Packet
}

func (r *captureRecorder) Check(*core.Packet) bool { return r.match }

func (r *captureRecorder) Record(pkt *core.Packet) { r.recorded = append(r.recorded, pkt) }

func testPayload(n int) gopacket.Payload {
	return gopacket.Payload(make([]byte, n))
}
