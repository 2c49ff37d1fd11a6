package decoder

import (
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/captain/internal/core"
)

func TestParseIpv4Header(t *testing.T) {
	ip := testIPv4(layers.IPProtocolUDP)
	ip.Flags = layers.IPv4MoreFragments
	ip.FragOffset = 185
	data := serialize(t, ip, testPayload(40))
	// Trailing bytes beyond the total length are not payload.
	data = append(data, 0, 0, 0, 0)

	var d Ipv4Decoder
	h, payload, err := d.ParseIpv4Header(data)
	require.NoError(t, err)

	assert.Equal(t, testSrc, h.SrcAddr)
	assert.Equal(t, testDst, h.DstAddr)
	assert.Equal(t, uint16(0xe8dd), h.Identification)
	assert.Equal(t, uint16(185), h.FragmentOffset)
	assert.Equal(t, 1480, h.ByteOffset())
	assert.True(t, h.MoreFragments)
	assert.Equal(t, 60, h.TotalLength)
	assert.Equal(t, 20, h.HeaderLength)
	assert.Equal(t, uint8(17), h.ProtocolNumber)
	assert.Len(t, payload, 40)
}

func TestParseIpv4Header_Invalid(t *testing.T) {
	var d Ipv4Decoder

	_, _, err := d.ParseIpv4Header([]byte{0x45, 0x00})
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	v6 := serialize(t, testIPv4(layers.IPProtocolUDP), testPayload(4))
	v6[0] = 0x65
	_, _, err = d.ParseIpv4Header(v6)
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestIpv4Decoder_WholeDatagram(t *testing.T) {
	table := NewFragmentTable(time.Minute, newFakeClock())
	d := NewIpv4Decoder(table, nil)

	data := append(ipv4Packet(t, layers.IPProtocolGRE, make([]byte, 12)), 0xff, 0xff)
	pkt := core.NewPacket(time.Now(), data)

	proto, ok := d.Decode(pkt)
	require.True(t, ok)
	assert.Equal(t, uint8(protocolGRE), proto)
	assert.Equal(t, 20, pkt.Buffer().Pos)
	assert.Equal(t, 12, pkt.Buffer().Len(), "padding after the datagram is trimmed")
	assert.Equal(t, core.ProtocolIPv4, pkt.ProtocolCode)
	assert.Equal(t, 0, table.Len())
}

func TestIpv4Decoder_RateLimitedFragments(t *testing.T) {
	table := NewFragmentTable(time.Minute, newFakeClock())
	d := NewIpv4Decoder(table, NewFragmentRateLimiter(1, time.Minute))
	ts := time.Unix(100, 0)

	for i, id := range []uint16{1, 2} {
		ip := testIPv4(layers.IPProtocolUDP)
		ip.Id = id
		ip.Flags = layers.IPv4MoreFragments
		pkt := core.NewPacket(ts, serialize(t, ip, testPayload(8)))

		_, ok := d.Decode(pkt)
		assert.False(t, ok, "fragment %d must not complete", i)
	}
	assert.Equal(t, 1, table.Len(), "second fragment from the source is refused")
}

func TestIpv4Decoder_TruncatedFragmentDropped(t *testing.T) {
	table := NewFragmentTable(time.Minute, newFakeClock())
	d := NewIpv4Decoder(table, nil)
	ts := time.Unix(100, 0)

	// First fragment claims 16 payload bytes but the capture kept 8.
	ip1 := testIPv4(layers.IPProtocolUDP)
	ip1.Flags = layers.IPv4MoreFragments
	first := serialize(t, ip1, gopacket.Payload(sequence(0, 16)))
	first = first[:20+8]

	ip2 := testIPv4(layers.IPProtocolUDP)
	ip2.FragOffset = 2
	last := serialize(t, ip2, gopacket.Payload(sequence(16, 8)))

	_, ok := d.Decode(core.NewPacket(ts, first))
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len(), "truncated fragment never enters the table")

	_, ok = d.Decode(core.NewPacket(ts, last))
	assert.False(t, ok, "datagram with a truncated fragment must not complete")
	assert.Equal(t, 1, table.Len())
}
