package shard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/captain/internal/core"
)

type sent struct {
	route string
	batch []*core.Packet
}

type recordingSink struct {
	sends []sent
	err   error
}

func (s *recordingSink) Send(_ context.Context, route string, batch []*core.Packet) error {
	s.sends = append(s.sends, sent{route: route, batch: batch})
	return s.err
}

func rtpPacket(ssrc uint32) *core.Packet {
	return &core.Packet{
		Timestamp:    time.Now(),
		Payload:      core.RtpHeader{SSRC: ssrc},
		ProtocolCode: core.ProtocolRTP,
	}
}

func TestIndex(t *testing.T) {
	tests := []struct {
		ssrc      uint32
		instances int
		want      int
	}{
		{12345, 1, 0},
		{12345, 0, 0},
		{12345, 4, 1},
		{0xffffffff, 4, 3},
		{7, 7, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Index(tt.ssrc, tt.instances), "ssrc=%d instances=%d", tt.ssrc, tt.instances)
	}
}

func TestIndex_Stable(t *testing.T) {
	for _, ssrc := range []uint32{1, 99, 0xdeadbeef} {
		first := Index(ssrc, 8)
		for i := 0; i < 100; i++ {
			require.Equal(t, first, Index(ssrc, 8))
		}
	}
}

func TestRouter_DefaultBulkFlushesEveryPacket(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(2, 0, sink)

	require.NoError(t, r.Route(context.Background(), rtpPacket(3)))
	require.NoError(t, r.Route(context.Background(), rtpPacket(4)))

	require.Len(t, sink.sends, 2)
	assert.Equal(t, "rtp_1", sink.sends[0].route)
	assert.Equal(t, "rtp_0", sink.sends[1].route)
	assert.Len(t, sink.sends[0].batch, 1)
}

func TestRouter_BulkThreshold(t *testing.T) {
	const bulk = 3
	sink := &recordingSink{}
	r := NewRouter(1, bulk, sink)

	for i := 1; i < bulk; i++ {
		require.NoError(t, r.Route(context.Background(), rtpPacket(uint32(i))))
		assert.Empty(t, sink.sends, "no flush before packet %d", bulk)
		assert.Equal(t, i, r.Pending(0))
	}

	require.NoError(t, r.Route(context.Background(), rtpPacket(bulk)))
	require.Len(t, sink.sends, 1, "flush fires on the Nth packet")
	assert.Len(t, sink.sends[0].batch, bulk)
	assert.Equal(t, 0, r.Pending(0), "accumulator is empty after flush")

	// The flushed batch is not reused by later routing.
	require.NoError(t, r.Route(context.Background(), rtpPacket(99)))
	assert.Len(t, sink.sends[0].batch, bulk)
	assert.Equal(t, uint32(1), sink.sends[0].batch[0].Payload.(core.RtpHeader).SSRC)
}

func TestRouter_ShardsIndependent(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(2, 2, sink)
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, rtpPacket(2)))
	require.NoError(t, r.Route(ctx, rtpPacket(3)))
	assert.Empty(t, sink.sends, "one packet per shard is below the threshold")

	require.NoError(t, r.Route(ctx, rtpPacket(5)))
	require.Len(t, sink.sends, 1)
	assert.Equal(t, "rtp_1", sink.sends[0].route)
	for _, pkt := range sink.sends[0].batch {
		assert.Equal(t, 1, Index(pkt.Payload.(core.RtpHeader).SSRC, 2))
	}
	assert.Equal(t, 1, r.Pending(0))
}

func TestRouter_Flush(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(3, 10, sink)
	ctx := context.Background()

	for _, ssrc := range []uint32{2, 8, 3} {
		require.NoError(t, r.Route(ctx, rtpPacket(ssrc)))
	}
	require.NoError(t, r.Flush(ctx))

	require.Len(t, sink.sends, 2)
	assert.Equal(t, "rtp_0", sink.sends[0].route)
	assert.Len(t, sink.sends[0].batch, 1)
	assert.Equal(t, "rtp_2", sink.sends[1].route)
	assert.Len(t, sink.sends[1].batch, 2)

	require.NoError(t, r.Flush(ctx))
	assert.Len(t, sink.sends, 2, "second flush has nothing to send")
}

func TestRouter_SinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	r := NewRouter(1, 1, sink)

	err := r.Route(context.Background(), rtpPacket(1))
	require.Error(t, err)
	assert.ErrorContains(t, err, "rtp_0")
	assert.Equal(t, 0, r.Pending(0))
}

func TestRouter_RejectsUnparsedPacket(t *testing.T) {
	r := NewRouter(1, 1, &recordingSink{})
	err := r.Route(context.Background(), core.NewPacket(time.Now(), []byte{1}))
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestRouteName(t *testing.T) {
	assert.Equal(t, "rtp_0", RouteName(0))
	assert.Equal(t, "rtp_15", RouteName(15))
}
