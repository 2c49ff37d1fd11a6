package decoder

import (
	"context"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

const (
	rtpFlagExtension = 0x10
	rtpMaskCSRC      = 0x0F
	rtpFlagMarker    = 0x80
	rtpMaskType      = 0x7F
)

// PayloadTypes is an allow-list of RTP payload types. The empty set admits every type.
type PayloadTypes map[uint8]struct{}

// NewPayloadTypes builds an allow-list from the given types.
func NewPayloadTypes(types ...uint8) PayloadTypes {
	pt := make(PayloadTypes, len(types))
	for _, t := range types {
		pt[t] = struct{}{}
	}
	return pt
}

// Allows reports whether t passes the list.
func (pt PayloadTypes) Allows(t uint8) bool {
	if len(pt) == 0 {
		return true
	}
	_, ok := pt[t]
	return ok
}

// RtpConfig configures the RTP decoder.
type RtpConfig struct {
	PayloadTypes     PayloadTypes
	CollectorEnabled bool // hand accepted packets to the router
}

// RtpDecoder parses RTP headers, tees selected packets to the recorder and
// hands the rest to the shard router. It is the last layer of the chain.
type RtpDecoder struct {
	cfg      RtpConfig
	recorder Recorder
	router   Router
}

// NewRtpDecoder creates the terminal decoder. recorder may be nil.
func NewRtpDecoder(cfg RtpConfig, recorder Recorder, router Router) *RtpDecoder {
	return &RtpDecoder{cfg: cfg, recorder: recorder, router: router}
}

// ParseRtpHeader reads the fixed RTP header and steps over the CSRC list and
// the header extension, leaving buf at the RTP payload.
func ParseRtpHeader(buf *core.Buffer) (core.RtpHeader, error) {
	var h core.RtpHeader

	flags, err := buf.ReadUint8()
	if err != nil {
		return h, err
	}
	h.Extension = flags&rtpFlagExtension != 0
	h.CSRCCount = flags & rtpMaskCSRC

	b, err := buf.ReadUint8()
	if err != nil {
		return h, err
	}
	h.Marker = b&rtpFlagMarker != 0
	h.PayloadType = b & rtpMaskType

	if h.SequenceNumber, err = buf.ReadUint16(); err != nil {
		return h, err
	}
	if h.Timestamp, err = buf.ReadUint32(); err != nil {
		return h, err
	}
	if h.SSRC, err = buf.ReadUint32(); err != nil {
		return h, err
	}

	if err := buf.Skip(4 * int(h.CSRCCount)); err != nil {
		return h, err
	}

	if h.Extension {
		// Profile-specific identifier
		if err := buf.Skip(2); err != nil {
			return h, err
		}
		length, err := buf.ReadUint16()
		if err != nil {
			return h, err
		}
		if err := buf.Skip(4 * int(length)); err != nil {
			return h, err
		}
	}
	return h, nil
}

// Decode parses the RTP header of pkt. Accepted packets have their payload
// replaced by the parsed header before they are routed.
func (d *RtpDecoder) Decode(ctx context.Context, pkt *core.Packet) error {
	buf := pkt.Buffer()
	if buf == nil {
		drop(LayerRTP, metrics.ReasonMalformed)
		return nil
	}

	pkt.ProtocolCode = core.ProtocolRTP
	pkt.RecordingMark = buf.Pos

	h, err := ParseRtpHeader(buf)
	if err != nil {
		drop(LayerRTP, metrics.ReasonTruncated)
		return nil
	}

	if h.SSRC == 0 {
		drop(LayerRTP, metrics.ReasonMalformed)
		return nil
	}
	if !d.cfg.PayloadTypes.Allows(h.PayloadType) {
		drop(LayerRTP, metrics.ReasonFiltered)
		return nil
	}

	if d.recorder != nil && d.recorder.Check(pkt) {
		d.recorder.Record(pkt.Copy())
	}

	if !d.cfg.CollectorEnabled || d.router == nil {
		return nil
	}

	pkt.Payload = h
	return d.router.Route(ctx, pkt)
}
