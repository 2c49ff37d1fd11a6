package sink

import (
	"encoding/json"

	"github.com/google/uuid"

	"firestige.xyz/captain/internal/core"
)

// Message is the wire form of one batch on one route.
type Message struct {
	BatchID string         `json:"batch_id"`
	Route   string         `json:"route"`
	Packets []PacketRecord `json:"packets"`
}

// PacketRecord is one packet inside a Message. RTP carries the parsed header
// of collected packets; Raw carries the RTP bytes of recorded copies.
type PacketRecord struct {
	Timestamp int64      `json:"timestamp"` // unix milliseconds
	Src       string     `json:"src"`
	Dst       string     `json:"dst"`
	Protocol  string     `json:"protocol"`
	RTP       *RtpRecord `json:"rtp,omitempty"`
	Raw       []byte     `json:"raw,omitempty"`
}

// RtpRecord mirrors core.RtpHeader.
type RtpRecord struct {
	PayloadType    uint8  `json:"payload_type"`
	SequenceNumber uint16 `json:"sequence_number"`
	Timestamp      uint32 `json:"timestamp"`
	SSRC           uint32 `json:"ssrc"`
	Marker         bool   `json:"marker"`
}

// NewMessage converts a batch into its wire form under a fresh batch id.
func NewMessage(route string, batch []*core.Packet) Message {
	msg := Message{
		BatchID: uuid.NewString(),
		Route:   route,
		Packets: make([]PacketRecord, 0, len(batch)),
	}
	for _, pkt := range batch {
		msg.Packets = append(msg.Packets, newPacketRecord(pkt))
	}
	return msg
}

func newPacketRecord(pkt *core.Packet) PacketRecord {
	rec := PacketRecord{
		Timestamp: pkt.Timestamp.UnixMilli(),
		Src:       pkt.Src().String(),
		Dst:       pkt.Dst().String(),
		Protocol:  pkt.ProtocolCode.String(),
	}
	switch p := pkt.Payload.(type) {
	case core.RtpHeader:
		rec.RTP = &RtpRecord{
			PayloadType:    p.PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
			Marker:         p.Marker,
		}
	case *core.Buffer:
		if pkt.RecordingMark >= 0 && pkt.RecordingMark <= len(p.Data) {
			rec.Raw = p.Data[pkt.RecordingMark:]
		}
	}
	return rec
}

// Encode returns the JSON encoding of a batch.
func Encode(route string, batch []*core.Packet) ([]byte, error) {
	return json.Marshal(NewMessage(route, batch))
}
