package decoder

import (
	"slices"
	"time"

	"firestige.xyz/captain/internal/core"
)

// Datagram is the result of a completed reassembly. It stands in for the
// IPv4 header of the original, unfragmented datagram.
type Datagram struct {
	ProtocolNumber uint8
	SrcAddr        [4]byte
	DstAddr        [4]byte
	FirstSeen      time.Time
	Payload        []byte
}

// Reassembler accumulates the fragments of one datagram.
// It is not safe for concurrent use; FragmentTable serializes access per flow key.
type Reassembler struct {
	firstSeen        time.Time
	fragments        map[int][]byte          // byte offset -> fragment payload
	headers          map[int]core.Ipv4Header // byte offset -> header of the fragment starting there
	lastFragmentSeen bool
}

// NewReassembler creates an empty reassembler for a datagram first seen at ts.
func NewReassembler(firstSeen time.Time) *Reassembler {
	return &Reassembler{
		firstSeen: firstSeen,
		fragments: make(map[int][]byte),
		headers:   make(map[int]core.Ipv4Header),
	}
}

// FirstSeen returns the arrival time of the earliest fragment.
func (r *Reassembler) FirstSeen() time.Time {
	return r.firstSeen
}

// Fragments returns the number of distinct offsets held.
func (r *Reassembler) Fragments() int {
	return len(r.fragments)
}

// OnFragment records one fragment and reports whether the datagram is complete.
// The payload is copied, so callers may reuse their buffer.
// A gap or misaligned offset keeps the reassembler waiting; it never fails.
func (r *Reassembler) OnFragment(h core.Ipv4Header, payload []byte) (Datagram, bool) {
	offset := h.ByteOffset()

	// Duplicates at the same offset replace the earlier fragment.
	r.fragments[offset] = append([]byte(nil), payload...)
	r.headers[offset] = h

	if !h.MoreFragments {
		r.lastFragmentSeen = true
	}
	if !r.lastFragmentSeen {
		return Datagram{}, false
	}

	offsets := make([]int, 0, len(r.headers))
	for off := range r.headers {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)

	expected := 0
	size := 0
	for _, off := range offsets {
		if off != expected {
			return Datagram{}, false
		}
		expected = off + r.headers[off].PayloadLength()
		size += len(r.fragments[off])
	}

	buf := make([]byte, 0, size)
	for _, off := range offsets {
		buf = append(buf, r.fragments[off]...)
	}

	first := r.headers[0]
	return Datagram{
		ProtocolNumber: first.ProtocolNumber,
		SrcAddr:        first.SrcAddr,
		DstAddr:        first.DstAddr,
		FirstSeen:      r.firstSeen,
		Payload:        buf,
	}, true
}
