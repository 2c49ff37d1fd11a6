// Package source reads captured frames from pcap and pcapng files.
package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// pcapng section header block type, identical in either byte order.
const ngSectionHeader = 0x0A0D0D0A

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader yields the Ethernet frames of a capture file.
type Reader struct {
	r      packetReader
	filter *Filter
	closer io.Closer
}

// Open opens a capture file; "-" reads standard input.
func Open(path string, filter *Filter) (*Reader, error) {
	if path == "-" {
		return NewReader(os.Stdin, filter)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	r, err := NewReader(f, filter)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader detects pcap or pcapng from the leading magic number.
func NewReader(in io.Reader, filter *Filter) (*Reader, error) {
	br := bufio.NewReader(in)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	var pr packetReader
	if binary.BigEndian.Uint32(magic) == ngSectionHeader {
		pr, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		pr, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}

	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("link type %s: %w", lt, core.ErrUnsupportedProto)
	}
	return &Reader{r: pr, filter: filter}, nil
}

// LinkType returns the capture's link type.
func (r *Reader) LinkType() layers.LinkType {
	return r.r.LinkType()
}

// Next returns the next frame passing the filter, or io.EOF.
func (r *Reader) Next() (core.RawPacket, error) {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.RawPacket{}, io.EOF
			}
			metrics.SourceFramesTotal.WithLabelValues("error").Inc()
			return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
		}
		if !r.filter.Match(data) {
			metrics.SourceFramesTotal.WithLabelValues("filtered").Inc()
			continue
		}
		metrics.SourceFramesTotal.WithLabelValues("accepted").Inc()
		return core.RawPacket{
			Data:       data,
			Timestamp:  ci.Timestamp,
			CaptureLen: uint32(ci.CaptureLength),
			OrigLen:    uint32(ci.Length),
		}, nil
	}
}

// Run feeds every frame to fn until the file ends, fn fails or ctx is done.
// It returns the number of frames delivered.
func (r *Reader) Run(ctx context.Context, fn func(context.Context, core.RawPacket) error) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		raw, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := fn(ctx, raw); err != nil {
			return n, err
		}
		n++
	}
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
