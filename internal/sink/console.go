package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"firestige.xyz/captain/internal/core"
)

// ConsoleSink writes every batch as one JSON line.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink creates a sink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

// Name implements Sink.
func (s *ConsoleSink) Name() string { return "console" }

// Send implements Sink.
func (s *ConsoleSink) Send(_ context.Context, route string, batch []*core.Packet) error {
	data, err := Encode(route, batch)
	if err != nil {
		countError(s)
		return fmt.Errorf("encode batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		countError(s)
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *ConsoleSink) Close() error {
	return nil
}
