package sink

import (
	"context"
	"errors"
	"sync"

	"firestige.xyz/captain/internal/core"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("captain: sink closed")

// Batch is one delivery on a ChannelSink route.
type Batch struct {
	Route   string
	Packets []*core.Packet
}

// ChannelSink delivers batches over in-process Go channels, one per route.
// Send blocks while the route's buffer is full.
type ChannelSink struct {
	capacity int

	mu     sync.Mutex
	routes map[string]chan Batch

	done      chan struct{}
	closeOnce sync.Once
}

// NewChannelSink creates a sink whose routes buffer capacity batches each.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity < 0 {
		capacity = 0
	}
	return &ChannelSink{
		capacity: capacity,
		routes:   make(map[string]chan Batch),
		done:     make(chan struct{}),
	}
}

// Name implements Sink.
func (s *ChannelSink) Name() string { return "channel" }

// C returns the receive side of route, creating it on first use.
func (s *ChannelSink) C(route string) <-chan Batch {
	return s.route(route)
}

// Done is closed once the sink is closed.
func (s *ChannelSink) Done() <-chan struct{} { return s.done }

func (s *ChannelSink) route(name string) chan Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.routes[name]
	if !ok {
		ch = make(chan Batch, s.capacity)
		s.routes[name] = ch
	}
	return ch
}

// Send implements Sink.
func (s *ChannelSink) Send(ctx context.Context, route string, batch []*core.Packet) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.route(route) <- Batch{Route: route, Packets: batch}:
		return nil
	case <-ctx.Done():
		countError(s)
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Close unblocks pending senders. Batches already buffered stay readable.
func (s *ChannelSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
