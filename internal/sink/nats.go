package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
)

// natsFlushTimeout bounds the per-batch server round trip when the caller's
// context carries no deadline.
const natsFlushTimeout = 10 * time.Second

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NatsSink publishes each batch to the subject prefix+route and waits for
// the server to acknowledge it, so a stalled server blocks the sender.
type NatsSink struct {
	nc     natsConn
	prefix string
}

// NewNatsSink connects to the configured NATS server.
func NewNatsSink(cfg config.NatsSinkConfig) (*NatsSink, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("captain"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	slog.Info("nats sink connected", "url", cfg.URL, "subject_prefix", cfg.SubjectPrefix)
	return newNatsSink(nc, cfg.SubjectPrefix), nil
}

func newNatsSink(nc natsConn, prefix string) *NatsSink {
	return &NatsSink{nc: nc, prefix: prefix}
}

// Name implements Sink.
func (s *NatsSink) Name() string { return "nats" }

// Subject returns the subject of route.
func (s *NatsSink) Subject(route string) string {
	return s.prefix + route
}

// Send implements Sink.
func (s *NatsSink) Send(ctx context.Context, route string, batch []*core.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(route, batch)
	if err != nil {
		countError(s)
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := s.nc.Publish(s.Subject(route), data); err != nil {
		countError(s)
		return fmt.Errorf("nats publish %s: %w", s.Subject(route), err)
	}

	// FlushWithContext requires a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, natsFlushTimeout)
		defer cancel()
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		countError(s)
		return fmt.Errorf("nats flush %s: %w", s.Subject(route), err)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (s *NatsSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	slog.Info("nats sink drained")
	return nil
}
