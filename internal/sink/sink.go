// Package sink delivers batches of decoded packets to downstream consumers.
// Each batch travels on a named route; receivers see the batches of one route
// in the order they were sent.
package sink

import (
	"context"
	"fmt"
	"os"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/metrics"
)

// Sink is a downstream batch transport. Send blocks until the batch is
// accepted, so a slow consumer slows the caller down.
type Sink interface {
	Name() string
	Send(ctx context.Context, route string, batch []*core.Packet) error
	Close() error
}

// New creates the sink selected by cfg.Type.
func New(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case config.SinkConsole, "":
		return NewConsoleSink(os.Stdout), nil
	case config.SinkNats:
		return NewNatsSink(cfg.Nats)
	case config.SinkKafka:
		return NewKafkaSink(cfg.Kafka)
	default:
		return nil, fmt.Errorf("%w: unknown sink type %q", core.ErrConfigInvalid, cfg.Type)
	}
}

func countError(s Sink) {
	metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
}
