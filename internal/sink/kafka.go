package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
)

const (
	defaultKafkaBatchTimeout = 100 * time.Millisecond
	defaultKafkaMaxAttempts  = 3
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each batch as one message keyed by route. The hash
// balancer keeps one route on one partition, which preserves its order.
type KafkaSink struct {
	writer messageWriter
	topic  string

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewKafkaSink creates a synchronous kafka writer for cfg.
func NewKafkaSink(cfg config.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka sink requires brokers", core.ErrConfigInvalid)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka sink requires topic", core.ErrConfigInvalid)
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultKafkaBatchTimeout
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchTimeout:     batchTimeout,
		MaxAttempts:      defaultKafkaMaxAttempts,
		CompressionCodec: codec,
		Async:            false,
	})

	slog.Info("kafka sink created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
		"batch_timeout", batchTimeout,
	)
	return newKafkaSink(w, cfg.Topic), nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// compressionCodec maps a configured name to a kafka-go codec; nil means none.
func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("%w: invalid compression type: %s", core.ErrConfigInvalid, name)
	}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, route string, batch []*core.Packet) error {
	value, err := Encode(route, batch)
	if err != nil {
		s.failed.Add(1)
		countError(s)
		return fmt.Errorf("encode batch: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(route),
		Value:   value,
		Headers: []kafka.Header{{Key: "route", Value: []byte(route)}},
	}
	if len(batch) > 0 {
		msg.Time = batch[0].Timestamp
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		countError(s)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	s.sent.Add(1)
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	if err := s.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	slog.Info("kafka sink stopped",
		"topic", s.topic,
		"total_sent", s.sent.Load(),
		"total_errors", s.failed.Load(),
	)
	return nil
}
