// Package pipeline implements the packet processing pipeline engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/core/decoder"
	"firestige.xyz/captain/internal/metrics"
	"firestige.xyz/captain/internal/shard"
)

const flushTimeout = 5 * time.Second

// Pipeline is one single-threaded decode worker. It owns its dispatcher and
// shard router; only the fragment table is shared with other instances.
type Pipeline struct {
	id         int
	label      string
	dispatcher *decoder.Dispatcher
	router     *shard.Router
	metrics    *Metrics

	// Channel for backpressure control
	input chan []core.RawPacket

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// Config contains pipeline configuration.
type Config struct {
	ID        int
	Table     *decoder.FragmentTable
	Limiter   *decoder.FragmentRateLimiter
	RTP       decoder.RtpConfig
	Recorder  decoder.Recorder
	Sink      shard.Sink
	Instances int // shard count
	BulkSize  int
	QueueSize int // input batch channel buffer size
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Table == nil {
		cfg.Table = decoder.NewFragmentTable(decoder.DefaultFragmentTTL, nil)
	}

	router := shard.NewRouter(cfg.Instances, cfg.BulkSize, cfg.Sink)
	ipv4 := decoder.NewIpv4Decoder(cfg.Table, cfg.Limiter)
	rtp := decoder.NewRtpDecoder(cfg.RTP, cfg.Recorder, router)

	return &Pipeline{
		id:         cfg.ID,
		label:      strconv.Itoa(cfg.ID),
		dispatcher: decoder.NewDispatcher(ipv4, rtp),
		router:     router,
		metrics:    NewMetrics(cfg.ID),
		input:      make(chan []core.RawPacket, cfg.QueueSize),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

// ID returns the pipeline index.
func (p *Pipeline) ID() int { return p.id }

// Submit queues a batch of frames. It blocks while the queue is full and
// fails with ErrPipelineStopped once the pipeline is closed.
func (p *Pipeline) Submit(ctx context.Context, batch []core.RawPacket) error {
	select {
	case <-p.done:
		return core.ErrPipelineStopped
	default:
	}

	select {
	case p.input <- batch:
		return nil
	case <-p.done:
		return core.ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting batches. Run drains what is already queued,
// flushes the router and returns.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// Run is the main processing loop. It returns after Close once the queue is
// drained, or when ctx is cancelled. Partial shard batches are flushed on
// the way out. Run must be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	slog.Info("pipeline starting", "pipeline_id", p.id)
	defer slog.Info("pipeline stopped", "pipeline_id", p.id)
	defer close(p.exited)

	for {
		select {
		case <-ctx.Done():
			p.flush(ctx)
			return ctx.Err()

		case batch := <-p.input:
			p.process(ctx, batch)

		case <-p.done:
			for {
				select {
				case batch := <-p.input:
					p.process(ctx, batch)
				default:
					p.flush(ctx)
					return nil
				}
			}
		}
	}
}

func (p *Pipeline) process(ctx context.Context, batch []core.RawPacket) {
	if err := p.ProcessBatch(ctx, batch); err != nil {
		slog.Error("batch processing failed",
			"pipeline_id", p.id,
			"batch_size", len(batch),
			"error", err)
	}
}

// ProcessBatch decodes every frame of batch. A panic inside the batch is
// recovered and counted; the rest of the batch is skipped and the pipeline
// keeps running.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch []core.RawPacket) (err error) {
	start := time.Now()
	p.metrics.Batches.Add(1)

	defer func() {
		if r := recover(); r != nil {
			p.metrics.BatchFailures.Add(1)
			metrics.PipelineBatchFailuresTotal.WithLabelValues(p.label).Inc()
			err = fmt.Errorf("pipeline %d: batch of %d frames aborted: %v", p.id, len(batch), r)
		}
		metrics.PipelineLatencySeconds.WithLabelValues(p.label).Observe(time.Since(start).Seconds())
	}()

	var errs []error
	for _, raw := range batch {
		p.metrics.Received.Add(1)
		metrics.PipelinePacketsTotal.WithLabelValues(p.label).Inc()

		pkt := core.NewPacket(raw.Timestamp, raw.Data)
		if derr := p.dispatcher.Dispatch(ctx, decoder.LayerEthernet, pkt); derr != nil {
			p.metrics.SinkErrors.Add(1)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, derr)
		}
	}
	return errors.Join(errs...)
}

// flush sends the router's partial batches, bounded by flushTimeout even
// when ctx is already cancelled.
func (p *Pipeline) flush(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := p.router.Flush(fctx); err != nil {
		p.metrics.SinkErrors.Add(1)
		slog.Error("final flush failed", "pipeline_id", p.id, "error", err)
	}
}

// stopped is closed when Run returns.
func (p *Pipeline) stopped() <-chan struct{} { return p.exited }

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.Snapshot()
}
