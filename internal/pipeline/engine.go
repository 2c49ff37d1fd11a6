package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"firestige.xyz/captain/internal/config"
	"firestige.xyz/captain/internal/core"
	"firestige.xyz/captain/internal/core/decoder"
	"firestige.xyz/captain/internal/shard"
)

// Engine runs the configured number of pipelines over one shared fragment
// table and keeps the table swept.
//
// Submit and Flush are meant to be called from a single feeding goroutine.
type Engine struct {
	table       *decoder.FragmentTable
	limiter     *decoder.FragmentRateLimiter
	pipelines   []*Pipeline
	partitioner Partitioner
	batchSize   int
	pending     [][]core.RawPacket

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	errs    []error
	started bool
}

// EngineOption customizes an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	clock    decoder.Clock
	recorder decoder.Recorder
}

// WithClock replaces the clock driving fragment expiry.
func WithClock(c decoder.Clock) EngineOption {
	return func(o *engineOptions) { o.clock = c }
}

// WithRecording enables the recording tee.
func WithRecording(r decoder.Recorder) EngineOption {
	return func(o *engineOptions) { o.recorder = r }
}

// NewEngine assembles cfg.Pipeline.Instances pipelines delivering to sink.
func NewEngine(cfg *config.Config, sink shard.Sink, opts ...EngineOption) (*Engine, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: engine requires a sink", core.ErrConfigInvalid)
	}
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	instances := cfg.Pipeline.Instances
	if instances < 1 {
		instances = 1
	}
	batchSize := cfg.Pipeline.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}

	e := &Engine{
		table:       decoder.NewFragmentTable(cfg.IPv4.FragmentTTL, o.clock),
		limiter:     decoder.NewFragmentRateLimiter(cfg.IPv4.MaxFragmentsPerSource, cfg.IPv4.RateLimitWindow),
		partitioner: NewPartitioner(cfg.Pipeline.Dispatch),
		batchSize:   batchSize,
		pending:     make([][]core.RawPacket, instances),
	}

	rtp := decoder.RtpConfig{
		PayloadTypes:     decoder.NewPayloadTypes(cfg.RTP.PayloadTypes...),
		CollectorEnabled: cfg.RTP.Collector.Enabled,
	}
	for i := 0; i < instances; i++ {
		e.pipelines = append(e.pipelines, NewBuilder().
			WithID(i).
			WithFragmentTable(e.table, e.limiter).
			WithRTP(rtp).
			WithRecorder(o.recorder).
			WithSink(sink, instances, cfg.RTP.BulkSize).
			WithQueueSize(cfg.Pipeline.QueueSize).
			Build())
	}
	return e, nil
}

// Table returns the shared fragment table.
func (e *Engine) Table() *decoder.FragmentTable { return e.table }

// Pipelines returns the pipeline instances.
func (e *Engine) Pipelines() []*Pipeline { return e.pipelines }

// Start launches every pipeline and the fragment sweeper.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.table.Run(ctx)
	}()

	for _, p := range e.pipelines {
		e.wg.Add(1)
		go func(p *Pipeline) {
			defer e.wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.mu.Lock()
				e.errs = append(e.errs, fmt.Errorf("pipeline %d: %w", p.ID(), err))
				e.mu.Unlock()
			}
		}(p)
	}

	slog.Info("engine started",
		"pipelines", len(e.pipelines),
		"dispatch", e.partitioner.Name(),
		"fragment_ttl", e.table.TTL(),
		"batch_size", e.batchSize)
}

// Submit assigns raw to a pipeline and hands the pipeline a batch once
// batchSize frames have accumulated for it.
func (e *Engine) Submit(ctx context.Context, raw core.RawPacket) error {
	i := e.partitioner.Partition(raw, len(e.pipelines))
	e.pending[i] = append(e.pending[i], raw)
	if len(e.pending[i]) < e.batchSize {
		return nil
	}
	return e.submit(ctx, i)
}

// Flush hands every partially filled input batch to its pipeline.
func (e *Engine) Flush(ctx context.Context) error {
	var errs []error
	for i := range e.pending {
		if len(e.pending[i]) == 0 {
			continue
		}
		if err := e.submit(ctx, i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) submit(ctx context.Context, i int) error {
	batch := e.pending[i]
	e.pending[i] = make([]core.RawPacket, 0, e.batchSize)
	if err := e.pipelines[i].Submit(ctx, batch); err != nil {
		return fmt.Errorf("submit to pipeline %d: %w", i, err)
	}
	return nil
}

// Stop flushes pending input, lets every pipeline drain its queue and flush
// its shard batches, then stops the sweeper.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	ferr := e.Flush(ctx)
	for _, p := range e.pipelines {
		p.Close()
	}

	// Pipelines drain on Close; the sweeper needs the cancel.
	done := make(chan struct{})
	go func() {
		for _, p := range e.pipelines {
			<-p.stopped()
		}
		e.cancel()
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		<-done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	slog.Info("engine stopped", "live_fragments", e.table.Len())
	return errors.Join(append([]error{ferr}, e.errs...)...)
}

// Stats returns a snapshot of every pipeline.
func (e *Engine) Stats() []Stats {
	out := make([]Stats, len(e.pipelines))
	for i, p := range e.pipelines {
		out[i] = p.Stats()
	}
	return out
}
