package pipeline

import (
	"firestige.xyz/captain/internal/core/decoder"
	"firestige.xyz/captain/internal/shard"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			Instances: 1,
			BulkSize:  1,
			QueueSize: 1024,
		},
	}
}

// WithID sets the pipeline ID.
func (b *Builder) WithID(id int) *Builder {
	b.config.ID = id
	return b
}

// WithFragmentTable sets the shared fragment table and its optional limiter.
func (b *Builder) WithFragmentTable(t *decoder.FragmentTable, l *decoder.FragmentRateLimiter) *Builder {
	b.config.Table = t
	b.config.Limiter = l
	return b
}

// WithRTP sets the RTP decoder options.
func (b *Builder) WithRTP(cfg decoder.RtpConfig) *Builder {
	b.config.RTP = cfg
	return b
}

// WithRecorder sets the recording collaborator. A nil recorder disables the tee.
func (b *Builder) WithRecorder(r decoder.Recorder) *Builder {
	b.config.Recorder = r
	return b
}

// WithSink sets the downstream sink and its sharding.
func (b *Builder) WithSink(s shard.Sink, instances, bulkSize int) *Builder {
	b.config.Sink = s
	b.config.Instances = instances
	b.config.BulkSize = bulkSize
	return b
}

// WithQueueSize sets the input batch channel buffer size.
func (b *Builder) WithQueueSize(size int) *Builder {
	b.config.QueueSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
