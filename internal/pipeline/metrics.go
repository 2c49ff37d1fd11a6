package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	PipelineID int

	// Counters (using atomic for thread-safety)
	Received      atomic.Uint64 // frames
	Batches       atomic.Uint64
	BatchFailures atomic.Uint64 // recovered panics
	SinkErrors    atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(pipelineID int) *Metrics {
	return &Metrics{PipelineID: pipelineID}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Batches.Store(0)
	m.BatchFailures.Store(0)
	m.SinkErrors.Store(0)
}

// Stats is a snapshot of Metrics.
type Stats struct {
	PipelineID    int
	Received      uint64
	Batches       uint64
	BatchFailures uint64
	SinkErrors    uint64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		PipelineID:    m.PipelineID,
		Received:      m.Received.Load(),
		Batches:       m.Batches.Load(),
		BatchFailures: m.BatchFailures.Load(),
		SinkErrors:    m.SinkErrors.Load(),
	}
}
