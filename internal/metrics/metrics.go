// Package metrics implements Prometheus metrics and the metrics server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourceFramesTotal counts frames read from the input source by outcome (accepted, filtered, error)
	SourceFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_source_frames_total",
			Help: "Total number of frames read from the input source",
		},
		[]string{"result"},
	)

	// PipelinePacketsTotal counts frames processed per pipeline instance
	PipelinePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_pipeline_packets_total",
			Help: "Total number of frames processed in pipeline",
		},
		[]string{"pipeline"},
	)

	// PipelineLatencySeconds measures per-batch processing latency
	PipelineLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captain_pipeline_latency_seconds",
			Help:    "Latency of pipeline batch processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"pipeline"},
	)

	// PipelineBatchFailuresTotal counts batches skipped after a recovered panic
	PipelineBatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_pipeline_batch_failures_total",
			Help: "Total number of input batches skipped because dispatch failed",
		},
		[]string{"pipeline"},
	)

	// PacketsDroppedTotal counts packets dropped by a decoder
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_packets_dropped_total",
			Help: "Total number of packets dropped while decoding",
		},
		[]string{"layer", "reason"},
	)

	// FragmentsTotal counts IPv4 fragments accepted into the fragment table
	FragmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captain_ipv4_fragments_total",
			Help: "Total number of IPv4 fragments accepted for reassembly",
		},
	)

	// DatagramsReassembledTotal counts datagrams completed by reassembly
	DatagramsReassembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captain_ipv4_datagrams_reassembled_total",
			Help: "Total number of IPv4 datagrams rebuilt from fragments",
		},
	)

	// FragmentsExpiredTotal counts reassemblers evicted by the TTL sweep
	FragmentsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captain_ipv4_reassembly_expired_total",
			Help: "Total number of incomplete datagrams dropped after the fragment TTL",
		},
	)

	// FragmentTableSize tracks live reassemblers
	FragmentTableSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "captain_ipv4_fragment_table_size",
			Help: "Number of datagrams currently awaiting reassembly",
		},
	)

	// BatchesFlushedTotal counts batches handed to the sink per route
	BatchesFlushedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_batches_flushed_total",
			Help: "Total number of batches flushed downstream",
		},
		[]string{"route"},
	)

	// BatchSize tracks flushed batch size distribution
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captain_batch_size",
			Help:    "Number of packets per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1, 2, 4, ..., 2048
		},
		[]string{"route"},
	)

	// SinkErrorsTotal counts sink delivery errors by sink type
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_sink_errors_total",
			Help: "Total number of downstream sink errors",
		},
		[]string{"sink"},
	)

	// RecordingHandoffsTotal counts packets offered to the recording path (queued, dropped)
	RecordingHandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captain_recording_handoffs_total",
			Help: "Total number of packet copies offered to the recording path",
		},
		[]string{"result"},
	)
)

// Drop reasons used with PacketsDroppedTotal.
const (
	ReasonTruncated   = "truncated"
	ReasonUnsupported = "unsupported"
	ReasonFiltered    = "filtered"
	ReasonMalformed   = "malformed"
)
