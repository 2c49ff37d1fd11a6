// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"firestige.xyz/captain/internal/core"
)

// Config represents the top-level static configuration.
// Maps to the `captain:` root key in YAML.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	IPv4      IPv4Config      `mapstructure:"ipv4" yaml:"ipv4"`
	RTP       RTPConfig       `mapstructure:"rtp" yaml:"rtp"`
	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Sink      SinkConfig      `mapstructure:"sink" yaml:"sink"`
	Source    SourceConfig    `mapstructure:"source" yaml:"source"`
}

// ─── Pipeline ───

// Dispatch modes for distributing frames across pipeline instances.
const (
	DispatchFlowHash   = "flow-hash"
	DispatchRoundRobin = "round-robin"
)

// PipelineConfig sizes the pipeline instances.
type PipelineConfig struct {
	Instances int    `mapstructure:"instances" yaml:"instances"`   // shard count, also the number of workers
	QueueSize int    `mapstructure:"queue_size" yaml:"queue_size"` // input batches buffered per instance
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"` // frames per input batch
	Dispatch  string `mapstructure:"dispatch" yaml:"dispatch"`     // flow-hash / round-robin
}

// ─── Decoders ───

// IPv4Config controls fragment reassembly.
type IPv4Config struct {
	FragmentTTL           time.Duration `mapstructure:"fragment_ttl" yaml:"fragment_ttl"`
	MaxFragmentsPerSource int           `mapstructure:"max_fragments_per_source" yaml:"max_fragments_per_source"` // 0 = unlimited
	RateLimitWindow       time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
}

// RTPConfig controls RTP filtering and shard batching.
type RTPConfig struct {
	BulkSize     int             `mapstructure:"bulk_size" yaml:"bulk_size"`
	PayloadTypes PayloadTypeList `mapstructure:"payload_types" yaml:"payload_types"`
	Collector    CollectorConfig `mapstructure:"collector" yaml:"collector"`
}

// CollectorConfig gates delivery of decoded RTP packets downstream.
type CollectorConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// RecordingConfig selects streams to hand to the recording path.
type RecordingConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Targets   []string      `mapstructure:"targets" yaml:"targets"` // IPv4 addresses
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`         // 0 = never expire
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// ─── Downstream ───

// Sink types.
const (
	SinkConsole = "console"
	SinkNats    = "nats"
	SinkKafka   = "kafka"
)

// SinkConfig selects the downstream batch transport.
type SinkConfig struct {
	Type  string          `mapstructure:"type" yaml:"type"` // console / nats / kafka
	Nats  NatsSinkConfig  `mapstructure:"nats" yaml:"nats"`
	Kafka KafkaSinkConfig `mapstructure:"kafka" yaml:"kafka"`
}

// NatsSinkConfig configures the NATS sink.
type NatsSinkConfig struct {
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"` // subject = prefix + route
}

// KafkaSinkConfig configures the Kafka sink.
type KafkaSinkConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4 / zstd
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// SourceConfig configures frame ingress.
type SourceConfig struct {
	BPF []string `mapstructure:"bpf" yaml:"bpf"` // classic BPF, one "op jt jf k" instruction per entry
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"` // e.g., "0.0.0.0:9091"
	Path    string `mapstructure:"path" yaml:"path"`     // e.g., "/metrics"
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`   // MB
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ValidateAndApplyDefaults validates configuration and fills runtime defaults
// for values the loader cannot express.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return invalid("log.outputs.file.path is required when file output is enabled")
	}

	// ── Pipeline ──
	if cfg.Pipeline.Instances < 1 {
		return invalid("pipeline.instances must be >= 1, got %d", cfg.Pipeline.Instances)
	}
	if cfg.Pipeline.QueueSize < 1 {
		cfg.Pipeline.QueueSize = 1
	}
	if cfg.Pipeline.BatchSize < 1 {
		cfg.Pipeline.BatchSize = 1
	}
	switch cfg.Pipeline.Dispatch {
	case DispatchFlowHash, DispatchRoundRobin:
	default:
		return invalid("unsupported pipeline.dispatch: %s (must be %s/%s)",
			cfg.Pipeline.Dispatch, DispatchFlowHash, DispatchRoundRobin)
	}

	// ── Decoders ──
	if cfg.IPv4.FragmentTTL <= 0 {
		return invalid("ipv4.fragment_ttl must be positive, got %s", cfg.IPv4.FragmentTTL)
	}
	if cfg.IPv4.MaxFragmentsPerSource < 0 {
		return invalid("ipv4.max_fragments_per_source must be >= 0")
	}
	if cfg.IPv4.MaxFragmentsPerSource > 0 && cfg.IPv4.RateLimitWindow <= 0 {
		cfg.IPv4.RateLimitWindow = time.Second
	}
	if cfg.RTP.BulkSize < 1 {
		cfg.RTP.BulkSize = 1
	}

	// ── Recording ──
	if cfg.Recording.Enabled {
		for _, t := range cfg.Recording.Targets {
			ip := net.ParseIP(t)
			if ip == nil || ip.To4() == nil {
				return invalid("recording target %q is not an IPv4 address", t)
			}
		}
		if cfg.Recording.TTL < 0 {
			return invalid("recording.ttl must be >= 0")
		}
		if cfg.Recording.QueueSize < 1 {
			cfg.Recording.QueueSize = 1
		}
	}

	// ── Sink ──
	switch cfg.Sink.Type {
	case SinkConsole:
	case SinkNats:
		if cfg.Sink.Nats.URL == "" {
			return invalid("sink.nats.url is required when sink.type=nats")
		}
	case SinkKafka:
		if len(cfg.Sink.Kafka.Brokers) == 0 {
			return invalid("sink.kafka.brokers is required when sink.type=kafka")
		}
		if cfg.Sink.Kafka.Topic == "" {
			return invalid("sink.kafka.topic is required when sink.type=kafka")
		}
		cfg.Sink.Kafka.Compression = strings.ToLower(cfg.Sink.Kafka.Compression)
		if !slices.Contains([]string{"", "none", "gzip", "snappy", "lz4", "zstd"}, cfg.Sink.Kafka.Compression) {
			return invalid("unsupported sink.kafka.compression: %s", cfg.Sink.Kafka.Compression)
		}
	default:
		return invalid("unsupported sink.type: %s (must be console/nats/kafka)", cfg.Sink.Type)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrConfigInvalid, fmt.Sprintf(format, args...))
}
