package config

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// configRoot is the top-level wrapper matching the YAML structure `captain: ...`.
type configRoot struct {
	Captain Config `mapstructure:"captain"`
}

// Load loads configuration from file. An empty path loads defaults only.
// The YAML file uses `captain:` as root key; env vars map through the key
// replacer (e.g., key "captain.log.level" → env "CAPTAIN_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Captain

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// decodeHook keeps viper's stock conversions and adds the payload type list.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		payloadTypesHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// setDefaults sets default values for configuration.
// All keys use "captain." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("captain.log.level", "info")
	v.SetDefault("captain.log.format", "json")
	v.SetDefault("captain.log.outputs.file.enabled", false)
	v.SetDefault("captain.log.outputs.file.path", "/var/log/captain/captain.log")
	v.SetDefault("captain.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("captain.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("captain.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("captain.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("captain.metrics.enabled", true)
	v.SetDefault("captain.metrics.listen", ":9091")
	v.SetDefault("captain.metrics.path", "/metrics")

	// Pipeline defaults
	v.SetDefault("captain.pipeline.instances", 1)
	v.SetDefault("captain.pipeline.queue_size", 1024)
	v.SetDefault("captain.pipeline.batch_size", 64)
	v.SetDefault("captain.pipeline.dispatch", DispatchFlowHash)

	// Decoder defaults
	v.SetDefault("captain.ipv4.fragment_ttl", "60000ms")
	v.SetDefault("captain.ipv4.max_fragments_per_source", 0)
	v.SetDefault("captain.ipv4.rate_limit_window", "1s")
	v.SetDefault("captain.rtp.bulk_size", 1)
	v.SetDefault("captain.rtp.payload_types", []int{})
	v.SetDefault("captain.rtp.collector.enabled", false)

	// Recording defaults
	v.SetDefault("captain.recording.enabled", false)
	v.SetDefault("captain.recording.targets", []string{})
	v.SetDefault("captain.recording.ttl", "0s")
	v.SetDefault("captain.recording.queue_size", 1024)

	// Sink defaults
	v.SetDefault("captain.sink.type", SinkConsole)
	v.SetDefault("captain.sink.nats.subject_prefix", "captain.")
	v.SetDefault("captain.sink.kafka.topic", "captain-rtp")
	v.SetDefault("captain.sink.kafka.compression", "snappy")
	v.SetDefault("captain.sink.kafka.batch_timeout", "100ms")
}
