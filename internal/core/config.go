package core

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig holds runtime configuration for the stream host.
type EngineConfig struct {
	PoolSize         int `yaml:"pool_size"`         // number of JS runtime instances per pool
	MemoryLimitMB    int `yaml:"memory_limit_mb"`   // per-runtime memory limit
	ExecutionTimeout int `yaml:"execution_timeout"` // milliseconds before a script is interrupted

	Streams StreamConfig  `yaml:"streams"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// StreamConfig holds defaults applied to channels and script streams.
type StreamConfig struct {
	HighWaterMark         int  `yaml:"high_water_mark"`          // chunks per native channel
	ByteHighWaterMark     int  `yaml:"byte_high_water_mark"`     // bytes per script byte stream
	ChunkSize             int  `yaml:"chunk_size"`               // read size for reader pumps
	AutoAllocateChunkSize int  `yaml:"auto_allocate_chunk_size"` // 0 disables
	MaxChunkBytes         int  `yaml:"max_chunk_bytes"`          // largest chunk accepted from scripts
	MaxStreamsPerRequest  int  `yaml:"max_streams_per_request"`
	ByteLengthStrategy    bool `yaml:"byte_length_strategy"` // size native channels in bytes instead of chunks
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		PoolSize:         2,
		MemoryLimitMB:    128,
		ExecutionTimeout: 30000,
		Streams: StreamConfig{
			HighWaterMark:        16,
			ByteHighWaterMark:    64 * 1024,
			ChunkSize:            32 * 1024,
			MaxChunkBytes:        4 * 1024 * 1024,
			MaxStreamsPerRequest: 256,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Namespace: "streamhost",
		},
	}
}

// ExecutionDeadline returns the configured timeout as a duration.
func (c EngineConfig) ExecutionDeadline() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Millisecond
}

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "STREAMHOST_"

// LoadConfig reads a YAML file on top of DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (EngineConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *EngineConfig) error {
	ints := map[string]*int{
		"POOL_SIZE":                &cfg.PoolSize,
		"MEMORY_LIMIT_MB":          &cfg.MemoryLimitMB,
		"EXECUTION_TIMEOUT":        &cfg.ExecutionTimeout,
		"HIGH_WATER_MARK":          &cfg.Streams.HighWaterMark,
		"BYTE_HIGH_WATER_MARK":     &cfg.Streams.ByteHighWaterMark,
		"CHUNK_SIZE":               &cfg.Streams.ChunkSize,
		"AUTO_ALLOCATE_CHUNK_SIZE": &cfg.Streams.AutoAllocateChunkSize,
		"MAX_CHUNK_BYTES":          &cfg.Streams.MaxChunkBytes,
		"MAX_STREAMS_PER_REQUEST":  &cfg.Streams.MaxStreamsPerRequest,
	}
	for name, dst := range ints {
		raw, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = v
	}
	if raw, ok := os.LookupEnv(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Log.Level = raw
	}
	if raw, ok := os.LookupEnv(EnvPrefix + "METRICS_ENABLED"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%sMETRICS_ENABLED: %w", EnvPrefix, err)
		}
		cfg.Metrics.Enabled = v
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c EngineConfig) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be positive, got %d", c.ExecutionTimeout)
	}
	if c.Streams.HighWaterMark < 0 || c.Streams.ByteHighWaterMark < 0 {
		return fmt.Errorf("high water marks must not be negative")
	}
	if c.Streams.ChunkSize <= 0 {
		return fmt.Errorf("streams.chunk_size must be positive, got %d", c.Streams.ChunkSize)
	}
	return nil
}
