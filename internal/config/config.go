// Package config loads the runtime configuration.
//
// Files ending in .toml are parsed with BurntSushi/toml, everything else
// with yaml.v3. Unset fields keep the values from DefaultConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/hsport/config"
)

// Config represents the complete runtime configuration.
type Config struct {
	// Limits bounds the client registry.
	Limits LimitsConfig `yaml:"limits" toml:"limits"`

	// Session configures connection sessions and their frame buffers.
	Session SessionConfig `yaml:"session" toml:"session"`

	// Reconnect configures the backoff after transport failures.
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect"`

	// Backpressure configures fill-level tracking of frame buffers.
	Backpressure BackpressureConfig `yaml:"backpressure" toml:"backpressure"`

	// Stats configures per-channel statistics.
	Stats StatsConfig `yaml:"stats" toml:"stats"`

	// PostProcess configures post-process buffers.
	PostProcess PostProcessConfig `yaml:"postprocess" toml:"postprocess"`

	// Query configures SQL access to parquet segments.
	Query QueryConfig `yaml:"query" toml:"query"`

	// Events configures the event bus.
	Events EventsConfig `yaml:"events" toml:"events"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`

	// SNMP configures the device info prober.
	SNMP SNMPConfig `yaml:"snmp" toml:"snmp"`

	// Logging configures the log handler.
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// LimitsConfig bounds the client registry.
type LimitsConfig struct {
	// MaxConnections is the number of live connections.
	MaxConnections int `yaml:"max_connections" toml:"max_connections"`

	// MaxClientsPerConnection is the number of clients sharing a connection.
	MaxClientsPerConnection int `yaml:"max_clients_per_connection" toml:"max_clients_per_connection"`
}

// SessionConfig configures connection sessions.
type SessionConfig struct {
	// BufferCapacity is the number of frames kept per connection.
	BufferCapacity int `yaml:"buffer_capacity" toml:"buffer_capacity"`

	// OverflowPolicy is "overrun" or "reject".
	OverflowPolicy string `yaml:"overflow_policy" toml:"overflow_policy"`

	// ConnectTimeout bounds dial plus handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`

	// ReadTimeout bounds a single transport read.
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`

	// WriteTimeout bounds an output release.
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`

	// BackTimeSec is the default BackTime of new clients.
	BackTimeSec float64 `yaml:"back_time_sec" toml:"back_time_sec"`
}

// ReconnectConfig configures exponential backoff with jitter.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" toml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" toml:"multiplier"`
	Jitter       float64       `yaml:"jitter" toml:"jitter"`

	// MaxAttempts stops reconnecting after this many failures. Zero retries
	// until the session is closed.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`
}

// BackpressureConfig configures fill-level tracking.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Thresholds defines pending-ratio thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds" toml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery" toml:"recovery"`
}

// BackpressureThresholds defines pending-ratio thresholds.
type BackpressureThresholds struct {
	Warning   float64 `yaml:"warning" toml:"warning"`
	Critical  float64 `yaml:"critical" toml:"critical"`
	Emergency float64 `yaml:"emergency" toml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-0.5).
	Hysteresis float64 `yaml:"hysteresis" toml:"hysteresis"`

	// Cooldown is the minimum time between level evaluations.
	Cooldown time.Duration `yaml:"cooldown" toml:"cooldown"`
}

// StatsConfig configures per-channel statistics.
type StatsConfig struct {
	// Enabled enables statistics.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Accuracy is the DDSketch relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy" toml:"accuracy"`
}

// PostProcessConfig configures post-process buffers.
type PostProcessConfig struct {
	// DataDir is the root directory for file backends.
	DataDir string `yaml:"data_dir" toml:"data_dir"`

	// Backend is memory, segment or parquet.
	Backend string `yaml:"backend" toml:"backend"`

	// BufferSize sizes the memory ring backend in bytes.
	BufferSize int64 `yaml:"buffer_size" toml:"buffer_size"`

	// SegmentSize is the rollover size of a file segment in bytes.
	SegmentSize int64 `yaml:"segment_size" toml:"segment_size"`

	// Retention is how long closed segments are kept.
	Retention time.Duration `yaml:"retention" toml:"retention"`

	// SyncMode is async, sync or fsync for the segment backend.
	SyncMode string `yaml:"sync_mode" toml:"sync_mode"`

	// Compression configures parquet compression.
	Compression CompressionConfig `yaml:"compression" toml:"compression"`
}

// CompressionConfig configures parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm" toml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level" toml:"level"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit" toml:"memory_limit"`

	// Timeout is the query timeout.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`

	// MaxRows is the maximum number of rows returned.
	MaxRows int `yaml:"max_rows" toml:"max_rows"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer int `yaml:"buffer" toml:"buffer"`

	// NATSURL forwards every event to a NATS server when set.
	NATSURL string `yaml:"nats_url" toml:"nats_url"`

	// NATSSubject is the subject prefix; the event type is appended.
	NATSSubject string `yaml:"nats_subject" toml:"nats_subject"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Listen    string `yaml:"listen" toml:"listen"`
	Namespace string `yaml:"namespace" toml:"namespace"`
}

// SNMPConfig configures the device info prober.
type SNMPConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Port      uint16 `yaml:"port" toml:"port"`
	Community string `yaml:"community" toml:"community"`
	Version   string `yaml:"version" toml:"version"`
	TimeoutMs int    `yaml:"timeout_ms" toml:"timeout_ms"`
	Retries   int    `yaml:"retries" toml:"retries"`
}

// LoggingConfig configures the log handler.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

// Load loads configuration from a YAML or TOML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := Parse(data, formatOf(path), config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Parse decodes data in the given format ("yaml" or "toml") into cfg.
func Parse(data []byte, format string, cfg *Config) error {
	switch format {
	case "toml":
		return toml.Unmarshal(data, cfg)
	case "yaml", "":
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxConnections:          defaults.DefaultMaxConnections,
			MaxClientsPerConnection: defaults.DefaultMaxClientsPerConnection,
		},
		Session: SessionConfig{
			BufferCapacity: defaults.DefaultBufferCapacity,
			OverflowPolicy: defaults.DefaultOverflowPolicy,
			ConnectTimeout: defaults.DefaultConnectTimeout,
			ReadTimeout:    defaults.DefaultReadTimeout,
			WriteTimeout:   defaults.DefaultWriteTimeout,
			BackTimeSec:    defaults.DefaultBackTimeSec,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: defaults.DefaultReconnectInitialDelay,
			MaxDelay:     defaults.DefaultReconnectMaxDelay,
			Multiplier:   defaults.DefaultReconnectMultiplier,
			Jitter:       defaults.DefaultReconnectJitter,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   time.Second,
			},
		},
		Stats: StatsConfig{
			Enabled:  true,
			Accuracy: 0.01,
		},
		PostProcess: PostProcessConfig{
			DataDir:     defaults.DefaultPostProcessDir,
			Backend:     "segment",
			BufferSize:  defaults.DefaultPostProcessBufferSize,
			SegmentSize: defaults.DefaultSegmentSize,
			Retention:   defaults.DefaultRetention,
			SyncMode:    "async",
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
		},
		Query: QueryConfig{
			MemoryLimit: "512MB",
			Timeout:     30 * time.Second,
			MaxRows:     1000000,
		},
		Events: EventsConfig{
			Buffer:      defaults.DefaultEventBuffer,
			NATSSubject: defaults.DefaultNATSSubject,
		},
		Metrics: MetricsConfig{
			Listen:    ":9273",
			Namespace: "hsport",
		},
		SNMP: SNMPConfig{
			Port:      161,
			Community: "public",
			Version:   "2c",
			TimeoutMs: defaults.DefaultSNMPTimeoutMs,
			Retries:   defaults.DefaultSNMPRetries,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// EnsureDirectories creates the post-process data directory.
func (c *Config) EnsureDirectories() error {
	if c.PostProcess.Backend == "memory" {
		return nil
	}
	if err := os.MkdirAll(c.PostProcess.DataDir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", c.PostProcess.DataDir, err)
	}
	return nil
}

// PostProcessDir returns the directory of one post-process buffer.
func (c *Config) PostProcessDir(sourceID string) string {
	return filepath.Join(c.PostProcess.DataDir, sourceID)
}
