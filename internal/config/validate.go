package config

import (
	"fmt"

	"github.com/xtxerr/hsport/internal/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Limits.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}
	if err := c.Session.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := c.Reconnect.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reconnect: %w", err))
	}
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}
	if err := c.Stats.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stats: %w", err))
	}
	if err := c.PostProcess.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("postprocess: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	if c.Events.Buffer <= 0 {
		errs = append(errs, errors.NewValidation("events.buffer", "must be positive"))
	}
	if c.Events.NATSURL != "" && c.Events.NATSSubject == "" {
		errs = append(errs, errors.NewMissingField("events.nats_subject"))
	}
	if err := c.SNMP.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("snmp: %w", err))
	}

	return errors.Join(errs...)
}

// Validate checks the registry limits.
func (c *LimitsConfig) Validate() error {
	var errs []error

	if c.MaxConnections < 1 {
		errs = append(errs, errors.NewValidation("max_connections", "must be at least 1"))
	}
	if c.MaxClientsPerConnection < 1 {
		errs = append(errs, errors.NewValidation("max_clients_per_connection", "must be at least 1"))
	}

	return errors.Join(errs...)
}

// Validate checks the session configuration.
func (c *SessionConfig) Validate() error {
	var errs []error

	if c.BufferCapacity < 1 {
		errs = append(errs, errors.NewValidation("buffer_capacity", "must be at least 1"))
	}

	switch c.OverflowPolicy {
	case "overrun", "reject", "":
	default:
		errs = append(errs, errors.NewValidation("overflow_policy", "must be one of: overrun, reject"))
	}

	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.NewValidation("connect_timeout", "must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.NewValidation("read_timeout", "must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.NewValidation("write_timeout", "must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the reconnect configuration.
func (c *ReconnectConfig) Validate() error {
	var errs []error

	if c.InitialDelay <= 0 {
		errs = append(errs, errors.NewValidation("initial_delay", "must be positive"))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, errors.NewValidation("max_delay", "must be >= initial_delay"))
	}
	if c.Multiplier < 1 {
		errs = append(errs, errors.NewValidation("multiplier", "must be >= 1"))
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, errors.NewValidation("jitter", "must be between 0 and 1"))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.NewValidation("max_attempts", "must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.NewValidation("thresholds.warning", "must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.NewValidation("thresholds.critical", "must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency > 1 {
		errs = append(errs, errors.NewValidation("thresholds.emergency", "must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.NewValidation("thresholds.warning", "must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.NewValidation("thresholds.critical", "must be < thresholds.emergency"))
	}

	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.NewValidation("recovery.hysteresis", "must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown < 0 {
		errs = append(errs, errors.NewValidation("recovery.cooldown", "must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the stats configuration.
func (c *StatsConfig) Validate() error {
	if c.Enabled && (c.Accuracy <= 0 || c.Accuracy >= 1) {
		return errors.NewValidation("accuracy", "must be between 0 and 1")
	}
	return nil
}

// Validate checks the post-process configuration.
func (c *PostProcessConfig) Validate() error {
	var errs []error

	switch c.Backend {
	case "memory":
	case "segment", "parquet":
		if c.DataDir == "" {
			errs = append(errs, errors.NewMissingField("data_dir"))
		}
	default:
		errs = append(errs, errors.NewValidation("backend", "must be one of: memory, segment, parquet"))
	}

	if c.BufferSize <= 0 {
		errs = append(errs, errors.NewValidation("buffer_size", "must be positive"))
	}
	if c.SegmentSize <= 0 {
		errs = append(errs, errors.NewValidation("segment_size", "must be positive"))
	}
	if c.Retention <= 0 {
		errs = append(errs, errors.NewValidation("retention", "must be positive"))
	}

	switch c.SyncMode {
	case "async", "sync", "fsync", "":
	default:
		errs = append(errs, errors.NewValidation("sync_mode", "must be one of: async, sync, fsync"))
	}

	switch c.Compression.Algorithm {
	case "snappy", "zstd", "lz4", "none", "":
	default:
		errs = append(errs, errors.NewValidation("compression.algorithm", "must be one of: snappy, zstd, lz4, none"))
	}
	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.NewValidation("compression.level", "for zstd must be between 0 and 22"))
	}

	return errors.Join(errs...)
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	var errs []error

	if c.Timeout <= 0 {
		errs = append(errs, errors.NewValidation("timeout", "must be positive"))
	}
	if c.MaxRows <= 0 {
		errs = append(errs, errors.NewValidation("max_rows", "must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the SNMP configuration.
func (c *SNMPConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	switch c.Version {
	case "1", "2c":
	default:
		errs = append(errs, errors.NewValidation("version", "must be 1 or 2c"))
	}
	if c.Community == "" {
		errs = append(errs, errors.NewMissingField("community"))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, errors.NewValidation("timeout_ms", "must be positive"))
	}
	if c.Retries < 0 {
		errs = append(errs, errors.NewValidation("retries", "must be non-negative"))
	}

	return errors.Join(errs...)
}
