// Package config provides configuration defaults for the hsport runtime.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via hsport.yaml (or hsport.toml).
package config

import "time"

// =============================================================================
// Registry Limits
// =============================================================================

const (
	// DefaultMaxConnections is the number of concurrent connections per runtime.
	// Override via config: limits.max_connections
	DefaultMaxConnections = 20

	// DefaultMaxClientsPerConnection is the number of clients sharing one connection.
	// Override via config: limits.max_clients_per_connection
	DefaultMaxClientsPerConnection = 100

	// MaxAddressLength is the longest controller address accepted by Init.
	MaxAddressLength = 100

	// MaxExplainLength bounds the text returned by ExplainError.
	MaxExplainLength = 1024
)

// =============================================================================
// Session Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the number of decoded frames kept per connection.
	// Override via config: session.buffer_capacity
	DefaultBufferCapacity = 10000

	// DefaultOverflowPolicy decides what happens when the slowest client
	// still holds the oldest frame and a new frame arrives.
	// Values: "overrun", "reject"
	// Override via config: session.overflow_policy
	DefaultOverflowPolicy = "overrun"

	// DefaultConnectTimeout bounds dial plus handshake.
	// Override via config: session.connect_timeout
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadTimeout bounds a single transport read.
	// Override via config: session.read_timeout
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds an output release.
	// Override via config: session.write_timeout
	DefaultWriteTimeout = 5 * time.Second

	// DefaultBackTimeSec is the history requested on (re)connect.
	// > 0 drains the full remote buffer, <= 0 requests the last |n| seconds.
	// Override via config: session.back_time_sec
	DefaultBackTimeSec = 0
)

// =============================================================================
// Reconnect Defaults
// =============================================================================

const (
	// DefaultReconnectInitialDelay is the first backoff delay after a transport failure.
	// Override via config: reconnect.initial_delay
	DefaultReconnectInitialDelay = 250 * time.Millisecond

	// DefaultReconnectMaxDelay caps the backoff delay.
	// Override via config: reconnect.max_delay
	DefaultReconnectMaxDelay = 10 * time.Second

	// DefaultReconnectMultiplier grows the delay per attempt.
	// Override via config: reconnect.multiplier
	DefaultReconnectMultiplier = 2.0

	// DefaultReconnectJitter spreads retries of many sessions (0.0-1.0).
	// Override via config: reconnect.jitter
	DefaultReconnectJitter = 0.2
)

// =============================================================================
// Post-Process Buffer Defaults
// =============================================================================

const (
	// DefaultPostProcessDir is the root directory for file backed buffers.
	// Override via config: postprocess.data_dir
	DefaultPostProcessDir = "/var/lib/hsport/postprocess"

	// DefaultPostProcessBufferSize sizes the in-memory ring backend.
	// Override via config: postprocess.buffer_size
	DefaultPostProcessBufferSize = 16 * 1024 * 1024

	// DefaultSegmentSize is the rollover size of a file segment.
	// Override via config: postprocess.segment_size
	DefaultSegmentSize = 64 * 1024 * 1024

	// DefaultRetention is how long closed segments are kept.
	// Override via config: postprocess.retention
	DefaultRetention = 24 * time.Hour

	// DefaultFrameBufferLength is the number of staging frames per buffer.
	DefaultFrameBufferLength = 10

	// DefaultDataTypeIdent is the only accepted post-process data type.
	DefaultDataTypeIdent = "raw"
)

// =============================================================================
// Event and SNMP Defaults
// =============================================================================

const (
	// DefaultEventBuffer is the per-subscriber event channel capacity.
	// Override via config: events.buffer
	DefaultEventBuffer = 256

	// DefaultNATSSubject prefixes forwarded events.
	// Override via config: events.nats_subject
	DefaultNATSSubject = "hsport.events"

	// DefaultSNMPTimeoutMs is the timeout of a device info request.
	// Override via config: snmp.timeout_ms
	DefaultSNMPTimeoutMs = 2000

	// DefaultSNMPRetries is the number of retries after timeout.
	// Override via config: snmp.retries
	DefaultSNMPRetries = 1

	// DefaultMaxMessageSize limits a single stream envelope.
	DefaultMaxMessageSize = 16 * 1024 * 1024
)
