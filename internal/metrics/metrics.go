// Package metrics exposes runtime counters to Prometheus.
//
// Each Metrics value owns its registry, so several runtimes in one process
// (and tests) never collide on the default registerer.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/hsport/internal/logging"
)

var log = logging.Component("metrics")

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "hsport"

// Metrics holds all runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Sessions, labelled by endpoint
	framesDecoded     *prometheus.CounterVec
	framesCorrupt     *prometheus.CounterVec
	invalidTimestamps *prometheus.CounterVec
	framesOverrun     *prometheus.CounterVec
	framesRejected    *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	backfilled        *prometheus.CounterVec
	bufferFrames      *prometheus.GaugeVec
	bufferPending     *prometheus.GaugeVec
	backpressure      *prometheus.GaugeVec
	sessionState      *prometheus.GaugeVec

	// Registry
	connections prometheus.Gauge
	clients     prometheus.Gauge
	limitErrors prometheus.Counter

	// Post-process buffers, labelled by source name
	ppFrames   *prometheus.CounterVec
	ppBytes    *prometheus.CounterVec
	ppSegments *prometheus.CounterVec
	ppRejected *prometheus.CounterVec

	eventsDropped prometheus.Gauge
}

func counterVec(ns, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func gaugeVec(ns, subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates and registers all collectors. An empty namespace uses
// DefaultNamespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		framesDecoded:     counterVec(namespace, "session", "frames_decoded_total", "Frames decoded and appended to the buffer", "endpoint"),
		framesCorrupt:     counterVec(namespace, "session", "frames_corrupt_total", "Frames skipped because they failed to decode", "endpoint"),
		invalidTimestamps: counterVec(namespace, "session", "invalid_timestamps_total", "Frames with an undecodable or regressing timestamp", "endpoint"),
		framesOverrun:     counterVec(namespace, "session", "frames_overrun_total", "Frames evicted before every client read them", "endpoint"),
		framesRejected:    counterVec(namespace, "session", "frames_rejected_total", "Appends refused by a full buffer in reject mode", "endpoint"),
		reconnects:        counterVec(namespace, "session", "reconnects_total", "Successful reconnects after a transport failure", "endpoint"),
		backfilled:        counterVec(namespace, "session", "frames_backfilled_total", "History frames appended after a (re)connect", "endpoint"),
		bufferFrames:      gaugeVec(namespace, "buffer", "frames", "Frames currently held in the circular buffer", "endpoint"),
		bufferPending:     gaugeVec(namespace, "buffer", "pending_ratio", "Share of capacity not yet read by the slowest client", "endpoint"),
		backpressure:      gaugeVec(namespace, "buffer", "backpressure_level", "Backpressure level (0 normal .. 3 emergency)", "endpoint"),
		sessionState:      gaugeVec(namespace, "session", "state", "Session state (0 initializing, 1 connected, 2 degraded, 3 closed)", "endpoint"),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "connections",
			Help:      "Live connections",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "clients",
			Help:      "Registered clients over all connections",
		}),
		limitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "limit_errors_total",
			Help:      "Init calls refused by a connection or client limit",
		}),

		ppFrames:   counterVec(namespace, "postprocess", "frames_total", "Frames appended to post-process buffers", "source"),
		ppBytes:    counterVec(namespace, "postprocess", "bytes_total", "Bytes written by post-process backends", "source"),
		ppSegments: counterVec(namespace, "postprocess", "segments_rolled_total", "Segment rollovers", "source"),
		ppRejected: counterVec(namespace, "postprocess", "batches_rejected_total", "Batches rejected for out-of-order timestamps", "source"),

		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped",
			Help:      "Events dropped because a subscriber channel was full",
		}),
	}

	m.registry.MustRegister(
		m.framesDecoded,
		m.framesCorrupt,
		m.invalidTimestamps,
		m.framesOverrun,
		m.framesRejected,
		m.reconnects,
		m.backfilled,
		m.bufferFrames,
		m.bufferPending,
		m.backpressure,
		m.sessionState,
		m.connections,
		m.clients,
		m.limitErrors,
		m.ppFrames,
		m.ppBytes,
		m.ppSegments,
		m.ppRejected,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// =============================================================================
// Registry and events
// =============================================================================

// SetRegistry records the live connection and client counts.
func (m *Metrics) SetRegistry(connections, clients int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.clients.Set(float64(clients))
}

// LimitError counts a refused init.
func (m *Metrics) LimitError() {
	if m == nil {
		return
	}
	m.limitErrors.Inc()
}

// SetEventsDropped records the event bus drop count.
func (m *Metrics) SetEventsDropped(n int64) {
	if m == nil {
		return
	}
	m.eventsDropped.Set(float64(n))
}
