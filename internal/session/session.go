// Package session runs one logical connection to a controller.
//
// A Session owns the transport connection, the circular frame buffer and
// the producer goroutine that decodes the frame stream into it. Clients
// sharing the connection each hold a cursor into the buffer. On transport
// failure the session degrades, keeps buffer and cursors untouched and
// reconnects with exponential backoff, replaying the history its clients
// asked for.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/backpressure"
	"github.com/xtxerr/hsport/internal/buffer"
	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/metrics"
	"github.com/xtxerr/hsport/internal/stats"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

var log = logging.Component("session")

// =============================================================================
// Options
// =============================================================================

// Options configures a Session.
type Options struct {
	Session      config.SessionConfig
	Reconnect    config.ReconnectConfig
	Backpressure config.BackpressureConfig
	Stats        config.StatsConfig

	// Events receives lifecycle and data condition events.
	// Default: events.Discard
	Events events.Publisher

	// Metrics is optional.
	Metrics *metrics.Metrics

	// ID is the connection number reported in events.
	ID int
}

// DefaultOptions returns options built from the default configuration.
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig takes the session related sections of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return Options{
		Session:      cfg.Session,
		Reconnect:    cfg.Reconnect,
		Backpressure: cfg.Backpressure,
		Stats:        cfg.Stats,
		Events:       events.Discard,
	}
}

// =============================================================================
// Session
// =============================================================================

// Session is one live connection shared by any number of clients.
type Session struct {
	ep     transport.Endpoint
	dialer transport.Dialer
	opts   Options
	log    *slog.Logger

	state atomic.Int32

	buf     *buffer.FrameBuffer
	bp      *backpressure.Controller
	metrics *metrics.Session

	// Connection state - protected by mu
	mu      sync.Mutex
	conn    transport.Conn
	hs      *transport.Handshake
	cat     *catalog.Catalog
	layout  decoder.Layout
	stride  int
	stats   *stats.Collector
	clients map[buffer.CursorID]*Client
	lastErr error
	cause   error

	// writeMu serializes output releases.
	writeMu sync.Mutex

	// Producer state, owned by the producer goroutine
	lastTS       timestamp.DCTime
	lastOverruns int64
	rng          *rand.Rand

	// Counters
	corrupt    atomic.Int64
	invalidTS  atomic.Int64
	reconnects atomic.Int64
	backfilled atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a session for ep. It does not connect; call Open.
func New(ep transport.Endpoint, dialer transport.Dialer, opts Options) (*Session, error) {
	if dialer == nil {
		return nil, fmt.Errorf("session without dialer: %w", errors.ErrInvalidArgument)
	}
	if !ep.Mode.Valid() {
		return nil, fmt.Errorf("mode %s: %w", ep.Mode, errors.ErrInvalidArgument)
	}

	policy, err := buffer.ParsePolicy(opts.Session.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	if opts.Session.ConnectTimeout <= 0 {
		opts.Session.ConnectTimeout = defaults.DefaultConnectTimeout
	}
	if opts.Session.ReadTimeout <= 0 {
		opts.Session.ReadTimeout = defaults.DefaultReadTimeout
	}
	if opts.Session.WriteTimeout <= 0 {
		opts.Session.WriteTimeout = defaults.DefaultWriteTimeout
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}

	s := &Session{
		ep:      ep,
		dialer:  dialer,
		opts:    opts,
		log:     log.With("endpoint", ep.String(), "connection", opts.ID),
		clients: make(map[buffer.CursorID]*Client),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		buf: buffer.New(buffer.Options{
			Capacity: opts.Session.BufferCapacity,
			Policy:   policy,
		}),
		metrics: opts.Metrics.Session(ep.String()),
	}
	s.bp = backpressure.New(&s.opts.Backpressure, s.buf)
	s.bp.SetOnLevelChange(func(old, new backpressure.Level) {
		s.publish(events.TypeBackpressure, "", map[string]any{
			"from": old.String(),
			"to":   new.String(),
		})
	})
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.metrics.State(int(StateInitializing))
	return s, nil
}

// Endpoint returns the endpoint of the session.
func (s *Session) Endpoint() transport.Endpoint {
	return s.ep
}

// Connected reports whether the transport link is up.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Catalog returns the channel catalog, or nil before the first handshake.
func (s *Session) Catalog() *catalog.Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cat
}

// Layout returns the frame layout of the connection.
func (s *Session) Layout() decoder.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// SampleRate returns the sample rate reported by the controller, zero when
// unknown.
func (s *Session) SampleRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hs == nil {
		return 0
	}
	return s.hs.SampleRate
}

// Buffer exposes the frame buffer for inspection.
func (s *Session) Buffer() *buffer.FrameBuffer {
	return s.buf
}

// =============================================================================
// Open / Close
// =============================================================================

// Open connects, requests the history of the clients added so far and
// starts the producer.
func (s *Session) Open(ctx context.Context) error {
	if st := s.State(); st != StateInitializing {
		return fmt.Errorf("open in state %s: %w", st, errors.ErrInvalidState)
	}

	conn, req, err := s.connect(ctx)
	if err != nil {
		s.recordErr(err)
		return err
	}

	if !s.transitionFrom(StateInitializing, StateConnected) {
		conn.Close()
		return s.closedErr()
	}

	s.wg.Add(1)
	go s.run(conn, req)

	s.log.Info("connected", "channels", s.Catalog().Len(), "history", req.String())
	s.publish(events.TypeConnected, "connected", map[string]any{"history": req.String()})
	return nil
}

// Close stops the producer, releases the transport and wakes every blocked
// reader. It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.transitionTo(StateClosed)
		s.buf.Close()

		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			err = conn.Close()
		}
		s.wg.Wait()

		s.metrics.Forget()
		s.log.Info("closed")
		s.publish(events.TypeSessionClosed, "closed", nil)
	})
	return err
}

// fail closes the session after a fatal error. Clients see the cause on
// their next call.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	s.cause = cause
	s.lastErr = cause
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if _, err := s.transitionTo(StateClosed); err != nil {
		return
	}
	s.buf.Close()
	if conn != nil {
		conn.Close()
	}

	s.log.Error("session closed", "error", cause)
	if errors.Is(cause, errors.ErrCatalogMismatch) {
		s.publish(events.TypeCatalogMismatch, cause.Error(), nil)
	}
	s.publish(events.TypeSessionClosed, cause.Error(), nil)
}

// closedErr is the error returned by calls on a closed session.
func (s *Session) closedErr() error {
	s.mu.Lock()
	cause := s.cause
	s.mu.Unlock()

	if cause != nil {
		return fmt.Errorf("%w: %w", errors.ErrSessionClosed, cause)
	}
	return errors.ErrSessionClosed
}

// =============================================================================
// Connecting
// =============================================================================

// connect dials, performs the handshake, checks the catalog against the one
// adopted earlier and sends the history request.
func (s *Session) connect(ctx context.Context) (transport.Conn, transport.HistoryRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Session.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(ctx, s.ep)
	if err != nil {
		return nil, transport.HistoryRequest{}, connectionError("dial", err)
	}

	hs, err := conn.Handshake(ctx)
	if err != nil {
		conn.Close()
		return nil, transport.HistoryRequest{}, connectionError("handshake", err)
	}

	if err := s.adopt(hs); err != nil {
		conn.Close()
		return nil, transport.HistoryRequest{}, err
	}

	req := s.historyRequest()
	if err := conn.RequestHistory(ctx, req); err != nil {
		conn.Close()
		return nil, transport.HistoryRequest{}, connectionError("request history", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, req, nil
}

func connectionError(op string, err error) error {
	if errors.Is(err, errors.ErrConnectionFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, errors.ErrConnectionFailed, err)
}

// adopt takes catalog and layout from the first handshake and verifies
// later ones against them.
func (s *Session) adopt(hs *transport.Handshake) error {
	if hs == nil || hs.Catalog == nil {
		return fmt.Errorf("handshake without catalog: %w", errors.ErrConnectionFailed)
	}
	if err := hs.Layout.Validate(); err != nil {
		return fmt.Errorf("handshake layout: %w", err)
	}
	stride := hs.Layout.Stride(hs.Catalog)
	if stride <= 0 {
		return errors.WithStatus(
			fmt.Errorf("handshake layout: %w", errors.NewValidation("stride", "frame has no bytes")),
			errors.StatusInitError)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cat != nil {
		if !s.cat.Equal(hs.Catalog) || s.layout != hs.Layout {
			return fmt.Errorf("%s: %w", s.ep, errors.ErrCatalogMismatch)
		}
		s.hs = hs
		return nil
	}

	s.hs = hs
	s.cat = hs.Catalog
	s.layout = hs.Layout
	s.stride = stride
	s.stats = stats.NewCollector(hs.Catalog, &s.opts.Stats)
	return nil
}

// =============================================================================
// Errors and events
// =============================================================================

func (s *Session) recordErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ExplainError returns the text of the last error seen by the session,
// bounded in length. It is empty when nothing failed.
func (s *Session) ExplainError() string {
	s.mu.Lock()
	err := s.lastErr
	s.mu.Unlock()

	if err == nil {
		return ""
	}
	text := fmt.Sprintf("%s: %v", errors.StatusOf(err), err)
	if len(text) > defaults.MaxExplainLength {
		text = text[:defaults.MaxExplainLength]
	}
	return text
}

func (s *Session) publish(typ events.Type, msg string, attrs map[string]any) {
	s.opts.Events.Publish(events.Event{
		Type:       typ,
		Connection: s.opts.ID,
		Endpoint:   s.ep.String(),
		Message:    msg,
		Attrs:      attrs,
	})
}

// =============================================================================
// Statistics
// =============================================================================

// Stats holds session statistics.
type Stats struct {
	State             State
	Buffer            buffer.Stats
	Backpressure      backpressure.ControllerStats
	Channels          stats.CollectorStats
	Clients           int
	CorruptFrames     int64
	InvalidTimestamps int64
	Reconnects        int64
	Backfilled        int64
}

// Stats returns session statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	clients := len(s.clients)
	collector := s.stats
	s.mu.Unlock()

	st := Stats{
		State:             s.State(),
		Buffer:            s.buf.Stats(),
		Backpressure:      s.bp.Stats(),
		Clients:           clients,
		CorruptFrames:     s.corrupt.Load(),
		InvalidTimestamps: s.invalidTS.Load(),
		Reconnects:        s.reconnects.Load(),
		Backfilled:        s.backfilled.Load(),
	}
	if collector != nil {
		st.Channels = collector.Stats()
	}
	return st
}

// ChannelStats returns the running statistics of one channel.
func (s *Session) ChannelStats(total int) (stats.Result, error) {
	s.mu.Lock()
	collector := s.stats
	s.mu.Unlock()

	if collector == nil {
		return stats.Result{}, errors.ErrNotInitialized
	}
	return collector.Result(total)
}

// ResetStats clears the channel statistics.
func (s *Session) ResetStats() {
	s.mu.Lock()
	collector := s.stats
	s.mu.Unlock()

	if collector != nil {
		collector.Reset()
	}
}
