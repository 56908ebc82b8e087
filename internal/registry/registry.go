// Package registry maps client handles to shared connection sessions.
//
// One session exists per distinct endpoint. A second Init for the same
// endpoint adds a client to the existing session. The session is closed
// when its last client goes away. Connection and per-connection client
// counts are bounded.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/metrics"
	"github.com/xtxerr/hsport/internal/session"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/validation"
)

var log = logging.Component("registry")

// =============================================================================
// Handles
// =============================================================================

// Handle identifies one client. The zero value is not a valid handle; only
// the registry hands out valid ones.
type Handle struct {
	id uint32
}

// Valid reports whether h was issued by a registry.
func (h Handle) Valid() bool {
	return h.id != 0
}

// ID returns the numeric handle, zero when invalid.
func (h Handle) ID() int {
	return int(h.id)
}

func (h Handle) String() string {
	if !h.Valid() {
		return "handle(none)"
	}
	return "handle(" + strconv.Itoa(int(h.id)) + ")"
}

// =============================================================================
// Registry
// =============================================================================

// Options configures a Registry.
type Options struct {
	Limits  config.LimitsConfig
	Session session.Options

	// Dialer opens transport connections.
	Dialer transport.Dialer

	// Events receives client add and remove events.
	// Default: events.Discard
	Events events.Publisher

	Metrics *metrics.Metrics
}

// DefaultOptions returns options built from the default configuration.
func DefaultOptions(dialer transport.Dialer) Options {
	cfg := config.DefaultConfig()
	return Options{
		Limits:  cfg.Limits,
		Session: session.OptionsFromConfig(cfg),
		Dialer:  dialer,
		Events:  events.Discard,
	}
}

type connection struct {
	id      int
	session *session.Session
	clients map[uint32]*session.Client
}

type entry struct {
	conn   *connection
	client *session.Client
}

// Registry owns every session of a runtime.
type Registry struct {
	opts Options

	mu         sync.Mutex
	conns      map[string]*connection
	clients    map[uint32]*entry
	nextHandle uint32
	nextConn   int
	opening    int
	closed     bool

	group singleflight.Group
}

// New creates a registry.
func New(opts Options) *Registry {
	if opts.Limits.MaxConnections <= 0 {
		opts.Limits.MaxConnections = config.DefaultConfig().Limits.MaxConnections
	}
	if opts.Limits.MaxClientsPerConnection <= 0 {
		opts.Limits.MaxClientsPerConnection = config.DefaultConfig().Limits.MaxClientsPerConnection
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}

	return &Registry{
		opts:    opts,
		conns:   make(map[string]*connection),
		clients: make(map[uint32]*entry),
	}
}

// Init returns a new client handle for ep with the given BackTime. The
// first Init of an endpoint connects; later ones share that connection.
// Concurrent first Inits of one endpoint connect once.
//
// On LimitError no handle is issued.
func (r *Registry) Init(ctx context.Context, ep transport.Endpoint, backTime float64) (Handle, error) {
	if r.opts.Dialer == nil {
		return Handle{}, fmt.Errorf("registry without dialer: %w", errors.ErrNotInitialized)
	}
	if err := validation.ValidateAddress(ep.Address); err != nil {
		return Handle{}, err
	}
	if !ep.Mode.Valid() {
		return Handle{}, fmt.Errorf("mode %s: %w", ep.Mode, errors.ErrInvalidArgument)
	}

	key := ep.Key()
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return Handle{}, errors.ErrAlreadyClosed
		}

		if conn := r.conns[key]; conn != nil {
			if conn.session.State() != session.StateClosed {
				h, err := r.attachLocked(conn, backTime)
				r.mu.Unlock()
				return h, err
			}

			// A fatal error closed the session. Drop it and connect anew.
			r.dropLocked(key, conn)
			r.mu.Unlock()
			conn.session.Close()
			continue
		}
		r.mu.Unlock()

		ran := false
		v, err, _ := r.group.Do(key, func() (interface{}, error) {
			ran = true
			return r.open(ctx, ep, backTime)
		})
		if err != nil {
			return Handle{}, err
		}
		if ran {
			return v.(Handle), nil
		}
	}
}

// open connects a new session with its first client.
func (r *Registry) open(ctx context.Context, ep transport.Endpoint, backTime float64) (Handle, error) {
	r.mu.Lock()
	// Another caller may have finished opening between our lookup and Do.
	if conn := r.conns[ep.Key()]; conn != nil && conn.session.State() != session.StateClosed {
		h, err := r.attachLocked(conn, backTime)
		r.mu.Unlock()
		return h, err
	}
	if limit := r.opts.Limits.MaxConnections; len(r.conns)+r.opening >= limit {
		r.mu.Unlock()
		r.opts.Metrics.LimitError()
		return Handle{}, fmt.Errorf("%d connections open: %w", limit, errors.ErrLimitExceeded)
	}
	r.opening++
	r.nextConn++
	id := r.nextConn
	r.mu.Unlock()

	unreserve := func() {
		r.mu.Lock()
		r.opening--
		r.mu.Unlock()
	}

	opts := r.opts.Session
	opts.ID = id
	opts.Events = r.opts.Events
	opts.Metrics = r.opts.Metrics

	s, err := session.New(ep, r.opts.Dialer, opts)
	if err != nil {
		unreserve()
		return Handle{}, err
	}
	c, err := s.AddClient(backTime)
	if err != nil {
		s.Close()
		unreserve()
		return Handle{}, err
	}
	if err := s.Open(ctx); err != nil {
		s.Close()
		unreserve()
		return Handle{}, err
	}

	r.mu.Lock()
	r.opening--
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return Handle{}, errors.ErrAlreadyClosed
	}
	if stale := r.conns[ep.Key()]; stale != nil {
		r.dropLocked(ep.Key(), stale)
	}
	conn := &connection{
		id:      id,
		session: s,
		clients: make(map[uint32]*session.Client),
	}
	r.conns[ep.Key()] = conn
	h := r.issueLocked(conn, c)
	r.mu.Unlock()

	log.Info("connection opened", "connection", id, "endpoint", ep.String(), "handle", h.ID())
	return h, nil
}

// attachLocked adds a client to an existing connection.
func (r *Registry) attachLocked(conn *connection, backTime float64) (Handle, error) {
	if limit := r.opts.Limits.MaxClientsPerConnection; len(conn.clients) >= limit {
		r.opts.Metrics.LimitError()
		return Handle{}, fmt.Errorf("%d clients on connection %d: %w", limit, conn.id, errors.ErrLimitExceeded)
	}

	c, err := conn.session.AddClient(backTime)
	if err != nil {
		return Handle{}, err
	}
	return r.issueLocked(conn, c), nil
}

func (r *Registry) issueLocked(conn *connection, c *session.Client) Handle {
	r.nextHandle++
	if r.nextHandle == 0 {
		r.nextHandle = 1
	}
	for r.clients[r.nextHandle] != nil {
		r.nextHandle++
	}

	h := Handle{id: r.nextHandle}
	conn.clients[h.id] = c
	r.clients[h.id] = &entry{conn: conn, client: c}
	r.updateMetricsLocked()

	r.opts.Events.Publish(events.Event{
		Type:       events.TypeClientAdded,
		Connection: conn.id,
		Endpoint:   conn.session.Endpoint().String(),
		Attrs:      map[string]any{"handle": h.ID(), "clients": len(conn.clients)},
	})
	return h
}

func (r *Registry) dropLocked(key string, conn *connection) {
	for id := range conn.clients {
		delete(r.clients, id)
	}
	delete(r.conns, key)
	r.updateMetricsLocked()
}

func (r *Registry) updateMetricsLocked() {
	r.opts.Metrics.SetRegistry(len(r.conns), len(r.clients))
}

// Close removes a client. The connection closes with its last client.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	e, err := r.lookupLocked(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	delete(r.clients, h.id)
	delete(e.conn.clients, h.id)
	last := len(e.conn.clients) == 0
	if last {
		delete(r.conns, e.conn.session.Endpoint().Key())
	}
	r.updateMetricsLocked()
	r.mu.Unlock()

	s := e.conn.session
	s.RemoveClient(e.client)

	r.opts.Events.Publish(events.Event{
		Type:       events.TypeClientRemoved,
		Connection: e.conn.id,
		Endpoint:   s.Endpoint().String(),
		Attrs:      map[string]any{"handle": h.ID()},
	})

	if last {
		log.Info("connection closed", "connection", e.conn.id, "endpoint", s.Endpoint().String())
		return s.Close()
	}
	return nil
}

func (r *Registry) lookupLocked(h Handle) (*entry, error) {
	if !h.Valid() {
		return nil, errors.ErrInvalidHandle
	}
	e, ok := r.clients[h.id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", h, errors.ErrInvalidHandle)
	}
	return e, nil
}

// Client returns the client behind h.
func (r *Registry) Client(h Handle) (*session.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Session returns the session h belongs to.
func (r *Registry) Session(h Handle) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return e.conn.session, nil
}

// Connection returns the connection number of h.
func (r *Registry) Connection(h Handle) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupLocked(h)
	if err != nil {
		return 0, err
	}
	return e.conn.id, nil
}

// Connections returns the number of open connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Clients returns the number of issued handles.
func (r *Registry) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Handles returns all issued handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Handle, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, Handle{id: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Shutdown closes every session concurrently and invalidates all handles.
// Later Inits fail.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session.Session, 0, len(r.conns))
	for _, conn := range r.conns {
		sessions = append(sessions, conn.session)
	}
	r.conns = make(map[string]*connection)
	r.clients = make(map[uint32]*entry)
	r.updateMetricsLocked()
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- s.Close() }()
			select {
			case err := <-done:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
