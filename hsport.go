// Package hsport is a client runtime for data-acquisition controllers.
//
// A Runtime owns every connection of a host application. Init returns a
// client handle on a shared connection session; the session streams
// decoded frames into a circular buffer read independently by each client.
// Post-process buffers persist frame streams to memory, segment files or
// parquet, and recorders copy a client's frames into them.
//
// Errors returned by the runtime and its sessions map to a closed set of
// status codes with StatusOf.
package hsport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/metrics"
	"github.com/xtxerr/hsport/internal/postprocess"
	"github.com/xtxerr/hsport/internal/postprocess/query"
	"github.com/xtxerr/hsport/internal/recorder"
	"github.com/xtxerr/hsport/internal/registry"
	"github.com/xtxerr/hsport/internal/session"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/transport/snmpinfo"
)

var log = logging.Component("runtime")

// Handle identifies one client of a connection.
type Handle = registry.Handle

// Status is a general return code.
type Status = errors.Status

// StatusOf maps an error returned by the runtime to its status code.
func StatusOf(err error) Status {
	return errors.StatusOf(err)
}

// PostProcessHandle identifies one post-process buffer of a runtime. The
// zero value is not valid.
type PostProcessHandle struct {
	id uint32
}

// Valid reports whether h was issued by a runtime.
func (h PostProcessHandle) Valid() bool {
	return h.id != 0
}

// ID returns the numeric handle, zero when invalid.
func (h PostProcessHandle) ID() int {
	return int(h.id)
}

func (h PostProcessHandle) String() string {
	if !h.Valid() {
		return "postprocess(none)"
	}
	return fmt.Sprintf("postprocess(%d)", h.id)
}

// Options configures a Runtime.
type Options struct {
	// Config is the runtime configuration.
	// Default: config.DefaultConfig()
	Config *config.Config

	// Dialer opens transport connections. It is wrapped with the SNMP
	// device info prober when SNMP is enabled.
	Dialer transport.Dialer

	// Metrics overrides the collectors created from Config.Metrics.
	Metrics *metrics.Metrics
}

type recording struct {
	rec    *recorder.Recorder
	client Handle
	target PostProcessHandle
}

// Runtime owns the registry, the event bus and the post-process table.
type Runtime struct {
	cfg     *config.Config
	bus     *events.Bus
	metrics *metrics.Metrics
	reg     *registry.Registry

	nc     *nats.Conn
	bridge *events.Bridge

	mu         sync.Mutex
	buffers    map[uint32]*postprocess.Buffer
	nextBuffer uint32
	recordings []*recording
	query      *query.Service

	autoSync atomic.Bool
	closed   atomic.Bool
}

// New creates a runtime. Connections are opened by Init.
func New(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Dialer == nil {
		return nil, errors.NewMissingField("dialer")
	}

	m := opts.Metrics
	if m == nil && cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	dialer := opts.Dialer
	if cfg.SNMP.Enabled {
		dialer = snmpinfo.Wrap(dialer, snmpinfo.New(&cfg.SNMP))
	}

	bus := events.NewBus(&cfg.Events)

	sessOpts := session.OptionsFromConfig(cfg)
	sessOpts.Events = bus
	sessOpts.Metrics = m

	r := &Runtime{
		cfg:     cfg,
		bus:     bus,
		metrics: m,
		reg: registry.New(registry.Options{
			Limits:  cfg.Limits,
			Session: sessOpts,
			Dialer:  dialer,
			Events:  bus,
			Metrics: m,
		}),
		buffers: make(map[uint32]*postprocess.Buffer),
	}

	if cfg.Events.NATSURL != "" {
		if err := r.startBridge(); err != nil {
			bus.Close()
			return nil, err
		}
	}

	log.Info("runtime started",
		"max_connections", cfg.Limits.MaxConnections,
		"max_clients", cfg.Limits.MaxClientsPerConnection,
		"postprocess_backend", cfg.PostProcess.Backend,
		"snmp", cfg.SNMP.Enabled)
	return r, nil
}

func (r *Runtime) startBridge() error {
	nc, err := events.ConnectNATS(r.cfg.Events.NATSURL, "hsport")
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", r.cfg.Events.NATSURL, errors.ErrConnectionFailed)
	}
	subject := r.cfg.Events.NATSSubject
	if subject == "" {
		subject = "hsport"
	}
	br, err := events.StartBridge(r.bus, nc, subject)
	if err != nil {
		nc.Close()
		return err
	}
	r.nc, r.bridge = nc, br
	return nil
}

// Config returns the runtime configuration.
func (r *Runtime) Config() *config.Config {
	return r.cfg
}

// Metrics returns the collectors, nil when metrics are disabled.
func (r *Runtime) Metrics() *metrics.Metrics {
	return r.metrics
}

// Subscribe returns a channel of runtime events of the given types, or all
// events when none are given. Delivery is at most once.
func (r *Runtime) Subscribe(ctx context.Context, types ...events.Type) (<-chan events.Event, error) {
	return r.bus.Subscribe(ctx, types...)
}

// EventStats returns event bus counters.
func (r *Runtime) EventStats() events.Stats {
	s := r.bus.Stats()
	r.metrics.SetEventsDropped(s.Dropped)
	return s
}

// =============================================================================
// Connections and clients
// =============================================================================

// Init returns a client handle for ep. A second Init for the same endpoint
// shares the connection. On LimitError the returned handle is not valid.
func (r *Runtime) Init(ctx context.Context, ep transport.Endpoint, backTime float64) (Handle, error) {
	if r.closed.Load() {
		return Handle{}, errors.ErrAlreadyClosed
	}
	return r.reg.Init(ctx, ep, backTime)
}

// Close removes a client. The connection closes with its last client.
func (r *Runtime) Close(h Handle) error {
	r.stopRecordings(func(rc *recording) bool { return rc.client == h })
	return r.reg.Close(h)
}

// Client returns the client of h.
func (r *Runtime) Client(h Handle) (*session.Client, error) {
	return r.reg.Client(h)
}

// Session returns the connection session of h.
func (r *Runtime) Session(h Handle) (*session.Session, error) {
	return r.reg.Session(h)
}

// Connection returns the connection number of h.
func (r *Runtime) Connection(h Handle) (int, error) {
	return r.reg.Connection(h)
}

// Connections returns the number of live connections.
func (r *Runtime) Connections() int {
	return r.reg.Connections()
}

// Clients returns the number of clients across all connections.
func (r *Runtime) Clients() int {
	return r.reg.Clients()
}

// Handles returns every live client handle.
func (r *Runtime) Handles() []Handle {
	return r.reg.Handles()
}

// ExplainError returns the last error text of the connection of h.
func (r *Runtime) ExplainError(h Handle) string {
	s, err := r.reg.Session(h)
	if err != nil {
		return fmt.Sprintf("%s: %v", StatusOf(err), err)
	}
	return s.ExplainError()
}

// SetAutoSyncMode is accepted for compatibility. Cross-connection
// timestamp alignment is not performed; the call is logged and published
// as deprecated.
func (r *Runtime) SetAutoSyncMode(on bool) {
	r.autoSync.Store(on)
	log.Warn("auto sync mode is deprecated and has no effect", "enabled", on)
	r.bus.Publish(events.Event{
		Type:    events.TypeDeprecated,
		Message: "auto sync mode has no effect",
		Attrs:   map[string]any{"setting": "auto_sync", "enabled": on},
	})
}

// AutoSyncMode returns the last value passed to SetAutoSyncMode.
func (r *Runtime) AutoSyncMode() bool {
	return r.autoSync.Load()
}

// =============================================================================
// Post-process buffers
// =============================================================================

// PostProcessOptions returns buffer options wired to the runtime storage
// configuration, events and metrics.
func (r *Runtime) PostProcessOptions(name string) postprocess.Options {
	opts := postprocess.DefaultOptions(name)
	opts.Storage = r.cfg.PostProcess
	opts.Events = r.bus
	opts.Metrics = r.metrics
	return opts
}

// CreatePostProcess creates a buffer in the Defining state and returns
// its handle.
func (r *Runtime) CreatePostProcess(opts postprocess.Options) (PostProcessHandle, *postprocess.Buffer, error) {
	if r.closed.Load() {
		return PostProcessHandle{}, nil, errors.ErrAlreadyClosed
	}
	if opts.Events == nil {
		opts.Events = r.bus
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	b, err := postprocess.New(opts)
	if err != nil {
		return PostProcessHandle{}, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		r.nextBuffer++
		if r.nextBuffer == 0 {
			continue
		}
		if _, used := r.buffers[r.nextBuffer]; !used {
			break
		}
	}
	h := PostProcessHandle{id: r.nextBuffer}
	r.buffers[h.id] = b

	log.Debug("post-process buffer created", "handle", h.ID(), "name", b.Name(), "source_id", b.SourceID())
	return h, b, nil
}

// PostProcess returns the buffer of h.
func (r *Runtime) PostProcess(h PostProcessHandle) (*postprocess.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buffers[h.id]
	if !h.Valid() || !ok {
		return nil, fmt.Errorf("%s: %w", h, errors.ErrInvalidHandle)
	}
	return b, nil
}

// PostProcessCount returns the number of open post-process buffers.
func (r *Runtime) PostProcessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// PostProcessInfo describes the buffer of h.
func (r *Runtime) PostProcessInfo(h PostProcessHandle) (postprocess.Info, error) {
	b, err := r.PostProcess(h)
	if err != nil {
		return postprocess.Info{}, err
	}
	return b.Info(), nil
}

// PostProcessHandles returns every open post-process handle.
func (r *Runtime) PostProcessHandles() []PostProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PostProcessHandle, 0, len(r.buffers))
	for id := range r.buffers {
		out = append(out, PostProcessHandle{id: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ClosePostProcess stops recordings into the buffer of h, closes it and
// releases the handle.
func (r *Runtime) ClosePostProcess(h PostProcessHandle) error {
	r.stopRecordings(func(rc *recording) bool { return rc.target == h })

	r.mu.Lock()
	b, ok := r.buffers[h.id]
	if ok {
		delete(r.buffers, h.id)
	}
	r.mu.Unlock()

	if !h.Valid() || !ok {
		return fmt.Errorf("%s: %w", h, errors.ErrInvalidHandle)
	}
	return b.Close()
}

// =============================================================================
// Recording and queries
// =============================================================================

// Record starts copying the frames of client h into the post-process
// buffer of target. The buffer must be initialized.
func (r *Runtime) Record(h Handle, target PostProcessHandle, opts recorder.Options) (*recorder.Recorder, error) {
	c, err := r.reg.Client(h)
	if err != nil {
		return nil, err
	}
	b, err := r.PostProcess(target)
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(c, b, opts)
	if err != nil {
		return nil, err
	}
	if err := rec.Start(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.recordings = append(r.recordings, &recording{rec: rec, client: h, target: target})
	r.mu.Unlock()
	return rec, nil
}

// stopRecordings stops and forgets the recordings matching fn.
func (r *Runtime) stopRecordings(fn func(*recording) bool) {
	r.mu.Lock()
	var stop []*recording
	keep := r.recordings[:0]
	for _, rc := range r.recordings {
		if fn(rc) {
			stop = append(stop, rc)
		} else {
			keep = append(keep, rc)
		}
	}
	r.recordings = keep
	r.mu.Unlock()

	for _, rc := range stop {
		if err := rc.rec.Stop(); err != nil {
			log.Warn("stop recording", "client", rc.client.ID(), "target", rc.target.ID(), "error", err)
		}
	}
}

// Query returns the SQL service over parquet segments, opening it on
// first use.
func (r *Runtime) Query() (*query.Service, error) {
	if r.closed.Load() {
		return nil, errors.ErrAlreadyClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.query != nil {
		return r.query, nil
	}
	q, err := query.New(r.cfg.Query, r.cfg.PostProcess.DataDir)
	if err != nil {
		return nil, err
	}
	r.query = q
	return q, nil
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops recordings, closes every connection and post-process
// buffer and releases the event bus. Later calls return ErrAlreadyClosed.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return errors.ErrAlreadyClosed
	}

	r.stopRecordings(func(*recording) bool { return true })

	var errs []error
	if err := r.reg.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	r.mu.Lock()
	buffers := r.buffers
	r.buffers = make(map[uint32]*postprocess.Buffer)
	q := r.query
	r.query = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, b := range buffers {
		g.Go(func() error {
			if err := b.Close(); err != nil && !errors.Is(err, errors.ErrAlreadyClosed) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if q != nil {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if r.bridge != nil {
		r.bridge.Stop()
	}
	if r.nc != nil {
		r.nc.Close()
	}
	if err := r.bus.Close(); err != nil {
		errs = append(errs, err)
	}

	log.Info("runtime stopped")
	return errors.Join(errs...)
}
