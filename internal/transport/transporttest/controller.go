package transporttest

import (
	"context"
	"sync"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

// Option configures a Controller.
type Option func(*Controller)

// IgnoreWindow makes the controller answer window history requests with
// its whole history, as some devices do.
func IgnoreWindow() Option {
	return func(c *Controller) { c.ignoreWindow = true }
}

// WithSampleRate sets the sample rate reported in the handshake.
func WithSampleRate(hz float64) Option {
	return func(c *Controller) { c.sampleRate = hz }
}

// Controller simulates a device. Frames passed to Emit are kept as history
// and streamed to every connection that has started its stream.
type Controller struct {
	mu sync.Mutex

	cat          *catalog.Catalog
	layout       decoder.Layout
	sampleRate   float64
	ignoreWindow bool

	history []decoder.Frame
	conns   map[*Conn]struct{}

	dials     int
	drops     int
	dialErr   error
	writeErr  error
	requests  []transport.HistoryRequest
	outputs   [][]transport.OutputValue
	endpoints []transport.Endpoint
}

// NewController creates a controller.
func NewController(cat *catalog.Catalog, layout decoder.Layout, opts ...Option) *Controller {
	c := &Controller{
		cat:    cat,
		layout: layout,
		conns:  make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialer returns a dialer connecting to this controller.
func (c *Controller) Dialer() transport.Dialer {
	return transport.DialerFunc(c.dial)
}

func (c *Controller) dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dials++
	c.endpoints = append(c.endpoints, ep)
	if c.dialErr != nil {
		return nil, c.dialErr
	}

	return &Conn{
		ctrl:    c,
		notify:  make(chan struct{}, 1),
		dropped: make(chan struct{}),
	}, nil
}

// SetCatalog replaces the catalog reported by later handshakes.
func (c *Controller) SetCatalog(cat *catalog.Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cat = cat
}

// SetDialError makes later dials fail with err. nil restores dialing.
func (c *Controller) SetDialError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErr = err
}

// SetWriteError makes later output writes fail with err.
func (c *Controller) SetWriteError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Emit records frames as history and delivers them as one live block to
// every streaming connection.
func (c *Controller) Emit(frames ...decoder.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, frames...)

	if len(c.conns) == 0 {
		return
	}
	data := c.encodeLocked(frames)
	for conn := range c.conns {
		conn.push(transport.Block{Data: data})
	}
}

// EmitRaw delivers raw bytes to every streaming connection without
// recording history.
func (c *Controller) EmitRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn := range c.conns {
		conn.push(transport.Block{Data: data})
	}
}

// Drop breaks every current connection. Their ReadFrames calls fail with
// ErrConnectionFailed.
func (c *Controller) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conn := range c.conns {
		conn.drop()
		delete(c.conns, conn)
	}
	c.drops++
}

// Dials returns the number of dial attempts.
func (c *Controller) Dials() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dials
}

// Connections returns the number of streaming connections.
func (c *Controller) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Requests returns all history requests received.
func (c *Controller) Requests() []transport.HistoryRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.HistoryRequest(nil), c.requests...)
}

// Outputs returns all output batches received.
func (c *Controller) Outputs() [][]transport.OutputValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]transport.OutputValue(nil), c.outputs...)
}

// Endpoints returns the endpoints of all dial attempts.
func (c *Controller) Endpoints() []transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Endpoint(nil), c.endpoints...)
}

// Encode encodes frames with the controller's catalog and layout.
func (c *Controller) Encode(frames ...decoder.Frame) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encodeLocked(frames)
}

func (c *Controller) encodeLocked(frames []decoder.Frame) []byte {
	var out []byte
	for _, f := range frames {
		b, err := decoder.Encode(f, c.cat, c.layout)
		if err != nil {
			panic(err)
		}
		out = append(out, b...)
	}
	return out
}

func (c *Controller) historyLocked(req transport.HistoryRequest) []decoder.Frame {
	if req.IsZero() || len(c.history) == 0 {
		return nil
	}
	if req.Full || c.ignoreWindow {
		return c.history
	}

	newest := c.history[len(c.history)-1].Timestamp
	cutoff := newest - timestamp.DCTime(req.Window)
	for i, f := range c.history {
		if f.Timestamp > cutoff {
			return c.history[i:]
		}
	}
	return nil
}

// =============================================================================
// Conn
// =============================================================================

// Conn is a connection to a Controller. It implements transport.Conn,
// transport.OnlineReader, transport.Diagnoser and
// transport.DeviceInfoProvider.
type Conn struct {
	ctrl *Controller

	mu      sync.Mutex
	queue   []transport.Block
	notify  chan struct{}
	dropped chan struct{}
	closed  bool
	once    sync.Once
}

func (c *Conn) push(b transport.Block) {
	c.mu.Lock()
	c.queue = append(c.queue, b)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Conn) drop() {
	c.once.Do(func() { close(c.dropped) })
}

// Handshake reports the controller's current catalog.
func (c *Conn) Handshake(ctx context.Context) (*transport.Handshake, error) {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	return &transport.Handshake{
		Catalog:    c.ctrl.cat,
		Layout:     c.ctrl.layout,
		SampleRate: c.ctrl.sampleRate,
	}, nil
}

// RequestHistory queues the requested history and starts the stream.
func (c *Conn) RequestHistory(ctx context.Context, req transport.HistoryRequest) error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	c.ctrl.requests = append(c.ctrl.requests, req)

	if !req.IsZero() {
		frames := c.ctrl.historyLocked(req)
		for _, f := range frames {
			c.push(transport.Block{Data: c.ctrl.encodeLocked([]decoder.Frame{f}), History: true})
		}
		c.push(transport.Block{History: true, HistoryDone: true})
	}

	c.ctrl.conns[c] = struct{}{}
	return nil
}

// ReadFrames returns the next queued block.
func (c *Conn) ReadFrames(ctx context.Context) (transport.Block, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return transport.Block{}, errors.ErrSessionClosed
		}
		if len(c.queue) > 0 {
			b := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.dropped:
			return transport.Block{}, errors.Wrap(errors.ErrConnectionFailed, "link dropped")
		case <-ctx.Done():
			return transport.Block{}, ctx.Err()
		}
	}
}

// WriteOutputs records the batch.
func (c *Conn) WriteOutputs(ctx context.Context, values []transport.OutputValue) error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	if c.ctrl.writeErr != nil {
		return c.ctrl.writeErr
	}
	c.ctrl.outputs = append(c.ctrl.outputs, append([]transport.OutputValue(nil), values...))
	return nil
}

// Close detaches the connection from the controller.
func (c *Conn) Close() error {
	c.ctrl.mu.Lock()
	delete(c.ctrl.conns, c)
	c.ctrl.mu.Unlock()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.drop()
	return nil
}

// ReadOnline returns the newest emitted frame.
func (c *Conn) ReadOnline(ctx context.Context) ([]byte, error) {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	if len(c.ctrl.history) == 0 {
		return nil, errors.ErrNotReady
	}
	return c.ctrl.encodeLocked(c.ctrl.history[len(c.ctrl.history)-1:]), nil
}

// Diagnostic reports emitted frames as cycles and drops as errors. Item
// counts report one item per level.
func (c *Conn) Diagnostic(ctx context.Context, level transport.DiagLevel, index int) (transport.Diagnostic, error) {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()

	switch level {
	case transport.DiagItemCount:
		return transport.Diagnostic{Errors: 1}, nil
	case transport.DiagController, transport.DiagInterface, transport.DiagTransport:
		if index != 0 {
			return transport.Diagnostic{}, errors.NewIndexError("diagnostic", index, 1)
		}
		return transport.Diagnostic{
			Cycles: uint32(len(c.ctrl.history)),
			Errors: uint32(c.ctrl.drops),
		}, nil
	default:
		return transport.Diagnostic{}, errors.ErrUnsupported
	}
}

// DeviceInfo answers the textual ids and the module count.
func (c *Conn) DeviceInfo(ctx context.Context, id transport.DeviceInfoID, index int) (transport.DeviceInfo, error) {
	switch id {
	case transport.DeviceLocation:
		return transport.DeviceInfo{Text: "test bench"}, nil
	case transport.DeviceType:
		return transport.DeviceInfo{Text: "HS-FAKE"}, nil
	case transport.DeviceVersion:
		return transport.DeviceInfo{Text: "1.0"}, nil
	case transport.DeviceSerialNumber:
		return transport.DeviceInfo{Text: "SN-0001"}, nil
	case transport.DeviceModuleCount:
		return transport.DeviceInfo{Number: 1}, nil
	default:
		return transport.DeviceInfo{}, errors.ErrUnsupported
	}
}

// =============================================================================
// Bare
// =============================================================================

type bareConn struct {
	transport.Conn
}

// Bare wraps d so its connections expose only transport.Conn.
func Bare(d transport.Dialer) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
		conn, err := d.Dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		return bareConn{conn}, nil
	})
}
