// Package stream is a reference transport that carries controller traffic
// as protobuf envelopes over TCP or WebSocket.
//
// Every envelope is an anypb.Any holding either a structpb.Struct control
// message or a wrapperspb.BytesValue with a block of encoded frames. On TCP
// envelopes are varint length-delimited; on WebSocket each binary message
// is one envelope. Addresses starting with ws:// or wss:// select
// WebSocket, everything else (optionally tcp://) selects TCP.
package stream

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	defaults "github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/transport"
	"github.com/xtxerr/hsport/internal/validation"
)

var log = logging.Component("stream")

// DefaultPort is used for TCP addresses without a port.
const DefaultPort = "4001"

// blockQueue is the number of blocks read ahead of the session.
const blockQueue = 64

// Dialer opens stream connections.
type Dialer struct {
	// Timeout bounds connection setup. Zero uses the context only.
	Timeout time.Duration

	// MaxMessageSize limits a single envelope.
	MaxMessageSize int
}

func (d *Dialer) maxSize() int {
	if d.MaxMessageSize > 0 {
		return d.MaxMessageSize
	}
	return defaults.DefaultMaxMessageSize
}

// Dial connects to ep.Address.
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (transport.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	var f framer
	addr := ep.Address

	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		wd := websocket.Dialer{HandshakeTimeout: d.Timeout}
		ws, _, err := wd.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %v: %w", addr, err, errors.ErrConnectionFailed)
		}
		f = newWSFramer(ws, d.maxSize())

	default:
		host, port, err := validation.SplitAddress(strings.TrimPrefix(addr, "tcp://"), DefaultPort)
		if err != nil {
			return nil, err
		}
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %v: %w", addr, err, errors.ErrConnectionFailed)
		}
		f = newTCPFramer(conn, d.maxSize())
	}

	c := newConn(ep, f)
	go c.readLoop()
	return c, nil
}

// Conn is a client connection. It implements transport.Conn and the
// optional transport capabilities; the server answers unsupported requests
// with a NotImplemented status.
type Conn struct {
	ep transport.Endpoint
	f  framer

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan map[string]any

	blocks  chan transport.Block
	done    chan struct{}
	closing chan struct{}
	err     error

	closeOnce sync.Once
}

func newConn(ep transport.Endpoint, f framer) *Conn {
	return &Conn{
		ep:      ep,
		f:       f,
		pending: make(map[uint64]chan map[string]any),
		blocks:  make(chan transport.Block, blockQueue),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (c *Conn) readLoop() {
	inHistory := false

	for {
		env, err := c.f.ReadMsg()
		if err != nil {
			c.fail(err)
			return
		}

		fields, data, err := unpack(env)
		if err != nil {
			log.Warn("skip envelope", "endpoint", c.ep.String(), "error", err)
			continue
		}

		if fields == nil {
			if !c.push(transport.Block{Data: data, History: inHistory}) {
				c.fail(errors.ErrSessionClosed)
				return
			}
			continue
		}

		switch str(fields, "op") {
		case opHistoryBegin:
			inHistory = true
		case opHistoryEnd:
			inHistory = false
			if !c.push(transport.Block{History: true, HistoryDone: true}) {
				c.fail(errors.ErrSessionClosed)
				return
			}
		default:
			c.deliver(uint64(num(fields, "id")), fields)
		}
	}
}

func (c *Conn) push(b transport.Block) bool {
	select {
	case c.blocks <- b:
		return true
	case <-c.closing:
		return false
	}
}

func (c *Conn) deliver(id uint64, fields map[string]any) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		ch <- fields
	}
}

func (c *Conn) fail(err error) {
	select {
	case <-c.closing:
		c.err = errors.ErrSessionClosed
	default:
		c.err = fmt.Errorf("%s: %v: %w", c.ep, err, errors.ErrConnectionFailed)
	}
	close(c.done)
}

// request sends a control message and waits for the reply with its id.
func (c *Conn) request(ctx context.Context, op string, fields map[string]any) (map[string]any, error) {
	id := c.nextID.Add(1)
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["op"] = op
	fields["id"] = id

	env, err := control(fields)
	if err != nil {
		return nil, err
	}

	reply := make(chan map[string]any, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.f.WriteMsg(env); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, errors.ErrConnectionFailed)
	}

	select {
	case m := <-reply:
		if str(m, "op") == opError {
			return nil, remoteError(op, m)
		}
		return m, nil
	case <-c.done:
		return nil, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, errors.ErrTimeout)
	}
}

// Handshake announces the endpoint and returns the catalog.
func (c *Conn) Handshake(ctx context.Context) (*transport.Handshake, error) {
	m, err := c.request(ctx, opHello, map[string]any{
		"mode":   int(c.ep.Mode),
		"buffer": c.ep.BufferIndex,
	})
	if err != nil {
		return nil, err
	}
	if str(m, "op") != opCatalog {
		return nil, fmt.Errorf("hello answered with %q: %w", str(m, "op"), errors.ErrTypeMismatch)
	}
	return decodeHandshake(m)
}

// RequestHistory asks for history and starts the stream.
func (c *Conn) RequestHistory(ctx context.Context, req transport.HistoryRequest) error {
	_, err := c.request(ctx, opHistory, map[string]any{
		"full":   req.Full,
		"window": req.Window.Seconds(),
	})
	return err
}

// ReadFrames returns the next block. Blocks already received are returned
// before a link error.
func (c *Conn) ReadFrames(ctx context.Context) (transport.Block, error) {
	select {
	case b := <-c.blocks:
		return b, nil
	case <-c.done:
		select {
		case b := <-c.blocks:
			return b, nil
		default:
		}
		return transport.Block{}, c.err
	case <-ctx.Done():
		return transport.Block{}, ctx.Err()
	}
}

// WriteOutputs sends one output batch and waits for the acknowledgment.
func (c *Conn) WriteOutputs(ctx context.Context, values []transport.OutputValue) error {
	_, err := c.request(ctx, opWrite, map[string]any{"values": encodeOutputs(values)})
	return err
}

// ReadOnline returns the controller's current frame.
func (c *Conn) ReadOnline(ctx context.Context) ([]byte, error) {
	m, err := c.request(ctx, opOnline, nil)
	if err != nil {
		return nil, err
	}
	return bytesField(m, "data")
}

// Diagnostic queries communication counters.
func (c *Conn) Diagnostic(ctx context.Context, level transport.DiagLevel, index int) (transport.Diagnostic, error) {
	m, err := c.request(ctx, opDiag, map[string]any{"level": int(level), "index": index})
	if err != nil {
		return transport.Diagnostic{}, err
	}
	return transport.Diagnostic{
		Cycles: uint32(num(m, "cycles")),
		Errors: uint32(num(m, "errors")),
	}, nil
}

// DeviceInfo queries a device property.
func (c *Conn) DeviceInfo(ctx context.Context, id transport.DeviceInfoID, index int) (transport.DeviceInfo, error) {
	m, err := c.request(ctx, opInfo, map[string]any{"info": int(id), "index": index})
	if err != nil {
		return transport.DeviceInfo{}, err
	}
	return transport.DeviceInfo{Text: str(m, "text"), Number: num(m, "number")}, nil
}

// Close closes the link. Blocked calls return ErrSessionClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.f.Close()
	})
	return err
}
