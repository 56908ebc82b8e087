package stream

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	defaults "github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// SampleRate is reported in the handshake and device info.
	SampleRate float64

	// MaxHistory bounds the frames kept for history requests.
	MaxHistory int

	// Location, Type and Version answer textual device info requests.
	Location string
	Type     string
	Version  string
}

// DefaultServerOptions returns options for a 10 Hz simulator.
func DefaultServerOptions() ServerOptions {
	return ServerOptions{
		SampleRate: 10,
		MaxHistory: 10000,
		Location:   "simulator",
		Type:       "HS-SIM",
		Version:    "1.0",
	}
}

// Server simulates a controller speaking the stream protocol. It serves TCP
// listeners and WebSocket upgrades and is used by tests and the hspctl demo
// mode.
type Server struct {
	opts   ServerOptions
	cat    *catalog.Catalog
	layout decoder.Layout

	upgrader websocket.Upgrader

	mu        sync.Mutex
	history   []decoder.Frame
	peers     map[*peer]struct{}
	listeners []net.Listener
	outputs   [][]transport.OutputValue
	closed    bool

	wg sync.WaitGroup
}

type peer struct {
	f         framer
	streaming bool
}

// NewServer creates a simulator for cat.
func NewServer(cat *catalog.Catalog, layout decoder.Layout, opts ServerOptions) *Server {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultServerOptions().MaxHistory
	}
	return &Server{
		opts:   opts,
		cat:    cat,
		layout: layout,
		peers:  make(map[*peer]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve accepts TCP connections on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrAlreadyClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.handle(newTCPFramer(conn, defaults.DefaultMaxMessageSize))
	}
}

// ServeHTTP upgrades the request to a WebSocket session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.handle(newWSFramer(ws, defaults.DefaultMaxMessageSize))
}

func (s *Server) handle(f framer) {
	p := &peer{f: f}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.Close()
		return
	}
	s.peers[p] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.remove(p)

		for {
			env, err := f.ReadMsg()
			if err != nil {
				return
			}
			fields, _, err := unpack(env)
			if err != nil || fields == nil {
				continue
			}
			s.dispatch(p, fields)
		}
	}()
}

func (s *Server) remove(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
	p.f.Close()
}

func (s *Server) send(p *peer, fields map[string]any) {
	env, err := control(fields)
	if err == nil {
		err = p.f.WriteMsg(env)
	}
	if err != nil {
		log.Debug("send", "error", err)
	}
}

func (s *Server) dispatch(p *peer, m map[string]any) {
	id := num(m, "id")
	op := str(m, "op")

	switch op {
	case opHello:
		mode := transport.Mode(integer(m, "mode"))
		if !mode.Valid() {
			s.send(p, errorReply(id, fmt.Errorf("mode %d: %w", mode, errors.ErrInvalidArgument)))
			return
		}
		reply := encodeHandshake(&transport.Handshake{
			Catalog:    s.cat,
			Layout:     s.layout,
			SampleRate: s.opts.SampleRate,
		})
		reply["op"] = opCatalog
		reply["id"] = id
		s.send(p, reply)

	case opHistory:
		req := transport.HistoryRequest{
			Full:   flag(m, "full"),
			Window: time.Duration(num(m, "window") * float64(time.Second)),
		}
		s.startStream(p, id, req)

	case opWrite:
		list, _ := m["values"].([]any)
		values, err := decodeOutputs(list)
		if err == nil {
			err = s.checkOutputs(values)
		}
		if err != nil {
			s.send(p, errorReply(id, err))
			return
		}
		s.mu.Lock()
		s.outputs = append(s.outputs, values)
		s.mu.Unlock()
		s.send(p, map[string]any{"op": opOK, "id": id})

	case opOnline:
		s.mu.Lock()
		var data []byte
		var err error
		if n := len(s.history); n > 0 {
			data, err = decoder.Encode(s.history[n-1], s.cat, s.layout)
		} else {
			err = errors.ErrNotReady
		}
		s.mu.Unlock()
		if err != nil {
			s.send(p, errorReply(id, err))
			return
		}
		s.send(p, map[string]any{"op": opOnline, "id": id, "data": data})

	case opDiag:
		s.mu.Lock()
		cycles := len(s.history)
		s.mu.Unlock()
		s.send(p, map[string]any{"op": opDiag, "id": id, "cycles": cycles, "errors": 0})

	case opInfo:
		reply, err := s.deviceInfo(transport.DeviceInfoID(integer(m, "info")))
		if err != nil {
			s.send(p, errorReply(id, err))
			return
		}
		reply["op"] = opInfo
		reply["id"] = id
		s.send(p, reply)

	default:
		s.send(p, errorReply(id, fmt.Errorf("op %q: %w", op, errors.ErrUnsupported)))
	}
}

// startStream sends the requested history and marks the peer live. Both
// happen under the server lock so no live block overtakes the history.
func (s *Server) startStream(p *peer, id float64, req transport.HistoryRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.send(p, map[string]any{"op": opOK, "id": id})

	if !req.IsZero() {
		s.send(p, map[string]any{"op": opHistoryBegin})
		for _, f := range s.historyLocked(req) {
			if err := s.sendFramesLocked(p, []decoder.Frame{f}); err != nil {
				return
			}
		}
		s.send(p, map[string]any{"op": opHistoryEnd})
	}
	p.streaming = true
}

func (s *Server) historyLocked(req transport.HistoryRequest) []decoder.Frame {
	if len(s.history) == 0 {
		return nil
	}
	if req.Full {
		return s.history
	}
	cutoff := s.history[len(s.history)-1].Timestamp - timestamp.DCTime(req.Window)
	for i, f := range s.history {
		if f.Timestamp > cutoff {
			return s.history[i:]
		}
	}
	return nil
}

func (s *Server) sendFramesLocked(p *peer, frames []decoder.Frame) error {
	var data []byte
	for _, f := range frames {
		b, err := decoder.Encode(f, s.cat, s.layout)
		if err != nil {
			return err
		}
		data = append(data, b...)
	}
	env, err := blockEnvelope(data)
	if err != nil {
		return err
	}
	return p.f.WriteMsg(env)
}

func (s *Server) checkOutputs(values []transport.OutputValue) error {
	n := s.cat.Count(catalog.DirOutput)
	for _, v := range values {
		if v.Index < 0 || v.Index >= n {
			return errors.NewIndexError("output", v.Index, n)
		}
	}
	return nil
}

func (s *Server) deviceInfo(id transport.DeviceInfoID) (map[string]any, error) {
	switch id {
	case transport.DeviceLocation:
		return map[string]any{"text": s.opts.Location}, nil
	case transport.DeviceType:
		return map[string]any{"text": s.opts.Type}, nil
	case transport.DeviceVersion:
		return map[string]any{"text": s.opts.Version}, nil
	case transport.DeviceSampleRate:
		return map[string]any{"number": s.opts.SampleRate}, nil
	case transport.DeviceChannelCount:
		return map[string]any{"number": s.cat.Len()}, nil
	case transport.BufferMaxFrames:
		return map[string]any{"number": s.opts.MaxHistory}, nil
	default:
		return nil, fmt.Errorf("device info %d: %w", id, errors.ErrUnsupported)
	}
}

// Emit records frames and sends them as one block to every live peer.
func (s *Server) Emit(frames ...decoder.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, frames...)
	if over := len(s.history) - s.opts.MaxHistory; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}

	for p := range s.peers {
		if !p.streaming {
			continue
		}
		if err := s.sendFramesLocked(p, frames); err != nil {
			log.Debug("emit", "error", err)
		}
	}
	return nil
}

// Outputs returns all output batches received.
func (s *Server) Outputs() [][]transport.OutputValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]transport.OutputValue(nil), s.outputs...)
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropPeers closes every peer connection while the server keeps listening.
func (s *Server) DropPeers() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.f.Close()
	}
}

// Close stops all listeners and peers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	s.DropPeers()
	s.wg.Wait()
	return nil
}
