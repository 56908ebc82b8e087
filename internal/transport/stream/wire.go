package stream

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// framer moves whole envelopes over a link. WriteMsg is safe for
// concurrent use; ReadMsg is called from one goroutine.
type framer interface {
	ReadMsg() (*anypb.Any, error)
	WriteMsg(env *anypb.Any) error
	Close() error
}

// =============================================================================
// TCP: varint length-delimited envelopes
// =============================================================================

type tcpFramer struct {
	conn    net.Conn
	r       *bufio.Reader
	maxSize int

	mu sync.Mutex
	w  *bufio.Writer
}

func newTCPFramer(conn net.Conn, maxSize int) *tcpFramer {
	return &tcpFramer{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		maxSize: maxSize,
	}
}

func (f *tcpFramer) ReadMsg() (*anypb.Any, error) {
	env := &anypb.Any{}
	opts := protodelim.UnmarshalOptions{MaxSize: int64(f.maxSize)}
	if err := opts.UnmarshalFrom(f.r, env); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	return env, nil
}

func (f *tcpFramer) WriteMsg(env *anypb.Any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := protodelim.MarshalTo(f.w, env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (f *tcpFramer) Close() error {
	return f.conn.Close()
}

// =============================================================================
// WebSocket: one binary message per envelope
// =============================================================================

type wsFramer struct {
	conn *websocket.Conn

	mu sync.Mutex
}

func newWSFramer(conn *websocket.Conn, maxSize int) *wsFramer {
	conn.SetReadLimit(int64(maxSize))
	return &wsFramer{conn: conn}
}

func (f *wsFramer) ReadMsg() (*anypb.Any, error) {
	for {
		typ, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read envelope: %w", err)
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		env := &anypb.Any{}
		if err := proto.Unmarshal(data, env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		return env, nil
	}
}

func (f *wsFramer) WriteMsg(env *anypb.Any) error {
	data, err := proto.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

func (f *wsFramer) Close() error {
	f.mu.Lock()
	_ = f.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
	f.mu.Unlock()
	return f.conn.Close()
}
