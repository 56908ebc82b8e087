package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/xtxerr/hsport/internal/buffer"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

// =============================================================================
// BackTime
// =============================================================================

// HistoryFor converts a BackTime in seconds to a history request. Positive
// values drain the whole remote buffer, negative values ask for the last
// |backTime| seconds and zero asks for nothing.
func HistoryFor(backTime float64) transport.HistoryRequest {
	switch {
	case backTime > 0:
		return transport.HistoryRequest{Full: true}
	case backTime < 0 && !math.IsInf(backTime, -1):
		return transport.HistoryRequest{Window: time.Duration(-backTime * float64(time.Second))}
	default:
		return transport.HistoryRequest{}
	}
}

// historyRequest is the union of the BackTimes of all clients. Without
// clients the configured default applies.
func (s *Session) historyRequest() transport.HistoryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) == 0 {
		return HistoryFor(s.opts.Session.BackTimeSec)
	}

	var req transport.HistoryRequest
	for _, c := range s.clients {
		req = req.Union(HistoryFor(c.BackTime()))
	}
	return req
}

// position places a cursor according to a BackTime: at the oldest frame,
// at the first frame inside the window ending at the newest frame, or at
// the head.
func (s *Session) position(id buffer.CursorID, backTime float64) error {
	req := HistoryFor(backTime)
	switch {
	case req.Full:
		return s.buf.Resync(id)
	case req.Window > 0:
		newest, ok := s.buf.Newest()
		if !ok {
			return s.buf.Resync(id)
		}
		return s.buf.SeekAfter(id, newest.Timestamp-timestamp.DCTime(req.Window)+1)
	default:
		return s.buf.SeekLatest(id)
	}
}

// =============================================================================
// Client registration
// =============================================================================

// Client is one consumer of a session. It owns a cursor into the frame
// buffer, a BackTime and a staging area for output values.
type Client struct {
	s  *Session
	id buffer.CursorID

	mu       sync.Mutex
	backTime float64
	staged   map[int]decoder.Value
}

// AddClient registers a client with the given BackTime. Clients added
// before Open start at the oldest frame, so they see the history the
// session requests on connect. Clients added later are positioned by their
// BackTime inside what the buffer already holds.
func (s *Session) AddClient(backTime float64) (*Client, error) {
	if math.IsNaN(backTime) {
		return nil, fmt.Errorf("back time NaN: %w", errors.ErrInvalidArgument)
	}

	st := s.State()
	if st == StateClosed {
		return nil, s.closedErr()
	}

	id, err := s.buf.Register(buffer.StartOldest)
	if err != nil {
		return nil, s.readErr(err)
	}
	if st != StateInitializing {
		if err := s.position(id, backTime); err != nil {
			s.buf.Unregister(id)
			return nil, s.readErr(err)
		}
	}

	c := &Client{
		s:        s,
		id:       id,
		backTime: backTime,
		staged:   make(map[int]decoder.Value),
	}

	s.mu.Lock()
	s.clients[id] = c
	n := len(s.clients)
	s.mu.Unlock()

	s.log.Debug("client added", "cursor", id, "back_time", backTime, "clients", n)
	return c, nil
}

// RemoveClient unregisters c. Staged outputs of c are discarded.
func (s *Session) RemoveClient(c *Client) error {
	if c == nil || c.s != s {
		return errors.ErrClientNotFound
	}

	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("cursor %d: %w", c.id, errors.ErrClientNotFound)
	}
	s.buf.Unregister(c.id)
	s.log.Debug("client removed", "cursor", c.id, "clients", n)
	return nil
}

// Clients returns the number of registered clients.
func (s *Session) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// readErr maps buffer errors to what a client should see in the current
// session state.
func (s *Session) readErr(err error) error {
	if err == nil {
		return nil
	}
	switch s.State() {
	case StateClosed:
		if errors.Is(err, errors.ErrCursorClosed) || errors.Is(err, errors.ErrAlreadyClosed) {
			return s.closedErr()
		}
	case StateDegraded:
		if errors.Is(err, errors.ErrNotReady) {
			return fmt.Errorf("no buffered data: %w", errors.ErrNotConnected)
		}
	}
	return err
}

// =============================================================================
// Client API
// =============================================================================

// ID returns the cursor id of the client.
func (c *Client) ID() buffer.CursorID {
	return c.id
}

// Session returns the session the client belongs to.
func (c *Client) Session() *Session {
	return c.s
}

// BackTime returns the client's BackTime in seconds.
func (c *Client) BackTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backTime
}

// SetBackTime changes the BackTime and repositions the cursor by it. The
// new value also applies to the history requested on reconnect.
func (c *Client) SetBackTime(backTime float64) error {
	if math.IsNaN(backTime) {
		return fmt.Errorf("back time NaN: %w", errors.ErrInvalidArgument)
	}
	c.mu.Lock()
	c.backTime = backTime
	c.mu.Unlock()

	return c.s.readErr(c.s.position(c.id, backTime))
}

// ClearBuffer discards what the client has not read by repositioning its
// cursor by its BackTime. Other clients are not affected.
func (c *Client) ClearBuffer() error {
	return c.s.readErr(c.s.position(c.id, c.BackTime()))
}

// Read returns the frame at the cursor without consuming it.
func (c *Client) Read() (decoder.Frame, error) {
	f, err := c.s.buf.Read(c.id)
	return f, c.s.readErr(err)
}

// Advance consumes the frame returned by the last Read.
func (c *Client) Advance() error {
	return c.s.readErr(c.s.buf.Advance(c.id))
}

// Next reads and consumes one frame.
func (c *Client) Next() (decoder.Frame, error) {
	f, err := c.s.buf.Next(c.id)
	return f, c.s.readErr(err)
}

// Available returns the number of unread frames.
func (c *Client) Available() (int, error) {
	n, err := c.s.buf.Available(c.id)
	return n, c.s.readErr(err)
}

// Overrun reports whether frames were lost for this client.
func (c *Client) Overrun() (bool, error) {
	o, err := c.s.buf.Overrun(c.id)
	return o, c.s.readErr(err)
}

// Position returns the absolute sequence number of the cursor.
func (c *Client) Position() (uint64, error) {
	p, err := c.s.buf.Position(c.id)
	return p, c.s.readErr(err)
}

// Wait blocks until n frames are available. See buffer.FrameBuffer.Wait.
func (c *Client) Wait(ctx context.Context, n int, timeout time.Duration) error {
	return c.s.readErr(c.s.buf.Wait(ctx, c.id, n, timeout))
}

// Seek moves the cursor n frames forward and returns how far it moved.
func (c *Client) Seek(n int) (int, error) {
	moved, err := c.s.buf.Seek(c.id, n)
	return moved, c.s.readErr(err)
}

// Rewind moves the cursor n frames back and returns how far it moved.
func (c *Client) Rewind(n int) (int, error) {
	moved, err := c.s.buf.Rewind(c.id, n)
	return moved, c.s.readErr(err)
}

// SeekTimestamp moves the cursor to the first frame at or after ts.
func (c *Client) SeekTimestamp(ts timestamp.DCTime) error {
	return c.s.readErr(c.s.buf.SeekTimestamp(c.id, ts))
}

// Resync moves the cursor to the oldest frame and clears overrun.
func (c *Client) Resync() error {
	return c.s.readErr(c.s.buf.Resync(c.id))
}

// State returns the client state word: 0 while new data is pending, or
// what the client last stored.
func (c *Client) State() (int32, error) {
	st, err := c.s.buf.State(c.id)
	return st, c.s.readErr(err)
}

// SetState stores the client state word. The next frame resets it to 0.
func (c *Client) SetState(state int32) error {
	return c.s.readErr(c.s.buf.SetState(c.id, state))
}

// Frames returns the number of unread frames.
func (c *Client) Frames() (int, error) {
	return c.Available()
}

// FramesAll returns the number of frames held by the buffer.
func (c *Client) FramesAll() int {
	return c.s.buf.Len()
}

// TimeRange returns the timestamps of the oldest and newest buffered
// frames.
func (c *Client) TimeRange() (first, last timestamp.DCTime, err error) {
	first, last, ok := c.s.buf.TimeRange()
	if !ok {
		return 0, 0, c.s.readErr(errors.ErrNotReady)
	}
	return first, last, nil
}

// ReadInto fills dst with count values per frame, starting at total
// channel index start, consuming len(dst)/count frames. It blocks until
// the frames arrive, timeout elapses or ctx is done and returns the number
// of frames copied. dst is never written past its length.
func (c *Client) ReadInto(ctx context.Context, dst []float64, start, count int, timeout time.Duration) (int, error) {
	if count <= 0 || len(dst) < count {
		return 0, fmt.Errorf("read %d values into %d: %w", count, len(dst), errors.ErrInvalidArgument)
	}
	cat := c.s.Catalog()
	if cat == nil {
		return 0, errors.ErrNotInitialized
	}
	if start < 0 || start+count > cat.Len() {
		return 0, errors.NewIndexError("total", start+count-1, cat.Len())
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	want := len(dst) / count
	for done := 0; done < want; {
		f, err := c.s.buf.Next(c.id)
		if errors.Is(err, errors.ErrNotReady) {
			remaining := time.Duration(0)
			if !deadline.IsZero() {
				if remaining = time.Until(deadline); remaining <= 0 {
					return done, errors.ErrTimeout
				}
			}
			if err := c.Wait(ctx, 1, remaining); err != nil {
				return done, err
			}
			continue
		}
		if err != nil {
			return done, c.s.readErr(err)
		}

		row := dst[done*count : (done+1)*count]
		for i := range row {
			row[i] = f.Values[start+i].Float64()
		}
		done++
	}
	return want, nil
}
