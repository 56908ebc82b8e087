// Package buffer provides the circular frame buffer shared by all clients
// of one connection.
//
// Frames are addressed by absolute sequence numbers. The buffer holds the
// half-open range [oldest, newest). Each client owns a cursor inside
// [oldest, newest]; a frame is retired cleanly only once every cursor has
// moved past it.
package buffer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/hsport/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/logging"
	"github.com/xtxerr/hsport/internal/timestamp"
)

var log = logging.Component("buffer")

// OverflowPolicy decides what Append does when the buffer is full and the
// slowest cursor still points at the oldest frame.
type OverflowPolicy string

const (
	// PolicyOverrun drops the oldest frame and flags lagging cursors.
	PolicyOverrun OverflowPolicy = "overrun"
	// PolicyReject refuses the insert with ErrBufferFull.
	PolicyReject OverflowPolicy = "reject"
)

// ParsePolicy validates a policy name. Empty selects the default.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "":
		return OverflowPolicy(config.DefaultOverflowPolicy), nil
	case PolicyOverrun, PolicyReject:
		return OverflowPolicy(s), nil
	default:
		return "", errors.NewValidation("overflow_policy", s)
	}
}

// Start selects where a new cursor begins.
type Start int

const (
	// StartOldest positions the cursor at the oldest retained frame.
	StartOldest Start = iota
	// StartLatest positions the cursor after the newest frame so that only
	// frames appended later are read.
	StartLatest
)

// CursorID identifies a registered cursor.
type CursorID uint32

// Options configures a FrameBuffer.
type Options struct {
	// Capacity is the number of frames held.
	// Default: config.DefaultBufferCapacity
	Capacity int

	// Policy is the overflow policy.
	// Default: PolicyOverrun
	Policy OverflowPolicy
}

// DefaultOptions returns default buffer options.
func DefaultOptions() Options {
	return Options{
		Capacity: config.DefaultBufferCapacity,
		Policy:   PolicyOverrun,
	}
}

type cursor struct {
	index   uint64
	acked   bool
	overrun bool
	state   int32
}

// FrameBuffer is a bounded, multi-reader circular buffer of frames.
type FrameBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames   []decoder.Frame
	capacity uint64
	oldest   uint64
	newest   uint64
	policy   OverflowPolicy

	cursors map[CursorID]*cursor
	nextID  CursorID
	closed  bool

	// Statistics
	appended atomic.Int64
	evicted  atomic.Int64
	overruns atomic.Int64
	rejected atomic.Int64
}

// New creates a FrameBuffer.
func New(opts Options) *FrameBuffer {
	if opts.Capacity <= 0 {
		opts.Capacity = config.DefaultBufferCapacity
	}
	if opts.Policy == "" {
		opts.Policy = PolicyOverrun
	}

	b := &FrameBuffer{
		frames:   make([]decoder.Frame, opts.Capacity),
		capacity: uint64(opts.Capacity),
		policy:   opts.Policy,
		cursors:  make(map[CursorID]*cursor),
		nextID:   1,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// ============================================================================
// Producer side
// ============================================================================

// Append inserts a frame at the head and stamps its sequence number.
//
// When the buffer is full the oldest frame is evicted. Cursors still
// pointing at it are moved to the new oldest frame and flagged overrun,
// unless the policy is PolicyReject, in which case ErrBufferFull is
// returned and nothing changes.
func (b *FrameBuffer) Append(f decoder.Frame) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.ErrAlreadyClosed
	}

	if b.newest > b.oldest {
		last := b.frames[(b.newest-1)%b.capacity].Timestamp
		if f.Timestamp < last {
			return 0, fmt.Errorf("frame at %v after %v: %w", f.Timestamp, last, errors.ErrClockRegressed)
		}
	}

	if b.newest-b.oldest == b.capacity {
		evict := b.oldest
		lagging := 0
		for _, c := range b.cursors {
			if c.index <= evict {
				lagging++
			}
		}

		if lagging > 0 && b.policy == PolicyReject {
			b.rejected.Add(1)
			return 0, errors.ErrBufferFull
		}

		b.frames[evict%b.capacity] = decoder.Frame{}
		b.oldest++
		b.evicted.Add(1)

		if lagging > 0 {
			for id, c := range b.cursors {
				if c.index <= evict {
					c.index = b.oldest
					c.acked = false
					if !c.overrun {
						log.Warn("cursor overrun", "cursor", id, "seq", evict)
					}
					c.overrun = true
					b.overruns.Add(1)
				}
			}
		}
	}

	seq := b.newest
	f.Seq = seq
	b.frames[seq%b.capacity] = f
	b.newest++
	b.appended.Add(1)

	for _, c := range b.cursors {
		c.state = 0
	}

	b.cond.Broadcast()
	return seq, nil
}

// Clear drops every frame and moves all cursors to the head. Sequence
// numbers keep increasing across a clear.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.frames {
		b.frames[i] = decoder.Frame{}
	}
	b.oldest = b.newest
	for _, c := range b.cursors {
		c.index = b.newest
		c.acked = false
		c.overrun = false
	}
	b.cond.Broadcast()
}

// Close wakes every waiter. Later calls on the buffer fail with
// ErrCursorClosed or ErrAlreadyClosed.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// ============================================================================
// Cursor registration
// ============================================================================

// Register adds a cursor.
func (b *FrameBuffer) Register(start Start) (CursorID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.ErrCursorClosed
	}

	id := b.nextID
	b.nextID++

	c := &cursor{index: b.oldest}
	if start == StartLatest {
		c.index = b.newest
	}
	b.cursors[id] = c
	return id, nil
}

// Unregister removes a cursor. Waiters on it return ErrCursorClosed.
func (b *FrameBuffer) Unregister(id CursorID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.cursors, id)
	b.cond.Broadcast()
}

// cursorLocked returns the cursor or the error describing why it is gone.
func (b *FrameBuffer) cursorLocked(id CursorID) (*cursor, error) {
	if b.closed {
		return nil, errors.ErrCursorClosed
	}
	c, ok := b.cursors[id]
	if !ok {
		return nil, fmt.Errorf("cursor %d: %w", id, errors.ErrCursorClosed)
	}
	return c, nil
}

// ============================================================================
// Reading
// ============================================================================

// Read returns the frame at the cursor without moving it. Repeated reads
// return the same frame until Advance.
func (b *FrameBuffer) Read(id CursorID) (decoder.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return decoder.Frame{}, err
	}
	if c.overrun {
		return decoder.Frame{}, errors.ErrBufferOverrun
	}
	if c.index >= b.newest {
		return decoder.Frame{}, errors.ErrNotReady
	}

	c.acked = true
	return b.frames[c.index%b.capacity], nil
}

// Advance moves the cursor past the frame returned by the last Read.
func (b *FrameBuffer) Advance(id CursorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	if !c.acked {
		return errors.ErrNotAcknowledged
	}

	c.acked = false
	c.index++
	return nil
}

// Next reads the frame at the cursor and advances past it.
func (b *FrameBuffer) Next(id CursorID) (decoder.Frame, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return decoder.Frame{}, err
	}
	if c.overrun {
		return decoder.Frame{}, errors.ErrBufferOverrun
	}
	if c.index >= b.newest {
		return decoder.Frame{}, errors.ErrNotReady
	}

	f := b.frames[c.index%b.capacity]
	c.acked = false
	c.index++
	return f, nil
}

// Available returns the number of frames between the cursor and the head.
func (b *FrameBuffer) Available(id CursorID) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return 0, err
	}
	return b.availableLocked(c), nil
}

func (b *FrameBuffer) availableLocked(c *cursor) int {
	if c.index >= b.newest {
		return 0
	}
	n := b.newest - c.index
	if n > b.capacity {
		n = b.capacity
	}
	return int(n)
}

// Overrun reports whether the cursor is flagged overrun.
func (b *FrameBuffer) Overrun(id CursorID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return false, err
	}
	return c.overrun, nil
}

// Position returns the absolute sequence number the cursor points at.
func (b *FrameBuffer) Position(id CursorID) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return 0, err
	}
	return c.index, nil
}

// ============================================================================
// Positioning
// ============================================================================

// Seek moves the cursor n frames toward the head, saturating at the head.
// It returns the number of frames actually moved.
func (b *FrameBuffer) Seek(id CursorID, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("seek by %d: %w", n, errors.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return 0, err
	}

	moved := uint64(n)
	if room := b.newest - c.index; moved > room {
		moved = room
	}
	b.moveLocked(c, c.index+moved)
	return int(moved), nil
}

// Rewind moves the cursor n frames toward the oldest frame, saturating at
// the oldest. It returns the number of frames actually moved.
func (b *FrameBuffer) Rewind(id CursorID, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("rewind by %d: %w", n, errors.ErrInvalidArgument)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return 0, err
	}

	moved := uint64(n)
	if room := c.index - b.oldest; moved > room {
		moved = room
	}
	b.moveLocked(c, c.index-moved)
	return int(moved), nil
}

// SeekTimestamp positions the cursor at the first frame with a timestamp at
// or after ts. ErrNotFound is returned when ts lies outside the retained
// range.
func (b *FrameBuffer) SeekTimestamp(id CursorID, ts timestamp.DCTime) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	if b.newest == b.oldest {
		return fmt.Errorf("seek to %v in empty buffer: %w", ts, errors.ErrNotFound)
	}

	first := b.frames[b.oldest%b.capacity].Timestamp
	last := b.frames[(b.newest-1)%b.capacity].Timestamp
	if ts < first || ts > last {
		return fmt.Errorf("seek to %v outside [%v, %v]: %w", ts, first, last, errors.ErrNotFound)
	}

	b.moveLocked(c, b.searchLocked(ts))
	return nil
}

// SeekAfter is the saturating form of SeekTimestamp: timestamps before the
// oldest frame select the oldest, timestamps after the newest select the
// head.
func (b *FrameBuffer) SeekAfter(id CursorID, ts timestamp.DCTime) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	b.moveLocked(c, b.searchLocked(ts))
	return nil
}

// Resync moves the cursor to the oldest retained frame and clears overrun.
func (b *FrameBuffer) Resync(id CursorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	b.moveLocked(c, b.oldest)
	return nil
}

// SeekLatest moves the cursor to the head.
func (b *FrameBuffer) SeekLatest(id CursorID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	b.moveLocked(c, b.newest)
	return nil
}

// searchLocked returns the first sequence in [oldest, newest] whose frame
// timestamp is at or after ts.
func (b *FrameBuffer) searchLocked(ts timestamp.DCTime) uint64 {
	n := int(b.newest - b.oldest)
	i := sort.Search(n, func(i int) bool {
		return b.frames[(b.oldest+uint64(i))%b.capacity].Timestamp >= ts
	})
	return b.oldest + uint64(i)
}

// moveLocked is the single place cursors are repositioned explicitly.
// Any explicit move clears overrun and the pending acknowledgment.
func (b *FrameBuffer) moveLocked(c *cursor, to uint64) {
	if to < b.oldest {
		to = b.oldest
	}
	if to > b.newest {
		to = b.newest
	}
	c.index = to
	c.acked = false
	c.overrun = false
}

// ============================================================================
// Blocking wait
// ============================================================================

// Wait blocks until at least n frames are available to the cursor.
//
// It returns ErrTimeout when timeout elapses (zero waits indefinitely),
// ctx.Err() when the context is done and ErrCursorClosed when the cursor
// or buffer is closed. An overrun cursor returns immediately so the next
// Read can report it. n is capped at the buffer capacity.
func (b *FrameBuffer) Wait(ctx context.Context, id CursorID, n int, timeout time.Duration) error {
	if n <= 0 {
		n = 1
	}
	if uint64(n) > b.capacity {
		n = int(b.capacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	timedOut := false
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			b.mu.Lock()
			timedOut = true
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}

	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	for {
		c, err := b.cursorLocked(id)
		if err != nil {
			return err
		}
		if c.overrun || b.availableLocked(c) >= n {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if timedOut {
			return errors.ErrTimeout
		}
		b.cond.Wait()
	}
}

// ============================================================================
// Client state word
// ============================================================================

// SetState stores the client state word. Append resets it to zero.
func (b *FrameBuffer) SetState(id CursorID, state int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return err
	}
	c.state = state
	return nil
}

// State returns the client state word.
func (b *FrameBuffer) State(id CursorID) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, err := b.cursorLocked(id)
	if err != nil {
		return 0, err
	}
	return c.state, nil
}

// ============================================================================
// Inspection
// ============================================================================

// Len returns the number of retained frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.newest - b.oldest)
}

// Cap returns the capacity.
func (b *FrameBuffer) Cap() int {
	return int(b.capacity)
}

// Bounds returns the retained sequence range [oldest, newest).
func (b *FrameBuffer) Bounds() (oldest, newest uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldest, b.newest
}

// Newest returns the most recent frame.
func (b *FrameBuffer) Newest() (decoder.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.newest == b.oldest {
		return decoder.Frame{}, false
	}
	return b.frames[(b.newest-1)%b.capacity], true
}

// Oldest returns the oldest retained frame.
func (b *FrameBuffer) Oldest() (decoder.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.newest == b.oldest {
		return decoder.Frame{}, false
	}
	return b.frames[b.oldest%b.capacity], true
}

// TimeRange returns the timestamps of the oldest and newest frames.
func (b *FrameBuffer) TimeRange() (first, last timestamp.DCTime, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.newest == b.oldest {
		return 0, 0, false
	}
	return b.frames[b.oldest%b.capacity].Timestamp, b.frames[(b.newest-1)%b.capacity].Timestamp, true
}

// PendingRatio returns the share of capacity not yet consumed by the
// slowest cursor. It is zero without cursors.
func (b *FrameBuffer) PendingRatio() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cursors) == 0 {
		return 0
	}
	return float64(b.newest-b.minIndexLocked()) / float64(b.capacity)
}

func (b *FrameBuffer) minIndexLocked() uint64 {
	lowest := b.newest
	for _, c := range b.cursors {
		if c.index < lowest {
			lowest = c.index
		}
	}
	return lowest
}

// Stats returns buffer statistics.
func (b *FrameBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Capacity: int(b.capacity),
		Count:    int(b.newest - b.oldest),
		Cursors:  len(b.cursors),
		Oldest:   b.oldest,
		Newest:   b.newest,
		Appended: b.appended.Load(),
		Evicted:  b.evicted.Load(),
		Overruns: b.overruns.Load(),
		Rejected: b.rejected.Load(),
	}
	if s.Cursors > 0 {
		s.PendingRatio = float64(b.newest-b.minIndexLocked()) / float64(b.capacity)
	}
	return s
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity     int
	Count        int
	Cursors      int
	Oldest       uint64
	Newest       uint64
	PendingRatio float64
	Appended     int64
	Evicted      int64
	Overruns     int64
	Rejected     int64
}
