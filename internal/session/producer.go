package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/events"
	"github.com/xtxerr/hsport/internal/timestamp"
	"github.com/xtxerr/hsport/internal/transport"
)

// =============================================================================
// Producer loop
// =============================================================================

// run is the producer goroutine. It streams from conn until the link
// fails, then reconnects until the session is closed.
func (s *Session) run(conn transport.Conn, req transport.HistoryRequest) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.fail(fmt.Errorf("producer panic: %v: %w", r, errors.ErrInternal))
		}
	}()

	ctx := s.ctx
	for {
		err := s.stream(ctx, conn, req)
		if ctx.Err() != nil {
			return
		}

		s.degrade(conn, err)

		conn, req, err = s.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
	}
}

// degrade records a transport failure. Buffer and cursors stay as they are.
func (s *Session) degrade(conn transport.Conn, cause error) {
	s.mu.Lock()
	s.lastErr = cause
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()

	if s.transitionFrom(StateConnected, StateDegraded) {
		s.log.Warn("link lost", "error", cause)
		s.publish(events.TypeDegraded, cause.Error(), nil)
	}
}

// reconnect retries connect with exponential backoff. A changed catalog
// ends the session.
func (s *Session) reconnect(ctx context.Context) (transport.Conn, transport.HistoryRequest, error) {
	maxAttempts := s.opts.Reconnect.MaxAttempts

	for attempt := 1; ; attempt++ {
		delay := NextBackoffDelay(s.opts.Reconnect, attempt, s.rng)
		if err := sleep(ctx, delay); err != nil {
			return nil, transport.HistoryRequest{}, err
		}

		conn, req, err := s.connect(ctx)
		if err == nil {
			if !s.transitionFrom(StateDegraded, StateConnected) {
				conn.Close()
				return nil, transport.HistoryRequest{}, s.closedErr()
			}
			s.reconnects.Add(1)
			s.metrics.Reconnected()
			s.log.Info("reconnected", "attempt", attempt, "history", req.String())
			s.publish(events.TypeReconnected, "reconnected", map[string]any{
				"attempt": attempt,
				"history": req.String(),
			})
			return conn, req, nil
		}

		if errors.Is(err, errors.ErrCatalogMismatch) {
			return nil, transport.HistoryRequest{}, err
		}

		s.recordErr(err)
		s.log.Debug("reconnect failed", "attempt", attempt, "delay", delay, "error", err)

		if maxAttempts > 0 && attempt >= maxAttempts {
			return nil, transport.HistoryRequest{}, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
	}
}

// stream reads blocks from conn. History blocks are collected and appended
// as one backfill once the history ends; live blocks are appended as they
// arrive.
func (s *Session) stream(ctx context.Context, conn transport.Conn, req transport.HistoryRequest) error {
	var (
		backfill []decoder.Frame
		bfLast   timestamp.DCTime
		filling  = !req.IsZero()
	)

	for {
		blk, err := s.read(ctx, conn)
		if err != nil {
			return err
		}

		if blk.History {
			if filling {
				backfill = append(backfill, s.decodeBlock(blk.Data, &bfLast)...)
			}
			if !blk.HistoryDone {
				continue
			}
		}

		if filling {
			filling = false
			if err := s.backfill(ctx, backfill, req); err != nil {
				return err
			}
			backfill = nil
		}

		if blk.History {
			continue
		}
		if err := s.ingest(ctx, s.decodeBlock(blk.Data, &s.lastTS)); err != nil {
			return err
		}
	}
}

// read waits for the next block. An idle link is not an error.
func (s *Session) read(ctx context.Context, conn transport.Conn) (transport.Block, error) {
	for {
		rctx, cancel := context.WithTimeout(ctx, s.opts.Session.ReadTimeout)
		blk, err := conn.ReadFrames(rctx)
		cancel()

		if err == nil {
			return blk, nil
		}
		if ctx.Err() != nil {
			return transport.Block{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		return transport.Block{}, err
	}
}

// =============================================================================
// Decoding
// =============================================================================

// decodeBlock splits and decodes a block. Corrupt frames are skipped. A
// timestamp that fails to decode or goes backwards is clamped to *last and
// the frame is flagged invalid.
func (s *Session) decodeBlock(data []byte, last *timestamp.DCTime) []decoder.Frame {
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	cat, layout, stride := s.cat, s.layout, s.stride
	s.mu.Unlock()

	whole := len(data) / stride * stride
	if whole < len(data) {
		s.frameCorrupt(fmt.Errorf("%d trailing bytes: %w", len(data)-whole, errors.ErrTruncated))
	}
	raws, err := decoder.Split(data[:whole], stride)
	if err != nil {
		s.frameCorrupt(err)
		return nil
	}

	out := make([]decoder.Frame, 0, len(raws))
	for _, raw := range raws {
		f, err := decoder.Decode(raw, cat, layout)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrTimestamp):
			f.TimestampValid = false
			s.timestampInvalid(err)
		default:
			s.frameCorrupt(err)
			continue
		}

		if layout.Timestamp == decoder.TimestampNone {
			f.Timestamp = timestamp.FromTime(time.Now())
			f.TimestampValid = true
		}

		if !f.TimestampValid || f.Timestamp < *last {
			if f.TimestampValid {
				f.TimestampValid = false
				s.timestampInvalid(fmt.Errorf("frame at %v after %v: %w", f.Timestamp, *last, errors.ErrClockRegressed))
			}
			f.Timestamp = *last
		}
		*last = f.Timestamp
		out = append(out, f)
	}
	return out
}

func (s *Session) frameCorrupt(err error) {
	s.corrupt.Add(1)
	s.metrics.FrameCorrupt()
	s.log.Debug("corrupt frame", "error", err)
	s.publish(events.TypeCorruptFrame, err.Error(), nil)
}

func (s *Session) timestampInvalid(err error) {
	s.invalidTS.Add(1)
	s.metrics.InvalidTimestamp()
	s.log.Debug("invalid timestamp", "error", err)
	s.publish(events.TypeInvalidTimestamp, err.Error(), nil)
}

// =============================================================================
// Appending
// =============================================================================

// backfill appends replayed history. Window requests are trimmed to the
// window ending at the newest replayed frame, since not every controller
// honors the window. Frames not newer than the buffer's newest are
// skipped.
func (s *Session) backfill(ctx context.Context, frames []decoder.Frame, req transport.HistoryRequest) error {
	received := len(frames)
	if received == 0 {
		return nil
	}

	if !req.Full {
		cutoff := frames[len(frames)-1].Timestamp - timestamp.DCTime(req.Window)
		i := sort.Search(len(frames), func(i int) bool { return frames[i].Timestamp > cutoff })
		frames = frames[i:]
	}
	if newest, ok := s.buf.Newest(); ok {
		i := sort.Search(len(frames), func(i int) bool { return frames[i].Timestamp > newest.Timestamp })
		frames = frames[i:]
	}

	if err := s.ingest(ctx, frames); err != nil {
		return err
	}

	s.backfilled.Add(int64(len(frames)))
	s.metrics.Backfilled(len(frames))
	s.log.Info("history replayed", "received", received, "appended", len(frames))
	return nil
}

// ingest appends decoded frames and updates statistics.
func (s *Session) ingest(ctx context.Context, frames []decoder.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	s.mu.Lock()
	collector := s.stats
	s.mu.Unlock()

	for _, f := range frames {
		if err := s.append(ctx, f); err != nil {
			return err
		}
		if f.Timestamp > s.lastTS {
			s.lastTS = f.Timestamp
		}
		collector.Observe(f)
		s.metrics.FrameDecoded()
	}

	st := s.buf.Stats()
	if n := st.Overruns - s.lastOverruns; n > 0 {
		s.lastOverruns = st.Overruns
		s.metrics.Overrun(n)
		s.publish(events.TypeOverrun, "clients overrun", map[string]any{"cursors": n})
	}
	s.metrics.Buffer(st.Count, st.PendingRatio, int(s.bp.CurrentLevel()))
	return nil
}

// append inserts one frame. Under the reject policy a full buffer is
// retried after the backpressure delay until a client catches up.
func (s *Session) append(ctx context.Context, f decoder.Frame) error {
	for {
		_, err := s.buf.Append(f)
		s.bp.Check()
		if err == nil {
			return nil
		}
		if !errors.Is(err, errors.ErrBufferFull) {
			return err
		}

		s.bp.RecordReject()
		s.metrics.Rejected()
		if err := sleep(ctx, s.bp.ThrottleDelay()); err != nil {
			return err
		}
	}
}
