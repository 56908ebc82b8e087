package session

import (
	"context"
	"fmt"

	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/transport"
)

// =============================================================================
// Online reads
// =============================================================================

func (s *Session) liveConn() (transport.Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	switch st := s.State(); {
	case st == StateClosed:
		return nil, s.closedErr()
	case st != StateConnected || conn == nil:
		return nil, fmt.Errorf("state %s: %w", st, errors.ErrNotConnected)
	}
	return conn, nil
}

// ReadOnlineFrame returns the controller's current frame. Connections
// without an online read fall back to the newest buffered frame.
func (s *Session) ReadOnlineFrame(ctx context.Context) (decoder.Frame, error) {
	conn, err := s.liveConn()
	if err != nil {
		return decoder.Frame{}, err
	}

	if r, ok := conn.(transport.OnlineReader); ok {
		raw, err := r.ReadOnline(ctx)
		switch {
		case err == nil:
			s.mu.Lock()
			cat, layout := s.cat, s.layout
			s.mu.Unlock()

			f, err := decoder.Decode(raw, cat, layout)
			if err != nil && !errors.Is(err, errors.ErrTimestamp) {
				return decoder.Frame{}, err
			}
			return f, nil
		case !errors.Is(err, errors.ErrUnsupported):
			return decoder.Frame{}, err
		}
	}

	f, ok := s.buf.Newest()
	if !ok {
		return decoder.Frame{}, errors.ErrNotReady
	}
	return f, nil
}

// ReadOnlineSingle returns the current value of one channel by total
// index.
func (s *Session) ReadOnlineSingle(ctx context.Context, total int) (decoder.Value, error) {
	cat := s.Catalog()
	if cat == nil {
		return decoder.Value{}, errors.ErrNotInitialized
	}
	if _, err := cat.ResolveTotal(total); err != nil {
		return decoder.Value{}, err
	}

	f, err := s.ReadOnlineFrame(ctx)
	if err != nil {
		return decoder.Value{}, err
	}
	v, ok := f.Value(total)
	if !ok {
		return decoder.Value{}, errors.NewIndexError("total", total, len(f.Values))
	}
	return v, nil
}

// ReadOnlineFrameInto copies count current values starting at total index
// start into dst. dst must hold count values.
func (s *Session) ReadOnlineFrameInto(ctx context.Context, dst []float64, start, count int) (int, error) {
	if count <= 0 || len(dst) < count {
		return 0, fmt.Errorf("read %d values into %d: %w", count, len(dst), errors.ErrInvalidArgument)
	}
	cat := s.Catalog()
	if cat == nil {
		return 0, errors.ErrNotInitialized
	}
	if start < 0 || start+count > cat.Len() {
		return 0, errors.NewIndexError("total", start+count-1, cat.Len())
	}

	f, err := s.ReadOnlineFrame(ctx)
	if err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		dst[i] = f.Values[start+i].Float64()
	}
	return count, nil
}

// ReadOnlineWindow is not supported.
func (s *Session) ReadOnlineWindow(ctx context.Context, start, count int) ([]decoder.Frame, error) {
	return nil, fmt.Errorf("online window read: %w", errors.ErrUnsupported)
}

// ReadBufferWindow is not supported.
func (c *Client) ReadBufferWindow(ctx context.Context, start, count int) ([]decoder.Frame, error) {
	return nil, fmt.Errorf("buffer window read: %w", errors.ErrUnsupported)
}

// =============================================================================
// Diagnostics and device info
// =============================================================================

// Diagnostic asks the controller for communication counters.
func (s *Session) Diagnostic(ctx context.Context, level transport.DiagLevel, index int) (transport.Diagnostic, error) {
	conn, err := s.liveConn()
	if err != nil {
		return transport.Diagnostic{}, err
	}
	d, ok := conn.(transport.Diagnoser)
	if !ok {
		return transport.Diagnostic{}, fmt.Errorf("diagnostic %s: %w", level, errors.ErrUnsupported)
	}
	return d.Diagnostic(ctx, level, index)
}

// DeviceInfo asks the controller for a device property. Address, channel
// count, sample rate and buffer size are answered locally when the
// controller does not provide them.
func (s *Session) DeviceInfo(ctx context.Context, id transport.DeviceInfoID, index int) (transport.DeviceInfo, error) {
	conn, err := s.liveConn()
	if err != nil {
		return transport.DeviceInfo{}, err
	}

	if p, ok := conn.(transport.DeviceInfoProvider); ok {
		info, err := p.DeviceInfo(ctx, id, index)
		if !errors.Is(err, errors.ErrUnsupported) {
			return info, err
		}
	}

	switch id {
	case transport.DeviceAddress:
		return transport.DeviceInfo{Text: s.ep.Address}, nil
	case transport.DeviceChannelCount:
		return transport.DeviceInfo{Number: float64(s.Catalog().Len())}, nil
	case transport.BufferMaxFrames:
		return transport.DeviceInfo{Number: float64(s.buf.Cap())}, nil
	case transport.DeviceSampleRate:
		if rate := s.SampleRate(); rate > 0 {
			return transport.DeviceInfo{Number: rate}, nil
		}
	}
	return transport.DeviceInfo{}, fmt.Errorf("device info %d: %w", id, errors.ErrUnsupported)
}
