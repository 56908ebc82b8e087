// Package transport defines the boundary between a connection session and
// the physical link to a controller.
//
// A Dialer opens a Conn for one Endpoint. The Conn performs the handshake
// that yields the channel catalog and frame layout, accepts history
// requests and streams raw frame blocks. Optional capabilities (online
// reads, diagnostics, device info) are separate interfaces a Conn may
// implement; callers detect them with a type assertion.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
)

// =============================================================================
// Modes and endpoints
// =============================================================================

// Mode is the communication mode of a connection.
type Mode int

const (
	ModeOnline      Mode = 1
	ModeBuffer      Mode = 2
	ModeLogger      Mode = 3
	ModeArchives    Mode = 4
	ModeFiles       Mode = 5
	ModeDirect      Mode = 7
	ModePostProcess Mode = 8
)

var modeNames = map[Mode]string{
	ModeOnline:      "online",
	ModeBuffer:      "buffer",
	ModeLogger:      "logger",
	ModeArchives:    "archives",
	ModeFiles:       "files",
	ModeDirect:      "direct",
	ModePostProcess: "postprocess",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// Streaming reports whether the mode delivers a continuous frame stream.
func (m Mode) Streaming() bool {
	return m == ModeOnline || m == ModeBuffer || m == ModeLogger || m == ModeDirect
}

// ParseMode accepts a mode name or its number. "diag" is an alias of
// "direct".
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "diag" {
		return ModeDirect, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Mode(n).Valid() {
		return Mode(n), nil
	}
	return 0, fmt.Errorf("unknown mode %q: %w", s, errors.ErrInvalidArgument)
}

// Endpoint identifies one logical connection to a controller.
type Endpoint struct {
	Address string
	Mode    Mode

	// BufferIndex selects one of several circular buffers on the
	// controller in ModeBuffer.
	BufferIndex int
}

// Key returns the identity used to share one connection between clients.
func (e Endpoint) Key() string {
	return e.Address + "|" + strconv.Itoa(int(e.Mode)) + "|" + strconv.Itoa(e.BufferIndex)
}

func (e Endpoint) String() string {
	if e.Mode == ModeBuffer && e.BufferIndex != 0 {
		return fmt.Sprintf("%s/%s%d", e.Address, e.Mode, e.BufferIndex)
	}
	return e.Address + "/" + e.Mode.String()
}

// =============================================================================
// Core interfaces
// =============================================================================

// Handshake is what a controller reports after connecting.
type Handshake struct {
	Catalog *catalog.Catalog
	Layout  decoder.Layout

	// SampleRate in Hz, zero when unknown.
	SampleRate float64
}

// HistoryRequest asks the controller to replay buffered frames before the
// live stream resumes. Full drains everything the controller retains;
// otherwise only the last Window is requested. A zero request asks for no
// history.
type HistoryRequest struct {
	Full   bool
	Window time.Duration
}

// IsZero reports whether no history is requested.
func (r HistoryRequest) IsZero() bool {
	return !r.Full && r.Window <= 0
}

// Union returns the request covering both r and o.
func (r HistoryRequest) Union(o HistoryRequest) HistoryRequest {
	if r.Full || o.Full {
		return HistoryRequest{Full: true}
	}
	return HistoryRequest{Window: max(r.Window, o.Window)}
}

func (r HistoryRequest) String() string {
	switch {
	case r.Full:
		return "full"
	case r.Window > 0:
		return "last " + r.Window.String()
	default:
		return "none"
	}
}

// Block is a chunk of raw bytes holding zero or more encoded frames.
//
// History marks frames replayed in answer to RequestHistory. HistoryDone
// marks the last history block; live frames follow.
type Block struct {
	Data        []byte
	History     bool
	HistoryDone bool
}

// OutputValue is one value for an output channel, addressed by output
// index.
type OutputValue struct {
	Index int
	Value decoder.Value
}

// Conn is an established link to a controller.
//
// The session calls Handshake, then RequestHistory exactly once (with a zero
// request when no history is wanted), which starts the frame stream. History
// blocks, if any, precede live blocks. ReadFrames returns the context error
// when no block arrives in time; any other error is a transport failure.
//
// ReadFrames is only called from the session's producer goroutine. The
// other methods may be called concurrently with it.
type Conn interface {
	Handshake(ctx context.Context) (*Handshake, error)
	RequestHistory(ctx context.Context, req HistoryRequest) error
	ReadFrames(ctx context.Context) (Block, error)
	WriteOutputs(ctx context.Context, values []OutputValue) error
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// =============================================================================
// Optional capabilities
// =============================================================================

// OnlineReader returns the controller's current frame without going
// through the stream.
type OnlineReader interface {
	ReadOnline(ctx context.Context) ([]byte, error)
}

// DiagLevel selects the scope of a diagnostic request.
type DiagLevel int

const (
	DiagController DiagLevel = 0
	DiagInterface  DiagLevel = 1
	DiagTransport  DiagLevel = 2
	DiagVariable   DiagLevel = 3
	DiagItemCount  DiagLevel = 4
)

func (l DiagLevel) String() string {
	switch l {
	case DiagController:
		return "controller"
	case DiagInterface:
		return "interface"
	case DiagTransport:
		return "transport"
	case DiagVariable:
		return "variable"
	case DiagItemCount:
		return "itemcount"
	default:
		return fmt.Sprintf("DiagLevel(%d)", int(l))
	}
}

// Diagnostic is the answer to a diagnostic request. For DiagItemCount,
// Errors holds the number of items on the requested level.
type Diagnostic struct {
	Cycles uint32
	Errors uint32
}

// Diagnoser reports communication health counters.
type Diagnoser interface {
	Diagnostic(ctx context.Context, level DiagLevel, index int) (Diagnostic, error)
}

// DeviceInfoID selects a device property.
type DeviceInfoID int

const (
	DeviceLocation     DeviceInfoID = 10
	DeviceAddress      DeviceInfoID = 11
	DeviceType         DeviceInfoID = 12
	DeviceVersion      DeviceInfoID = 13
	DeviceTypeCode     DeviceInfoID = 14
	DeviceSerialNumber DeviceInfoID = 15

	DeviceSampleRate   DeviceInfoID = 16
	DeviceModuleCount  DeviceInfoID = 17
	DeviceChannelCount DeviceInfoID = 18
	BufferMaxFrames    DeviceInfoID = 27
	DeviceMID          DeviceInfoID = 50
	DeviceBufferCount  DeviceInfoID = 51
	DeviceLoggerCount  DeviceInfoID = 52
	DeviceTSType       DeviceInfoID = 53
)

// Textual reports whether the id yields a string.
func (id DeviceInfoID) Textual() bool {
	return id >= DeviceLocation && id <= DeviceSerialNumber
}

// DeviceInfo is a device property. Textual ids fill Text, numeric ids
// fill Number.
type DeviceInfo struct {
	Text   string
	Number float64
}

// DeviceInfoProvider answers device property requests.
type DeviceInfoProvider interface {
	DeviceInfo(ctx context.Context, id DeviceInfoID, index int) (DeviceInfo, error)
}
