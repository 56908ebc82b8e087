// Package decoder turns raw controller frames into typed values.
//
// Frame layout:
//
//	[header: HeaderSize bytes, starting with the optional marker word]
//	[timestamp: 8 bytes, absent for TimestampNone]
//	[one value per channel in total index order, each Type.Size() bytes]
//
// Decode is pure and safe for concurrent use.
package decoder

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/errors"
	"github.com/xtxerr/hsport/internal/timestamp"
)

// DefaultMarker identifies the start of a frame.
const DefaultMarker uint16 = 0xDC01

// timestampSize is the width of every timestamp field kind except none.
const timestampSize = 8

// Endian selects the byte order of a frame.
type Endian int

const (
	LittleEndian Endian = iota
	BigEndian
)

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Order returns the encoding/binary implementation for e.
func (e Endian) Order() byteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (e Endian) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

// TimestampKind is the encoding of the frame timestamp field.
type TimestampKind int

const (
	// TimestampNone frames carry no timestamp. The receiver stamps them.
	TimestampNone TimestampKind = iota
	// TimestampCounter is a u64 tick count since CounterBase.
	TimestampCounter
	// TimestampOLE2 is a float64 OLE2 day number.
	TimestampOLE2
	// TimestampDC is an int64 DC time.
	TimestampDC
)

func (k TimestampKind) String() string {
	switch k {
	case TimestampNone:
		return "none"
	case TimestampCounter:
		return "counter"
	case TimestampOLE2:
		return "ole2"
	case TimestampDC:
		return "dc"
	default:
		return fmt.Sprintf("TimestampKind(%d)", int(k))
	}
}

// Layout describes how frames of one connection are encoded.
type Layout struct {
	Endian Endian

	// Marker is checked against the first header word. Zero disables the
	// check.
	Marker uint16

	// HeaderSize is the number of bytes before the timestamp field,
	// including the marker.
	HeaderSize int

	Timestamp TimestampKind

	// CounterPeriod and CounterBase convert TimestampCounter ticks.
	CounterPeriod time.Duration
	CounterBase   timestamp.DCTime
}

// DefaultLayout returns a little-endian layout with a marker word and DC
// timestamps.
func DefaultLayout() Layout {
	return Layout{
		Endian:     LittleEndian,
		Marker:     DefaultMarker,
		HeaderSize: 2,
		Timestamp:  TimestampDC,
	}
}

// Validate checks the layout for internal consistency.
func (l Layout) Validate() error {
	var errs []error
	if l.HeaderSize < 0 {
		errs = append(errs, errors.NewValidation("header_size", "must not be negative"))
	}
	if l.Marker != 0 && l.HeaderSize < 2 {
		errs = append(errs, errors.NewValidation("header_size", "must hold the marker word"))
	}
	if l.Timestamp < TimestampNone || l.Timestamp > TimestampDC {
		errs = append(errs, errors.NewValidation("timestamp", l.Timestamp.String()))
	}
	if l.Timestamp == TimestampCounter && l.CounterPeriod <= 0 {
		errs = append(errs, errors.NewValidation("counter_period", "must be positive"))
	}
	return errors.Join(errs...)
}

func (l Layout) timestampWidth() int {
	if l.Timestamp == TimestampNone {
		return 0
	}
	return timestampSize
}

// Stride returns the encoded size of one frame.
func (l Layout) Stride(cat *catalog.Catalog) int {
	return l.HeaderSize + l.timestampWidth() + cat.ValueSize()
}

// Frame is one decoded sample row. Frames are immutable once decoded.
type Frame struct {
	Seq            uint64
	Timestamp      timestamp.DCTime
	TimestampValid bool
	Values         []Value
}

// Value returns the value at a total channel index.
func (f Frame) Value(total int) (Value, bool) {
	if total < 0 || total >= len(f.Values) {
		return Value{}, false
	}
	return f.Values[total], true
}

// TimestampError reports a timestamp field that could not be converted.
// The accompanying frame still carries decoded values.
type TimestampError struct {
	Kind TimestampKind
	Raw  uint64
	Err  error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp %s raw %#x: %v", e.Kind, e.Raw, e.Err)
}

func (e *TimestampError) Unwrap() error { return errors.ErrTimestamp }

// Decode parses one frame. Bytes beyond the stride are ignored.
//
// A timestamp that fails to convert yields a frame with
// TimestampValid=false together with a *TimestampError.
func Decode(raw []byte, cat *catalog.Catalog, layout Layout) (Frame, error) {
	stride := layout.Stride(cat)
	if len(raw) < stride {
		return Frame{}, fmt.Errorf("frame of %d bytes, need %d: %w", len(raw), stride, errors.ErrTruncated)
	}

	order := layout.Endian.Order()

	if layout.Marker != 0 && layout.HeaderSize >= 2 {
		got := order.Uint16(raw)
		if got != layout.Marker {
			if bits.ReverseBytes16(got) == layout.Marker {
				return Frame{}, fmt.Errorf("marker %#04x: %w", got, errors.ErrByteOrder)
			}
			return Frame{}, fmt.Errorf("marker %#04x, want %#04x: %w", got, layout.Marker, errors.ErrTypeMismatch)
		}
	}

	off := layout.HeaderSize
	var f Frame
	var tsErr error

	if layout.Timestamp != TimestampNone {
		rawTS := order.Uint64(raw[off:])
		off += timestampSize

		ts, err := decodeTimestamp(rawTS, layout)
		if err != nil {
			tsErr = &TimestampError{Kind: layout.Timestamp, Raw: rawTS, Err: err}
		} else {
			f.Timestamp = ts
			f.TimestampValid = true
		}
	}

	f.Values = make([]Value, cat.Len())
	for i := range f.Values {
		typ := cat.Type(i)
		if !typ.Known() {
			return Frame{}, fmt.Errorf("channel %d type code %d: %w", i, typ, errors.ErrTypeMismatch)
		}
		f.Values[i] = ReadValue(raw[off:], order, typ)
		off += typ.Size()
	}

	return f, tsErr
}

func decodeTimestamp(raw uint64, layout Layout) (timestamp.DCTime, error) {
	switch layout.Timestamp {
	case TimestampDC:
		ts := int64(raw)
		if ts < 0 {
			return 0, fmt.Errorf("dc time %d before epoch", ts)
		}
		return timestamp.DCTime(ts), nil

	case TimestampOLE2:
		days := math.Float64frombits(raw)
		if days <= 0 {
			return 0, fmt.Errorf("ole date %v not positive", days)
		}
		return timestamp.FromOLE(days)

	case TimestampCounter:
		if layout.CounterPeriod <= 0 {
			return 0, fmt.Errorf("counter period not set")
		}
		hi, lo := bits.Mul64(raw, uint64(layout.CounterPeriod))
		if hi != 0 || lo > math.MaxInt64-uint64(max(layout.CounterBase, 0)) {
			return 0, fmt.Errorf("counter %d overflows", raw)
		}
		return layout.CounterBase + timestamp.DCTime(lo), nil
	}

	return 0, fmt.Errorf("unknown timestamp kind %d", layout.Timestamp)
}

// Encode is the inverse of Decode. Values whose type differs from the
// channel type are converted through float64.
func Encode(f Frame, cat *catalog.Catalog, layout Layout) ([]byte, error) {
	if len(f.Values) != cat.Len() {
		return nil, fmt.Errorf("frame has %d values for %d channels: %w", len(f.Values), cat.Len(), errors.ErrInvalidArgument)
	}

	order := layout.Endian.Order()
	buf := make([]byte, layout.HeaderSize, layout.Stride(cat))
	if layout.Marker != 0 && len(buf) >= 2 {
		order.PutUint16(buf, layout.Marker)
	}

	switch layout.Timestamp {
	case TimestampDC:
		buf = order.AppendUint64(buf, uint64(f.Timestamp))
	case TimestampOLE2:
		buf = order.AppendUint64(buf, math.Float64bits(f.Timestamp.OLE()))
	case TimestampCounter:
		if layout.CounterPeriod <= 0 {
			return nil, errors.NewValidation("counter_period", "must be positive")
		}
		ticks := int64(f.Timestamp-layout.CounterBase) / int64(layout.CounterPeriod)
		buf = order.AppendUint64(buf, uint64(ticks))
	}

	for i, v := range f.Values {
		if typ := cat.Type(i); v.Type != typ {
			v = FromFloat64(typ, v.Float64())
		}
		buf = AppendValue(buf, order, v)
	}
	return buf, nil
}

// Split cuts a block of concatenated frames into stride-sized pieces.
func Split(block []byte, stride int) ([][]byte, error) {
	if stride <= 0 {
		return nil, errors.NewValidation("stride", "must be positive")
	}
	if len(block)%stride != 0 {
		return nil, fmt.Errorf("block of %d bytes is not a multiple of %d: %w", len(block), stride, errors.ErrTruncated)
	}

	out := make([][]byte, 0, len(block)/stride)
	for off := 0; off < len(block); off += stride {
		out = append(out, block[off:off+stride:off+stride])
	}
	return out, nil
}
