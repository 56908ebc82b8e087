package decoder

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/xtxerr/hsport/internal/catalog"
)

// Value is one typed channel value. The payload is kept in a canonical
// 64-bit form: IEEE bits for floats, sign-extended two's complement for
// signed integers and zero-extended bits for everything else.
type Value struct {
	Type catalog.DataType
	bits uint64
}

// FromFloat64 converts a double into a value of type t. Integer types
// truncate toward zero and saturate at their range.
func FromFloat64(t catalog.DataType, f float64) Value {
	switch {
	case t.Float():
		if t == catalog.TypeFloat32 {
			f = float64(float32(f))
		}
		return Value{Type: t, bits: math.Float64bits(f)}
	case t == catalog.TypeBool:
		if f != 0 {
			return Value{Type: t, bits: 1}
		}
		return Value{Type: t}
	case t.Signed():
		lo, hi := signedRange(t)
		if math.IsNaN(f) {
			f = 0
		}
		f = math.Trunc(f)
		if f < float64(lo) {
			return Value{Type: t, bits: uint64(lo)}
		}
		if f >= float64(hi) {
			return Value{Type: t, bits: uint64(hi)}
		}
		return Value{Type: t, bits: uint64(int64(f))}
	default:
		hi := unsignedMax(t)
		if math.IsNaN(f) || f < 0 {
			return Value{Type: t}
		}
		f = math.Trunc(f)
		if f >= float64(hi) {
			return Value{Type: t, bits: hi}
		}
		return Value{Type: t, bits: uint64(f)}
	}
}

// FromInt64 builds an integer value, masking to the width of t.
func FromInt64(t catalog.DataType, v int64) Value {
	if t.Float() {
		return FromFloat64(t, float64(v))
	}
	if t == catalog.TypeBool {
		return FromBool(v != 0)
	}
	if t.Signed() {
		return Value{Type: t, bits: uint64(signExtend(uint64(v), t.Size()))}
	}
	return Value{Type: t, bits: uint64(v) & unsignedMax(t)}
}

// FromBool builds a boolean value.
func FromBool(b bool) Value {
	if b {
		return Value{Type: catalog.TypeBool, bits: 1}
	}
	return Value{Type: catalog.TypeBool}
}

// Float64 returns the value as a double.
func (v Value) Float64() float64 {
	switch {
	case v.Type.Float():
		return math.Float64frombits(v.bits)
	case v.Type.Signed():
		return float64(int64(v.bits))
	default:
		return float64(v.bits)
	}
}

// Int64 returns the value as a signed integer. Floats truncate.
func (v Value) Int64() int64 {
	if v.Type.Float() {
		return int64(math.Float64frombits(v.bits))
	}
	return int64(v.bits)
}

// Uint64 returns the raw unsigned payload. Floats truncate.
func (v Value) Uint64() uint64 {
	if v.Type.Float() {
		return uint64(math.Float64frombits(v.bits))
	}
	return v.bits
}

// Bool reports whether the value is non-zero.
func (v Value) Bool() bool {
	if v.Type.Float() {
		return math.Float64frombits(v.bits) != 0
	}
	return v.bits != 0
}

func (v Value) String() string {
	switch {
	case v.Type == catalog.TypeBool:
		return strconv.FormatBool(v.bits != 0)
	case v.Type.Float():
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case v.Type.Signed():
		return strconv.FormatInt(int64(v.bits), 10)
	default:
		return strconv.FormatUint(v.bits, 10)
	}
}

// AppendValue appends the encoded form of v to dst.
func AppendValue(dst []byte, order binary.AppendByteOrder, v Value) []byte {
	switch v.Type.Size() {
	case 1:
		return append(dst, byte(v.bits))
	case 2:
		return order.AppendUint16(dst, uint16(v.bits))
	case 4:
		if v.Type == catalog.TypeFloat32 {
			return order.AppendUint32(dst, math.Float32bits(float32(v.Float64())))
		}
		return order.AppendUint32(dst, uint32(v.bits))
	case 8:
		return order.AppendUint64(dst, v.bits)
	default:
		return dst
	}
}

// ReadValue decodes one value of type t from the front of b. The caller
// guarantees len(b) >= t.Size().
func ReadValue(b []byte, order binary.ByteOrder, t catalog.DataType) Value {
	var raw uint64
	switch t.Size() {
	case 1:
		raw = uint64(b[0])
	case 2:
		raw = uint64(order.Uint16(b))
	case 4:
		raw = uint64(order.Uint32(b))
		if t == catalog.TypeFloat32 {
			return Value{Type: t, bits: math.Float64bits(float64(math.Float32frombits(uint32(raw))))}
		}
	case 8:
		raw = order.Uint64(b)
	}

	if t == catalog.TypeBool && raw != 0 {
		raw = 1
	}
	if t.Signed() {
		raw = uint64(signExtend(raw, t.Size()))
	}
	return Value{Type: t, bits: raw}
}

func signExtend(raw uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(raw<<shift) >> shift
}

func signedRange(t catalog.DataType) (int64, int64) {
	shift := uint(8*t.Size() - 1)
	return -1 << shift, 1<<shift - 1
}

func unsignedMax(t catalog.DataType) uint64 {
	if t.Size() == 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(t.Size())) - 1
}
