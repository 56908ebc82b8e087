// Package transporttest provides an in-memory controller for session,
// registry and runtime tests.
package transporttest

import (
	"time"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/timestamp"
)

// Catalog returns a small mixed catalog: three inputs, one output and one
// in/out channel.
func Catalog() *catalog.Catalog {
	return catalog.MustNew([]catalog.Channel{
		{Name: "Speed", Unit: "rpm", Direction: catalog.DirInput, Type: catalog.TypeFloat64},
		{Name: "Temp", Unit: "degC", Direction: catalog.DirInput, Type: catalog.TypeFloat32},
		{Name: "Count", Direction: catalog.DirInput, Type: catalog.TypeInt32},
		{Name: "Valve", Direction: catalog.DirOutput, Type: catalog.TypeBool},
		{Name: "Setpoint", Unit: "rpm", Direction: catalog.DirInOut, Type: catalog.TypeFloat64},
	})
}

// Layout returns the layout used by the fake controller.
func Layout() decoder.Layout {
	return decoder.DefaultLayout()
}

// Frame builds a frame with every channel set to v, converted to the
// channel type.
func Frame(cat *catalog.Catalog, ts timestamp.DCTime, v float64) decoder.Frame {
	values := make([]decoder.Value, cat.Len())
	for i := range values {
		values[i] = decoder.FromFloat64(cat.Type(i), v)
	}
	return decoder.Frame{Timestamp: ts, TimestampValid: true, Values: values}
}

// Ramp builds n frames starting at start, one per period, with values
// 1, 2, 3, ...
func Ramp(cat *catalog.Catalog, start timestamp.DCTime, period time.Duration, n int) []decoder.Frame {
	out := make([]decoder.Frame, n)
	for i := range out {
		out[i] = Frame(cat, start+timestamp.DCTime(time.Duration(i)*period), float64(i+1))
	}
	return out
}
