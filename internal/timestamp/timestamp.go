// Package timestamp converts between the three timestamp forms used by the
// controller interface:
//
//   - DC time: nanoseconds since 2000-01-01T00:00:00Z (the frame clock)
//   - Unix milliseconds
//   - OLE2 date: fractional days since 1899-12-30T00:00:00Z
//
// Converting from a coarser form to a finer one and back is exact. OLE2 to
// DC time rounds to the nearest microsecond, which is exact for every
// microsecond-aligned instant before 2079.
package timestamp

import (
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/hsport/internal/errors"
)

// DCTime is a controller timestamp in nanoseconds since 2000-01-01 UTC.
type DCTime int64

const (
	// EpochUnixMilli is 2000-01-01T00:00:00Z in Unix milliseconds.
	EpochUnixMilli int64 = 946684800000

	// EpochOLEDays is 2000-01-01T00:00:00Z as an OLE2 day number.
	EpochOLEDays int64 = 36526

	nsPerMs  int64 = 1_000_000
	nsPerUs  int64 = 1_000
	nsPerDay int64 = 86_400 * 1_000_000_000
	usPerDay       = 86_400 * 1e6
)

// Epoch is the DC time origin.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// FromUnixMilli converts Unix milliseconds to DC time.
func FromUnixMilli(ms int64) DCTime {
	return DCTime((ms - EpochUnixMilli) * nsPerMs)
}

// UnixMilli converts to Unix milliseconds, truncating toward the earlier
// millisecond.
func (t DCTime) UnixMilli() int64 {
	return floorDiv(int64(t), nsPerMs) + EpochUnixMilli
}

// FromOLE converts an OLE2 day number to DC time.
func FromOLE(days float64) (DCTime, error) {
	if math.IsNaN(days) || math.IsInf(days, 0) {
		return 0, fmt.Errorf("ole date %v: %w", days, errors.ErrTimestamp)
	}

	whole := math.Floor(days)
	frac := days - whole

	// 2^63 ns is about 106751 days either side of the epoch.
	offset := whole - float64(EpochOLEDays)
	if math.Abs(offset) > 106000 {
		return 0, fmt.Errorf("ole date %v out of range: %w", days, errors.ErrTimestamp)
	}

	us := int64(offset)*int64(usPerDay) + int64(math.Round(frac*usPerDay))
	return DCTime(us * nsPerUs), nil
}

// OLE converts to an OLE2 day number.
func (t DCTime) OLE() float64 {
	days := floorDiv(int64(t), nsPerDay)
	rem := int64(t) - days*nsPerDay
	return float64(EpochOLEDays+days) + float64(rem)/float64(nsPerDay)
}

// FromTime converts a wall clock time to DC time.
func FromTime(t time.Time) DCTime {
	return DCTime(t.Sub(Epoch))
}

// Time converts to a UTC wall clock time.
func (t DCTime) Time() time.Time {
	return Epoch.Add(time.Duration(t))
}

// Forms returns all three representations at once.
func (t DCTime) Forms() (dc int64, unixMs int64, ole float64) {
	return int64(t), t.UnixMilli(), t.OLE()
}

// String formats the timestamp as RFC 3339 with nanoseconds.
func (t DCTime) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// Seconds converts a duration in (possibly fractional) seconds to DC ticks.
func Seconds(s float64) DCTime {
	return DCTime(math.Round(s * float64(time.Second)))
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
