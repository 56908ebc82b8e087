// Package stats maintains running per-channel statistics over decoded
// frames, with optional quantiles from a DDSketch.
package stats

import (
	"math"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/hsport/internal/timestamp"
)

// DefaultAccuracy is the relative quantile accuracy used when none is
// configured.
const DefaultAccuracy = 0.01

// Channel maintains running statistics for one channel.
type Channel struct {
	mu sync.Mutex

	name     string
	accuracy float64

	// Running statistics
	count int64
	sum   float64
	min   float64
	max   float64
	first timestamp.DCTime
	last  timestamp.DCTime

	// DDSketch for quantiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// NewChannel creates running statistics for a channel. An accuracy of zero
// disables quantiles.
func NewChannel(name string, accuracy float64) *Channel {
	c := &Channel{
		name:     name,
		accuracy: accuracy,
	}
	c.resetLocked()
	return c
}

func (c *Channel) resetLocked() {
	c.count = 0
	c.sum = 0
	c.min = math.MaxFloat64
	c.max = -math.MaxFloat64
	c.first = 0
	c.last = 0
	c.sketch = nil

	if c.accuracy > 0 {
		// DDSketch has no Clear; a reset allocates a new one.
		if sketch, err := ddsketch.NewDefaultDDSketch(c.accuracy); err == nil {
			c.sketch = sketch
		}
	}
}

// Add adds a value observed at ts. NaN values are ignored.
func (c *Channel) Add(value float64, ts timestamp.DCTime) {
	if math.IsNaN(value) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 || ts < c.first {
		c.first = ts
	}
	if c.count == 0 || ts > c.last {
		c.last = ts
	}

	c.count++
	c.sum += value

	if value < c.min {
		c.min = value
	}
	if value > c.max {
		c.max = value
	}

	if c.sketch != nil {
		// Add fails only for values the sketch mapping cannot index.
		_ = c.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (c *Channel) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reset clears the statistics.
func (c *Channel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Merge combines other into c.
func (c *Channel) Merge(other *Channel) {
	if other == nil || other == c {
		return
	}

	other.mu.Lock()
	if other.count == 0 {
		other.mu.Unlock()
		return
	}
	o := snapshot{
		count: other.count,
		sum:   other.sum,
		min:   other.min,
		max:   other.max,
		first: other.first,
		last:  other.last,
	}
	var sketch *ddsketch.DDSketch
	if other.sketch != nil {
		sketch = other.sketch.Copy()
	}
	other.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.count == 0 || o.first < c.first {
		c.first = o.first
	}
	if c.count == 0 || o.last > c.last {
		c.last = o.last
	}
	c.count += o.count
	c.sum += o.sum
	c.min = math.Min(c.min, o.min)
	c.max = math.Max(c.max, o.max)

	if c.sketch != nil && sketch != nil {
		_ = c.sketch.MergeWith(sketch)
	}
}

type snapshot struct {
	count       int64
	sum         float64
	min, max    float64
	first, last timestamp.DCTime
}

// Result returns a snapshot of the statistics.
func (c *Channel) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := Result{
		Name:  c.name,
		Count: c.count,
		Sum:   c.sum,
		First: c.first,
		Last:  c.last,
	}

	if c.count > 0 {
		r.Avg = c.sum / float64(c.count)
		r.Min = c.min
		r.Max = c.max
	}

	if c.sketch != nil && c.count > 0 {
		p50, _ := c.sketch.GetValueAtQuantile(0.50)
		p90, _ := c.sketch.GetValueAtQuantile(0.90)
		p95, _ := c.sketch.GetValueAtQuantile(0.95)
		p99, _ := c.sketch.GetValueAtQuantile(0.99)
		r.Quantiles = &Quantiles{P50: p50, P90: p90, P95: p95, P99: p99}
	}

	return r
}

// Result is a statistics snapshot for one channel.
type Result struct {
	Name  string           `json:"name"`
	Count int64            `json:"count"`
	Sum   float64          `json:"sum"`
	Avg   float64          `json:"avg"`
	Min   float64          `json:"min"`
	Max   float64          `json:"max"`
	First timestamp.DCTime `json:"first"`
	Last  timestamp.DCTime `json:"last"`

	Quantiles *Quantiles `json:"quantiles,omitempty"`
}

// Quantiles holds approximate quantiles.
type Quantiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// HasQuantiles reports whether quantiles were computed.
func (r Result) HasQuantiles() bool {
	return r.Quantiles != nil
}
