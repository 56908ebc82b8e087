package stats

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/hsport/internal/catalog"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/errors"
)

// Collector keeps one Channel per catalog channel and is fed whole frames.
// A session's producer calls Observe; any goroutine may read results.
type Collector struct {
	mu sync.RWMutex

	cat      *catalog.Catalog
	channels []*Channel
	accuracy float64

	frames  atomic.Int64
	skipped atomic.Int64
}

// NewCollector creates a collector for cat. A nil or disabled config
// yields a collector without quantiles.
func NewCollector(cat *catalog.Catalog, cfg *config.StatsConfig) *Collector {
	accuracy := 0.0
	if cfg != nil && cfg.Enabled {
		accuracy = cfg.Accuracy
		if accuracy <= 0 {
			accuracy = DefaultAccuracy
		}
	}

	c := &Collector{
		cat:      cat,
		accuracy: accuracy,
		channels: make([]*Channel, cat.Len()),
	}
	for i, ch := range cat.Channels() {
		c.channels[i] = NewChannel(ch.Name, accuracy)
	}
	return c
}

// Observe adds every numeric value of f. Frames with an invalid timestamp
// are counted but not observed.
func (c *Collector) Observe(f decoder.Frame) {
	if !f.TimestampValid {
		c.skipped.Add(1)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for i, v := range f.Values {
		if i >= len(c.channels) {
			break
		}
		if v.Type == catalog.TypeNone {
			continue
		}
		c.channels[i].Add(v.Float64(), f.Timestamp)
	}
	c.frames.Add(1)
}

// Result returns statistics for a total channel index.
func (c *Collector) Result(total int) (Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if total < 0 || total >= len(c.channels) {
		return Result{}, errors.NewIndexError("channel", total, len(c.channels))
	}
	return c.channels[total].Result(), nil
}

// Results returns statistics for all channels in total index order.
func (c *Collector) Results() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Result, len(c.channels))
	for i, ch := range c.channels {
		out[i] = ch.Result()
	}
	return out
}

// Reset clears all channel statistics.
func (c *Collector) Reset() {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.channels {
		ch.Reset()
	}
	c.frames.Store(0)
	c.skipped.Store(0)
}

// Stats returns collector statistics.
func (c *Collector) Stats() CollectorStats {
	return CollectorStats{
		Channels:       len(c.channels),
		FramesObserved: c.frames.Load(),
		FramesSkipped:  c.skipped.Load(),
		Quantiles:      c.accuracy > 0,
	}
}

// CollectorStats holds collector statistics.
type CollectorStats struct {
	Channels       int
	FramesObserved int64
	FramesSkipped  int64
	Quantiles      bool
}
