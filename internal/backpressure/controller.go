// Package backpressure tracks how far the slowest client of a frame buffer
// lags behind the producer.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/hsport/internal/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - clients keep up.
	LevelNormal Level = iota

	// LevelWarning - the slowest client holds half the buffer.
	LevelWarning

	// LevelCritical - overrun is near, producers in reject mode slow down.
	LevelCritical

	// LevelEmergency - the next frames evict unread data.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports the share of buffer capacity not yet consumed.
// *buffer.FrameBuffer implements it.
type Gauge interface {
	PendingRatio() float64
}

// Controller derives a level from a gauge with hysteresis.
type Controller struct {
	mu sync.RWMutex

	config *config.BackpressureConfig
	gauge  Gauge

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	FramesRejected  int64
	ThrottleSeconds float64
}

// New creates a new backpressure controller.
func New(cfg *config.BackpressureConfig, gauge Gauge) *Controller {
	if cfg == nil {
		cfg = &config.DefaultConfig().Backpressure
	}

	return &Controller{
		config: cfg,
		gauge:  gauge,
	}
}

// SetOnLevelChange sets the callback for level changes. The callback runs
// with the controller lock held and must not call back into it.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates the gauge and updates the level. The producer calls it
// after every append.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// Respect cooldown
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return Level(c.level.Load())
	}

	c.lastCheck = now

	newLevel := c.determineLevel(c.gauge.PendingRatio())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}

	return newLevel
}

// determineLevel determines the backpressure level based on the ratio.
func (c *Controller) determineLevel(ratio float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis
	currentLevel := c.lastLevel

	// Going up
	if ratio >= thresholds.Emergency {
		return LevelEmergency
	}
	if ratio >= thresholds.Critical && currentLevel <= LevelCritical {
		return LevelCritical
	}
	if ratio >= thresholds.Warning && currentLevel <= LevelWarning {
		return LevelWarning
	}

	// Going down, with hysteresis
	switch currentLevel {
	case LevelEmergency:
		if ratio < thresholds.Emergency-hysteresis {
			return c.downFrom(ratio, LevelCritical)
		}
		return LevelEmergency
	case LevelCritical:
		if ratio < thresholds.Critical-hysteresis {
			return c.downFrom(ratio, LevelWarning)
		}
		return LevelCritical
	case LevelWarning:
		if ratio < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// downFrom steps further down while the ratio is also below the lower
// thresholds, so a drained buffer does not need one check per level.
func (c *Controller) downFrom(ratio float64, level Level) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis

	if level == LevelCritical && ratio < thresholds.Critical-hysteresis {
		level = LevelWarning
	}
	if level == LevelWarning && ratio < thresholds.Warning-hysteresis {
		level = LevelNormal
	}
	return level
}

// setLevel updates the current level and fires the callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldThrottle returns true if the producer should slow down.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ThrottleFactor returns the throttle factor (0.0 to 1.0).
// 1.0 = no throttling.
func (c *Controller) ThrottleFactor() float64 {
	switch c.CurrentLevel() {
	case LevelWarning:
		return 0.9
	case LevelCritical:
		return 0.5
	case LevelEmergency:
		return 0.1
	default:
		return 1.0
	}
}

// ThrottleDelay returns the recommended delay before retrying a rejected
// append.
func (c *Controller) ThrottleDelay() time.Duration {
	factor := c.ThrottleFactor()
	if factor >= 1.0 {
		return time.Millisecond
	}

	// Max delay of 100ms at emergency level
	maxDelay := 100 * time.Millisecond
	delay := time.Duration(float64(maxDelay) * (1.0 - factor))

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordReject records that the buffer refused a frame.
func (c *Controller) RecordReject() {
	c.mu.Lock()
	c.stats.FramesRejected++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		FramesRejected:  c.stats.FramesRejected,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		PendingRatio:    c.gauge.PendingRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	FramesRejected  int64
	ThrottleSeconds float64
	PendingRatio    float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
