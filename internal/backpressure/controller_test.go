package backpressure

import (
	"testing"
	"time"

	"github.com/xtxerr/hsport/internal/buffer"
	"github.com/xtxerr/hsport/internal/config"
	"github.com/xtxerr/hsport/internal/decoder"
	"github.com/xtxerr/hsport/internal/timestamp"
)

type fixedGauge struct{ ratio float64 }

func (g *fixedGauge) PendingRatio() float64 { return g.ratio }

func testConfig() *config.BackpressureConfig {
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = true
	cfg.Thresholds.Warning = 0.50
	cfg.Thresholds.Critical = 0.80
	cfg.Thresholds.Emergency = 0.95
	cfg.Recovery.Hysteresis = 0.10
	cfg.Recovery.Cooldown = 0 // Disable cooldown for testing
	return &cfg
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelNormal, "normal"},
		{LevelWarning, "warning"},
		{LevelCritical, "critical"},
		{LevelEmergency, "emergency"},
		{Level(9), "unknown"},
	}

	for _, tt := range tests {
		if tt.level.String() != tt.expected {
			t.Errorf("level %d: expected %s, got %s", tt.level, tt.expected, tt.level.String())
		}
	}
}

func TestController_Levels(t *testing.T) {
	g := &fixedGauge{}
	c := New(testConfig(), g)

	steps := []struct {
		ratio float64
		want  Level
	}{
		{0.10, LevelNormal},
		{0.55, LevelWarning},
		{0.85, LevelCritical},
		{0.96, LevelEmergency},
		{0.90, LevelEmergency}, // within hysteresis
		{0.84, LevelCritical},
		{0.75, LevelCritical}, // within hysteresis
		{0.45, LevelWarning},
		{0.30, LevelNormal},
		{0.99, LevelEmergency},
		{0.00, LevelNormal}, // drained in one step
	}

	for i, s := range steps {
		g.ratio = s.ratio
		if got := c.Check(); got != s.want {
			t.Errorf("step %d (ratio %.2f): expected %s, got %s", i, s.ratio, s.want, got)
		}
	}

	stats := c.Stats()
	if stats.EmergencyCount != 2 {
		t.Errorf("expected 2 emergency transitions, got %d", stats.EmergencyCount)
	}
}

func TestController_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, &fixedGauge{ratio: 1})

	if c.Check() != LevelNormal {
		t.Error("disabled controller should stay normal")
	}
	if c.IsEnabled() {
		t.Error("expected disabled")
	}
}

func TestController_Callback(t *testing.T) {
	g := &fixedGauge{}
	c := New(testConfig(), g)

	var changes [][2]Level
	c.SetOnLevelChange(func(old, new Level) {
		changes = append(changes, [2]Level{old, new})
	})

	g.ratio = 0.6
	c.Check()
	g.ratio = 0.6
	c.Check()
	g.ratio = 0.0
	c.Check()

	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0] != [2]Level{LevelNormal, LevelWarning} {
		t.Errorf("unexpected first change %v", changes[0])
	}
}

func TestController_Throttle(t *testing.T) {
	g := &fixedGauge{ratio: 0.97}
	c := New(testConfig(), g)
	c.Check()

	if !c.ShouldThrottle() {
		t.Error("expected throttle at emergency")
	}
	if d := c.ThrottleDelay(); d < 89*time.Millisecond || d > 91*time.Millisecond {
		t.Errorf("expected 90ms, got %v", d)
	}

	c.RecordReject()
	if s := c.Stats(); s.FramesRejected != 1 || s.ThrottleSeconds <= 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestController_FrameBuffer(t *testing.T) {
	buf := buffer.New(buffer.Options{Capacity: 10})
	buf.Register(buffer.StartOldest)
	c := New(testConfig(), buf)

	for i := 0; i < 6; i++ {
		buf.Append(decoder.Frame{Timestamp: timestamp.Seconds(float64(i))})
	}

	if got := c.Check(); got != LevelWarning {
		t.Errorf("expected warning at 60%%, got %s (ratio %.2f)", got, buf.PendingRatio())
	}
}
