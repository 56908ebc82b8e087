package session

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/xtxerr/hsport/internal/config"
)

// NextBackoffDelay returns the reconnect delay for attempt N (1-based).
// Jitter spreads the delay by up to ±Jitter of its value.
func NextBackoffDelay(cfg config.ReconnectConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 && rng != nil {
		delay *= 1 + cfg.Jitter*(2*rng.Float64()-1)
	}
	return time.Duration(delay)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
