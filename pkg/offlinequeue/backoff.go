package offlinequeue

import (
	"hash/fnv"
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     5 * time.Minute,
	}
}

// NextBackoffDelay returns the retry delay after attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// NextAttemptAt is when item becomes due again. Jitter is seeded from the
// item id and attempt count, so repeated checks agree.
func NextAttemptAt(cfg BackoffConfig, item PendingWorkoutItem) time.Time {
	if item.Attempts == 0 || item.LastAttemptAt.IsZero() {
		return item.AddedAt
	}
	var rng *rand.Rand
	if cfg.Jitter {
		h := fnv.New64a()
		_, _ = h.Write([]byte(item.ID))
		rng = rand.New(rand.NewSource(int64(h.Sum64()) + int64(item.Attempts)))
	}
	return item.LastAttemptAt.Add(NextBackoffDelay(cfg, item.Attempts, rng))
}
