package relay

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectConfig contains configuration for re-opening a failed resource.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for re-opening.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

// delay returns the wait before the given attempt, counting from 1.
func (c ReconnectConfig) delay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(c.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return c.addJitter(time.Duration(d))
}

// addJitter spreads d by up to ±Jitter of its length.
func (c ReconnectConfig) addJitter(d time.Duration) time.Duration {
	if c.Jitter <= 0 || d <= 0 {
		return d
	}

	jitterRange := float64(d) * c.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}
