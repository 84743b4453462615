package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Schedule describes a bounded exponential backoff sequence
type Schedule struct {
	MaxAttempts int           // Maximum number of attempts before giving up
	BaseDelay   time.Duration // Base delay between attempts
	MaxDelay    time.Duration // Maximum delay between attempts
	Multiplier  float64       // Exponential backoff multiplier
	Jitter      bool          // Add randomization to prevent thundering herd
}

// Default returns the default backoff schedule
func Default() Schedule {
	return Schedule{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Delay calculates the delay before the given attempt (0-based)
func (s Schedule) Delay(attempt int) time.Duration {
	// Calculate exponential backoff delay
	delay := float64(s.BaseDelay) * math.Pow(s.Multiplier, float64(attempt))

	// Apply maximum delay limit
	if delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}

	// Add jitter if enabled
	if s.Jitter {
		// Add random jitter up to 10% of the delay
		jitter := delay * 0.1 * rand.Float64()
		delay += jitter
	}

	return time.Duration(delay)
}

// Exhausted reports whether the given attempt count has used up the schedule
func (s Schedule) Exhausted(attempt int) bool {
	return attempt >= s.MaxAttempts
}
