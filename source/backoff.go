package source

import (
	"context"
	"time"
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 = unlimited
}

// DefaultBackoff is used when Options leaves the schedule empty.
var DefaultBackoff = Backoff{
	Initial:    100 * time.Millisecond,
	Max:        10 * time.Second,
	Multiplier: 2,
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Multiplier)
		if delay > b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Exhausted reports whether attempt exceeds the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxRetries > 0 && attempt > b.MaxRetries
}

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
