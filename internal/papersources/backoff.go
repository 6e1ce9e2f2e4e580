package papersources

import (
	"context"
	"time"
)

// DefaultMaxAttempts is the number of tries made for a transient failure.
const DefaultMaxAttempts = 3

// Backoff is an exponential retry policy: the delay before retry n (0-based)
// is Base * 2^n, capped at Max when Max is positive.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 5s, 10s, 20s between consecutive attempts.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: time.Minute}

// Delay returns the wait before retry number attempt. It has no side effects.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
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
