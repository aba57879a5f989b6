package engine

import (
	"context"
	"time"
)

// BackoffPolicy computes exponential retry delays. The zero value retries
// immediately and forever, which no caller wants; construct with explicit
// fields.
type BackoffPolicy struct {
	// Base is the delay after the first failure; each subsequent failure
	// doubles it.
	Base time.Duration
	// Ceiling caps the delay when positive.
	Ceiling time.Duration
	// MaxAttempts bounds the total attempts when positive; zero means
	// unbounded.
	MaxAttempts int
}

// Delay returns the pause before attempt number attempt (1-based counts the
// attempt about to be made). ok is false when the policy is exhausted and no
// further attempt should be made.
func (p BackoffPolicy) Delay(attempt int) (delay time.Duration, ok bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt <= 1 {
		return 0, true
	}

	d := p.Base
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.Ceiling > 0 && d >= p.Ceiling {
			d = p.Ceiling
			break
		}
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d, true
}

// sleep pauses for d or until ctx is done, whichever comes first. Returns
// ctx.Err() when interrupted.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
