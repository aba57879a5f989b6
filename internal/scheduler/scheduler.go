// Package scheduler times scan cycles, either against the hourly funding
// settlement or on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Mode selects the trigger policy.
type Mode string

const (
	// ModeFundingWindow fires once per hour, a configured number of seconds
	// before the top of the hour, when funding settles.
	ModeFundingWindow Mode = "funding_window"
	// ModeInterval fires on a fixed ticker.
	ModeInterval Mode = "interval"
)

// TickFunc runs one scan cycle. Failures are the callee's problem; the
// scheduler never retries a cycle, it just waits for the next one.
type TickFunc func(ctx context.Context)

// Scheduler drives scan cycles until its context is canceled.
type Scheduler struct {
	mode      Mode
	windowSec int
	interval  time.Duration
	logger    *slog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// New creates a scheduler.
func New(mode Mode, windowSec int, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		mode:      mode,
		windowSec: windowSec,
		interval:  interval,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
	}
}

// NextWait returns how long to sleep from now until the next trigger point.
// In funding-window mode that is windowSec seconds before the next top of the
// hour; if the current instant is already inside the window, the trigger is
// immediate.
func (s *Scheduler) NextWait(now time.Time) time.Duration {
	if s.mode == ModeInterval {
		return s.interval
	}

	nextHour := now.Truncate(time.Hour).Add(time.Hour)
	trigger := nextHour.Add(-time.Duration(s.windowSec) * time.Second)
	if !now.Before(trigger) {
		return 0
	}
	return trigger.Sub(now)
}

// Run invokes tick at every trigger point until ctx is canceled. In
// funding-window mode, after each tick the scheduler sleeps past the top of
// the hour so a fast cycle does not fire twice in one window.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	s.logger.Info("scheduler started",
		slog.String("mode", string(s.mode)),
		slog.Int("window_sec", s.windowSec),
		slog.Duration("interval", s.interval),
	)

	for {
		wait := s.NextWait(s.now())
		s.logger.Debug("next cycle scheduled", slog.Duration("in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		start := s.now()
		tick(ctx)
		s.logger.Debug("cycle finished", slog.Duration("took", s.now().Sub(start)))

		if s.mode == ModeFundingWindow {
			// Step past the hour boundary before computing the next trigger.
			nextHour := start.Truncate(time.Hour).Add(time.Hour)
			if rest := nextHour.Sub(s.now()); rest > 0 {
				t := time.NewTimer(rest)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}
	}
}
