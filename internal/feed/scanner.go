// Package feed wraps the exchange rate feed with retries and caching.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// scanRetryDelay is the pause between feed retries within one cycle.
const scanRetryDelay = 2 * time.Second

// Scanner fetches the full funding snapshot once per cycle, retrying
// transient feed failures and mirroring the result into the rate cache.
type Scanner struct {
	feed    domain.RateFeed
	cache   domain.RateCache // optional
	retries int
	logger  *slog.Logger
}

// NewScanner creates a scanner. cache may be nil; retries below 1 is treated
// as a single attempt.
func NewScanner(feed domain.RateFeed, cache domain.RateCache, retries int, logger *slog.Logger) *Scanner {
	if retries < 1 {
		retries = 1
	}
	return &Scanner{
		feed:    feed,
		cache:   cache,
		retries: retries,
		logger:  logger.With(slog.String("component", "scanner")),
	}
}

// Scan returns one sample per perpetual symbol. A cycle whose every attempt
// fails is skipped entirely; the caller moves on to the next cycle.
func (s *Scanner) Scan(ctx context.Context) ([]domain.RateSample, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retries; attempt++ {
		samples, err := s.feed.FetchAll(ctx)
		if err == nil {
			s.cacheBatch(ctx, samples)
			s.logger.Debug("scan complete",
				slog.Int("symbols", len(samples)),
				slog.Int("attempt", attempt),
			)
			return samples, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("scan attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.retries),
			slog.String("error", err.Error()),
		)
		if attempt < s.retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(scanRetryDelay):
			}
		}
	}
	return nil, fmt.Errorf("feed: scan failed after %d attempts: %w", s.retries, lastErr)
}

// cacheBatch mirrors the snapshot into the rate cache. Failures are logged
// and ignored; the cache is advisory.
func (s *Scanner) cacheBatch(ctx context.Context, samples []domain.RateSample) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetBatch(ctx, samples); err != nil {
		s.logger.Warn("rate cache update failed", slog.String("error", err.Error()))
	}
}
