// Package signal turns funding-rate samples into trade signals.
package signal

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// DirectionPolicy maps the funding-rate sign to a position direction.
type DirectionPolicy string

const (
	// PolicyContrarian takes the side that collects funding: positive rates
	// short, negative rates long.
	PolicyContrarian DirectionPolicy = "contrarian"
	// PolicyMomentum follows the rate's sign: positive rates long, negative
	// rates short.
	PolicyMomentum DirectionPolicy = "momentum"
)

// Config tunes the evaluator.
type Config struct {
	// ThresholdPct is the minimum |funding rate| in percent for a signal.
	ThresholdPct float64
	// LongThresholdPct and ShortThresholdPct override ThresholdPct per
	// resulting direction when positive.
	LongThresholdPct  float64
	ShortThresholdPct float64
	Policy            DirectionPolicy
	// QuoteAmount is the notional per position; size is QuoteAmount divided
	// by the mark price.
	QuoteAmount float64
	// MaxSignals caps emissions per evaluation, strongest rates first.
	MaxSignals int
	// TTL bounds how long an emitted signal stays actionable.
	TTL time.Duration
}

// Evaluator is a pure scorer over one scan cycle's samples. It has no
// exchange or storage dependencies, which keeps it trivially testable.
type Evaluator struct {
	cfg    Config
	logger *slog.Logger

	// now and newID are swappable for deterministic tests.
	now   func() time.Time
	newID func() string
}

// NewEvaluator creates an evaluator with the given configuration.
func NewEvaluator(cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.Policy == "" {
		cfg.Policy = PolicyContrarian
	}
	return &Evaluator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evaluator")),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

// Evaluate filters samples against the configured thresholds and returns at
// most MaxSignals trade signals, ordered by |funding rate| descending with
// the symbol as a deterministic tie-break. Symbols in the active set are
// skipped: at most one live position exists per symbol.
func (e *Evaluator) Evaluate(samples []domain.RateSample, active map[string]bool) []domain.TradeSignal {
	now := e.now()

	candidates := make([]domain.RateSample, 0, len(samples))
	for _, s := range samples {
		if active[s.Symbol] {
			continue
		}
		if s.MarkPrice <= 0 {
			continue
		}
		dir := e.direction(s.FundingRate)
		if abs(s.RatePct()) < e.threshold(dir) {
			continue
		}
		candidates = append(candidates, s)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := abs(candidates[i].FundingRate), abs(candidates[j].FundingRate)
		if ri != rj {
			return ri > rj
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	limit := len(candidates)
	if e.cfg.MaxSignals > 0 && limit > e.cfg.MaxSignals {
		limit = e.cfg.MaxSignals
	}

	signals := make([]domain.TradeSignal, 0, limit)
	for _, s := range candidates[:limit] {
		dir := e.direction(s.FundingRate)
		sig := domain.TradeSignal{
			ID:            e.newID(),
			Symbol:        s.Symbol,
			Direction:     dir,
			TriggerRate:   s.FundingRate,
			SuggestedSize: e.cfg.QuoteAmount / s.MarkPrice,
			MarkPrice:     s.MarkPrice,
			CreatedAt:     now,
		}
		if e.cfg.TTL > 0 {
			sig.ExpiresAt = now.Add(e.cfg.TTL)
		}
		signals = append(signals, sig)

		e.logger.Info("signal emitted",
			slog.String("signal_id", sig.ID),
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
			slog.Float64("rate_pct", s.RatePct()),
		)
	}
	return signals
}

// direction resolves the position side for a funding rate under the
// configured policy. A zero rate never reaches here: it cannot clear a
// positive threshold.
func (e *Evaluator) direction(rate float64) domain.Direction {
	positive := rate > 0
	if e.cfg.Policy == PolicyMomentum {
		if positive {
			return domain.DirectionLong
		}
		return domain.DirectionShort
	}
	if positive {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

// threshold returns the minimum |rate| in percent for the given direction.
func (e *Evaluator) threshold(dir domain.Direction) float64 {
	if dir == domain.DirectionLong && e.cfg.LongThresholdPct > 0 {
		return e.cfg.LongThresholdPct
	}
	if dir == domain.DirectionShort && e.cfg.ShortThresholdPct > 0 {
		return e.cfg.ShortThresholdPct
	}
	return e.cfg.ThresholdPct
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
