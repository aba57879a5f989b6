package signal

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

func newTestEvaluator(t *testing.T, cfg Config) *Evaluator {
	t.Helper()
	e := NewEvaluator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	seq := 0
	e.newID = func() string {
		seq++
		return fmt.Sprintf("sig-%d", seq)
	}
	return e
}

func sample(symbol string, rate, mark float64) domain.RateSample {
	return domain.RateSample{Symbol: symbol, FundingRate: rate, MarkPrice: mark}
}

func TestEvaluateContrarianThreshold(t *testing.T) {
	e := newTestEvaluator(t, Config{
		ThresholdPct: 0.5,
		QuoteAmount:  1000,
		TTL:          5 * time.Minute,
	})

	signals := e.Evaluate([]domain.RateSample{
		sample("BTCUSDT", 0.012, 50000), // 1.2%, clears
		sample("ETHUSDT", 0.003, 2500),  // 0.3%, below threshold
		sample("SOLUSDT", -0.008, 200),  // 0.8%, clears
	}, nil)

	if len(signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(signals))
	}

	// Strongest |rate| first.
	btc, sol := signals[0], signals[1]
	if btc.Symbol != "BTCUSDT" || sol.Symbol != "SOLUSDT" {
		t.Fatalf("order = %s, %s; want BTCUSDT, SOLUSDT", btc.Symbol, sol.Symbol)
	}

	// Contrarian: positive rate shorts, negative rate longs.
	if btc.Direction != domain.DirectionShort {
		t.Errorf("BTCUSDT direction = %s, want short", btc.Direction)
	}
	if sol.Direction != domain.DirectionLong {
		t.Errorf("SOLUSDT direction = %s, want long", sol.Direction)
	}

	if btc.TriggerRate != 0.012 {
		t.Errorf("trigger rate = %v, want 0.012", btc.TriggerRate)
	}
	if got, want := btc.SuggestedSize, 1000.0/50000; got != want {
		t.Errorf("suggested size = %v, want %v", got, want)
	}
	if want := e.now().Add(5 * time.Minute); !btc.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", btc.ExpiresAt, want)
	}
}

func TestEvaluateMomentumPolicy(t *testing.T) {
	e := newTestEvaluator(t, Config{
		ThresholdPct: 0.5,
		Policy:       PolicyMomentum,
		QuoteAmount:  1000,
	})

	signals := e.Evaluate([]domain.RateSample{
		sample("BTCUSDT", 0.012, 50000),
		sample("SOLUSDT", -0.008, 200),
	}, nil)
	if len(signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(signals))
	}
	if signals[0].Direction != domain.DirectionLong {
		t.Errorf("positive rate under momentum = %s, want long", signals[0].Direction)
	}
	if signals[1].Direction != domain.DirectionShort {
		t.Errorf("negative rate under momentum = %s, want short", signals[1].Direction)
	}
}

func TestEvaluatePerDirectionThresholds(t *testing.T) {
	// Contrarian: positive rates become shorts, negative rates become longs.
	e := newTestEvaluator(t, Config{
		ThresholdPct:      0.5,
		LongThresholdPct:  1.0,
		ShortThresholdPct: 0.6,
		QuoteAmount:       1000,
	})

	signals := e.Evaluate([]domain.RateSample{
		sample("AAAUSDT", 0.0055, 10),  // short candidate at 0.55%, below 0.6
		sample("BBBUSDT", 0.0070, 10),  // short candidate at 0.70%, clears
		sample("CCCUSDT", -0.0080, 10), // long candidate at 0.80%, below 1.0
		sample("DDDUSDT", -0.0120, 10), // long candidate at 1.20%, clears
	}, nil)

	if len(signals) != 2 {
		t.Fatalf("signals = %d, want 2", len(signals))
	}
	got := map[string]bool{signals[0].Symbol: true, signals[1].Symbol: true}
	if !got["BBBUSDT"] || !got["DDDUSDT"] {
		t.Errorf("emitted %v, want BBBUSDT and DDDUSDT", got)
	}
}

func TestEvaluateSkipsActiveSymbols(t *testing.T) {
	e := newTestEvaluator(t, Config{ThresholdPct: 0.5, QuoteAmount: 1000})

	signals := e.Evaluate([]domain.RateSample{
		sample("BTCUSDT", 0.012, 50000),
		sample("ETHUSDT", 0.010, 2500),
	}, map[string]bool{"BTCUSDT": true})

	if len(signals) != 1 || signals[0].Symbol != "ETHUSDT" {
		t.Fatalf("signals = %+v, want ETHUSDT only", signals)
	}
}

func TestEvaluateMaxSignalsAndTieBreak(t *testing.T) {
	e := newTestEvaluator(t, Config{
		ThresholdPct: 0.5,
		QuoteAmount:  1000,
		MaxSignals:   2,
	})

	// ZZZ and AAA carry the same |rate|; the symbol breaks the tie.
	signals := e.Evaluate([]domain.RateSample{
		sample("ZZZUSDT", 0.010, 10),
		sample("AAAUSDT", -0.010, 10),
		sample("BTCUSDT", 0.020, 10),
	}, nil)

	if len(signals) != 2 {
		t.Fatalf("signals = %d, want cap of 2", len(signals))
	}
	if signals[0].Symbol != "BTCUSDT" || signals[1].Symbol != "AAAUSDT" {
		t.Errorf("order = %s, %s; want BTCUSDT, AAAUSDT", signals[0].Symbol, signals[1].Symbol)
	}
}

func TestEvaluateSkipsZeroMarkPrice(t *testing.T) {
	e := newTestEvaluator(t, Config{ThresholdPct: 0.5, QuoteAmount: 1000})

	signals := e.Evaluate([]domain.RateSample{
		sample("BTCUSDT", 0.012, 0),
	}, nil)
	if len(signals) != 0 {
		t.Fatalf("signals = %d, want none for an unpriced sample", len(signals))
	}
}

func TestEvaluateNoTTLLeavesSignalOpenEnded(t *testing.T) {
	e := newTestEvaluator(t, Config{ThresholdPct: 0.5, QuoteAmount: 1000})

	signals := e.Evaluate([]domain.RateSample{sample("BTCUSDT", 0.012, 50000)}, nil)
	if len(signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(signals))
	}
	if !signals[0].ExpiresAt.IsZero() {
		t.Errorf("expires at %v, want zero without a TTL", signals[0].ExpiresAt)
	}
}
