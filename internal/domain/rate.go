package domain

import (
	"context"
	"time"
)

// RateSample is a single observation of a symbol's funding state, produced on
// each scan cycle. Samples are immutable and live only for the cycle that
// produced them.
type RateSample struct {
	Symbol        string
	FundingRate   float64 // signed fraction, e.g. -0.0012 means -0.12%
	MarkPrice     float64
	NextFundingAt time.Time
	ObservedAt    time.Time
}

// RatePct returns the funding rate expressed as a percentage.
func (r RateSample) RatePct() float64 {
	return r.FundingRate * 100
}

// RateFeed fetches current funding rates and mark prices. Implemented by the
// exchange platform adapter.
type RateFeed interface {
	// FetchAll returns one sample per tradeable perpetual symbol.
	FetchAll(ctx context.Context) ([]RateSample, error)
	// Fetch returns the sample for a single symbol. It returns ErrNotFound
	// when the symbol does not exist or is not a perpetual contract.
	Fetch(ctx context.Context, symbol string) (RateSample, error)
}
