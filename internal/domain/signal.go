package domain

import "time"

// Direction indicates which side of the market a position takes.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side, used when building closing orders.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// TradeSignal is emitted by the evaluator to request a position entry. Signals
// are ephemeral: each one is consumed at most once by the lifecycle engine.
type TradeSignal struct {
	ID            string // UUID for dedup and audit
	Symbol        string
	Direction     Direction
	TriggerRate   float64 // funding rate (signed fraction) that produced the signal
	SuggestedSize float64 // base-asset quantity, before exchange step rounding
	MarkPrice     float64 // mark price at evaluation time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the signal's validity window has passed.
func (s TradeSignal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
