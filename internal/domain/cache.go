package domain

import (
	"context"
	"time"
)

// RateCache stores the latest funding snapshot per symbol so operators and
// the ops API can inspect the most recent scan without hitting the exchange.
type RateCache interface {
	SetBatch(ctx context.Context, samples []RateSample) error
	Get(ctx context.Context, symbol string) (RateSample, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for lifecycle events and durable streams for
// consumers that must not miss entries.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// LockManager provides distributed locking, used to guard position entry
// against a second bot instance trading the same account.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting for outbound exchange calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
