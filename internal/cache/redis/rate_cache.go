package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// rateTTL expires cached samples a little after two scan cycles; a missing
// key is more honest than an hours-old rate.
const rateTTL = 2*time.Hour + 10*time.Minute

// RateCache implements domain.RateCache using Redis string keys holding JSON
// samples at "rate:{symbol}".
type RateCache struct {
	rdb *redis.Client
}

// NewRateCache creates a RateCache backed by the given Client.
func NewRateCache(c *Client) *RateCache {
	return &RateCache{rdb: c.Underlying()}
}

func rateKey(symbol string) string {
	return "rate:" + symbol
}

// SetBatch stores one scan cycle's samples using a pipeline.
func (rc *RateCache) SetBatch(ctx context.Context, samples []domain.RateSample) error {
	if len(samples) == 0 {
		return nil
	}

	pipe := rc.rdb.Pipeline()
	for _, s := range samples {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("redis: marshal sample %s: %w", s.Symbol, err)
		}
		pipe.Set(ctx, rateKey(s.Symbol), data, rateTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set rate batch: %w", err)
	}
	return nil
}

// Get retrieves the latest cached sample for a symbol. It returns
// domain.ErrNotFound when no sample is cached.
func (rc *RateCache) Get(ctx context.Context, symbol string) (domain.RateSample, error) {
	data, err := rc.rdb.Get(ctx, rateKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RateSample{}, domain.ErrNotFound
		}
		return domain.RateSample{}, fmt.Errorf("redis: get rate %s: %w", symbol, err)
	}

	var s domain.RateSample
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.RateSample{}, fmt.Errorf("redis: unmarshal rate %s: %w", symbol, err)
	}
	return s, nil
}

// Compile-time interface check.
var _ domain.RateCache = (*RateCache)(nil)
