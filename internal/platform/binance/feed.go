package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// filterCacheTTL bounds how long exchange symbol filters are reused before a
// refresh. Filters change rarely; a stale tick size is caught by the exchange
// as a rejection anyway.
const filterCacheTTL = 30 * time.Minute

// SymbolFilters holds the exchange constraints needed to round prices and
// quantities for one symbol.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundPrice rounds price to the symbol's tick. The rounding direction is
// conservative for protective orders: stop-loss prices round toward the
// entry (less adverse trigger), take-profits likewise.
//
// floor=true rounds down, floor=false rounds up.
func (f SymbolFilters) RoundPrice(price float64, floor bool) float64 {
	if f.TickSize.IsZero() {
		return price
	}
	d := decimal.NewFromFloat(price)
	steps := d.Div(f.TickSize)
	if floor {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	out, _ := steps.Mul(f.TickSize).Float64()
	return out
}

// RoundSize floors qty to the symbol's step size. Returns 0 when the result
// would violate the exchange minimum quantity.
func (f SymbolFilters) RoundSize(qty float64) float64 {
	if f.StepSize.IsZero() {
		return qty
	}
	d := decimal.NewFromFloat(qty)
	rounded := d.Div(f.StepSize).Floor().Mul(f.StepSize)
	if rounded.LessThan(f.MinQty) {
		return 0
	}
	out, _ := rounded.Float64()
	return out
}

// Feed implements domain.RateFeed over the premium-index endpoint and caches
// symbol filters from exchangeInfo.
type Feed struct {
	client *Client

	mu        sync.RWMutex
	filters   map[string]SymbolFilters
	fetchedAt time.Time
}

// NewFeed creates a funding-rate feed backed by client.
func NewFeed(client *Client) *Feed {
	return &Feed{
		client:  client,
		filters: make(map[string]SymbolFilters),
	}
}

// FetchAll returns a funding-rate sample for every perpetual symbol.
func (f *Feed) FetchAll(ctx context.Context) ([]domain.RateSample, error) {
	body, err := f.client.doPublic(ctx, "/fapi/v1/premiumIndex", nil)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch premium index: %w", err)
	}

	var entries []premiumIndexEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("binance: decode premium index: %w", err)
	}

	samples := make([]domain.RateSample, 0, len(entries))
	for _, e := range entries {
		s, err := e.toSample()
		if err != nil {
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// Fetch returns the funding-rate sample for a single symbol.
func (f *Feed) Fetch(ctx context.Context, symbol string) (domain.RateSample, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := f.client.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return domain.RateSample{}, fmt.Errorf("binance: fetch premium index %s: %w", symbol, err)
	}

	var entry premiumIndexEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		return domain.RateSample{}, fmt.Errorf("binance: decode premium index %s: %w", symbol, err)
	}
	if entry.Symbol == "" {
		return domain.RateSample{}, fmt.Errorf("binance: symbol %s: %w", symbol, domain.ErrNotFound)
	}

	s, err := entry.toSample()
	if err != nil {
		return domain.RateSample{}, fmt.Errorf("binance: parse premium index %s: %w", symbol, err)
	}
	return s, nil
}

// Filters returns the rounding filters for symbol, refreshing the
// exchangeInfo cache when stale.
func (f *Feed) Filters(ctx context.Context, symbol string) (SymbolFilters, error) {
	f.mu.RLock()
	fresh := time.Since(f.fetchedAt) < filterCacheTTL
	flt, ok := f.filters[symbol]
	f.mu.RUnlock()

	if fresh && ok {
		return flt, nil
	}

	if err := f.refreshFilters(ctx); err != nil {
		// A stale entry beats a failed call.
		if ok {
			return flt, nil
		}
		return SymbolFilters{}, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	flt, ok = f.filters[symbol]
	if !ok {
		return SymbolFilters{}, fmt.Errorf("binance: filters for %s: %w", symbol, domain.ErrNotFound)
	}
	return flt, nil
}

func (f *Feed) refreshFilters(ctx context.Context) error {
	body, err := f.client.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("binance: fetch exchange info: %w", err)
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("binance: decode exchange info: %w", err)
	}

	filters := make(map[string]SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.Status != "TRADING" {
			continue
		}
		sf := SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				sf.TickSize, _ = decimal.NewFromString(flt.TickSize)
			case "LOT_SIZE":
				sf.StepSize, _ = decimal.NewFromString(flt.StepSize)
				sf.MinQty, _ = decimal.NewFromString(flt.MinQty)
			case "MIN_NOTIONAL":
				sf.MinNotional, _ = decimal.NewFromString(flt.MinNotional)
			}
		}
		filters[s.Symbol] = sf
	}

	f.mu.Lock()
	f.filters = filters
	f.fetchedAt = time.Now()
	f.mu.Unlock()
	return nil
}
