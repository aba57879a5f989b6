package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// RatesHandler serves funding-rate snapshots for operators.
type RatesHandler struct {
	feed   domain.RateFeed
	cache  domain.RateCache
	logger *slog.Logger
}

// NewRatesHandler creates a RatesHandler. cache may be nil; single-symbol
// lookups then always hit the feed.
func NewRatesHandler(feed domain.RateFeed, cache domain.RateCache, logger *slog.Logger) *RatesHandler {
	return &RatesHandler{
		feed:   feed,
		cache:  cache,
		logger: logger,
	}
}

// ListRates fetches the current funding snapshot for every perpetual symbol,
// sorted by absolute rate descending.
// GET /api/rates
func (h *RatesHandler) ListRates(w http.ResponseWriter, r *http.Request) {
	samples, err := h.feed.FetchAll(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: fetch rates failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch funding rates")
		return
	}

	sort.Slice(samples, func(i, j int) bool {
		ri, rj := samples[i].FundingRate, samples[j].FundingRate
		if ri < 0 {
			ri = -ri
		}
		if rj < 0 {
			rj = -rj
		}
		if ri != rj {
			return ri > rj
		}
		return samples[i].Symbol < samples[j].Symbol
	})

	writeJSON(w, http.StatusOK, map[string]any{"rates": samples})
}

// GetRate returns the funding snapshot for one symbol, preferring the cached
// value from the last scan and falling back to a live feed query.
// GET /api/rates/{symbol}
func (h *RatesHandler) GetRate(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")

	if h.cache != nil {
		if sample, err := h.cache.Get(r.Context(), symbol); err == nil {
			writeJSON(w, http.StatusOK, sample)
			return
		}
	}

	sample, err := h.feed.Fetch(r.Context(), symbol)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown symbol")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: fetch rate failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "failed to fetch funding rate")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}
