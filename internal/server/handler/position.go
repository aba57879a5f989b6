package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// LifecycleEngine defines the engine methods the position handler requires.
type LifecycleEngine interface {
	Active() []domain.Position
	Get(symbol string) (domain.Position, bool)
	ForceClose(ctx context.Context, symbol string) error
}

// PositionHistory defines the read side for closed positions.
type PositionHistory interface {
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	engine  LifecycleEngine
	history PositionHistory
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil when no
// persistent store is configured; the history endpoint then returns 404.
func NewPositionHandler(engine LifecycleEngine, history PositionHistory, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		engine:  engine,
		history: history,
		logger:  logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all positions currently tracked by the engine.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.engine.Active()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns the tracked position for one symbol.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")
	pos, ok := h.engine.Get(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no position for symbol")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListHistory returns closed positions from the store, newest first.
// GET /api/positions/history
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "position history is not configured")
		return
	}

	positions, err := h.history.History(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// ClosePosition flattens a position with a reduce-only market order after
// canceling its protective legs.
// POST /api/positions/{symbol}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	symbol := pathParam(r, "symbol")

	err := h.engine.ForceClose(r.Context(), symbol)
	switch {
	case err == nil:
		pos, _ := h.engine.Get(symbol)
		writeJSON(w, http.StatusOK, map[string]any{
			"closed":   true,
			"position": pos,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no position for symbol")
	case errors.Is(err, domain.ErrTransient):
		// The close is underway but not fully confirmed; the sweep will
		// finish it.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"closed": false,
			"detail": "close in progress, reconciliation will complete it",
		})
	default:
		h.logger.ErrorContext(r.Context(), "handler: force close failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to close position")
	}
}
