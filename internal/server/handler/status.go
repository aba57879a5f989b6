package handler

import (
	"net/http"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// StatusHandler reports the running mode and a summary of tracked positions.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	engine    LifecycleEngine
}

// NewStatusHandler creates a StatusHandler. engine may be nil in monitor
// mode; the position summary is then omitted.
func NewStatusHandler(mode string, startedAt time.Time, engine LifecycleEngine) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: startedAt,
		engine:    engine,
	}
}

// GetStatus responds with the current mode, uptime, and position counts per
// lifecycle state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":       h.mode,
		"started_at": h.startedAt.UTC().Format(time.RFC3339),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	}

	if h.engine != nil {
		counts := map[domain.PositionState]int{}
		for _, pos := range h.engine.Active() {
			counts[pos.State]++
		}
		body["positions"] = counts
	}

	writeJSON(w, http.StatusOK, body)
}
