package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	s3blob "github.com/quantfold/fundinghunter/internal/blob/s3"
)

// ArchiveLister defines the read side for archived records in bucket storage.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]s3blob.ObjectInfo, error)
}

// ArchiveHandler lists archived positions and orders.
type ArchiveHandler struct {
	archives ArchiveLister
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archives ArchiveLister, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archives: archives,
		logger:   logger,
	}
}

// ListArchives returns archive object metadata. The optional kind query
// parameter narrows the listing to "positions" or "orders".
// GET /api/archives?kind=positions
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	if kind := r.URL.Query().Get("kind"); kind != "" {
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind != "positions" && kind != "orders" {
			writeError(w, http.StatusBadRequest, "kind must be positions or orders")
			return
		}
		prefix += kind + "/"
	}

	objects, err := h.archives.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}
	if objects == nil {
		objects = []s3blob.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": objects})
}
