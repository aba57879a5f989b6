package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// ArchiverConfig controls the retention sweep.
type ArchiverConfig struct {
	// RetentionDays is how long closed positions and terminal orders stay
	// in Postgres before being archived.
	RetentionDays int
	// Interval is how often the sweep runs.
	Interval time.Duration
}

// Archiver moves closed positions and terminal orders from Postgres into
// bucket storage as JSON lines, then deletes the archived rows. Rows are
// only deleted after the upload succeeds.
type Archiver struct {
	cfg       ArchiverConfig
	writer    *Writer
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates an Archiver. The audit store may be nil.
func NewArchiver(cfg ArchiverConfig, writer *Writer, positions domain.PositionStore, orders domain.OrderStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		cfg:       cfg,
		writer:    writer,
		positions: positions,
		orders:    orders,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("archiver started",
		slog.Int("retention_days", a.cfg.RetentionDays),
		slog.Duration("interval", a.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil {
				a.logger.Error("archive sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep archives everything older than the retention cutoff.
func (a *Archiver) Sweep(ctx context.Context) error {
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)

	archivedPositions, err := a.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: positions: %w", err)
	}
	archivedOrders, err := a.ArchiveOrders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: orders: %w", err)
	}

	if archivedPositions > 0 || archivedOrders > 0 {
		a.logger.Info("archive sweep completed",
			slog.Int("positions", archivedPositions),
			slog.Int("orders", archivedOrders),
			slog.Time("cutoff", cutoff))
		a.logAudit(ctx, cutoff, archivedPositions, archivedOrders)
	}
	return nil
}

// ArchivePositions uploads closed positions older than the cutoff and then
// deletes them from the store. Returns the number archived.
func (a *Archiver) ArchivePositions(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := a.positions.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list closed: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	body, err := marshalJSONL(rows)
	if err != nil {
		return 0, err
	}
	path := a.archivePath("positions")
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload %s: %w", path, err)
	}

	deleted, err := a.positions.DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		// Rows are uploaded but not deleted: the next sweep re-uploads
		// them into the same monthly object, which is harmless.
		return len(rows), fmt.Errorf("delete closed: %w", err)
	}
	a.logger.Debug("positions archived",
		slog.String("path", path),
		slog.Int("uploaded", len(rows)),
		slog.Int64("deleted", deleted))
	return len(rows), nil
}

// ArchiveOrders uploads terminal orders older than the cutoff and then
// deletes them from the store. Returns the number archived.
func (a *Archiver) ArchiveOrders(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := a.orders.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list terminal: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	body, err := marshalJSONL(rows)
	if err != nil {
		return 0, err
	}
	path := a.archivePath("orders")
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("upload %s: %w", path, err)
	}

	deleted, err := a.orders.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return len(rows), fmt.Errorf("delete terminal: %w", err)
	}
	a.logger.Debug("orders archived",
		slog.String("path", path),
		slog.Int("uploaded", len(rows)),
		slog.Int64("deleted", deleted))
	return len(rows), nil
}

// archivePath returns the monthly object key for a record kind, e.g.
// archive/positions/2026-08/20260831T120000Z.jsonl. Each sweep writes its
// own object so earlier uploads are never overwritten.
func (a *Archiver) archivePath(kind string) string {
	now := a.now().UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, now.Format("2006-01"), now.Format("20060102T150405Z"))
}

func (a *Archiver) logAudit(ctx context.Context, cutoff time.Time, positions, orders int) {
	if a.audit == nil {
		return
	}
	err := a.audit.Log(ctx, "archive_sweep", map[string]any{
		"cutoff":    cutoff.UTC().Format(time.RFC3339),
		"positions": positions,
		"orders":    orders,
	})
	if err != nil {
		a.logger.Warn("audit log failed", slog.Any("error", err))
	}
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
