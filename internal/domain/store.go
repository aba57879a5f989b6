package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists position history.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetBySymbol(ctx context.Context, symbol string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore persists the local order mirror.
type OrderStore interface {
	Upsert(ctx context.Context, ord Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListBySymbol(ctx context.Context, symbol string, opts ListOpts) ([]Order, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Order, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
