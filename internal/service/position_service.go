// Package service wires the lifecycle engine's persistence and event
// distribution to the configured stores, cache, and notification channels.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/quantfold/fundinghunter/internal/domain"
	"github.com/quantfold/fundinghunter/internal/notify"
)

// Redis channel and stream names for lifecycle events. EventsChannel is
// exported so the WebSocket hub can subscribe to the same feed.
const (
	EventsChannel = "lifecycle:events"
	eventsStream  = "lifecycle:stream"
)

// PositionService records position and order state transitions and fans
// lifecycle events out to the bus, audit log, and notification channels. Every
// dependency except the logger is optional: a nil store or bus degrades that
// concern to a no-op so the engine runs identically with or without
// infrastructure attached.
type PositionService struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	audit     domain.AuditStore
	bus       domain.SignalBus
	publisher *notify.Publisher
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. Any of positions, orders,
// audit, bus, and publisher may be nil.
func NewPositionService(
	positions domain.PositionStore,
	orders domain.OrderStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	publisher *notify.Publisher,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		orders:    orders,
		audit:     audit,
		bus:       bus,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// SavePosition persists the position snapshot.
func (s *PositionService) SavePosition(ctx context.Context, pos domain.Position) error {
	if s.positions == nil {
		return nil
	}
	if err := s.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("position_service: upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// SaveOrder persists the local order mirror.
func (s *PositionService) SaveOrder(ctx context.Context, ord domain.Order) error {
	if s.orders == nil {
		return nil
	}
	if err := s.orders.Upsert(ctx, ord); err != nil {
		return fmt.Errorf("position_service: upsert order %s: %w", ord.ID, err)
	}
	return nil
}

// PublishEvent distributes one lifecycle event. Notification delivery is
// fire-and-forget; bus and audit failures are logged but only the bus error
// is returned, as callers treat all of this as best-effort.
func (s *PositionService) PublishEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}

	if s.audit != nil {
		if err := s.audit.Log(ctx, string(ev.Type), map[string]any{
			"symbol":      ev.Symbol,
			"state":       string(ev.Position.State),
			"direction":   string(ev.Position.Direction),
			"entry_price": ev.Position.EntryPrice,
			"exit_price":  ev.Position.ExitPrice,
			"size":        ev.Position.Size,
			"signal_id":   ev.Position.SignalID,
			"reason":      ev.Reason,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", string(ev.Type)),
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"event":       string(ev.Type),
		"symbol":      ev.Symbol,
		"state":       string(ev.Position.State),
		"direction":   string(ev.Position.Direction),
		"entry_price": ev.Position.EntryPrice,
		"exit_price":  ev.Position.ExitPrice,
		"reason":      ev.Reason,
		"at":          ev.At,
	})
	if err != nil {
		return fmt.Errorf("position_service: marshal event: %w", err)
	}
	if err := s.bus.Publish(ctx, EventsChannel, payload); err != nil {
		return fmt.Errorf("position_service: publish event: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, eventsStream, payload); err != nil {
		s.logger.WarnContext(ctx, "stream append failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ActivePositions returns persisted non-terminal positions, used to restore
// the engine registry at startup.
func (s *PositionService) ActivePositions(ctx context.Context) ([]domain.Position, error) {
	if s.positions == nil {
		return nil, nil
	}
	positions, err := s.positions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return positions, nil
}

// History returns persisted positions, newest first.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	if s.positions == nil {
		return nil, nil
	}
	positions, err := s.positions.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list history: %w", err)
	}
	return positions, nil
}

// AuditTrail returns audit entries, newest first.
func (s *PositionService) AuditTrail(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list audit: %w", err)
	}
	return entries, nil
}
