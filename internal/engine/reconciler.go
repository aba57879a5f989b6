package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/quantfold/fundinghunter/internal/domain"
	"github.com/quantfold/fundinghunter/internal/metrics"
)

// Reconcile sweeps every tracked position and repairs divergence between the
// local state machine and the exchange. Each symbol is processed under the
// same per-symbol lock the live flows use, so the sweep never races an entry
// or close in flight. Exchange state wins every conflict; local corrections
// emit a reconciliation event.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	mps := make([]*managedPosition, 0, len(e.positions))
	counts := make(map[string]int)
	for _, mp := range e.positions {
		mps = append(mps, mp)
		counts[string(mp.snapshot().State)]++
	}
	e.mu.Unlock()

	metrics.ReconcileSweeps.Inc()
	metrics.UpdatePositionStates(counts)

	var firstErr error
	for _, mp := range mps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.reconcileOne(ctx, mp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) reconcileOne(ctx context.Context, mp *managedPosition) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	switch mp.pos.State {
	case domain.StatePendingEntry:
		return e.reconcilePending(ctx, mp)
	case domain.StateOpen:
		return e.reconcileOpen(ctx, mp)
	case domain.StateDegraded:
		// The recovery loop owns degraded positions; respawn it if a restart
		// orphaned the state.
		e.spawnDegradedLoop(mp)
		return nil
	case domain.StateClosing:
		return e.reconcileClosing(ctx, mp)
	default:
		return nil
	}
}

// reconcilePending resolves a position stuck before entry confirmation. The
// per-symbol lock guarantees the entry flow is no longer running, so pending
// here means a crash or restart interrupted it.
func (e *Engine) reconcilePending(ctx context.Context, mp *managedPosition) error {
	ord, err := e.gateway.GetOrderByToken(ctx, mp.pos.Symbol, mp.pos.EntryToken)
	if errors.Is(err, domain.ErrNotFound) {
		e.failEntry(ctx, mp, fmt.Errorf("entry never reached the exchange"))
		e.correction(ctx, mp.pos, "pending entry had no exchange-side order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: reconcile pending %s: %w", mp.pos.Symbol, err)
	}

	switch {
	case ord.Status == domain.OrderStatusFilled || ord.ExecutedSize > 0:
		e.recoverPendingFill(ctx, mp, ord, "entry fill recovered from exchange")
	case ord.Status.Terminal():
		e.failEntry(ctx, mp, fmt.Errorf("entry order ended %s", ord.Status))
		e.correction(ctx, mp.pos, "entry order found terminal without fill")
	default:
		// Live and unfilled past its window. Cancel rather than wait: the
		// slot must settle, and an order left live here would fill into
		// untracked exposure once the position is failed.
		if !e.cancelConfirmed(ctx, mp.pos.Symbol, ord.ID) {
			return fmt.Errorf("engine: reconcile pending %s: cancel unconfirmed: %w",
				mp.pos.Symbol, domain.ErrTransient)
		}
		refreshed, err := e.gateway.GetOrderByToken(ctx, mp.pos.Symbol, mp.pos.EntryToken)
		switch {
		case err == nil && (refreshed.Status == domain.OrderStatusFilled || refreshed.ExecutedSize > 0):
			e.recoverPendingFill(ctx, mp, refreshed, "entry filled during cancel, recovered")
		case err == nil || errors.Is(err, domain.ErrNotFound):
			e.failEntry(ctx, mp, fmt.Errorf("entry canceled unfilled"))
			e.correction(ctx, mp.pos, "stale entry order canceled")
		default:
			return fmt.Errorf("engine: reconcile pending %s: %w", mp.pos.Symbol, err)
		}
	}
	return nil
}

// recoverPendingFill promotes a pending position whose entry turned out to
// have filled. Caller holds mp.mu.
func (e *Engine) recoverPendingFill(ctx context.Context, mp *managedPosition, ord domain.Order, reason string) {
	mp.pos.EntryOrderID = ord.ID
	mp.pos.EntryPrice = ord.AvgFillPrice
	if ord.ExecutedSize > 0 {
		mp.pos.Size = ord.ExecutedSize
	}
	mp.pos.OpenedAt = ord.UpdatedAt
	e.recordOrder(ctx, ord)
	e.persist(ctx, mp.pos)
	e.correction(ctx, mp.pos, reason)
	e.emit(ctx, domain.EventEntryFilled, mp.pos, "")
	e.attachProtection(ctx, mp)
}

// reconcileOpen verifies both protective legs still stand. A filled leg
// starts the close; a vanished leg degrades the position.
func (e *Engine) reconcileOpen(ctx context.Context, mp *managedPosition) error {
	legs := []struct {
		id     *string
		reason domain.CloseReason
	}{
		{&mp.pos.StopOrderID, domain.CloseReasonStopLoss},
		{&mp.pos.TakeProfitOrderID, domain.CloseReasonTakeProfit},
	}

	degraded := false
	for _, leg := range legs {
		if *leg.id == "" {
			degraded = true
			continue
		}
		ord, err := e.gateway.GetOrder(ctx, mp.pos.Symbol, *leg.id)
		if errors.Is(err, domain.ErrNotFound) {
			*leg.id = ""
			degraded = true
			continue
		}
		if err != nil {
			return fmt.Errorf("engine: reconcile open %s: %w", mp.pos.Symbol, err)
		}
		e.recordOrder(ctx, ord)

		switch ord.Status {
		case domain.OrderStatusFilled:
			e.correction(ctx, mp.pos, fmt.Sprintf("%s fill observed by sweep", leg.reason))
			e.beginCloseLocked(ctx, mp, leg.reason, ord.AvgFillPrice)
			return nil
		case domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired:
			*leg.id = ""
			degraded = true
		}
	}

	if degraded {
		e.transition(ctx, mp, domain.StateDegraded)
		e.correction(ctx, mp.pos, "protective coverage lost")
		e.emit(ctx, domain.EventProtectionDegraded, mp.pos, "protective order missing or terminal")
		e.spawnDegradedLoop(mp)
	}
	return nil
}

// reconcileClosing finishes a close whose sibling cancel or manual exit was
// left unconfirmed.
func (e *Engine) reconcileClosing(ctx context.Context, mp *managedPosition) error {
	if !e.cancelRemainingLegs(ctx, mp) {
		return fmt.Errorf("engine: reconcile closing %s: cancels still unconfirmed: %w",
			mp.pos.Symbol, domain.ErrTransient)
	}

	// A manual close that never confirmed its exit fill is re-driven with
	// the same idempotent token.
	if mp.pos.ClosedBy == domain.CloseReasonManual && mp.pos.ExitPrice == 0 {
		if err := e.placeExitLocked(ctx, mp); err != nil {
			return fmt.Errorf("engine: reconcile closing %s: %w", mp.pos.Symbol, err)
		}
	}

	e.correction(ctx, mp.pos, "close completed by sweep")
	e.finishCloseLocked(ctx, mp)
	return nil
}

// correction emits a reconciliation event for a divergence the sweep fixed.
func (e *Engine) correction(ctx context.Context, pos domain.Position, reason string) {
	e.logger.Warn("reconciliation correction",
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason),
	)
	metrics.ReconcileCorrections.WithLabelValues(pos.Symbol).Inc()
	e.emit(ctx, domain.EventReconciliation, pos, reason)
}
