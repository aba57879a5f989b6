// Package engine owns the position lifecycle: idempotent entry, protective
// order placement, closure, and reconciliation against exchange state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/fundinghunter/internal/domain"
	"github.com/quantfold/fundinghunter/internal/metrics"
)

// Token suffixes derive the protective and exit order tokens from the entry
// token, so retries and restarts reuse the same idempotency keys.
const (
	stopTokenSuffix = "-sl"
	tpTokenSuffix   = "-tp"
	exitTokenSuffix = "-x"
)

// fillPollInterval is the pause between order status polls while waiting for
// an entry or exit fill.
const fillPollInterval = 500 * time.Millisecond

// errEntryUnresolved marks an entry whose exchange-side outcome could not be
// settled: the order may still be live. The position stays PENDING_ENTRY so
// the reconciliation sweep settles it instead of freeing the symbol slot
// over a possibly live order.
var errEntryUnresolved = errors.New("engine: entry outcome unresolved")

// Config tunes the lifecycle engine.
type Config struct {
	// OrderTimeout bounds each individual gateway call. A timeout means the
	// outcome is unknown and must be resolved by token query.
	OrderTimeout time.Duration
	// ReconcileInterval is the period of the background sweep.
	ReconcileInterval time.Duration

	// EntryBackoff bounds entry placement retries; exhausting it is terminal
	// for the signal.
	EntryBackoff BackoffPolicy
	// ProtectionBackoff drives protective re-placement while degraded. It
	// must be unbounded (MaxAttempts zero): exposure without protection is
	// never abandoned.
	ProtectionBackoff BackoffPolicy
	// CancelBackoff bounds sibling-cancel retries within one close attempt;
	// the reconciliation sweep picks up what it leaves unconfirmed.
	CancelBackoff BackoffPolicy

	// StopLossPct is the adverse move, in percent of entry, that triggers
	// the stop-loss.
	StopLossPct float64
	// TakeProfitBufferPct is added to |trigger rate| in percent to set the
	// take-profit offset.
	TakeProfitBufferPct float64

	// DistributedLock guards entry with the lock manager so a second
	// instance cannot double-enter a symbol.
	DistributedLock bool
	LockTTL         time.Duration
}

// Recorder is the engine's persistence and notification boundary. Failures
// are logged, never fed back into the state machine.
type Recorder interface {
	SavePosition(ctx context.Context, pos domain.Position) error
	SaveOrder(ctx context.Context, ord domain.Order) error
	PublishEvent(ctx context.Context, ev domain.LifecycleEvent) error
}

// managedPosition pairs a position with the mutex that serializes every
// mutation of it. The entry flow, order-update handling, manual closes, and
// the reconciliation sweep all contend on this one lock.
type managedPosition struct {
	mu             sync.Mutex
	pos            domain.Position
	degradedActive bool
}

func (mp *managedPosition) snapshot() domain.Position {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.pos
}

// Engine runs the per-symbol position state machine. At most one non-terminal
// position exists per symbol; Accept enforces it and everything downstream
// relies on it.
type Engine struct {
	cfg      Config
	gateway  domain.OrderGateway
	recorder Recorder
	locks    domain.LockManager // optional
	logger   *slog.Logger

	// now and newToken are swappable for deterministic tests.
	now      func() time.Time
	newToken func() string

	mu        sync.Mutex
	positions map[string]*managedPosition
	baseCtx   context.Context // parent of background loops; set by Run

	wg sync.WaitGroup
}

// New creates a lifecycle engine.
func New(cfg Config, gateway domain.OrderGateway, recorder Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		gateway:   gateway,
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		newToken:  func() string { return uuid.NewString() },
		positions: make(map[string]*managedPosition),
		baseCtx:   context.Background(),
	}
}

// SetLockManager installs the distributed lock used around entry when
// Config.DistributedLock is set.
func (e *Engine) SetLockManager(l domain.LockManager) {
	e.locks = l
}

// Restore seeds the registry from persisted positions, typically at startup.
// Non-terminal positions are picked up by the next reconciliation sweep.
func (e *Engine) Restore(positions []domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range positions {
		if p.State.Terminal() {
			continue
		}
		e.positions[p.Symbol] = &managedPosition{pos: p}
		e.logger.Info("position restored",
			slog.String("symbol", p.Symbol),
			slog.String("state", string(p.State)),
		)
	}
}

// ActiveSymbols returns the set of symbols holding a non-terminal position.
func (e *Engine) ActiveSymbols() map[string]bool {
	e.mu.Lock()
	mps := make([]*managedPosition, 0, len(e.positions))
	for _, mp := range e.positions {
		mps = append(mps, mp)
	}
	e.mu.Unlock()

	out := make(map[string]bool)
	for _, mp := range mps {
		if p := mp.snapshot(); !p.State.Terminal() {
			out[p.Symbol] = true
		}
	}
	return out
}

// Active returns snapshots of all non-terminal positions.
func (e *Engine) Active() []domain.Position {
	e.mu.Lock()
	mps := make([]*managedPosition, 0, len(e.positions))
	for _, mp := range e.positions {
		mps = append(mps, mp)
	}
	e.mu.Unlock()

	out := make([]domain.Position, 0, len(mps))
	for _, mp := range mps {
		if p := mp.snapshot(); !p.State.Terminal() {
			out = append(out, p)
		}
	}
	return out
}

// Get returns a snapshot of the tracked position for symbol.
func (e *Engine) Get(symbol string) (domain.Position, bool) {
	e.mu.Lock()
	mp, ok := e.positions[symbol]
	e.mu.Unlock()
	if !ok {
		return domain.Position{}, false
	}
	return mp.snapshot(), true
}

// Accept drives a signal through entry and protection synchronously. It
// returns ErrPositionActive when the symbol already holds a non-terminal
// position, and nil once the position reaches OPEN (or DEGRADED, which keeps
// exposure and recovers in the background).
func (e *Engine) Accept(ctx context.Context, sig domain.TradeSignal) error {
	if sig.Expired(e.now()) {
		return fmt.Errorf("engine: signal %s for %s expired", sig.ID, sig.Symbol)
	}
	if sig.SuggestedSize <= 0 {
		return fmt.Errorf("engine: signal %s for %s has no size: %w", sig.ID, sig.Symbol, domain.ErrRejected)
	}

	e.mu.Lock()
	if existing, ok := e.positions[sig.Symbol]; ok {
		if !existing.snapshot().State.Terminal() {
			e.mu.Unlock()
			return fmt.Errorf("engine: %s: %w", sig.Symbol, domain.ErrPositionActive)
		}
	}
	mp := &managedPosition{pos: domain.Position{
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		State:       domain.StatePendingEntry,
		Size:        sig.SuggestedSize,
		TriggerRate: sig.TriggerRate,
		SignalID:    sig.ID,
		EntryToken:  e.newToken(),
	}}
	e.positions[sig.Symbol] = mp
	e.mu.Unlock()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	e.persist(ctx, mp.pos)
	e.emit(ctx, domain.EventSignalAccepted, mp.pos, "")

	if e.cfg.DistributedLock && e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "entry:"+sig.Symbol, e.cfg.LockTTL)
		if err != nil {
			e.failEntry(ctx, mp, fmt.Errorf("entry lock: %w", err))
			return err
		}
		defer unlock()
	}

	entry, err := e.placeEntry(ctx, mp)
	if err != nil {
		if errors.Is(err, errEntryUnresolved) {
			// The order may still be live. Keep the slot reserved; the
			// sweep resolves it by token.
			metrics.RecordEntry("unresolved")
			e.logger.Warn("entry unresolved, left for reconciliation",
				slog.String("symbol", mp.pos.Symbol),
				slog.String("error", err.Error()),
			)
			return err
		}
		e.failEntry(ctx, mp, err)
		return err
	}

	mp.pos.EntryOrderID = entry.ID
	mp.pos.EntryPrice = entry.AvgFillPrice
	if entry.ExecutedSize > 0 {
		mp.pos.Size = entry.ExecutedSize
	}
	mp.pos.OpenedAt = e.now()
	e.persist(ctx, mp.pos)
	e.emit(ctx, domain.EventEntryFilled, mp.pos, "")
	metrics.RecordEntry("filled")

	e.logger.Info("entry filled",
		slog.String("symbol", mp.pos.Symbol),
		slog.String("direction", string(mp.pos.Direction)),
		slog.Float64("price", mp.pos.EntryPrice),
		slog.Float64("size", mp.pos.Size),
	)

	e.attachProtection(ctx, mp)
	return nil
}

// failEntry marks a pending position terminal without exposure. Caller holds
// mp.mu.
func (e *Engine) failEntry(ctx context.Context, mp *managedPosition, cause error) {
	e.transition(ctx, mp, domain.StateEntryFailed)
	e.emit(ctx, domain.EventEntryFailed, mp.pos, cause.Error())
	if errors.Is(cause, domain.ErrRejected) {
		metrics.RecordEntry("rejected")
	} else {
		metrics.RecordEntry("failed")
	}
	e.logger.Warn("entry failed",
		slog.String("symbol", mp.pos.Symbol),
		slog.String("error", cause.Error()),
	)
}

// placeEntry submits the market entry order under the bounded entry policy.
// A timed-out submission is an unknown outcome: the order is looked up by
// token before anything is resubmitted, so at most one entry ever exists per
// token. Caller holds mp.mu.
func (e *Engine) placeEntry(ctx context.Context, mp *managedPosition) (domain.Order, error) {
	pos := mp.pos
	pending := false

	for attempt := 1; ; attempt++ {
		delay, ok := e.cfg.EntryBackoff.Delay(attempt)
		if !ok {
			if pending {
				return domain.Order{}, fmt.Errorf("engine: entry for %s still unknown after %d attempts: %w",
					pos.Symbol, attempt-1, errEntryUnresolved)
			}
			return domain.Order{}, fmt.Errorf("engine: entry attempts exhausted for %s", pos.Symbol)
		}
		if err := sleep(ctx, delay); err != nil {
			return domain.Order{}, err
		}

		if pending {
			qctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
			ord, err := e.gateway.GetOrderByToken(qctx, pos.Symbol, pos.EntryToken)
			cancel()
			switch {
			case err == nil:
				return e.awaitFill(ctx, ord)
			case errors.Is(err, domain.ErrNotFound):
				// The submission never reached the exchange.
				pending = false
			case domain.Retryable(err) || errors.Is(err, context.DeadlineExceeded):
				continue
			default:
				return domain.Order{}, err
			}
		}

		octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		ord, err := e.gateway.PlaceMarketOrder(octx, domain.MarketOrderParams{
			Symbol:      pos.Symbol,
			Direction:   pos.Direction,
			Size:        pos.Size,
			ClientToken: pos.EntryToken,
		})
		cancel()
		switch {
		case err == nil:
			return e.awaitFill(ctx, ord)
		case errors.Is(err, context.DeadlineExceeded):
			e.logger.Warn("entry submission timed out, resolving by token",
				slog.String("symbol", pos.Symbol),
				slog.String("token", pos.EntryToken),
			)
			pending = true
		case domain.Retryable(err):
			e.logger.Warn("entry submission failed, retrying",
				slog.String("symbol", pos.Symbol),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		default:
			return domain.Order{}, err
		}
	}
}

// awaitFill polls the order until it fills or reaches another terminal state.
// A partial fill at the deadline is kept: the exposure is real and must be
// protected.
func (e *Engine) awaitFill(ctx context.Context, ord domain.Order) (domain.Order, error) {
	e.recordOrder(ctx, ord)
	deadline := e.now().Add(e.cfg.OrderTimeout)

	for {
		switch ord.Status {
		case domain.OrderStatusFilled:
			e.recordOrder(ctx, ord)
			return ord, nil
		case domain.OrderStatusCanceled, domain.OrderStatusRejected, domain.OrderStatusExpired:
			e.recordOrder(ctx, ord)
			return domain.Order{}, fmt.Errorf("engine: entry order %s ended %s: %w",
				ord.ID, ord.Status, domain.ErrRejected)
		}

		if e.now().After(deadline) {
			if ord.ExecutedSize > 0 {
				e.recordOrder(ctx, ord)
				return ord, nil
			}
			return e.abandonUnfilledEntry(ctx, ord)
		}
		if err := sleep(ctx, fillPollInterval); err != nil {
			return domain.Order{}, err
		}

		refreshed, err := e.gateway.GetOrder(ctx, ord.Symbol, ord.ID)
		if err != nil {
			if domain.Retryable(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return domain.Order{}, err
		}
		ord = refreshed
	}
}

// abandonUnfilledEntry cancels an entry order that reached the fill deadline
// with nothing executed. The cancel races the fill, so the order is
// re-queried afterwards: a fill that slipped in is kept, a confirmed cancel
// fails the entry cleanly, and anything less leaves the outcome to the
// reconciliation sweep.
func (e *Engine) abandonUnfilledEntry(ctx context.Context, ord domain.Order) (domain.Order, error) {
	if !e.cancelConfirmed(ctx, ord.Symbol, ord.ID) {
		return domain.Order{}, fmt.Errorf("engine: entry order %s unfilled at deadline, cancel unconfirmed: %w",
			ord.ID, errEntryUnresolved)
	}

	qctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	refreshed, err := e.gateway.GetOrder(qctx, ord.Symbol, ord.ID)
	cancel()
	switch {
	case err == nil && (refreshed.Status == domain.OrderStatusFilled || refreshed.ExecutedSize > 0):
		e.recordOrder(ctx, refreshed)
		return refreshed, nil
	case err == nil:
		e.recordOrder(ctx, refreshed)
		return domain.Order{}, fmt.Errorf("engine: entry order %s canceled unfilled at deadline: %w",
			ord.ID, domain.ErrTransient)
	case errors.Is(err, domain.ErrNotFound):
		return domain.Order{}, fmt.Errorf("engine: entry order %s canceled unfilled at deadline: %w",
			ord.ID, domain.ErrTransient)
	default:
		return domain.Order{}, fmt.Errorf("engine: entry order %s canceled but final state unknown: %w",
			ord.ID, errEntryUnresolved)
	}
}

// protectivePrices computes the raw stop and take-profit trigger prices from
// the entry fill. The take-profit offset scales with the funding rate that
// produced the signal; the stop-loss offset is fixed.
func (e *Engine) protectivePrices(pos domain.Position) (stop, takeProfit float64) {
	slPct := e.cfg.StopLossPct
	tpPct := pos.TriggerRate
	if tpPct < 0 {
		tpPct = -tpPct
	}
	tpPct = tpPct*100 + e.cfg.TakeProfitBufferPct

	if pos.Direction == domain.DirectionLong {
		stop = pos.EntryPrice * (1 - slPct/100)
		takeProfit = pos.EntryPrice * (1 + tpPct/100)
	} else {
		stop = pos.EntryPrice * (1 + slPct/100)
		takeProfit = pos.EntryPrice * (1 - tpPct/100)
	}
	return stop, takeProfit
}

// attachProtection places both protective legs. Full coverage moves the
// position to OPEN; anything less moves it to DEGRADED and starts the
// background recovery loop. Caller holds mp.mu.
func (e *Engine) attachProtection(ctx context.Context, mp *managedPosition) {
	if e.placeProtectiveLegs(ctx, mp) {
		e.transition(ctx, mp, domain.StateOpen)
		return
	}
	e.transition(ctx, mp, domain.StateDegraded)
	e.emit(ctx, domain.EventProtectionDegraded, mp.pos, "protective order placement failed")
	e.spawnDegradedLoop(mp)
}

// placeProtectiveLegs attempts each missing leg once and reports whether both
// are attached afterwards. Caller holds mp.mu.
func (e *Engine) placeProtectiveLegs(ctx context.Context, mp *managedPosition) bool {
	stop, takeProfit := e.protectivePrices(mp.pos)

	if mp.pos.StopOrderID == "" {
		if ord, err := e.placeLeg(ctx, mp.pos, domain.OrderKindStopLoss, stop); err == nil {
			mp.pos.StopPrice = stop
			mp.pos.StopOrderID = ord.ID
			e.recordOrder(ctx, ord)
		} else {
			e.logger.Warn("stop-loss placement failed",
				slog.String("symbol", mp.pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	if mp.pos.TakeProfitOrderID == "" {
		if ord, err := e.placeLeg(ctx, mp.pos, domain.OrderKindTakeProfit, takeProfit); err == nil {
			mp.pos.TakeProfitPrice = takeProfit
			mp.pos.TakeProfitOrderID = ord.ID
			e.recordOrder(ctx, ord)
		} else {
			e.logger.Warn("take-profit placement failed",
				slog.String("symbol", mp.pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}

	e.persist(ctx, mp.pos)
	return mp.pos.Protected()
}

// placeLeg submits one protective order. The leg token is derived from the
// entry token, so a timed-out submission resolves to the same order on the
// next attempt.
func (e *Engine) placeLeg(ctx context.Context, pos domain.Position, kind domain.OrderKind, trigger float64) (domain.Order, error) {
	token := pos.EntryToken + stopTokenSuffix
	if kind == domain.OrderKindTakeProfit {
		token = pos.EntryToken + tpTokenSuffix
	}

	octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	ord, err := e.gateway.PlaceConditionalOrder(octx, domain.ConditionalOrderParams{
		Symbol:       pos.Symbol,
		Kind:         kind,
		Direction:    pos.Direction.Opposite(),
		TriggerPrice: trigger,
		Size:         pos.Size,
		ClientToken:  token,
	})
	cancel()
	if err == nil {
		return ord, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return domain.Order{}, err
	}

	// Unknown outcome; look the order up by token before reporting failure.
	qctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	ord, qerr := e.gateway.GetOrderByToken(qctx, pos.Symbol, token)
	cancel()
	if qerr == nil {
		return ord, nil
	}
	return domain.Order{}, fmt.Errorf("engine: %s leg for %s unresolved: %w", kind, pos.Symbol, domain.ErrTransient)
}

// spawnDegradedLoop starts the background recovery loop for a degraded
// position. The loop retries under the unbounded protection policy and emits
// a degraded alert on every failed cycle. Caller holds mp.mu.
func (e *Engine) spawnDegradedLoop(mp *managedPosition) {
	if mp.degradedActive {
		return
	}
	mp.degradedActive = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for attempt := 1; ; attempt++ {
			// Re-read every cycle: a loop spawned before Run installs the
			// run context would otherwise never observe shutdown.
			e.mu.Lock()
			ctx := e.baseCtx
			e.mu.Unlock()

			delay, _ := e.cfg.ProtectionBackoff.Delay(attempt)
			if err := sleep(ctx, delay); err != nil {
				return
			}

			mp.mu.Lock()
			if mp.pos.State != domain.StateDegraded {
				mp.degradedActive = false
				mp.mu.Unlock()
				return
			}
			if e.placeProtectiveLegs(ctx, mp) {
				e.transition(ctx, mp, domain.StateOpen)
				e.emit(ctx, domain.EventProtectionRestored, mp.pos, "")
				e.logger.Info("protection restored", slog.String("symbol", mp.pos.Symbol))
				mp.degradedActive = false
				mp.mu.Unlock()
				return
			}
			e.emit(ctx, domain.EventProtectionDegraded, mp.pos,
				fmt.Sprintf("recovery attempt %d failed", attempt))
			metrics.DegradedCycles.Inc()
			mp.mu.Unlock()
		}
	}()
}

// OnOrderUpdate routes exchange push notifications into the state machine.
// Only protective fills matter here; everything else is recorded and left to
// the owning flow or the sweep.
func (e *Engine) OnOrderUpdate(update domain.OrderUpdate) {
	e.mu.Lock()
	mp, ok := e.positions[update.Symbol]
	ctx := e.baseCtx
	e.mu.Unlock()
	if !ok || update.Status != domain.OrderStatusFilled {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		mp.mu.Lock()
		defer mp.mu.Unlock()

		if !mp.pos.State.HasExposure() || mp.pos.State == domain.StateClosing {
			return
		}
		switch update.OrderID {
		case mp.pos.StopOrderID:
			e.beginCloseLocked(ctx, mp, domain.CloseReasonStopLoss, update.AvgFillPrice)
		case mp.pos.TakeProfitOrderID:
			e.beginCloseLocked(ctx, mp, domain.CloseReasonTakeProfit, update.AvgFillPrice)
		}
	}()
}

// beginCloseLocked moves an exposed position into CLOSING and cancels the
// sibling protective order. CLOSED is reached only after the cancel outcome
// is confirmed; otherwise the position stays CLOSING for the sweep to finish.
// Caller holds mp.mu.
func (e *Engine) beginCloseLocked(ctx context.Context, mp *managedPosition, reason domain.CloseReason, exitPrice float64) {
	if !e.transition(ctx, mp, domain.StateClosing) {
		return
	}
	mp.pos.ClosedBy = reason
	mp.pos.ExitPrice = exitPrice
	e.persist(ctx, mp.pos)

	if e.cancelRemainingLegs(ctx, mp) {
		e.finishCloseLocked(ctx, mp)
	} else {
		e.logger.Warn("sibling cancel unconfirmed, position stays closing",
			slog.String("symbol", mp.pos.Symbol),
		)
	}
}

// cancelRemainingLegs cancels whichever protective orders are still tracked,
// except the one that produced the close. Returns true when every remaining
// leg has a confirmed terminal outcome. Caller holds mp.mu.
func (e *Engine) cancelRemainingLegs(ctx context.Context, mp *managedPosition) bool {
	allDone := true
	for _, leg := range []struct {
		id     *string
		reason domain.CloseReason
	}{
		{&mp.pos.StopOrderID, domain.CloseReasonStopLoss},
		{&mp.pos.TakeProfitOrderID, domain.CloseReasonTakeProfit},
	} {
		if *leg.id == "" || leg.reason == mp.pos.ClosedBy {
			continue
		}
		if e.cancelConfirmed(ctx, mp.pos.Symbol, *leg.id) {
			*leg.id = ""
		} else {
			allDone = false
		}
	}
	return allDone
}

// cancelConfirmed cancels one order under the bounded cancel policy and
// reports whether a terminal outcome was confirmed.
func (e *Engine) cancelConfirmed(ctx context.Context, symbol, orderID string) bool {
	for attempt := 1; ; attempt++ {
		delay, ok := e.cfg.CancelBackoff.Delay(attempt)
		if !ok {
			return false
		}
		if err := sleep(ctx, delay); err != nil {
			return false
		}

		cctx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		status, err := e.gateway.CancelOrder(cctx, symbol, orderID)
		cancel()
		if err == nil {
			_ = status // canceled, already terminal, and not found all settle the leg
			return true
		}
		if !domain.Retryable(err) && !errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("cancel failed hard",
				slog.String("symbol", symbol),
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			return false
		}
	}
}

// finishCloseLocked completes the transition to CLOSED. Caller holds mp.mu.
func (e *Engine) finishCloseLocked(ctx context.Context, mp *managedPosition) {
	if !e.transition(ctx, mp, domain.StateClosed) {
		return
	}
	now := e.now()
	mp.pos.ClosedAt = &now
	e.persist(ctx, mp.pos)
	e.emit(ctx, domain.EventPositionClosed, mp.pos, string(mp.pos.ClosedBy))
	metrics.RecordClose(string(mp.pos.ClosedBy))

	e.logger.Info("position closed",
		slog.String("symbol", mp.pos.Symbol),
		slog.String("reason", string(mp.pos.ClosedBy)),
		slog.Float64("exit_price", mp.pos.ExitPrice),
	)
}

// ForceClose cancels both protective orders and flattens the position with a
// reduce-only market order.
func (e *Engine) ForceClose(ctx context.Context, symbol string) error {
	e.mu.Lock()
	mp, ok := e.positions[symbol]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: %s: %w", symbol, domain.ErrNotFound)
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if !mp.pos.State.HasExposure() {
		return fmt.Errorf("engine: %s holds no exposure (state %s): %w",
			symbol, mp.pos.State, domain.ErrNotFound)
	}
	if mp.pos.State == domain.StateClosing {
		return fmt.Errorf("engine: %s already closing", symbol)
	}

	if !e.transition(ctx, mp, domain.StateClosing) {
		return fmt.Errorf("engine: %s cannot close from %s", symbol, mp.pos.State)
	}
	mp.pos.ClosedBy = domain.CloseReasonManual
	e.persist(ctx, mp.pos)

	if !e.cancelRemainingLegs(ctx, mp) {
		return fmt.Errorf("engine: %s: protective cancels unconfirmed, sweep will finish: %w",
			symbol, domain.ErrTransient)
	}

	if err := e.placeExitLocked(ctx, mp); err != nil {
		return err
	}
	e.finishCloseLocked(ctx, mp)
	return nil
}

// placeExitLocked submits the reduce-only market exit and waits for the fill.
// The exit token derives from the entry token so a retried close resolves to
// the same order. Caller holds mp.mu.
func (e *Engine) placeExitLocked(ctx context.Context, mp *managedPosition) error {
	token := mp.pos.EntryToken + exitTokenSuffix

	octx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
	ord, err := e.gateway.PlaceMarketOrder(octx, domain.MarketOrderParams{
		Symbol:      mp.pos.Symbol,
		Direction:   mp.pos.Direction.Opposite(),
		Size:        mp.pos.Size,
		ReduceOnly:  true,
		ClientToken: token,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			qctx, qcancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
			ord, err = e.gateway.GetOrderByToken(qctx, mp.pos.Symbol, token)
			qcancel()
		}
		if err != nil {
			return fmt.Errorf("engine: exit order for %s: %w", mp.pos.Symbol, err)
		}
	}

	filled, err := e.awaitFill(ctx, ord)
	if err != nil {
		return fmt.Errorf("engine: exit fill for %s: %w", mp.pos.Symbol, err)
	}
	mp.pos.ExitPrice = filled.AvgFillPrice
	return nil
}

// Run drives the periodic reconciliation sweep until ctx is canceled, then
// waits for background loops to drain.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	e.logger.Info("engine started",
		slog.Duration("reconcile_interval", e.cfg.ReconcileInterval),
	)

	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("reconciliation sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// transition applies a state change, enforcing the transition table. Caller
// holds mp.mu.
func (e *Engine) transition(ctx context.Context, mp *managedPosition, to domain.PositionState) bool {
	from := mp.pos.State
	if !domain.CanTransition(from, to) {
		e.logger.Error("illegal state transition",
			slog.String("symbol", mp.pos.Symbol),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
		)
		return false
	}
	mp.pos.State = to
	e.persist(ctx, mp.pos)
	e.logger.Debug("state transition",
		slog.String("symbol", mp.pos.Symbol),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return true
}

func (e *Engine) persist(ctx context.Context, pos domain.Position) {
	if err := e.recorder.SavePosition(ctx, pos); err != nil {
		e.logger.Error("persist position failed",
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) recordOrder(ctx context.Context, ord domain.Order) {
	if err := e.recorder.SaveOrder(ctx, ord); err != nil {
		e.logger.Error("persist order failed",
			slog.String("order_id", ord.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) emit(ctx context.Context, typ domain.EventType, pos domain.Position, reason string) {
	ev := domain.LifecycleEvent{
		Type:     typ,
		Symbol:   pos.Symbol,
		Position: pos,
		Reason:   reason,
		At:       e.now(),
	}
	if err := e.recorder.PublishEvent(ctx, ev); err != nil {
		e.logger.Warn("event publish failed",
			slog.String("event", string(typ)),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
