package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// stubGateway is a scripted exchange. Each hook can be overridden per test;
// the defaults fill market orders immediately and accept conditional orders.
type stubGateway struct {
	mu          sync.Mutex
	marketCalls []domain.MarketOrderParams
	condCalls   []domain.ConditionalOrderParams
	cancelCalls []string

	placeMarket func(p domain.MarketOrderParams) (domain.Order, error)
	placeCond   func(p domain.ConditionalOrderParams) (domain.Order, error)
	cancel      func(symbol, orderID string) (domain.CancelStatus, error)
	getOrder    func(symbol, orderID string) (domain.Order, error)
	getByToken  func(symbol, token string) (domain.Order, error)
}

func newStubGateway() *stubGateway {
	return &stubGateway{
		placeMarket: func(p domain.MarketOrderParams) (domain.Order, error) {
			return filledMarketOrder(p), nil
		},
		placeCond: func(p domain.ConditionalOrderParams) (domain.Order, error) {
			return domain.Order{
				ID:           "ord-" + p.ClientToken,
				ClientToken:  p.ClientToken,
				Symbol:       p.Symbol,
				Kind:         p.Kind,
				Direction:    p.Direction,
				Status:       domain.OrderStatusPending,
				Size:         p.Size,
				TriggerPrice: p.TriggerPrice,
			}, nil
		},
		cancel: func(symbol, orderID string) (domain.CancelStatus, error) {
			return domain.CancelStatusCanceled, nil
		},
		getOrder: func(symbol, orderID string) (domain.Order, error) {
			return domain.Order{}, domain.ErrNotFound
		},
		getByToken: func(symbol, token string) (domain.Order, error) {
			return domain.Order{}, domain.ErrNotFound
		},
	}
}

func filledMarketOrder(p domain.MarketOrderParams) domain.Order {
	return domain.Order{
		ID:           "ord-" + p.ClientToken,
		ClientToken:  p.ClientToken,
		Symbol:       p.Symbol,
		Kind:         domain.OrderKindEntry,
		Direction:    p.Direction,
		Status:       domain.OrderStatusFilled,
		Size:         p.Size,
		AvgFillPrice: 100,
		ExecutedSize: p.Size,
	}
}

func (g *stubGateway) PlaceMarketOrder(ctx context.Context, p domain.MarketOrderParams) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marketCalls = append(g.marketCalls, p)
	return g.placeMarket(p)
}

func (g *stubGateway) PlaceConditionalOrder(ctx context.Context, p domain.ConditionalOrderParams) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.condCalls = append(g.condCalls, p)
	return g.placeCond(p)
}

func (g *stubGateway) CancelOrder(ctx context.Context, symbol, orderID string) (domain.CancelStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls = append(g.cancelCalls, orderID)
	return g.cancel(symbol, orderID)
}

func (g *stubGateway) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrder(symbol, orderID)
}

func (g *stubGateway) GetOrderByToken(ctx context.Context, symbol, token string) (domain.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getByToken(symbol, token)
}

func (g *stubGateway) markets() []domain.MarketOrderParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.MarketOrderParams(nil), g.marketCalls...)
}

func (g *stubGateway) conditionals() []domain.ConditionalOrderParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ConditionalOrderParams(nil), g.condCalls...)
}

func (g *stubGateway) canceled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelCalls...)
}

// memRecorder captures everything the engine persists and emits.
type memRecorder struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (r *memRecorder) SavePosition(ctx context.Context, pos domain.Position) error { return nil }
func (r *memRecorder) SaveOrder(ctx context.Context, ord domain.Order) error       { return nil }

func (r *memRecorder) PublishEvent(ctx context.Context, ev domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRecorder) count(typ domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, gw *stubGateway, rec *memRecorder) *Engine {
	t.Helper()
	e := New(Config{
		OrderTimeout:        time.Second,
		ReconcileInterval:   time.Hour,
		EntryBackoff:        BackoffPolicy{Base: time.Millisecond, MaxAttempts: 3},
		ProtectionBackoff:   BackoffPolicy{Base: time.Millisecond, Ceiling: 4 * time.Millisecond},
		CancelBackoff:       BackoffPolicy{Base: time.Millisecond, MaxAttempts: 2},
		StopLossPct:         2,
		TakeProfitBufferPct: 0.1,
	}, gw, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	seq := 0
	e.newToken = func() string {
		seq++
		return fmt.Sprintf("tok-%d", seq)
	}
	return e
}

func shortSignal() domain.TradeSignal {
	return domain.TradeSignal{
		ID:            "sig-1",
		Symbol:        "BTCUSDT",
		Direction:     domain.DirectionShort,
		TriggerRate:   0.012,
		SuggestedSize: 0.5,
		MarkPrice:     100,
	}
}

func waitForState(t *testing.T, e *Engine, symbol string, want domain.PositionState) domain.Position {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pos, ok := e.Get(symbol); ok && pos.State == want {
			return pos
		}
		time.Sleep(5 * time.Millisecond)
	}
	pos, _ := e.Get(symbol)
	t.Fatalf("position %s never reached %s, last state %s", symbol, want, pos.State)
	return domain.Position{}
}

func approx(t *testing.T, got, want float64, what string) {
	t.Helper()
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff > 1e-9 {
		t.Errorf("%s = %v, want %v", what, got, want)
	}
}

// fastClock makes every clock reading jump a minute forward so fill
// deadlines lapse without real waiting.
func fastClock(e *Engine) {
	var mu sync.Mutex
	base := time.Now()
	n := 0
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Minute)
	}
}

func pendingEntryOrder(p domain.MarketOrderParams) domain.Order {
	return domain.Order{
		ID:          "ord-" + p.ClientToken,
		ClientToken: p.ClientToken,
		Symbol:      p.Symbol,
		Kind:        domain.OrderKindEntry,
		Direction:   p.Direction,
		Status:      domain.OrderStatusPending,
		Size:        p.Size,
	}
}

func TestAcceptOpensProtectedPosition(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)

	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	pos, ok := e.Get("BTCUSDT")
	if !ok {
		t.Fatal("position not tracked after Accept")
	}
	if pos.State != domain.StateOpen {
		t.Fatalf("state = %s, want %s", pos.State, domain.StateOpen)
	}
	if !pos.Protected() {
		t.Fatalf("position not protected: stop=%q tp=%q", pos.StopOrderID, pos.TakeProfitOrderID)
	}
	if pos.EntryPrice != 100 || pos.Size != 0.5 {
		t.Errorf("entry price/size = %v/%v, want 100/0.5", pos.EntryPrice, pos.Size)
	}

	// Short at 100, stop 2% adverse, take-profit offset |0.012|*100+0.1 = 1.3%.
	approx(t, pos.StopPrice, 102, "stop price")
	approx(t, pos.TakeProfitPrice, 98.7, "take-profit price")

	markets := gw.markets()
	if len(markets) != 1 {
		t.Fatalf("market orders = %d, want 1", len(markets))
	}
	if markets[0].ClientToken != "tok-1" || markets[0].ReduceOnly {
		t.Errorf("entry params = %+v", markets[0])
	}

	conds := gw.conditionals()
	if len(conds) != 2 {
		t.Fatalf("conditional orders = %d, want 2", len(conds))
	}
	for _, c := range conds {
		if c.Direction != domain.DirectionLong {
			t.Errorf("%s leg direction = %s, want long", c.Kind, c.Direction)
		}
	}
	if conds[0].ClientToken != "tok-1-sl" || conds[1].ClientToken != "tok-1-tp" {
		t.Errorf("leg tokens = %q, %q", conds[0].ClientToken, conds[1].ClientToken)
	}

	if rec.count(domain.EventSignalAccepted) != 1 || rec.count(domain.EventEntryFilled) != 1 {
		t.Error("expected one accepted and one filled event")
	}
	if rec.count(domain.EventProtectionDegraded) != 0 {
		t.Error("unexpected degraded event on the happy path")
	}
}

func TestAcceptRejectsSecondSignalForSymbol(t *testing.T) {
	gw := newStubGateway()
	e := newTestEngine(t, gw, &memRecorder{})
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("first Accept: %v", err)
	}
	err := e.Accept(ctx, shortSignal())
	if !errors.Is(err, domain.ErrPositionActive) {
		t.Fatalf("second Accept = %v, want ErrPositionActive", err)
	}
	if got := len(gw.markets()); got != 1 {
		t.Errorf("market orders = %d, want 1", got)
	}
}

func TestAcceptExpiredSignal(t *testing.T) {
	e := newTestEngine(t, newStubGateway(), &memRecorder{})

	sig := shortSignal()
	sig.ExpiresAt = time.Now().Add(-time.Minute)
	if err := e.Accept(context.Background(), sig); err == nil {
		t.Fatal("expected error for expired signal")
	}
	if _, ok := e.Get(sig.Symbol); ok {
		t.Error("expired signal must not occupy the symbol slot")
	}
}

func TestAcceptEntryRejected(t *testing.T) {
	gw := newStubGateway()
	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return domain.Order{}, fmt.Errorf("margin insufficient: %w", domain.ErrRejected)
	}
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)

	err := e.Accept(context.Background(), shortSignal())
	if !errors.Is(err, domain.ErrRejected) {
		t.Fatalf("Accept = %v, want ErrRejected", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateEntryFailed {
		t.Errorf("state = %s, want %s", pos.State, domain.StateEntryFailed)
	}
	if len(gw.conditionals()) != 0 {
		t.Error("no protective orders may be placed without a fill")
	}
	if rec.count(domain.EventEntryFailed) != 1 {
		t.Error("expected one entry_failed event")
	}
}

func TestEntryTimeoutResolvedByToken(t *testing.T) {
	gw := newStubGateway()
	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return domain.Order{}, context.DeadlineExceeded
	}
	gw.getByToken = func(symbol, token string) (domain.Order, error) {
		return filledMarketOrder(domain.MarketOrderParams{
			Symbol:      symbol,
			Direction:   domain.DirectionShort,
			Size:        0.5,
			ClientToken: token,
		}), nil
	}
	e := newTestEngine(t, gw, &memRecorder{})

	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	pos := waitForState(t, e, "BTCUSDT", domain.StateOpen)
	if pos.EntryOrderID != "ord-tok-1" {
		t.Errorf("entry order id = %q, want ord-tok-1", pos.EntryOrderID)
	}
	// The timed-out submission must be resolved, never resubmitted.
	if got := len(gw.markets()); got != 1 {
		t.Errorf("market submissions = %d, want 1", got)
	}
}

func TestAcceptEntryAttemptsExhausted(t *testing.T) {
	gw := newStubGateway()
	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return domain.Order{}, fmt.Errorf("exchange flapping: %w", domain.ErrTransient)
	}
	e := newTestEngine(t, gw, &memRecorder{})

	if err := e.Accept(context.Background(), shortSignal()); err == nil {
		t.Fatal("expected error after exhausting entry attempts")
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateEntryFailed {
		t.Errorf("state = %s, want %s", pos.State, domain.StateEntryFailed)
	}
	if got := len(gw.markets()); got != 3 {
		t.Errorf("market submissions = %d, want 3", got)
	}
}

func TestProtectionFailureDegradesThenRecovers(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	failing := 2 // both legs fail once, then placement works
	inner := gw.placeCond
	gw.placeCond = func(p domain.ConditionalOrderParams) (domain.Order, error) {
		if failing > 0 {
			failing--
			return domain.Order{}, fmt.Errorf("placement throttled: %w", domain.ErrTransient)
		}
		return inner(p)
	}
	e := newTestEngine(t, gw, rec)

	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	pos := waitForState(t, e, "BTCUSDT", domain.StateOpen)
	if !pos.Protected() {
		t.Fatal("recovered position must carry both legs")
	}
	if rec.count(domain.EventProtectionDegraded) == 0 {
		t.Error("expected at least one degraded event")
	}
	if rec.count(domain.EventProtectionRestored) != 1 {
		t.Error("expected exactly one restored event")
	}
}

func TestStopFillClosesPosition(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	open, _ := e.Get("BTCUSDT")

	e.OnOrderUpdate(domain.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      open.StopOrderID,
		Status:       domain.OrderStatusFilled,
		AvgFillPrice: 103,
	})
	e.wg.Wait()

	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateClosed {
		t.Fatalf("state = %s, want %s", pos.State, domain.StateClosed)
	}
	if pos.ClosedBy != domain.CloseReasonStopLoss || pos.ExitPrice != 103 {
		t.Errorf("closed by %s at %v, want stop_loss at 103", pos.ClosedBy, pos.ExitPrice)
	}
	if pos.ClosedAt == nil {
		t.Error("ClosedAt not set")
	}
	canceled := gw.canceled()
	if len(canceled) != 1 || canceled[0] != open.TakeProfitOrderID {
		t.Errorf("cancels = %v, want the sibling take-profit only", canceled)
	}
	if rec.count(domain.EventPositionClosed) != 1 {
		t.Error("expected one position_closed event")
	}
}

func TestTakeProfitFillClosesPosition(t *testing.T) {
	gw := newStubGateway()
	e := newTestEngine(t, gw, &memRecorder{})
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	open, _ := e.Get("BTCUSDT")

	e.OnOrderUpdate(domain.OrderUpdate{
		Symbol:       "BTCUSDT",
		OrderID:      open.TakeProfitOrderID,
		Status:       domain.OrderStatusFilled,
		AvgFillPrice: 98.7,
	})
	e.wg.Wait()

	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateClosed || pos.ClosedBy != domain.CloseReasonTakeProfit {
		t.Fatalf("state/reason = %s/%s, want closed/take_profit", pos.State, pos.ClosedBy)
	}
}

func TestOrderUpdateIgnoresUnrelatedOrders(t *testing.T) {
	gw := newStubGateway()
	e := newTestEngine(t, gw, &memRecorder{})

	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	e.OnOrderUpdate(domain.OrderUpdate{
		Symbol:  "BTCUSDT",
		OrderID: "someone-else",
		Status:  domain.OrderStatusFilled,
	})
	e.OnOrderUpdate(domain.OrderUpdate{
		Symbol:  "ETHUSDT",
		OrderID: "untracked-symbol",
		Status:  domain.OrderStatusFilled,
	})
	e.wg.Wait()

	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateOpen {
		t.Errorf("state = %s, want open", pos.State)
	}
}

func TestForceCloseFlattensPosition(t *testing.T) {
	gw := newStubGateway()
	e := newTestEngine(t, gw, &memRecorder{})
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := e.ForceClose(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("ForceClose: %v", err)
	}

	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateClosed || pos.ClosedBy != domain.CloseReasonManual {
		t.Fatalf("state/reason = %s/%s, want closed/manual", pos.State, pos.ClosedBy)
	}
	if got := len(gw.canceled()); got != 2 {
		t.Errorf("cancels = %d, want both protective legs", got)
	}

	markets := gw.markets()
	if len(markets) != 2 {
		t.Fatalf("market orders = %d, want entry plus exit", len(markets))
	}
	exit := markets[1]
	if !exit.ReduceOnly || exit.ClientToken != "tok-1-x" || exit.Direction != domain.DirectionLong {
		t.Errorf("exit params = %+v", exit)
	}
	if pos.ExitPrice != 100 {
		t.Errorf("exit price = %v, want 100", pos.ExitPrice)
	}
}

func TestForceCloseUnknownSymbol(t *testing.T) {
	e := newTestEngine(t, newStubGateway(), &memRecorder{})
	if err := e.ForceClose(context.Background(), "DOGEUSDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ForceClose = %v, want ErrNotFound", err)
	}
}

func TestForceCloseUnconfirmedCancelStaysClosing(t *testing.T) {
	gw := newStubGateway()
	gw.cancel = func(symbol, orderID string) (domain.CancelStatus, error) {
		return "", fmt.Errorf("cancel refused: %w", domain.ErrRejected)
	}
	e := newTestEngine(t, gw, &memRecorder{})
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	err := e.ForceClose(ctx, "BTCUSDT")
	if !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("ForceClose = %v, want ErrTransient", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateClosing {
		t.Errorf("state = %s, want closing (sweep finishes it)", pos.State)
	}
}

func TestReconcileRecoversPendingEntry(t *testing.T) {
	gw := newStubGateway()
	gw.getByToken = func(symbol, token string) (domain.Order, error) {
		return domain.Order{
			ID:           "ord-restored",
			ClientToken:  token,
			Symbol:       symbol,
			Status:       domain.OrderStatusFilled,
			AvgFillPrice: 2000,
			ExecutedSize: 1,
		}, nil
	}
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)

	e.Restore([]domain.Position{{
		Symbol:      "ETHUSDT",
		Direction:   domain.DirectionLong,
		State:       domain.StatePendingEntry,
		Size:        1,
		TriggerRate: -0.015,
		EntryToken:  "tok-restored",
	}})

	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos, _ := e.Get("ETHUSDT")
	if pos.State != domain.StateOpen {
		t.Fatalf("state = %s, want open", pos.State)
	}
	if pos.EntryPrice != 2000 || !pos.Protected() {
		t.Errorf("recovered position = %+v", pos)
	}
	if rec.count(domain.EventReconciliation) == 0 {
		t.Error("expected a reconciliation correction event")
	}
}

func TestReconcileFailsEntryNeverSubmitted(t *testing.T) {
	gw := newStubGateway() // getByToken defaults to ErrNotFound
	e := newTestEngine(t, gw, &memRecorder{})

	e.Restore([]domain.Position{{
		Symbol:     "ETHUSDT",
		Direction:  domain.DirectionLong,
		State:      domain.StatePendingEntry,
		Size:       1,
		EntryToken: "tok-ghost",
	}})

	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos, _ := e.Get("ETHUSDT")
	if pos.State != domain.StateEntryFailed {
		t.Errorf("state = %s, want entry_failed", pos.State)
	}
}

func TestReconcileDetectsProtectiveFill(t *testing.T) {
	gw := newStubGateway()
	e := newTestEngine(t, gw, &memRecorder{})
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	open, _ := e.Get("BTCUSDT")

	// The stream missed the stop fill; the sweep must observe it.
	gw.mu.Lock()
	gw.getOrder = func(symbol, orderID string) (domain.Order, error) {
		status := domain.OrderStatusPending
		price := 0.0
		if orderID == open.StopOrderID {
			status = domain.OrderStatusFilled
			price = 104
		}
		return domain.Order{ID: orderID, Symbol: symbol, Status: status, AvgFillPrice: price}, nil
	}
	gw.mu.Unlock()

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateClosed || pos.ClosedBy != domain.CloseReasonStopLoss {
		t.Fatalf("state/reason = %s/%s, want closed/stop_loss", pos.State, pos.ClosedBy)
	}
	if pos.ExitPrice != 104 {
		t.Errorf("exit price = %v, want 104", pos.ExitPrice)
	}
}

func TestReconcileDegradesOnVanishedLeg(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	ctx := context.Background()

	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	open, _ := e.Get("BTCUSDT")

	gw.mu.Lock()
	gw.getOrder = func(symbol, orderID string) (domain.Order, error) {
		if orderID == open.TakeProfitOrderID {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{ID: orderID, Symbol: symbol, Status: domain.OrderStatusPending}, nil
	}
	gw.mu.Unlock()

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// The recovery loop replaces the missing leg in the background.
	pos := waitForState(t, e, "BTCUSDT", domain.StateOpen)
	if !pos.Protected() {
		t.Fatal("recovered position must carry both legs")
	}
	if rec.count(domain.EventProtectionDegraded) == 0 {
		t.Error("expected a degraded event for the vanished leg")
	}
}

func TestReconcileWaitsForInFlightEntry(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)

	gate := make(chan struct{})
	entered := make(chan struct{})
	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		close(entered)
		<-gate
		return filledMarketOrder(p), nil
	}
	gw.getOrder = func(symbol, orderID string) (domain.Order, error) {
		return domain.Order{ID: orderID, Symbol: symbol, Status: domain.OrderStatusPending}, nil
	}

	acceptDone := make(chan error, 1)
	go func() { acceptDone <- e.Accept(context.Background(), shortSignal()) }()
	<-entered

	sweepDone := make(chan error, 1)
	go func() { sweepDone <- e.Reconcile(context.Background()) }()

	// The sweep holds the same per-symbol lock as the entry flow, so it
	// cannot settle the position while the submission is mid-flight.
	select {
	case err := <-sweepDone:
		t.Fatalf("sweep finished while entry was in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	if err := <-acceptDone; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := <-sweepDone; err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	pos, ok := e.Get("BTCUSDT")
	if !ok || pos.State != domain.StateOpen {
		t.Fatalf("state = %v, want open", pos.State)
	}
	if got := len(gw.markets()); got != 1 {
		t.Fatalf("market submissions = %d, want 1", got)
	}
	if rec.count(domain.EventReconciliation) != 0 {
		t.Error("sweep emitted a correction for a healthy position")
	}
	if rec.count(domain.EventEntryFailed) != 0 {
		t.Error("sweep failed an entry that was still in flight")
	}
}

func TestEntryDeadlineCancelsUnfilledOrder(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	fastClock(e)
	ctx := context.Background()

	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return pendingEntryOrder(p), nil
	}
	gw.getOrder = func(symbol, orderID string) (domain.Order, error) {
		return domain.Order{ID: orderID, Symbol: symbol, Kind: domain.OrderKindEntry,
			Status: domain.OrderStatusCanceled}, nil
	}

	if err := e.Accept(ctx, shortSignal()); err == nil {
		t.Fatal("expected an error for an entry that never filled")
	}
	if got := gw.canceled(); len(got) != 1 || got[0] != "ord-tok-1" {
		t.Fatalf("cancels = %v, want the abandoned entry order", got)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateEntryFailed {
		t.Fatalf("state = %v, want entry_failed", pos.State)
	}

	// The slot is only free because the order is confirmed gone; a fresh
	// signal may now enter.
	gw.mu.Lock()
	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return filledMarketOrder(p), nil
	}
	gw.mu.Unlock()
	if err := e.Accept(ctx, shortSignal()); err != nil {
		t.Fatalf("Accept after confirmed cancel: %v", err)
	}
	pos, _ = e.Get("BTCUSDT")
	if pos.State != domain.StateOpen {
		t.Fatalf("state = %v, want open", pos.State)
	}
	if got := len(gw.markets()); got != 2 {
		t.Fatalf("market submissions = %d, want 2", got)
	}
}

func TestEntryDeadlineKeepsFillDuringCancelRace(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	fastClock(e)

	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return pendingEntryOrder(p), nil
	}
	// The re-query after the cancel finds the order filled the instant
	// before: the exposure is real and must be kept.
	gw.getOrder = func(symbol, orderID string) (domain.Order, error) {
		return domain.Order{ID: orderID, Symbol: symbol, Kind: domain.OrderKindEntry,
			Status: domain.OrderStatusFilled, AvgFillPrice: 101, Size: 0.5, ExecutedSize: 0.5}, nil
	}

	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateOpen {
		t.Fatalf("state = %v, want open", pos.State)
	}
	approx(t, pos.EntryPrice, 101, "entry price")
	if !pos.Protected() {
		t.Fatal("race-filled entry must carry both protective legs")
	}
	if got := len(gw.canceled()); got != 1 {
		t.Fatalf("cancel calls = %d, want 1", got)
	}
}

func TestEntryDeadlineCancelUnconfirmedStaysPending(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	fastClock(e)
	ctx := context.Background()

	gw.placeMarket = func(p domain.MarketOrderParams) (domain.Order, error) {
		return pendingEntryOrder(p), nil
	}
	gw.cancel = func(symbol, orderID string) (domain.CancelStatus, error) {
		return "", domain.ErrRejected
	}

	err := e.Accept(ctx, shortSignal())
	if !errors.Is(err, errEntryUnresolved) {
		t.Fatalf("Accept error = %v, want unresolved", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StatePendingEntry {
		t.Fatalf("state = %v, want pending_entry while the order may be live", pos.State)
	}

	// The symbol slot stays reserved until the sweep settles the order.
	if err := e.Accept(ctx, shortSignal()); !errors.Is(err, domain.ErrPositionActive) {
		t.Fatalf("second Accept error = %v, want ErrPositionActive", err)
	}
	if got := len(gw.markets()); got != 1 {
		t.Fatalf("market submissions = %d, want 1", got)
	}

	gw.mu.Lock()
	gw.getByToken = func(symbol, token string) (domain.Order, error) {
		return domain.Order{ID: "ord-" + token, ClientToken: token, Symbol: symbol,
			Kind: domain.OrderKindEntry, Status: domain.OrderStatusFilled,
			AvgFillPrice: 100, Size: 0.5, ExecutedSize: 0.5}, nil
	}
	gw.mu.Unlock()

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos = waitForState(t, e, "BTCUSDT", domain.StateOpen)
	if !pos.Protected() {
		t.Fatal("recovered position must carry both legs")
	}
}

func TestReconcileCancelsStaleLiveEntry(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)
	ctx := context.Background()

	e.Restore([]domain.Position{{
		Symbol:     "ETHUSDT",
		Direction:  domain.DirectionLong,
		State:      domain.StatePendingEntry,
		Size:       1,
		EntryToken: "tok-restored",
	}})

	calls := 0
	gw.getByToken = func(symbol, token string) (domain.Order, error) {
		calls++
		status := domain.OrderStatusPending
		if calls > 1 {
			status = domain.OrderStatusCanceled
		}
		return domain.Order{ID: "ord-" + token, ClientToken: token, Symbol: symbol,
			Kind: domain.OrderKindEntry, Status: status, Size: 1}, nil
	}

	if err := e.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	pos, _ := e.Get("ETHUSDT")
	if pos.State != domain.StateEntryFailed {
		t.Fatalf("state = %v, want entry_failed", pos.State)
	}
	if got := gw.canceled(); len(got) != 1 || got[0] != "ord-tok-restored" {
		t.Fatalf("cancels = %v, want the stale entry order", got)
	}
	if rec.count(domain.EventReconciliation) == 0 {
		t.Error("expected a correction for the canceled stale entry")
	}
}

func TestShutdownStopsDegradedLoopSpawnedBeforeRun(t *testing.T) {
	gw := newStubGateway()
	rec := &memRecorder{}
	e := newTestEngine(t, gw, rec)

	gw.placeCond = func(p domain.ConditionalOrderParams) (domain.Order, error) {
		return domain.Order{}, domain.ErrTransient
	}
	if err := e.Accept(context.Background(), shortSignal()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	pos, _ := e.Get("BTCUSDT")
	if pos.State != domain.StateDegraded {
		t.Fatalf("state = %v, want degraded", pos.State)
	}

	// The recovery loop started before Run installed its context; shutdown
	// must still reach it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned; recovery loop survived shutdown")
	}
}
