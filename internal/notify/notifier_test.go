package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/quantfold/fundinghunter/internal/domain"
)

type fakeSender struct {
	mu   sync.Mutex
	name string
	sent []string // titles
	fail error
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, title)
	return nil
}

func (f *fakeSender) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersEventTypes(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, discardLogger())
	ctx := context.Background()

	if err := n.Notify(ctx, domain.EventSignalAccepted, "accepted", "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Notify(ctx, domain.EventPositionClosed, "closed", "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	got := s.titles()
	if len(got) != 1 || got[0] != "closed" {
		t.Fatalf("delivered = %v, want [closed]", got)
	}
}

func TestNotifyDegradedBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, discardLogger())

	if err := n.Notify(context.Background(), domain.EventProtectionDegraded, "unprotected", "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := s.titles(); len(got) != 1 {
		t.Fatalf("delivered = %v, degraded alerts must never be filtered", got)
	}
}

func TestNotifyEmptyFilterAllowsEverything(t *testing.T) {
	s := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{s}, nil, discardLogger())

	if err := n.Notify(context.Background(), domain.EventSignalAccepted, "accepted", "x"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := s.titles(); len(got) != 1 {
		t.Fatalf("delivered = %v, want one message", got)
	}
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	bad := &fakeSender{name: "telegram", fail: errors.New("rate limited")}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "title", "body")
	if err == nil {
		t.Fatal("expected combined error from the failed sender")
	}
	if !strings.Contains(err.Error(), "telegram") {
		t.Errorf("error %q does not name the failed sender", err)
	}
	if got := good.titles(); len(got) != 1 {
		t.Fatalf("healthy sender got %v, want one delivery", got)
	}
}

func TestNotifyNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	if err := n.NotifyAll(context.Background(), "title", "body"); err != nil {
		t.Fatalf("NotifyAll without senders: %v", err)
	}
}

func TestFormatEntryFilled(t *testing.T) {
	title, msg := Format(domain.LifecycleEvent{
		Type:   domain.EventEntryFilled,
		Symbol: "BTCUSDT",
		Position: domain.Position{
			Symbol:      "BTCUSDT",
			Direction:   domain.DirectionShort,
			EntryPrice:  50000,
			Size:        0.5,
			TriggerRate: 0.012,
		},
	})
	if title != "Entered short BTCUSDT" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"Entry price: 50000", "Size: 0.5", "1.2000%"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestFormatDegradedNamesMissingLegs(t *testing.T) {
	title, msg := Format(domain.LifecycleEvent{
		Type:   domain.EventProtectionDegraded,
		Symbol: "ETHUSDT",
		Reason: "placement failed",
		Position: domain.Position{
			Symbol:      "ETHUSDT",
			Direction:   domain.DirectionLong,
			StopOrderID: "ord-1", // only the take-profit is missing
		},
	})
	if !strings.Contains(title, "UNPROTECTED") {
		t.Errorf("title = %q, must flag unprotected exposure", title)
	}
	if strings.Contains(msg, "Missing: stop-loss") {
		t.Errorf("message %q flags an attached leg", msg)
	}
	if !strings.Contains(msg, "Missing: take-profit") {
		t.Errorf("message %q does not flag the missing leg", msg)
	}
}

func TestFormatClosedComputesPnL(t *testing.T) {
	ev := domain.LifecycleEvent{
		Type:   domain.EventPositionClosed,
		Symbol: "BTCUSDT",
		Position: domain.Position{
			Symbol:     "BTCUSDT",
			Direction:  domain.DirectionShort,
			EntryPrice: 100,
			ExitPrice:  98,
			ClosedBy:   domain.CloseReasonTakeProfit,
		},
	}
	title, msg := Format(ev)
	if title != "Closed BTCUSDT (take_profit)" {
		t.Errorf("title = %q", title)
	}
	// Short from 100 to 98 is +2%.
	if !strings.Contains(msg, "PnL: 2.00%") {
		t.Errorf("message %q missing the signed PnL", msg)
	}

	ev.Position.Direction = domain.DirectionLong
	_, msg = Format(ev)
	if !strings.Contains(msg, "PnL: -2.00%") {
		t.Errorf("message %q, long side must show the loss", msg)
	}
}
