package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// publishTimeout bounds each fire-and-forget delivery.
const publishTimeout = 15 * time.Second

// Publisher renders lifecycle events into operator-readable messages and
// hands them to the notifier. Delivery is fire-and-forget: the caller's
// context is never held hostage by a slow webhook.
type Publisher struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewPublisher creates a lifecycle event publisher.
func NewPublisher(notifier *Notifier, logger *slog.Logger) *Publisher {
	return &Publisher{
		notifier: notifier,
		logger:   logger.With(slog.String("component", "publisher")),
	}
}

// Publish formats and dispatches one lifecycle event in the background.
func (p *Publisher) Publish(ev domain.LifecycleEvent) {
	title, message := Format(ev)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.notifier.Notify(ctx, ev.Type, title, message); err != nil {
			p.logger.Warn("event delivery failed",
				slog.String("event", string(ev.Type)),
				slog.String("symbol", ev.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Format renders a lifecycle event as a notification title and body.
func Format(ev domain.LifecycleEvent) (title, message string) {
	pos := ev.Position

	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\n", ev.Symbol)

	switch ev.Type {
	case domain.EventSignalAccepted:
		title = fmt.Sprintf("Signal accepted: %s", ev.Symbol)
		fmt.Fprintf(&b, "Direction: %s\n", pos.Direction)
		fmt.Fprintf(&b, "Funding rate: %.4f%%\n", pos.TriggerRate*100)
		fmt.Fprintf(&b, "Size: %v", pos.Size)

	case domain.EventEntryFilled:
		title = fmt.Sprintf("Entered %s %s", pos.Direction, ev.Symbol)
		fmt.Fprintf(&b, "Entry price: %v\n", pos.EntryPrice)
		fmt.Fprintf(&b, "Size: %v\n", pos.Size)
		fmt.Fprintf(&b, "Funding rate: %.4f%%", pos.TriggerRate*100)

	case domain.EventEntryFailed:
		title = fmt.Sprintf("Entry failed: %s", ev.Symbol)
		fmt.Fprintf(&b, "Reason: %s", ev.Reason)

	case domain.EventProtectionDegraded:
		title = fmt.Sprintf("UNPROTECTED POSITION: %s", ev.Symbol)
		fmt.Fprintf(&b, "Direction: %s\n", pos.Direction)
		fmt.Fprintf(&b, "Entry price: %v\n", pos.EntryPrice)
		fmt.Fprintf(&b, "Size: %v\n", pos.Size)
		if pos.StopOrderID == "" {
			b.WriteString("Missing: stop-loss\n")
		}
		if pos.TakeProfitOrderID == "" {
			b.WriteString("Missing: take-profit\n")
		}
		fmt.Fprintf(&b, "Detail: %s", ev.Reason)

	case domain.EventProtectionRestored:
		title = fmt.Sprintf("Protection restored: %s", ev.Symbol)
		fmt.Fprintf(&b, "Stop: %v\n", pos.StopPrice)
		fmt.Fprintf(&b, "Take-profit: %v", pos.TakeProfitPrice)

	case domain.EventPositionClosed:
		title = fmt.Sprintf("Closed %s (%s)", ev.Symbol, pos.ClosedBy)
		fmt.Fprintf(&b, "Entry: %v\n", pos.EntryPrice)
		fmt.Fprintf(&b, "Exit: %v\n", pos.ExitPrice)
		fmt.Fprintf(&b, "PnL: %.2f%%", pnlPct(pos))

	case domain.EventReconciliation:
		title = fmt.Sprintf("Reconciliation correction: %s", ev.Symbol)
		fmt.Fprintf(&b, "State: %s\n", pos.State)
		fmt.Fprintf(&b, "Detail: %s", ev.Reason)

	default:
		title = fmt.Sprintf("%s: %s", ev.Type, ev.Symbol)
		fmt.Fprintf(&b, "Detail: %s", ev.Reason)
	}

	return title, b.String()
}

// pnlPct computes the realized move in percent, signed by direction. Zero
// prices (unfilled exits) yield zero.
func pnlPct(pos domain.Position) float64 {
	if pos.EntryPrice == 0 || pos.ExitPrice == 0 {
		return 0
	}
	move := (pos.ExitPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Direction == domain.DirectionShort {
		move = -move
	}
	return move
}
