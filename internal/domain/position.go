package domain

import "time"

// PositionState is a node in the per-symbol position state machine.
type PositionState string

const (
	// StatePendingEntry: a signal was accepted and the entry order is being
	// placed or awaiting confirmation.
	StatePendingEntry PositionState = "pending_entry"
	// StateOpen: entry filled and both protective orders confirmed active.
	StateOpen PositionState = "open"
	// StateDegraded: market exposure is held but protective coverage is
	// incomplete. Recoverable; alerting is mandatory while in this state.
	StateDegraded PositionState = "degraded"
	// StateClosing: a protective leg filled (or a manual close was requested)
	// and the sibling order is being canceled.
	StateClosing PositionState = "closing"
	// StateClosed: terminal. The symbol slot is free again.
	StateClosed PositionState = "closed"
	// StateEntryFailed: terminal. The entry order was rejected or retries
	// were exhausted; no exposure was taken.
	StateEntryFailed PositionState = "entry_failed"
)

// validTransitions is the authoritative transition table. Anything not listed
// here is a programming defect, not a runtime condition.
var validTransitions = map[PositionState][]PositionState{
	StatePendingEntry: {StateOpen, StateDegraded, StateEntryFailed},
	StateOpen:         {StateDegraded, StateClosing},
	StateDegraded:     {StateOpen, StateClosing},
	StateClosing:      {StateClosed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to PositionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state frees the symbol slot.
func (s PositionState) Terminal() bool {
	return s == StateClosed || s == StateEntryFailed
}

// HasExposure reports whether the position holds market exposure in this state.
func (s PositionState) HasExposure() bool {
	switch s {
	case StateOpen, StateDegraded, StateClosing:
		return true
	}
	return false
}

// CloseReason identifies which leg (or instruction) closed a position.
type CloseReason string

const (
	CloseReasonStopLoss   CloseReason = "stop_loss"
	CloseReasonTakeProfit CloseReason = "take_profit"
	CloseReasonManual     CloseReason = "manual"
)

// Position is the per-symbol lifecycle record. At most one non-terminal
// Position may exist per symbol; it is owned exclusively by the lifecycle
// engine and mutated only through state-machine transitions. Size and
// direction are immutable once entered.
type Position struct {
	Symbol    string
	Direction Direction
	State     PositionState

	EntryPrice      float64
	Size            float64
	StopPrice       float64
	TakeProfitPrice float64

	EntryOrderID      string
	EntryToken        string // idempotency token of the entry order
	StopOrderID       string
	TakeProfitOrderID string

	TriggerRate float64 // funding rate that produced the entry signal
	SignalID    string

	OpenedAt time.Time
	ClosedAt *time.Time

	ExitPrice float64
	ClosedBy  CloseReason
}

// Protected reports whether both protective orders are currently attached.
func (p Position) Protected() bool {
	return p.StopOrderID != "" && p.TakeProfitOrderID != ""
}
