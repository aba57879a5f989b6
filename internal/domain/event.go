package domain

import "time"

// EventType enumerates the lifecycle events reported to the notifier. Each
// state transition has a single emission point; delivery is best-effort and
// never feeds back into the state machine.
type EventType string

const (
	EventSignalAccepted      EventType = "signal_accepted"
	EventEntryFilled         EventType = "entry_filled"
	EventEntryFailed         EventType = "entry_failed"
	EventProtectionDegraded  EventType = "protection_degraded"
	EventProtectionRestored  EventType = "protection_restored"
	EventPositionClosed      EventType = "position_closed"
	EventReconciliation      EventType = "reconciliation_corrected"
)

// LifecycleEvent is one outward-facing state change of a position.
type LifecycleEvent struct {
	Type     EventType
	Symbol   string
	Position Position // snapshot at emission time
	Reason   string   // free-form detail, e.g. the reconciliation divergence
	At       time.Time
}
