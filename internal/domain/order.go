package domain

import "time"

// OrderKind distinguishes the role an order plays in a position's life cycle.
type OrderKind string

const (
	OrderKindEntry      OrderKind = "entry"
	OrderKindStopLoss   OrderKind = "stop_loss"
	OrderKindTakeProfit OrderKind = "take_profit"
	OrderKindExit       OrderKind = "exit" // manual reduce-only market close
)

// OrderStatus tracks the exchange-side order lifecycle. The engine's copy of a
// status is a cache; the gateway is the source of truth on conflict.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is the engine's local mirror of an exchange-side order.
type Order struct {
	ID           string // exchange-assigned identifier
	ClientToken  string // client-supplied idempotency token
	Symbol       string
	Kind         OrderKind
	Direction    Direction // side of this order itself, not of the position
	Status       OrderStatus
	Size         float64
	TriggerPrice float64 // conditional orders only
	AvgFillPrice float64
	ExecutedSize float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderUpdate is an exchange push notification about an order's new state,
// delivered by the user-data stream. The reconciliation sweep backstops
// updates that get lost in transit.
type OrderUpdate struct {
	Symbol       string
	OrderID      string
	ClientToken  string
	Status       OrderStatus
	AvgFillPrice float64
	At           time.Time
}

// CancelStatus is the outcome of a cancel request.
type CancelStatus string

const (
	// CancelStatusCanceled means the order was live and is now canceled.
	CancelStatusCanceled CancelStatus = "canceled"
	// CancelStatusAlreadyTerminal means the order had already reached a
	// terminal state (for example it filled before the cancel arrived).
	CancelStatusAlreadyTerminal CancelStatus = "already_terminal"
	// CancelStatusNotFound means the exchange has no record of the order.
	CancelStatusNotFound CancelStatus = "not_found"
)
