package domain

import "context"

// MarketOrderParams describes a market order submission.
type MarketOrderParams struct {
	Symbol      string
	Direction   Direction
	Size        float64
	ReduceOnly  bool
	ClientToken string // idempotency key; the gateway dedupes on it
}

// ConditionalOrderParams describes a protective (trigger-activated) order.
// Direction is the side of the closing order itself, i.e. the opposite of the
// position's direction.
type ConditionalOrderParams struct {
	Symbol       string
	Kind         OrderKind // OrderKindStopLoss or OrderKindTakeProfit
	Direction    Direction
	TriggerPrice float64 // raw price; the gateway rounds to the exchange tick
	Size         float64
	ClientToken  string
}

// OrderGateway is the exchange write/read boundary the lifecycle engine
// depends on. Placement calls MUST be idempotent keyed by ClientToken: a
// repeated call with the same token and parameters returns the original order
// rather than creating a second one.
//
// All calls may fail with an error wrapping ErrTransient (retryable) or
// ErrRejected (not retryable); a context deadline means the outcome is
// unknown, which the caller must resolve with GetOrderByToken before any
// further mutating call.
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, p MarketOrderParams) (Order, error)
	PlaceConditionalOrder(ctx context.Context, p ConditionalOrderParams) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelStatus, error)
	GetOrder(ctx context.Context, symbol, orderID string) (Order, error)
	// GetOrderByToken looks an order up by its client token. It returns
	// ErrNotFound when the exchange never received the submission.
	GetOrderByToken(ctx context.Context, symbol, clientToken string) (Order, error)
}
