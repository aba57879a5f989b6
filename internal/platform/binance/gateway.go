package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// Gateway implements domain.OrderGateway against the Binance futures order
// endpoints. Idempotency relies on newClientOrderId: Binance rejects a second
// live order with the same client ID, and GetOrderByToken resolves unknown
// outcomes after timeouts.
type Gateway struct {
	client *Client
	feed   *Feed
	logger *slog.Logger
}

// NewGateway creates an order gateway. feed supplies the symbol filters used
// to round prices and quantities.
func NewGateway(client *Client, feed *Feed, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		feed:   feed,
		logger: logger.With(slog.String("component", "binance_gateway")),
	}
}

// PlaceMarketOrder submits a MARKET order. Size is floored to the symbol's
// step size before submission.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, p domain.MarketOrderParams) (domain.Order, error) {
	flt, err := g.feed.Filters(ctx, p.Symbol)
	if err != nil {
		return domain.Order{}, err
	}

	qty := flt.RoundSize(p.Size)
	if qty <= 0 {
		return domain.Order{}, fmt.Errorf("binance: size %v below minimum for %s: %w", p.Size, p.Symbol, domain.ErrRejected)
	}

	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", sideFromDirection(p.Direction))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newClientOrderId", p.ClientToken)
	params.Set("newOrderRespType", "RESULT")
	if p.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := g.client.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: place market order %s: %w", p.Symbol, err)
	}

	return g.decodeOrder(body)
}

// PlaceConditionalOrder submits a reduce-only STOP_MARKET or
// TAKE_PROFIT_MARKET order. The trigger price is rounded to the symbol tick,
// in the conservative direction for the order's side: sell triggers round up,
// buy triggers round down.
func (g *Gateway) PlaceConditionalOrder(ctx context.Context, p domain.ConditionalOrderParams) (domain.Order, error) {
	flt, err := g.feed.Filters(ctx, p.Symbol)
	if err != nil {
		return domain.Order{}, err
	}

	var orderType string
	switch p.Kind {
	case domain.OrderKindStopLoss:
		orderType = "STOP_MARKET"
	case domain.OrderKindTakeProfit:
		orderType = "TAKE_PROFIT_MARKET"
	default:
		return domain.Order{}, fmt.Errorf("binance: unsupported conditional kind %q: %w", p.Kind, domain.ErrRejected)
	}

	// Closing a long sells, so triggers round up toward safety; closing a
	// short buys, so they round down.
	floor := p.Direction == domain.DirectionLong
	trigger := flt.RoundPrice(p.TriggerPrice, floor)

	qty := flt.RoundSize(p.Size)
	if qty <= 0 {
		return domain.Order{}, fmt.Errorf("binance: size %v below minimum for %s: %w", p.Size, p.Symbol, domain.ErrRejected)
	}

	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", sideFromDirection(p.Direction))
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(trigger, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", p.ClientToken)
	params.Set("workingType", "MARK_PRICE")

	body, err := g.client.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: place %s %s: %w", orderType, p.Symbol, err)
	}

	return g.decodeOrder(body)
}

// CancelOrder cancels an order by exchange ID. An unknown-order response is
// resolved with a follow-up query: the order either reached a terminal state
// before the cancel arrived, or never existed.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (domain.CancelStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	_, err := g.client.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err == nil {
		return domain.CancelStatusCanceled, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("binance: cancel order %s/%s: %w", symbol, orderID, err)
	}

	order, qerr := g.GetOrder(ctx, symbol, orderID)
	if qerr != nil {
		if errors.Is(qerr, domain.ErrNotFound) {
			return domain.CancelStatusNotFound, nil
		}
		return "", fmt.Errorf("binance: resolve cancel %s/%s: %w", symbol, orderID, qerr)
	}
	if order.Status.Terminal() {
		return domain.CancelStatusAlreadyTerminal, nil
	}
	// The exchange reported unknown but the query found a live order; treat
	// as transient so the caller retries.
	return "", fmt.Errorf("binance: cancel %s/%s inconsistent state: %w", symbol, orderID, domain.ErrTransient)
}

// GetOrder fetches an order by exchange ID.
func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	body, err := g.client.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: get order %s/%s: %w", symbol, orderID, err)
	}
	return g.decodeOrder(body)
}

// GetOrderByToken fetches an order by its client-supplied token. Used to
// resolve unknown outcomes after a submission timeout.
func (g *Gateway) GetOrderByToken(ctx context.Context, symbol, clientToken string) (domain.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientToken)

	body, err := g.client.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return domain.Order{}, fmt.Errorf("binance: get order by token %s/%s: %w", symbol, clientToken, err)
	}
	return g.decodeOrder(body)
}

func (g *Gateway) decodeOrder(body []byte) (domain.Order, error) {
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return resp.toOrder(), nil
}
