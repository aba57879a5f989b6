package binance

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/quantfold/fundinghunter/internal/domain"
)

// premiumIndexEntry is one row of GET /fapi/v1/premiumIndex.
type premiumIndexEntry struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"` // ms epoch
	Time            int64  `json:"time"`            // ms epoch
}

func (e premiumIndexEntry) toSample() (domain.RateSample, error) {
	rate, err := strconv.ParseFloat(e.LastFundingRate, 64)
	if err != nil {
		return domain.RateSample{}, err
	}
	mark, err := strconv.ParseFloat(e.MarkPrice, 64)
	if err != nil {
		return domain.RateSample{}, err
	}
	return domain.RateSample{
		Symbol:        e.Symbol,
		FundingRate:   rate,
		MarkPrice:     mark,
		NextFundingAt: time.UnixMilli(e.NextFundingTime).UTC(),
		ObservedAt:    time.UnixMilli(e.Time).UTC(),
	}, nil
}

// exchangeInfoResponse is the subset of GET /fapi/v1/exchangeInfo we consume.
type exchangeInfoResponse struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol       string           `json:"symbol"`
	ContractType string           `json:"contractType"`
	Status       string           `json:"status"`
	Filters      []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"notional"`
}

// orderResponse is the order object returned by the /fapi/v1/order endpoints.
type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// apiError is the JSON error envelope Binance returns on failures.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Binance error codes the client maps specially.
const (
	codeUnknownOrder     = -2011 // cancel/query target does not exist
	codeNoSuchOrder      = -2013 // query target does not exist
	codeTooManyRequests  = -1003
	codeTimestampOutside = -1021 // recvWindow violation, safe to retry
)

// orderStatusFromAPI maps a Binance order status string to the domain status.
func orderStatusFromAPI(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusPending
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

// kindFromOrderType maps a Binance order type back to the domain order kind.
// MARKET orders are ambiguous between entry and exit; the reduceOnly flag
// disambiguates.
func kindFromOrderType(orderType string, reduceOnly bool) domain.OrderKind {
	switch orderType {
	case "STOP_MARKET", "STOP":
		return domain.OrderKindStopLoss
	case "TAKE_PROFIT_MARKET", "TAKE_PROFIT":
		return domain.OrderKindTakeProfit
	default:
		if reduceOnly {
			return domain.OrderKindExit
		}
		return domain.OrderKindEntry
	}
}

func directionFromSide(side string) domain.Direction {
	if side == "SELL" {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

func sideFromDirection(d domain.Direction) string {
	if d == domain.DirectionShort {
		return "SELL"
	}
	return "BUY"
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (r orderResponse) toOrder() domain.Order {
	return domain.Order{
		ID:           strconv.FormatInt(r.OrderID, 10),
		ClientToken:  r.ClientOrderID,
		Symbol:       r.Symbol,
		Kind:         kindFromOrderType(r.Type, r.ReduceOnly),
		Direction:    directionFromSide(r.Side),
		Status:       orderStatusFromAPI(r.Status),
		Size:         parseFloat(r.OrigQty),
		TriggerPrice: parseFloat(r.StopPrice),
		AvgFillPrice: parseFloat(r.AvgPrice),
		ExecutedSize: parseFloat(r.ExecutedQty),
		CreatedAt:    time.UnixMilli(r.Time).UTC(),
		UpdatedAt:    time.UnixMilli(r.UpdateTime).UTC(),
	}
}

// --------------------------------------------------------------------------
// User-data stream payloads
// --------------------------------------------------------------------------

// wsEnvelope is the outer frame of every user-data stream event.
type wsEnvelope struct {
	Event string          `json:"e"`
	Time  int64           `json:"E"`
	Order json.RawMessage `json:"o"`
}

// wsOrderUpdate is the `o` payload of an ORDER_TRADE_UPDATE event.
type wsOrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Type          string `json:"o"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	AvgPrice      string `json:"ap"`
	FilledQty     string `json:"z"`
	TradeTime     int64  `json:"T"`
}

// listenKeyResponse is returned by POST /fapi/v1/listenKey.
type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
