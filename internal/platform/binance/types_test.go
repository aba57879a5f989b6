package binance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/fundinghunter/internal/domain"
)

func TestOrderStatusFromAPI(t *testing.T) {
	cases := []struct {
		api  string
		want domain.OrderStatus
	}{
		{"NEW", domain.OrderStatusPending},
		{"PARTIALLY_FILLED", domain.OrderStatusPartiallyFilled},
		{"FILLED", domain.OrderStatusFilled},
		{"CANCELED", domain.OrderStatusCanceled},
		{"REJECTED", domain.OrderStatusRejected},
		{"EXPIRED", domain.OrderStatusExpired},
		{"EXPIRED_IN_MATCH", domain.OrderStatusExpired},
		{"SOMETHING_NEW", domain.OrderStatusPending},
	}
	for _, tc := range cases {
		if got := orderStatusFromAPI(tc.api); got != tc.want {
			t.Errorf("orderStatusFromAPI(%q) = %s, want %s", tc.api, got, tc.want)
		}
	}
}

func TestKindFromOrderType(t *testing.T) {
	cases := []struct {
		orderType  string
		reduceOnly bool
		want       domain.OrderKind
	}{
		{"STOP_MARKET", true, domain.OrderKindStopLoss},
		{"STOP", true, domain.OrderKindStopLoss},
		{"TAKE_PROFIT_MARKET", true, domain.OrderKindTakeProfit},
		{"TAKE_PROFIT", true, domain.OrderKindTakeProfit},
		{"MARKET", false, domain.OrderKindEntry},
		{"MARKET", true, domain.OrderKindExit},
		{"LIMIT", false, domain.OrderKindEntry},
	}
	for _, tc := range cases {
		if got := kindFromOrderType(tc.orderType, tc.reduceOnly); got != tc.want {
			t.Errorf("kindFromOrderType(%q, %v) = %s, want %s", tc.orderType, tc.reduceOnly, got, tc.want)
		}
	}
}

func TestOrderResponseToOrder(t *testing.T) {
	r := orderResponse{
		Symbol:        "BTCUSDT",
		OrderID:       123456789,
		ClientOrderID: "tok-1-sl",
		Status:        "NEW",
		Type:          "STOP_MARKET",
		Side:          "BUY",
		OrigQty:       "0.500",
		ExecutedQty:   "0.000",
		AvgPrice:      "0",
		StopPrice:     "51000.0",
		ReduceOnly:    true,
		Time:          1717243200000,
		UpdateTime:    1717243201000,
	}
	ord := r.toOrder()

	if ord.ID != "123456789" || ord.ClientToken != "tok-1-sl" {
		t.Errorf("identity = %q/%q", ord.ID, ord.ClientToken)
	}
	if ord.Kind != domain.OrderKindStopLoss || ord.Direction != domain.DirectionLong {
		t.Errorf("kind/direction = %s/%s", ord.Kind, ord.Direction)
	}
	if ord.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want pending", ord.Status)
	}
	if ord.Size != 0.5 || ord.TriggerPrice != 51000 {
		t.Errorf("size/trigger = %v/%v", ord.Size, ord.TriggerPrice)
	}
	if want := time.UnixMilli(1717243200000).UTC(); !ord.CreatedAt.Equal(want) {
		t.Errorf("created at %v, want %v", ord.CreatedAt, want)
	}
}

func TestPremiumIndexToSample(t *testing.T) {
	e := premiumIndexEntry{
		Symbol:          "ETHUSDT",
		MarkPrice:       "2500.50",
		LastFundingRate: "-0.00125",
		NextFundingTime: 1717246800000,
		Time:            1717243200000,
	}
	s, err := e.toSample()
	if err != nil {
		t.Fatalf("toSample: %v", err)
	}
	if s.Symbol != "ETHUSDT" || s.FundingRate != -0.00125 || s.MarkPrice != 2500.50 {
		t.Errorf("sample = %+v", s)
	}
	if s.RatePct() != -0.125 {
		t.Errorf("RatePct = %v, want -0.125", s.RatePct())
	}

	e.LastFundingRate = "n/a"
	if _, err := e.toSample(); err == nil {
		t.Error("expected error for a malformed rate")
	}
}

func TestRoundPrice(t *testing.T) {
	f := SymbolFilters{TickSize: decimal.RequireFromString("0.10")}

	if got := f.RoundPrice(51000.07, true); got != 51000.0 {
		t.Errorf("floor = %v, want 51000.0", got)
	}
	if got := f.RoundPrice(51000.07, false); got != 51000.1 {
		t.Errorf("ceil = %v, want 51000.1", got)
	}
	// No tick filter leaves the price untouched.
	if got := (SymbolFilters{}).RoundPrice(51000.07, true); got != 51000.07 {
		t.Errorf("untouched = %v", got)
	}
}

func TestRoundSize(t *testing.T) {
	f := SymbolFilters{
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
	}

	if got := f.RoundSize(0.12345); got != 0.123 {
		t.Errorf("RoundSize = %v, want 0.123", got)
	}
	// Below the exchange minimum after flooring.
	if got := f.RoundSize(0.0004); got != 0 {
		t.Errorf("RoundSize = %v, want 0 below min qty", got)
	}
}
