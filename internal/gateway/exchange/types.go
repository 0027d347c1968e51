// Package exchange defines the execution-gateway contract the trading engine
// drives. Implementations wrap a real venue (binance) or a simulator (paper);
// the engine never depends on a concrete backend.
package exchange

import (
	"context"
	"time"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OrderRequest describes a market order.
type OrderRequest struct {
	Symbol        string // internal form, e.g. "BTC/USDT"
	Side          Side
	Quantity      float64
	ReduceOnly    bool
	ClientOrderID string // idempotency key; venue dedupes on it
}

// StopOrderRequest describes a resting protective order (stop or take-profit).
type StopOrderRequest struct {
	Symbol        string
	Side          Side // side of the closing order, not the position
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the venue's report for a placed or queried order. Executed
// quantity and average fill price come from the venue, never from local
// prediction.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Type          OrderType
	Side          Side
	Status        OrderStatus
	RequestedQty  float64
	ExecutedQty   float64
	AvgFillPrice  float64
	StopPrice     float64
	UpdatedAt     time.Time
}

// Filled reports whether the order is completely executed.
func (r *OrderResult) Filled() bool {
	return r != nil && r.Status == OrderStatusFilled
}

// OpenOrder is a resting order as listed by the venue.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Type          OrderType
	Side          Side
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
}

// PositionInfo is an open position as reported by the venue.
type PositionInfo struct {
	Symbol        string
	Side          string // "long" or "short"
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
	UpdatedAt     time.Time
}

// SignedQuantity is positive for long, negative for short.
func (p PositionInfo) SignedQuantity() float64 {
	if p.Side == "short" {
		return -p.Quantity
	}
	return p.Quantity
}

type Balance struct {
	Asset     string
	Total     float64
	Available float64
	UpdatedAt time.Time
}

// Exchange is the execution gateway. Every call is an explicit
// request/response; expected rejections surface as typed errors, never panics.
type Exchange interface {
	Name() string

	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	PlaceStopOrder(ctx context.Context, req StopOrderRequest) (*OrderResult, error)

	PlaceTakeProfitOrder(ctx context.Context, req StopOrderRequest) (*OrderResult, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error

	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)

	GetBalance(ctx context.Context) (Balance, error)

	GetOpenPositions(ctx context.Context) ([]PositionInfo, error)

	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error

	SetMarginMode(ctx context.Context, symbol, mode string) error
}
