// Package store persists live trading state. Every committed position
// transition writes a durable snapshot that the reconciliation service reads
// on the next startup.
package store

import (
	"context"
	"time"
)

type PositionStatus int

const (
	PositionStatusUnknown PositionStatus = 0
	PositionStatusOpen    PositionStatus = 1
	PositionStatusPartial PositionStatus = 2
	PositionStatusClosed  PositionStatus = 3
)

// PositionRecord is the durable snapshot of one symbol's position and its
// protective orders. Raw carries forward-compatible extras.
type PositionRecord struct {
	Symbol            string
	Side              string // "long" or "short"
	Quantity          float64
	InitialQuantity   float64
	EntryPrice        float64
	StopLoss          float64
	TakeProfit        float64
	StopOrderID       string
	TakeProfitOrderID string
	RiskAmount        float64
	Equity            float64
	Status            PositionStatus
	OpenedAt          time.Time
	UpdatedAt         time.Time
	Raw               map[string]any
}

// TradeLogRecord is one closed (or partially closed) trade outcome.
// PnLApproximate marks results reconstructed after an offline close, where
// the true fill price is unknown.
type TradeLogRecord struct {
	Symbol         string
	Side           string
	Quantity       float64
	EntryPrice     float64
	ExitPrice      float64
	PnL            float64
	PnLApproximate bool
	Reason         string
	ClosedAt       time.Time
}

type PositionStore interface {
	SavePosition(ctx context.Context, rec PositionRecord) error

	DeletePosition(ctx context.Context, symbol string) error

	ListPositions(ctx context.Context) ([]PositionRecord, error)

	AppendTradeLog(ctx context.Context, rec TradeLogRecord) error

	ListTradeLogs(ctx context.Context, symbol string, limit int) ([]TradeLogRecord, error)

	Close() error
}
