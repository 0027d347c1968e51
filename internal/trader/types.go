package trader

import (
	"time"

	"reef/internal/market"
	"reef/internal/pkg/retry"
	"reef/internal/strategy"
)

// State is the position lifecycle of one symbol trader.
type State string

const (
	StateFlat            State = "FLAT"
	StateEntering        State = "ENTERING"
	StateOpen            State = "OPEN"
	StatePartiallyClosed State = "PARTIALLY_CLOSED"
	StateClosing         State = "CLOSING"
	// StatePaused is entered after an unexpected per-candle failure; the
	// trader stops processing until restarted, without affecting siblings.
	StatePaused State = "PAUSED"
)

// Position is the locally tracked open position. Exclusively owned and
// mutated by the one SymbolTrader for its symbol.
type Position struct {
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
	OpenedAt          time.Time
	// Version increments on every committed protective-order transition and
	// keys the client order ids, so a retried replace dedupes at the venue
	// instead of resting a duplicate order.
	Version int
}

// SignedQuantity is positive long, negative short.
func (p *Position) SignedQuantity() float64 {
	if p == nil {
		return 0
	}
	if p.Side == "short" {
		return -p.Quantity
	}
	return p.Quantity
}

type EventType string

const (
	EvtCandle EventType = "CANDLE"
	EvtSignal EventType = "SIGNAL"
)

// Event is the envelope consumed by the trader's single processing loop.
// Candle processing and signal dispatch are strictly sequential per symbol.
type Event struct {
	ID     string
	Type   EventType
	Candle *market.CandleEvent
	Signal *strategy.Signal

	// ReplyCh, when set, receives the processing result (sync dispatch).
	ReplyCh chan error `json:"-"`
}

// EventKind classifies entries on the portfolio-wide event stream.
type EventKind string

const (
	KindInfo     EventKind = "INFO"
	KindSignal   EventKind = "SIGNAL"
	KindTrade    EventKind = "TRADE"
	KindEquity   EventKind = "EQUITY"
	KindCritical EventKind = "CRITICAL"
)

// TraderEvent is what a SymbolTrader reports upward to the coordinator's
// aggregated streams.
type TraderEvent struct {
	Symbol  string
	Kind    EventKind
	Message string
	Equity  float64
	Time    time.Time
}

// ShutdownAction selects the best-effort behavior on engine stop.
type ShutdownAction string

const (
	// ShutdownFlattenAll market-closes every open position.
	ShutdownFlattenAll ShutdownAction = "flatten-all"
	// ShutdownLeaveProtected leaves positions open with protective orders
	// resting on the venue.
	ShutdownLeaveProtected ShutdownAction = "leave-protected"
)

type Config struct {
	Symbol   string
	Interval string
	// Window bounds the rolling candle buffer.
	Window int
	// SlippageTolerance is the max |signal - fill| / signal before the fill
	// is flagged and risk:reward re-evaluated.
	SlippageTolerance float64
	// MinRiskReward is the floor used by the slippage re-evaluation.
	MinRiskReward float64
	// Retry bounds every exchange call and protective-order placement.
	Retry retry.Policy
	// OrderTimeout bounds a single exchange round trip.
	OrderTimeout time.Duration
	Leverage     int
	MarginMode   string
	Shutdown     ShutdownAction
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 200
	}
	if c.SlippageTolerance <= 0 {
		c.SlippageTolerance = 0.005
	}
	if c.MinRiskReward <= 0 {
		c.MinRiskReward = 1.0
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
	if c.Shutdown == "" {
		c.Shutdown = ShutdownLeaveProtected
	}
}
