// Package strategy defines the collaborator contract between the trading
// engine and signal producers. Strategies are pure with respect to I/O: they
// may keep internal indicator state but must never block or touch the network.
package strategy

import (
	"reef/internal/market"
)

type SignalKind string

const (
	SignalEnterLong   SignalKind = "ENTER_LONG"
	SignalEnterShort  SignalKind = "ENTER_SHORT"
	SignalExit        SignalKind = "EXIT"
	SignalPartialExit SignalKind = "PARTIAL_EXIT"
)

// Signal is a strategy's trade request for one candle. Consumed exactly once.
type Signal struct {
	Symbol          string
	Kind            SignalKind
	Price           float64
	StopLoss        float64 // 0 = engine derives no stop from the signal
	TakeProfit      float64 // 0 = no take-profit order
	PartialFraction float64 // for SignalPartialExit: fraction of remaining qty
	Reason          string
	MoveToBreakeven bool
	Confidence      float64 // 0..1, scaled by Score-mode filters
}

// Strategy produces at most one Signal per closed candle.
// SignedQty is the current position: positive long, negative short, 0 flat.
type Strategy interface {
	Name() string

	Analyze(c market.Candle, signedQty float64, symbol string) *Signal

	Reset()
}
