package strategy

import (
	"strings"

	"reef/internal/market"
)

// FilterMode controls how a secondary-timeframe filter gates the primary
// strategy's signals.
type FilterMode string

const (
	// FilterConfirm blocks the signal unless the filter agrees with it.
	FilterConfirm FilterMode = "confirm"
	// FilterVeto blocks only when the filter actively disagrees.
	FilterVeto FilterMode = "veto"
	// FilterScore never blocks; it scales the signal's confidence weight.
	FilterScore FilterMode = "score"
)

func ParseFilterMode(s string) (FilterMode, bool) {
	switch FilterMode(strings.ToLower(strings.TrimSpace(s))) {
	case FilterConfirm:
		return FilterConfirm, true
	case FilterVeto:
		return FilterVeto, true
	case FilterScore:
		return FilterScore, true
	default:
		return "", false
	}
}

// FilterSnapshot is the read-only indicator view a filter exposes. The
// coordinator's gating logic consumes it; filters never place orders.
type FilterSnapshot struct {
	RSI         float64
	Overbought  bool
	Oversold    bool
	TrendStrong bool
	Ready       bool // false until enough candles were seen
}

// Filter is a secondary strategy role: it digests candles from its own
// timeframe and answers with an indicator snapshot.
type Filter interface {
	Name() string

	Update(c market.Candle)

	Snapshot() FilterSnapshot

	Reset()
}

// Agrees reports whether the filter supports an entry in the given direction.
func (s FilterSnapshot) Agrees(kind SignalKind) bool {
	if !s.Ready {
		return false
	}
	switch kind {
	case SignalEnterLong:
		return !s.Overbought
	case SignalEnterShort:
		return !s.Oversold
	default:
		return true
	}
}

// Disagrees reports an active objection, used by veto mode.
func (s FilterSnapshot) Disagrees(kind SignalKind) bool {
	if !s.Ready {
		return false
	}
	switch kind {
	case SignalEnterLong:
		return s.Overbought
	case SignalEnterShort:
		return s.Oversold
	default:
		return false
	}
}

// Score returns the confidence multiplier for Score mode.
func (s FilterSnapshot) Score(kind SignalKind) float64 {
	if !s.Ready {
		return 1
	}
	score := 1.0
	if s.Disagrees(kind) {
		score *= 0.5
	}
	if s.TrendStrong {
		score *= 1.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
