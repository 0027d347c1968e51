package strategy

import (
	"fmt"

	"reef/internal/market"

	talib "github.com/markcheno/go-talib"
)

// RSIReversionConfig controls the reference mean-reversion strategy.
type RSIReversionConfig struct {
	Period     int
	Overbought float64
	Oversold   float64
	StopPct    float64 // stop distance as a fraction of entry price
	RewardMult float64 // take-profit = stop distance × RewardMult
	Window     int     // candles kept for indicator computation
}

func (c *RSIReversionConfig) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 14
	}
	if c.Overbought <= 0 {
		c.Overbought = 70
	}
	if c.Oversold <= 0 {
		c.Oversold = 30
	}
	if c.StopPct <= 0 {
		c.StopPct = 0.02
	}
	if c.RewardMult <= 0 {
		c.RewardMult = 2
	}
	if c.Window < c.Period*3 {
		c.Window = c.Period * 3
	}
}

// RSIReversion enters against RSI extremes: long when RSI crosses back up out
// of oversold, short when it crosses back down out of overbought, and exits
// open positions at the opposite extreme.
type RSIReversion struct {
	cfg     RSIReversionConfig
	candles []market.Candle
	prevRSI float64
	hasPrev bool
}

func NewRSIReversion(cfg RSIReversionConfig) *RSIReversion {
	cfg.applyDefaults()
	return &RSIReversion{cfg: cfg}
}

func (s *RSIReversion) Name() string { return "rsi-reversion" }

func (s *RSIReversion) Reset() {
	s.candles = nil
	s.prevRSI = 0
	s.hasPrev = false
}

func (s *RSIReversion) Analyze(c market.Candle, signedQty float64, symbol string) *Signal {
	s.candles = append(s.candles, c)
	if len(s.candles) > s.cfg.Window {
		s.candles = s.candles[len(s.candles)-s.cfg.Window:]
	}
	if len(s.candles) <= s.cfg.Period {
		return nil
	}
	rsiSeries := talib.Rsi(market.Closes(s.candles), s.cfg.Period)
	rsi := rsiSeries[len(rsiSeries)-1]
	defer func() {
		s.prevRSI = rsi
		s.hasPrev = true
	}()
	if !s.hasPrev {
		return nil
	}

	price := c.Close
	switch {
	case signedQty == 0:
		if s.prevRSI < s.cfg.Oversold && rsi >= s.cfg.Oversold {
			stop := price * (1 - s.cfg.StopPct)
			return &Signal{
				Symbol:     symbol,
				Kind:       SignalEnterLong,
				Price:      price,
				StopLoss:   stop,
				TakeProfit: price + (price-stop)*s.cfg.RewardMult,
				Reason:     fmt.Sprintf("rsi recrossed oversold (%.1f -> %.1f)", s.prevRSI, rsi),
				Confidence: 1,
			}
		}
		if s.prevRSI > s.cfg.Overbought && rsi <= s.cfg.Overbought {
			stop := price * (1 + s.cfg.StopPct)
			return &Signal{
				Symbol:     symbol,
				Kind:       SignalEnterShort,
				Price:      price,
				StopLoss:   stop,
				TakeProfit: price - (stop-price)*s.cfg.RewardMult,
				Reason:     fmt.Sprintf("rsi recrossed overbought (%.1f -> %.1f)", s.prevRSI, rsi),
				Confidence: 1,
			}
		}
	case signedQty > 0:
		if rsi >= s.cfg.Overbought {
			return &Signal{
				Symbol: symbol,
				Kind:   SignalExit,
				Price:  price,
				Reason: fmt.Sprintf("rsi overbought (%.1f), closing long", rsi),
			}
		}
	case signedQty < 0:
		if rsi <= s.cfg.Oversold {
			return &Signal{
				Symbol: symbol,
				Kind:   SignalExit,
				Price:  price,
				Reason: fmt.Sprintf("rsi oversold (%.1f), closing short", rsi),
			}
		}
	}
	return nil
}
