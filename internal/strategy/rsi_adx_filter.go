package strategy

import (
	"sync"

	"reef/internal/market"

	talib "github.com/markcheno/go-talib"
)

// RSIADXFilterConfig controls the reference higher-timeframe filter.
type RSIADXFilterConfig struct {
	RSIPeriod  int
	ADXPeriod  int
	Overbought float64
	Oversold   float64
	MinADX     float64 // ADX above this flags a strong trend
	Window     int
}

func (c *RSIADXFilterConfig) applyDefaults() {
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ADXPeriod <= 0 {
		c.ADXPeriod = 14
	}
	if c.Overbought <= 0 {
		c.Overbought = 70
	}
	if c.Oversold <= 0 {
		c.Oversold = 30
	}
	if c.MinADX <= 0 {
		c.MinADX = 25
	}
	min := c.RSIPeriod
	if c.ADXPeriod > min {
		min = c.ADXPeriod
	}
	if c.Window < min*3 {
		c.Window = min * 3
	}
}

// RSIADXFilter exposes RSI extremes and ADX trend strength on its own
// timeframe for the coordinator's signal gating. Update runs on the feed
// goroutine while Snapshot runs on trader goroutines, so the candle buffer
// is mutex-guarded.
type RSIADXFilter struct {
	cfg RSIADXFilterConfig

	mu      sync.Mutex
	candles []market.Candle
}

func NewRSIADXFilter(cfg RSIADXFilterConfig) *RSIADXFilter {
	cfg.applyDefaults()
	return &RSIADXFilter{cfg: cfg}
}

func (f *RSIADXFilter) Name() string { return "rsi-adx" }

func (f *RSIADXFilter) Reset() {
	f.mu.Lock()
	f.candles = nil
	f.mu.Unlock()
}

func (f *RSIADXFilter) Update(c market.Candle) {
	f.mu.Lock()
	f.candles = append(f.candles, c)
	if len(f.candles) > f.cfg.Window {
		f.candles = f.candles[len(f.candles)-f.cfg.Window:]
	}
	f.mu.Unlock()
}

func (f *RSIADXFilter) Snapshot() FilterSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	need := f.cfg.RSIPeriod
	if f.cfg.ADXPeriod*2 > need {
		need = f.cfg.ADXPeriod * 2
	}
	if len(f.candles) <= need {
		return FilterSnapshot{}
	}
	closes := market.Closes(f.candles)
	rsiSeries := talib.Rsi(closes, f.cfg.RSIPeriod)
	adxSeries := talib.Adx(market.Highs(f.candles), market.Lows(f.candles), closes, f.cfg.ADXPeriod)
	rsi := rsiSeries[len(rsiSeries)-1]
	adx := adxSeries[len(adxSeries)-1]
	return FilterSnapshot{
		RSI:         rsi,
		Overbought:  rsi >= f.cfg.Overbought,
		Oversold:    rsi <= f.cfg.Oversold,
		TrendStrong: adx >= f.cfg.MinADX,
		Ready:       true,
	}
}
