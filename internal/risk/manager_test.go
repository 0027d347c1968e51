package risk

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.InitialCapital == 0 {
		cfg.InitialCapital = 10000
	}
	if cfg.RiskPct == 0 {
		cfg.RiskPct = 0.015
	}
	if cfg.MaxPortfolioHeat == 0 {
		cfg.MaxPortfolioHeat = 0.06
	}
	if cfg.MaxDrawdown == 0 {
		cfg.MaxDrawdown = 0.20
	}
	if cfg.MaxDailyDrawdown == 0 {
		cfg.MaxDailyDrawdown = 0.05
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func TestPositionSizeFromStopDistance(t *testing.T) {
	m := newTestManager(t, Config{})

	// 10000 equity, 1.5% risk, 1500 stop distance -> 0.1
	qty, riskAmt, err := m.PositionSize(50000, 48500)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, qty, 1e-9)
	assert.InDelta(t, 150.0, riskAmt, 1e-9)

	// direction of the stop must not matter
	qtyShort, _, err := m.PositionSize(48500, 50000)
	require.NoError(t, err)
	assert.InDelta(t, qty, qtyShort, 1e-9)
}

func TestPositionSizeQtyStepRoundsDown(t *testing.T) {
	m := newTestManager(t, Config{QtyStep: 0.03})

	qty, riskAmt, err := m.PositionSize(50000, 48500)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, qty, 1e-9)
	// booked risk shrinks with the rounded quantity
	assert.InDelta(t, 0.09*1500, riskAmt, 1e-6)
}

func TestPositionSizeDegenerateStop(t *testing.T) {
	m := newTestManager(t, Config{})

	_, _, err := m.PositionSize(50000, 50000)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, _, err = m.PositionSize(50000, 0)
	require.ErrorAs(t, err, &verr)

	_, _, err = m.PositionSize(0, 48500)
	require.ErrorAs(t, err, &verr)
}

func TestPositionSizeScalesDownInDrawdown(t *testing.T) {
	m := newTestManager(t, Config{
		DrawdownTiers: []DrawdownTier{
			{Threshold: 0.05, Scale: 0.75},
			{Threshold: 0.10, Scale: 0.50},
		},
	})

	m.UpdateEquity(10000)
	m.UpdateEquity(9400) // 6% drawdown -> first tier

	qty, _, err := m.PositionSize(50000, 48500)
	require.NoError(t, err)
	assert.InDelta(t, 9400*0.015*0.75/1500, qty, 1e-9)
}

func TestHeatGate(t *testing.T) {
	m := newTestManager(t, Config{})

	assert.False(t, m.WouldExceedHeat(300)) // 3%
	m.AddOpenRisk(300)
	assert.False(t, m.WouldExceedHeat(250)) // 5.5%
	assert.True(t, m.WouldExceedHeat(350))  // 6.5%

	m.ReleaseRisk(300)
	assert.InDelta(t, 0, m.PortfolioHeat(), 1e-9)
	assert.False(t, m.WouldExceedHeat(350))
}

func TestReserveRiskBooksWithinOneCriticalSection(t *testing.T) {
	m := newTestManager(t, Config{})

	ok, _ := m.ReserveRisk(300) // 3%
	require.True(t, ok)
	assert.InDelta(t, 0.03, m.PortfolioHeat(), 1e-9)

	ok, reason := m.ReserveRisk(350) // would be 6.5%, cap is 6%
	assert.False(t, ok)
	assert.Contains(t, reason, "portfolio heat")
	assert.InDelta(t, 0.03, m.PortfolioHeat(), 1e-9) // refusal books nothing

	// Ten concurrent 2% reservations against the remaining 3% of headroom:
	// only one can win, however they interleave.
	var wg sync.WaitGroup
	var admitted atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.ReserveRisk(200); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), admitted.Load())
	assert.InDelta(t, 0.05, m.PortfolioHeat(), 1e-9)
}

func TestDailyBreakerLatchesOnDip(t *testing.T) {
	m := newTestManager(t, Config{})

	m.UpdateEquity(9400) // 6% daily drawdown trips the breaker
	m.UpdateEquity(9900) // recovery must not re-arm it

	ok, reason := m.CanOpenPosition()
	assert.False(t, ok)
	assert.Contains(t, reason, "daily drawdown")

	m.ResetDaily(time.Now().UTC())
	ok, _ = m.CanOpenPosition()
	assert.True(t, ok)
}

func TestTotalDrawdownBreakerTripsAgainAfterReset(t *testing.T) {
	m := newTestManager(t, Config{})

	m.UpdateEquity(12000)
	m.UpdateEquity(9000) // 25% off the peak

	ok, _ := m.CanOpenPosition()
	assert.False(t, ok)

	// daily reset re-arms, but total drawdown still exceeds the limit
	m.ResetDaily(time.Now().UTC())
	ok, reason := m.CanOpenPosition()
	assert.False(t, ok)
	assert.Contains(t, reason, "total drawdown")
}

func TestConfigValidation(t *testing.T) {
	_, err := NewManager(Config{InitialCapital: 0, RiskPct: 0.01, MaxPortfolioHeat: 0.06, MaxDrawdown: 0.2, MaxDailyDrawdown: 0.05})
	assert.Error(t, err)

	_, err = NewManager(Config{InitialCapital: 1000, RiskPct: 1.5, MaxPortfolioHeat: 0.06, MaxDrawdown: 0.2, MaxDailyDrawdown: 0.05})
	assert.Error(t, err)

	_, err = NewManager(Config{
		InitialCapital: 1000, RiskPct: 0.01, MaxPortfolioHeat: 0.06, MaxDrawdown: 0.2, MaxDailyDrawdown: 0.05,
		DrawdownTiers: []DrawdownTier{{Threshold: 0.10, Scale: 0.5}, {Threshold: 0.05, Scale: 0.75}},
	})
	assert.Error(t, err, "tiers must be ascending")
}
