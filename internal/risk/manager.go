// Package risk implements per-symbol position sizing, the drawdown circuit
// breaker and portfolio-heat accounting.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError rejects bad signals or config before anything touches the
// exchange.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// DrawdownTier scales risk down once drawdown crosses Threshold.
// Tiers must be sorted ascending by Threshold with non-increasing scales.
type DrawdownTier struct {
	Threshold float64 // drawdown fraction, e.g. 0.10
	Scale     float64 // risk multiplier in (0, 1]
}

type Config struct {
	InitialCapital   float64
	RiskPct          float64 // fraction of equity risked per trade
	MaxPortfolioHeat float64 // cap on Σ open risk / equity
	MaxDrawdown      float64 // total drawdown breaker
	MaxDailyDrawdown float64 // daily drawdown breaker
	DrawdownTiers    []DrawdownTier
	QtyStep          float64 // round position size down to this step; 0 = 8 dp
}

func (c Config) validate() error {
	if c.InitialCapital <= 0 {
		return &ValidationError{Reason: "initial capital must be positive"}
	}
	if c.RiskPct <= 0 || c.RiskPct >= 1 {
		return &ValidationError{Reason: "risk pct must be in (0, 1)"}
	}
	if c.MaxPortfolioHeat <= 0 || c.MaxPortfolioHeat >= 1 {
		return &ValidationError{Reason: "max portfolio heat must be in (0, 1)"}
	}
	if c.MaxDrawdown <= 0 || c.MaxDrawdown >= 1 {
		return &ValidationError{Reason: "max drawdown must be in (0, 1)"}
	}
	if c.MaxDailyDrawdown <= 0 || c.MaxDailyDrawdown >= 1 {
		return &ValidationError{Reason: "max daily drawdown must be in (0, 1)"}
	}
	prevThreshold, prevScale := 0.0, 1.0
	for _, tier := range c.DrawdownTiers {
		if tier.Threshold <= prevThreshold {
			return &ValidationError{Reason: "drawdown tiers must ascend by threshold"}
		}
		if tier.Scale <= 0 || tier.Scale > prevScale {
			return &ValidationError{Reason: "drawdown tier scales must be non-increasing in (0, 1]"}
		}
		prevThreshold, prevScale = tier.Threshold, tier.Scale
	}
	return nil
}

// Manager tracks the shared equity curve and booked open risk. Safe for
// concurrent use; every symbol trader sizes entries and marks equity against
// the same instance.
type Manager struct {
	mu             sync.Mutex
	cfg            Config
	equity         float64
	peakEquity     float64
	dayStartEquity float64
	openRisk       float64
	breakerTripped bool
	breakerReason  string
	dayStarted     time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		cfg:            cfg,
		equity:         cfg.InitialCapital,
		peakEquity:     cfg.InitialCapital,
		dayStartEquity: cfg.InitialCapital,
		dayStarted:     time.Now().UTC(),
	}, nil
}

// PositionSize computes the quantity for a new entry. Risk amount is equity ×
// riskPct, scaled down (never up) by the drawdown tiers; quantity is risk
// amount over stop distance, rounded down to the quantity step.
func (m *Manager) PositionSize(entry, stop float64) (qty, riskAmount float64, err error) {
	if entry <= 0 {
		return 0, 0, &ValidationError{Reason: "entry price must be positive"}
	}
	dist := entry - stop
	if dist < 0 {
		dist = -dist
	}
	if stop <= 0 || dist == 0 {
		return 0, 0, &ValidationError{Reason: fmt.Sprintf("degenerate stop distance (entry=%v stop=%v)", entry, stop)}
	}

	m.mu.Lock()
	equity := m.equity
	scale := m.riskScaleLocked()
	m.mu.Unlock()

	risk := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(m.cfg.RiskPct)).
		Mul(decimal.NewFromFloat(scale))
	rawQty := risk.Div(decimal.NewFromFloat(dist))
	if m.cfg.QtyStep > 0 {
		step := decimal.NewFromFloat(m.cfg.QtyStep)
		rawQty = rawQty.Div(step).Floor().Mul(step)
	} else {
		rawQty = rawQty.RoundDown(8)
	}
	qty, _ = rawQty.Float64()
	if qty <= 0 {
		return 0, 0, &ValidationError{Reason: "computed size rounds to zero"}
	}
	riskAmount, _ = rawQty.Mul(decimal.NewFromFloat(dist)).Float64()
	return qty, riskAmount, nil
}

// riskScaleLocked walks the drawdown tiers and returns the deepest matching
// scale. Monotonic: deeper drawdown never increases the multiplier.
func (m *Manager) riskScaleLocked() float64 {
	dd := m.drawdownLocked()
	scale := 1.0
	for _, tier := range m.cfg.DrawdownTiers {
		if dd > tier.Threshold {
			scale = tier.Scale
		}
	}
	return scale
}

// CanOpenPosition gates new entries on the drawdown breaker. Once tripped the
// breaker stays tripped until ResetDaily, even if equity recovers.
func (m *Manager) CanOpenPosition() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerTripped {
		return false, m.breakerReason
	}
	if dd := m.dailyDrawdownLocked(); dd > m.cfg.MaxDailyDrawdown {
		m.breakerTripped = true
		m.breakerReason = fmt.Sprintf("daily drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDailyDrawdown*100)
		return false, m.breakerReason
	}
	if dd := m.drawdownLocked(); dd > m.cfg.MaxDrawdown {
		m.breakerTripped = true
		m.breakerReason = fmt.Sprintf("total drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDrawdown*100)
		return false, m.breakerReason
	}
	return true, ""
}

// WouldExceedHeat reports whether adding riskAmount would break the heat cap.
// Enforced at the gate: heat is never clamped after the fact.
func (m *Manager) WouldExceedHeat(riskAmount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.equity <= 0 {
		return true
	}
	return (m.openRisk+riskAmount)/m.equity > m.cfg.MaxPortfolioHeat
}

// ReserveRisk books amount if it keeps portfolio heat within the cap. The
// check and the booking share one critical section, so two entries racing for
// the same headroom cannot both pass.
func (m *Manager) ReserveRisk(amount float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.equity <= 0 {
		return false, "no equity to risk"
	}
	heat := (m.openRisk + amount) / m.equity
	if heat > m.cfg.MaxPortfolioHeat {
		return false, fmt.Sprintf("portfolio heat %.2f%% would exceed cap %.2f%%", heat*100, m.cfg.MaxPortfolioHeat*100)
	}
	m.openRisk += amount
	return true, ""
}

// AddOpenRisk books risk for an accepted entry.
func (m *Manager) AddOpenRisk(amount float64) {
	m.mu.Lock()
	m.openRisk += amount
	m.mu.Unlock()
}

// ReleaseRisk returns booked risk on exit or partial exit.
func (m *Manager) ReleaseRisk(amount float64) {
	m.mu.Lock()
	m.openRisk -= amount
	if m.openRisk < 0 {
		m.openRisk = 0
	}
	m.mu.Unlock()
}

// PortfolioHeat is Σ open risk over equity.
func (m *Manager) PortfolioHeat() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.equity <= 0 {
		return 0
	}
	return m.openRisk / m.equity
}

// UpdateEquity records the latest marked equity and advances the peak. The
// breaker latches here, not only at gate time, so a dip that recovers before
// the next entry attempt still trips it for the rest of the period.
func (m *Manager) UpdateEquity(value float64) {
	m.mu.Lock()
	m.equity = value
	if value > m.peakEquity {
		m.peakEquity = value
	}
	if !m.breakerTripped {
		if dd := m.dailyDrawdownLocked(); dd > m.cfg.MaxDailyDrawdown {
			m.breakerTripped = true
			m.breakerReason = fmt.Sprintf("daily drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDailyDrawdown*100)
		} else if dd := m.drawdownLocked(); dd > m.cfg.MaxDrawdown {
			m.breakerTripped = true
			m.breakerReason = fmt.Sprintf("total drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDrawdown*100)
		}
	}
	m.mu.Unlock()
}

// ResetDaily re-arms the daily breaker at the configured boundary.
// The total-drawdown breaker re-arms too; it trips again immediately on the
// next gate check if total drawdown still exceeds the limit.
func (m *Manager) ResetDaily(now time.Time) {
	m.mu.Lock()
	m.dayStartEquity = m.equity
	m.dayStarted = now
	m.breakerTripped = false
	m.breakerReason = ""
	m.mu.Unlock()
}

func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

func (m *Manager) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

func (m *Manager) DailyDrawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyDrawdownLocked()
}

func (m *Manager) drawdownLocked() float64 {
	if m.peakEquity <= 0 {
		return 0
	}
	dd := (m.peakEquity - m.equity) / m.peakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

func (m *Manager) dailyDrawdownLocked() float64 {
	if m.dayStartEquity <= 0 {
		return 0
	}
	dd := (m.dayStartEquity - m.equity) / m.dayStartEquity
	if dd < 0 {
		return 0
	}
	return dd
}
