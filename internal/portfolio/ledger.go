// Package portfolio holds the cross-symbol shared state: the equity ledger
// and the correlation-aware entry gate. These are the only resources symbol
// traders share; every mutation is serialized through one critical section
// and reads return copies, never live references.
package portfolio

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type AllocationMode string

const (
	AllocationEqual    AllocationMode = "equal"
	AllocationWeighted AllocationMode = "weighted"
	AllocationDynamic  AllocationMode = "dynamic"
)

func ParseAllocationMode(s string) (AllocationMode, bool) {
	switch AllocationMode(strings.ToLower(strings.TrimSpace(s))) {
	case AllocationEqual:
		return AllocationEqual, true
	case AllocationWeighted:
		return AllocationWeighted, true
	case AllocationDynamic:
		return AllocationDynamic, true
	default:
		return "", false
	}
}

// SymbolEquity is one symbol's slice of the ledger.
type SymbolEquity struct {
	Allocated   float64
	Equity      float64
	RealizedPnL float64
}

// Snapshot is a consistent point-in-time view of the ledger. Derived on
// demand, never mutated in place.
type Snapshot struct {
	TotalEquity      float64
	PeakEquity       float64
	DrawdownPct      float64
	AvailableCapital float64
	PerSymbol        map[string]SymbolEquity
	TakenAt          time.Time
}

// DrawdownAlert is an advisory notification, not a trading gate.
type DrawdownAlert struct {
	Threshold float64
	Drawdown  float64
	Snapshot  Snapshot
}

type LedgerConfig struct {
	TotalCapital float64
	Mode         AllocationMode
	Weights      map[string]float64 // for AllocationWeighted
	Symbols      []string
	// AlertThresholds are drawdown fractions that fire OnDrawdownAlert once
	// each per crossing.
	AlertThresholds []float64
	OnDrawdownAlert func(DrawdownAlert)
}

// Ledger is the single record of capital allocation and equity across all
// symbol traders sharing one pool.
type Ledger struct {
	mu        sync.Mutex
	mode      AllocationMode
	capital   float64
	available float64
	accounts  map[string]*SymbolEquity
	peak      float64

	alertThresholds []float64
	alerted         map[float64]bool
	onAlert         func(DrawdownAlert)
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.TotalCapital <= 0 {
		return nil, fmt.Errorf("ledger requires positive total capital")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("ledger requires at least one symbol")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = AllocationEqual
	}
	thresholds := append([]float64(nil), cfg.AlertThresholds...)
	sort.Float64s(thresholds)
	l := &Ledger{
		mode:            mode,
		capital:         cfg.TotalCapital,
		available:       cfg.TotalCapital,
		accounts:        make(map[string]*SymbolEquity),
		peak:            cfg.TotalCapital,
		alertThresholds: thresholds,
		alerted:         make(map[float64]bool),
		onAlert:         cfg.OnDrawdownAlert,
	}
	allocations, err := computeAllocations(mode, cfg.TotalCapital, cfg.Symbols, cfg.Weights)
	if err != nil {
		return nil, err
	}
	for sym, alloc := range allocations {
		l.accounts[sym] = &SymbolEquity{Allocated: alloc, Equity: alloc}
		l.available -= alloc
	}
	return l, nil
}

func computeAllocations(mode AllocationMode, capital float64, symbols []string, weights map[string]float64) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	switch mode {
	case AllocationEqual, AllocationDynamic:
		// Dynamic starts equal; Rebalance shifts allocations later.
		share := capital / float64(len(symbols))
		for _, sym := range symbols {
			out[sym] = share
		}
	case AllocationWeighted:
		var total float64
		for _, sym := range symbols {
			w := weights[sym]
			if w <= 0 {
				return nil, fmt.Errorf("weighted allocation missing weight for %s", sym)
			}
			total += w
		}
		for _, sym := range symbols {
			out[sym] = capital * weights[sym] / total
		}
	default:
		return nil, fmt.Errorf("unknown allocation mode %q", mode)
	}
	return out, nil
}

// Allocation returns the capital reserved for a symbol.
func (l *Ledger) Allocation(symbol string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[symbol]
	if !ok {
		return 0, false
	}
	return acct.Allocated, true
}

// UpdateEquity records a symbol's marked equity and fires advisory drawdown
// alerts on threshold crossings.
func (l *Ledger) UpdateEquity(symbol string, equity float64) error {
	l.mu.Lock()
	acct, ok := l.accounts[symbol]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	acct.Equity = equity
	total := l.totalEquityLocked()
	if total > l.peak {
		l.peak = total
	}
	alert, fire := l.checkAlertsLocked(total)
	l.mu.Unlock()
	if fire && l.onAlert != nil {
		// Advisory only; deliver outside the critical section.
		go l.onAlert(alert)
	}
	return nil
}

// RealizePnL books a closed (or partially closed) trade's result.
func (l *Ledger) RealizePnL(symbol string, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[symbol]
	if !ok {
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	acct.RealizedPnL += pnl
	return nil
}

// AddSymbol brings a new symbol into the pool mid-flight, funded from
// unallocated capital. The target is an equal share of total equity, bounded
// by what is actually free; a later Rebalance can even things out.
func (l *Ledger) AddSymbol(symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[symbol]; ok {
		return fmt.Errorf("symbol %s already in ledger", symbol)
	}
	if l.available <= 0 {
		return fmt.Errorf("no unallocated capital to fund %s", symbol)
	}
	target := l.totalEquityLocked() / float64(len(l.accounts)+1)
	alloc := target
	if alloc > l.available {
		alloc = l.available
	}
	l.accounts[symbol] = &SymbolEquity{Allocated: alloc, Equity: alloc}
	l.available -= alloc
	return nil
}

// RemoveSymbol releases a symbol's allocation back to the pool.
func (l *Ledger) RemoveSymbol(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[symbol]
	if !ok {
		return
	}
	l.available += acct.Equity
	delete(l.accounts, symbol)
}

// Rebalance folds unallocated capital back into the pool and redistributes the
// whole of it proportionally to current per-symbol equity, so symbols that
// have grown get more working capital. Only meaningful under
// AllocationDynamic; a no-op otherwise.
func (l *Ledger) Rebalance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mode != AllocationDynamic {
		return
	}
	var equitySum float64
	for _, acct := range l.accounts {
		equitySum += acct.Equity
	}
	if equitySum <= 0 {
		return
	}
	pool := l.available + equitySum
	for _, acct := range l.accounts {
		share := acct.Equity / equitySum
		acct.Allocated = pool * share
		acct.Equity = pool * share
	}
	l.available = 0
}

// TotalEquity is the sum of per-symbol equities plus unallocated capital.
func (l *Ledger) TotalEquity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalEquityLocked()
}

// Snapshot returns a consistent copy of the whole ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() Snapshot {
	total := l.totalEquityLocked()
	per := make(map[string]SymbolEquity, len(l.accounts))
	for sym, acct := range l.accounts {
		per[sym] = *acct
	}
	dd := 0.0
	if l.peak > 0 && total < l.peak {
		dd = (l.peak - total) / l.peak
	}
	return Snapshot{
		TotalEquity:      total,
		PeakEquity:       l.peak,
		DrawdownPct:      dd,
		AvailableCapital: l.available,
		PerSymbol:        per,
		TakenAt:          time.Now(),
	}
}

func (l *Ledger) totalEquityLocked() float64 {
	total := l.available
	for _, acct := range l.accounts {
		total += acct.Equity
	}
	return total
}

func (l *Ledger) checkAlertsLocked(total float64) (DrawdownAlert, bool) {
	if l.peak <= 0 {
		return DrawdownAlert{}, false
	}
	dd := (l.peak - total) / l.peak
	for _, threshold := range l.alertThresholds {
		if dd > threshold && !l.alerted[threshold] {
			l.alerted[threshold] = true
			return DrawdownAlert{Threshold: threshold, Drawdown: dd, Snapshot: l.snapshotLocked()}, true
		}
		if dd <= threshold {
			// Re-arm once the drawdown recovers below the threshold.
			l.alerted[threshold] = false
		}
	}
	return DrawdownAlert{}, false
}
