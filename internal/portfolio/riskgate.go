package portfolio

import (
	"fmt"
	"sync"
)

// CorrelationGroup caps aggregate open risk across symbols that tend to move
// together.
type CorrelationGroup struct {
	Name       string
	Symbols    []string
	MaxRiskPct float64 // of total equity
}

// Refusal is the expected non-error outcome of a rejected entry.
type Refusal struct {
	Code   string
	Detail string
}

const (
	RefusalMaxConcurrent = "max-concurrent-positions"
	RefusalGroupCap      = "correlation-group-cap"
)

func (r *Refusal) String() string {
	if r == nil {
		return ""
	}
	return r.Code + ": " + r.Detail
}

// RiskGate combines the global concurrency cap with per-group risk caps.
// A symbol in no configured group is treated as uncorrelated: only the global
// cap applies.
type RiskGate struct {
	mu            sync.Mutex
	maxConcurrent int
	groups        []CorrelationGroup
	bySymbol      map[string][]int // symbol -> indices into groups
	openRisk      map[string]float64
	ledger        *Ledger
}

func NewRiskGate(ledger *Ledger, maxConcurrent int, groups []CorrelationGroup) (*RiskGate, error) {
	if ledger == nil {
		return nil, fmt.Errorf("risk gate requires a ledger")
	}
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent positions must be positive")
	}
	bySymbol := make(map[string][]int)
	for i, g := range groups {
		if g.MaxRiskPct <= 0 || g.MaxRiskPct >= 1 {
			return nil, fmt.Errorf("group %s: max risk pct must be in (0, 1)", g.Name)
		}
		for _, sym := range g.Symbols {
			bySymbol[sym] = append(bySymbol[sym], i)
		}
	}
	return &RiskGate{
		maxConcurrent: maxConcurrent,
		groups:        groups,
		bySymbol:      bySymbol,
		openRisk:      make(map[string]float64),
		ledger:        ledger,
	}, nil
}

// Reserve evaluates a candidate entry and, when admitted, books its risk in
// the same critical section. Without that atomicity two traders racing for
// one group's headroom could both pass and breach the cap together. A nil
// return means the risk is booked; release it with RegisterClose if the
// entry never becomes a position. A Refusal is control flow, not an error.
func (g *RiskGate) Reserve(symbol string, riskAmount float64) *Refusal {
	totalEquity := g.ledger.TotalEquity()

	g.mu.Lock()
	defer g.mu.Unlock()

	if ref := g.checkLocked(symbol, riskAmount, totalEquity); ref != nil {
		return ref
	}
	g.openRisk[symbol] = riskAmount
	return nil
}

func (g *RiskGate) checkLocked(symbol string, riskAmount, totalEquity float64) *Refusal {
	open := 0
	for _, risk := range g.openRisk {
		if risk > 0 {
			open++
		}
	}
	if _, alreadyOpen := g.openRisk[symbol]; !alreadyOpen && open >= g.maxConcurrent {
		return &Refusal{
			Code:   RefusalMaxConcurrent,
			Detail: fmt.Sprintf("%d positions open, cap %d", open, g.maxConcurrent),
		}
	}

	for _, idx := range g.bySymbol[symbol] {
		grp := g.groups[idx]
		groupRisk := riskAmount
		for _, member := range grp.Symbols {
			groupRisk += g.openRisk[member]
		}
		limit := grp.MaxRiskPct * totalEquity
		if groupRisk > limit {
			return &Refusal{
				Code: RefusalGroupCap,
				Detail: fmt.Sprintf("group %s risk %.2f would exceed cap %.2f (%.1f%% of equity)",
					grp.Name, groupRisk, limit, grp.MaxRiskPct*100),
			}
		}
	}
	return nil
}

// RegisterOpen books the accepted entry's risk amount.
func (g *RiskGate) RegisterOpen(symbol string, riskAmount float64) {
	g.mu.Lock()
	g.openRisk[symbol] = riskAmount
	g.mu.Unlock()
}

// ReduceRisk shrinks booked risk after a partial exit.
func (g *RiskGate) ReduceRisk(symbol string, amount float64) {
	g.mu.Lock()
	if risk, ok := g.openRisk[symbol]; ok {
		risk -= amount
		if risk <= 0 {
			delete(g.openRisk, symbol)
		} else {
			g.openRisk[symbol] = risk
		}
	}
	g.mu.Unlock()
}

// RegisterClose releases the symbol's booked risk entirely.
func (g *RiskGate) RegisterClose(symbol string) {
	g.mu.Lock()
	delete(g.openRisk, symbol)
	g.mu.Unlock()
}

// OpenPositions reports how many symbols currently hold booked risk.
func (g *RiskGate) OpenPositions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	open := 0
	for _, risk := range g.openRisk {
		if risk > 0 {
			open++
		}
	}
	return open
}
