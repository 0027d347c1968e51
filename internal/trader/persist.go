package trader

import (
	"context"
	"fmt"
	"time"

	"reef/internal/gateway/exchange"
	"reef/internal/logger"
	"reef/internal/store"
)

// persist writes the current position and state so a restart can resume from
// the last committed transition.
func (t *Trader) persist(ctx context.Context) {
	p := t.Position()
	if p == nil {
		return
	}
	status := store.PositionStatusOpen
	if t.State() == StatePartiallyClosed {
		status = store.PositionStatusPartial
	}
	equity := 0.0
	if t.deps.Ledger != nil {
		if alloc, ok := t.deps.Ledger.Allocation(t.cfg.Symbol); ok {
			equity = alloc + t.realized
		}
	}
	rec := store.PositionRecord{
		Symbol:            p.Symbol,
		Side:              p.Side,
		Quantity:          p.Quantity,
		InitialQuantity:   p.InitialQuantity,
		EntryPrice:        p.EntryPrice,
		StopLoss:          p.StopLoss,
		TakeProfit:        p.TakeProfit,
		StopOrderID:       p.StopOrderID,
		TakeProfitOrderID: p.TakeProfitOrderID,
		RiskAmount:        p.RiskAmount,
		Equity:            equity,
		Status:            status,
		OpenedAt:          p.OpenedAt,
		UpdatedAt:         time.Now().UTC(),
		Raw: map[string]any{
			"version": p.Version,
			"state":   string(t.State()),
		},
	}
	if err := t.deps.Store.SavePosition(ctx, rec); err != nil {
		logger.Errorf("[%s] persist position: %v", t.cfg.Symbol, err)
	}
}

func (t *Trader) appendTradeLog(ctx context.Context, rec store.TradeLogRecord) {
	if err := t.deps.Store.AppendTradeLog(ctx, rec); err != nil {
		logger.Errorf("[%s] append trade log: %v", t.cfg.Symbol, err)
	}
}

// shutdown runs the configured shutdown action under a bounded deadline.
// flatten-all closes the position at market; leave-protected persists and
// leaves the protective orders resting at the venue.
func (t *Trader) shutdown(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	p := t.Position()
	if p == nil {
		return
	}
	switch t.cfg.Shutdown {
	case ShutdownFlattenAll:
		logger.Infof("[%s] shutdown: flattening %.8g", t.cfg.Symbol, p.Quantity)
		t.cancelProtectives(ctx, p)
		closeSide := exchange.SideSell
		if p.Side == "short" {
			closeSide = exchange.SideBuy
		}
		res, err := t.placeMarket(ctx, exchange.OrderRequest{
			Symbol:        t.cfg.Symbol,
			Side:          closeSide,
			Quantity:      p.Quantity,
			ReduceOnly:    true,
			ClientOrderID: t.clientID("sd"),
		})
		if err != nil {
			logger.Errorf("[%s] shutdown flatten failed: %v", t.cfg.Symbol, err)
			t.notify(fmt.Sprintf("🚨 %s shutdown flatten failed, position may remain: %v", t.cfg.Symbol, err))
			t.persist(ctx)
			return
		}
		t.settleClose(ctx, p, res.AvgFillPrice, res.ExecutedQty, "shutdown", false)
	default:
		logger.Infof("[%s] shutdown: leaving position protected (stop %s)", t.cfg.Symbol, p.StopOrderID)
		t.persist(ctx)
	}
}
