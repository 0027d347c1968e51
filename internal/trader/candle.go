package trader

import (
	"context"
	"errors"
	"fmt"

	"reef/internal/gateway/exchange"
	"reef/internal/logger"
	"reef/internal/market"
)

// onCandle is the per-candle pipeline: detect protective-order fills, mark
// equity, then let the strategy speak. Runs entirely on the loop goroutine.
func (t *Trader) onCandle(ctx context.Context, ev market.CandleEvent) error {
	if ev.Interval != t.cfg.Interval {
		return nil
	}
	t.appendCandle(ev.Candle)

	if err := t.checkProtectiveFills(ctx, ev.Candle.Close); err != nil {
		logger.Warnf("[%s] protective order check: %v", t.cfg.Symbol, err)
	}

	t.markEquity(ev.Candle.Close)

	sig := t.deps.Strategy.Analyze(ev.Candle, t.signedQuantity(), t.cfg.Symbol)
	if sig == nil {
		return nil
	}
	return t.onSignal(ctx, sig)
}

func (t *Trader) appendCandle(c market.Candle) {
	t.candles = append(t.candles, c)
	if len(t.candles) > t.cfg.Window {
		t.candles = t.candles[len(t.candles)-t.cfg.Window:]
	}
}

func (t *Trader) signedQuantity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position.SignedQuantity()
}

// markEquity reports symbol equity (allocation + realized + unrealized at the
// candle close) to the ledger and the portfolio risk manager.
func (t *Trader) markEquity(mark float64) {
	if t.deps.Ledger == nil {
		return
	}
	alloc, ok := t.deps.Ledger.Allocation(t.cfg.Symbol)
	if !ok {
		return
	}
	unrealized := 0.0
	if p := t.Position(); p != nil {
		unrealized = (mark - p.EntryPrice) * p.SignedQuantity()
	}
	equity := alloc + t.realized + unrealized
	if err := t.deps.Ledger.UpdateEquity(t.cfg.Symbol, equity); err != nil {
		logger.Warnf("[%s] ledger update: %v", t.cfg.Symbol, err)
	}
	t.deps.Risk.UpdateEquity(t.deps.Ledger.TotalEquity())
}

// checkProtectiveFills polls the resting stop and take-profit orders. The
// venue deciding a fill is the only source of truth for a closed position.
func (t *Trader) checkProtectiveFills(ctx context.Context, mark float64) error {
	p := t.Position()
	if p == nil {
		return nil
	}

	if p.StopOrderID != "" {
		res, err := t.getOrder(ctx, p.StopOrderID)
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			// order gone without a fill report; reconciliation territory
			logger.Warnf("[%s] stop order %s not found at venue", t.cfg.Symbol, p.StopOrderID)
		case err != nil:
			return fmt.Errorf("query stop order: %w", err)
		case res.Filled():
			return t.onProtectiveFilled(ctx, p, res, "stop-loss")
		}
	}
	if p.TakeProfitOrderID != "" {
		res, err := t.getOrder(ctx, p.TakeProfitOrderID)
		switch {
		case errors.Is(err, exchange.ErrOrderNotFound):
			logger.Warnf("[%s] take-profit order %s not found at venue", t.cfg.Symbol, p.TakeProfitOrderID)
		case err != nil:
			return fmt.Errorf("query take-profit order: %w", err)
		case res.Filled():
			return t.onProtectiveFilled(ctx, p, res, "take-profit")
		}
	}
	return nil
}

func (t *Trader) getOrder(ctx context.Context, orderID string) (*exchange.OrderResult, error) {
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	var res *exchange.OrderResult
	err := t.retryPolicy().Do(octx, func(c context.Context) error {
		var e error
		res, e = t.deps.Exchange.GetOrder(c, t.cfg.Symbol, orderID)
		return e
	})
	return res, err
}

// onProtectiveFilled settles a position the venue closed for us: cancel the
// surviving sibling order, realize PnL at the reported fill price, go flat.
func (t *Trader) onProtectiveFilled(ctx context.Context, p *Position, res *exchange.OrderResult, reason string) error {
	logger.Infof("[%s] %s filled at %.8g for %.8g", t.cfg.Symbol, reason, res.AvgFillPrice, res.ExecutedQty)

	sibling := p.TakeProfitOrderID
	if res.OrderID == sibling {
		sibling = p.StopOrderID
	}
	if sibling != "" {
		if err := t.cancelOrder(ctx, sibling); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("[%s] cancel sibling order %s: %v", t.cfg.Symbol, sibling, err)
		}
	}

	t.settleClose(ctx, p, res.AvgFillPrice, p.Quantity, reason, false)
	return nil
}
