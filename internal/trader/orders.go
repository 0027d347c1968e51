package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"reef/internal/gateway/exchange"
	"reef/internal/logger"
	"reef/internal/pkg/trading"
	"reef/internal/risk"
	"reef/internal/store"
	"reef/internal/strategy"
)

// dustQty is the threshold under which a venue-reported remainder is treated
// as fully closed.
const dustQty = 1e-9

func (t *Trader) onSignal(ctx context.Context, sig *strategy.Signal) error {
	if sig == nil {
		return nil
	}
	t.emit(KindSignal, fmt.Sprintf("%s @ %.8g (%s)", sig.Kind, sig.Price, sig.Reason))

	if sig.MoveToBreakeven {
		if err := t.moveStopToBreakeven(ctx); err != nil {
			logger.Warnf("[%s] move stop to breakeven: %v", t.cfg.Symbol, err)
		}
	}

	switch sig.Kind {
	case strategy.SignalEnterLong, strategy.SignalEnterShort:
		return t.handleEntry(ctx, sig)
	case strategy.SignalExit:
		return t.handleExit(ctx, sig.Reason)
	case strategy.SignalPartialExit:
		return t.handlePartialExit(ctx, sig)
	default:
		return fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
}

// handleEntry runs the full admission chain before any order leaves the
// process: breaker, sizing, heat, portfolio gate. A refusal at any step is an
// expected outcome, logged and dropped.
func (t *Trader) handleEntry(ctx context.Context, sig *strategy.Signal) error {
	if t.State() != StateFlat {
		logger.Debugf("[%s] entry signal ignored in state %s", t.cfg.Symbol, t.State())
		return nil
	}
	if sig.Price <= 0 || sig.StopLoss <= 0 {
		t.emit(KindInfo, "entry refused: signal carries no price or stop")
		return nil
	}
	if t.deps.GateSignal != nil {
		if ok, why := t.deps.GateSignal(sig); !ok {
			t.emit(KindSignal, "entry suppressed: "+why)
			return nil
		}
	}
	if ok, why := t.deps.Risk.CanOpenPosition(); !ok {
		t.emit(KindInfo, "entry refused: "+why)
		return nil
	}

	qty, riskAmt, err := t.deps.Risk.PositionSize(sig.Price, sig.StopLoss)
	var verr *risk.ValidationError
	if errors.As(err, &verr) {
		t.emit(KindInfo, "entry refused: "+verr.Reason)
		return nil
	}
	if err != nil {
		return fmt.Errorf("position size: %w", err)
	}
	// Admission reserves the risk before any order leaves the process. The
	// reservation must be released on every path where no position results.
	if ok, why := t.deps.Risk.ReserveRisk(riskAmt); !ok {
		t.emit(KindInfo, "entry refused: "+why)
		return nil
	}
	if t.deps.Gate != nil {
		if ref := t.deps.Gate.Reserve(t.cfg.Symbol, riskAmt); ref != nil {
			t.deps.Risk.ReleaseRisk(riskAmt)
			t.emit(KindInfo, "entry refused: "+ref.String())
			return nil
		}
	}

	side := exchange.SideBuy
	posSide := "long"
	if sig.Kind == strategy.SignalEnterShort {
		side = exchange.SideSell
		posSide = "short"
	}

	t.setState(StateEntering)
	res, err := t.placeMarket(ctx, exchange.OrderRequest{
		Symbol:        t.cfg.Symbol,
		Side:          side,
		Quantity:      qty,
		ClientOrderID: t.clientID("e"),
	})
	if err != nil {
		t.releaseReserved(riskAmt)
		t.setState(StateFlat)
		if exchange.IsRejection(err) {
			t.emit(KindInfo, "entry rejected by venue: "+err.Error())
			return nil
		}
		t.emit(KindCritical, "entry order failed after retries; venue state unknown until reconciliation: "+err.Error())
		t.notify(fmt.Sprintf("⚠️ %s entry order failed: %v", t.cfg.Symbol, err))
		return fmt.Errorf("entry order: %w", err)
	}

	fill := res.AvgFillPrice
	fillAt := time.Now()
	logger.Infof("[%s] entered %s %.8g @ %.8g (signal %.8g)", t.cfg.Symbol, posSide, res.ExecutedQty, fill, sig.Price)

	if slip := math.Abs(fill-sig.Price) / sig.Price; slip > t.cfg.SlippageTolerance {
		logger.Warnf("[%s] slippage %.4f%% exceeds tolerance %.4f%%", t.cfg.Symbol, slip*100, t.cfg.SlippageTolerance*100)
		if sig.TakeProfit > 0 {
			rr := math.Abs(sig.TakeProfit-fill) / math.Abs(fill-sig.StopLoss)
			if rr < t.cfg.MinRiskReward {
				t.emit(KindTrade, fmt.Sprintf("entry abandoned: fill %.8g leaves R:R %.2f below %.2f", fill, rr, t.cfg.MinRiskReward))
				return t.abortEntry(ctx, posSide, side, res, riskAmt)
			}
		}
	}

	pos := &Position{
		Symbol:          t.cfg.Symbol,
		Side:            posSide,
		Quantity:        res.ExecutedQty,
		InitialQuantity: res.ExecutedQty,
		EntryPrice:      fill,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		RiskAmount:      riskAmt,
		OpenedAt:        fillAt.UTC(),
		Version:         1,
	}

	// The position is live and unprotected from this point until the stop
	// rests at the venue. Failure here forces an immediate flatten.
	stopRes, err := t.placeStop(ctx, pos)
	if err != nil {
		t.emit(KindCritical, "stop placement failed, flattening: "+err.Error())
		t.notify(fmt.Sprintf("🚨 %s stop placement failed, emergency close: %v", t.cfg.Symbol, err))
		return t.abortEntry(ctx, posSide, side, res, riskAmt)
	}
	pos.StopOrderID = stopRes.OrderID
	logger.Infof("[%s] protected after %s (stop %s @ %.8g)", t.cfg.Symbol, time.Since(fillAt).Round(time.Millisecond), stopRes.OrderID, pos.StopLoss)

	if sig.TakeProfit > 0 {
		tpRes, err := t.placeTakeProfit(ctx, pos)
		if err != nil {
			logger.Warnf("[%s] take-profit placement failed, continuing with stop only: %v", t.cfg.Symbol, err)
		} else {
			pos.TakeProfitOrderID = tpRes.OrderID
		}
	}

	// Risk was already booked at admission; the reservation simply becomes
	// the open position's risk.
	t.setPosition(pos)
	t.setState(StateOpen)
	t.persist(ctx)

	t.emit(KindTrade, fmt.Sprintf("opened %s %.8g @ %.8g, stop %.8g", posSide, pos.Quantity, pos.EntryPrice, pos.StopLoss))
	t.notify(fmt.Sprintf("📈 %s opened %s %.8g @ %.8g\nstop %.8g  tp %.8g  risk %.2f", t.cfg.Symbol, posSide, pos.Quantity, pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.RiskAmount))
	return nil
}

// abortEntry closes a just-filled entry that never became a tracked
// position and releases its admission reservation. If the emergency close
// fails the position is still live, so the reservation stays booked.
func (t *Trader) abortEntry(ctx context.Context, posSide string, entrySide exchange.Side, entry *exchange.OrderResult, riskAmt float64) error {
	res, err := t.placeMarket(ctx, exchange.OrderRequest{
		Symbol:        t.cfg.Symbol,
		Side:          entrySide.Opposite(),
		Quantity:      entry.ExecutedQty,
		ReduceOnly:    true,
		ClientOrderID: t.clientID("ea"),
	})
	if err != nil {
		t.setState(StatePaused)
		t.emit(KindCritical, "emergency close failed, trader paused: "+err.Error())
		t.notify(fmt.Sprintf("🚨 %s UNPROTECTED position could not be closed: %v", t.cfg.Symbol, err))
		return fmt.Errorf("emergency close: %w", err)
	}
	t.releaseReserved(riskAmt)

	dir := 1.0
	if posSide == "short" {
		dir = -1
	}
	pnl := (res.AvgFillPrice - entry.AvgFillPrice) * res.ExecutedQty * dir
	t.realized += pnl
	if t.deps.Ledger != nil {
		if err := t.deps.Ledger.RealizePnL(t.cfg.Symbol, pnl); err != nil {
			logger.Warnf("[%s] realize pnl: %v", t.cfg.Symbol, err)
		}
	}
	t.appendTradeLog(ctx, store.TradeLogRecord{
		Symbol:     t.cfg.Symbol,
		Side:       posSide,
		Quantity:   res.ExecutedQty,
		EntryPrice: entry.AvgFillPrice,
		ExitPrice:  res.AvgFillPrice,
		PnL:        pnl,
		Reason:     "entry-aborted",
		ClosedAt:   time.Now().UTC(),
	})
	t.setState(StateFlat)
	return nil
}

// releaseReserved undoes an admission reservation for an entry that never
// became a tracked position.
func (t *Trader) releaseReserved(riskAmt float64) {
	t.deps.Risk.ReleaseRisk(riskAmt)
	if t.deps.Gate != nil {
		t.deps.Gate.RegisterClose(t.cfg.Symbol)
	}
}

// handlePartialExit closes a fraction of the position and re-anchors the
// protective orders on the venue-reported remaining quantity.
func (t *Trader) handlePartialExit(ctx context.Context, sig *strategy.Signal) error {
	p := t.Position()
	st := t.State()
	if p == nil || (st != StateOpen && st != StatePartiallyClosed) {
		logger.Debugf("[%s] partial exit ignored in state %s", t.cfg.Symbol, st)
		return nil
	}
	frac := sig.PartialFraction
	if frac <= 0 {
		return nil
	}
	if frac >= 1 {
		return t.handleExit(ctx, sig.Reason)
	}

	closeQty := trading.CalcCloseAmount(p.Quantity, p.InitialQuantity, frac, false)
	closeQty = math.Floor(closeQty*1e8) / 1e8
	if closeQty <= dustQty {
		return nil
	}
	closeSide := exchange.SideSell
	if p.Side == "short" {
		closeSide = exchange.SideBuy
	}

	res, err := t.placeMarket(ctx, exchange.OrderRequest{
		Symbol:        t.cfg.Symbol,
		Side:          closeSide,
		Quantity:      closeQty,
		ReduceOnly:    true,
		ClientOrderID: t.clientID("px"),
	})
	if err != nil {
		if exchange.IsRejection(err) {
			t.emit(KindInfo, "partial exit rejected by venue: "+err.Error())
			return nil
		}
		t.emit(KindCritical, "partial exit failed after retries: "+err.Error())
		return fmt.Errorf("partial exit order: %w", err)
	}

	dir := 1.0
	if p.Side == "short" {
		dir = -1
	}
	pnl := (res.AvgFillPrice - p.EntryPrice) * res.ExecutedQty * dir
	t.realized += pnl
	if t.deps.Ledger != nil {
		if err := t.deps.Ledger.RealizePnL(t.cfg.Symbol, pnl); err != nil {
			logger.Warnf("[%s] realize pnl: %v", t.cfg.Symbol, err)
		}
	}

	remaining, err := t.venueRemaining(ctx)
	if err != nil {
		logger.Warnf("[%s] query remaining quantity: %v, deriving from fill report", t.cfg.Symbol, err)
		remaining = p.Quantity - res.ExecutedQty
	}
	if remaining <= dustQty {
		// venue says nothing is left; settle as a full close
		t.cancelProtectives(ctx, p)
		t.settleClose(ctx, p, res.AvgFillPrice, res.ExecutedQty, sig.Reason, false)
		return nil
	}

	released := p.RiskAmount * (res.ExecutedQty / p.Quantity)
	p.RiskAmount -= released
	p.Quantity = remaining
	p.Version++
	t.deps.Risk.ReleaseRisk(released)
	if t.deps.Gate != nil {
		t.deps.Gate.ReduceRisk(t.cfg.Symbol, released)
	}

	if err := t.replaceProtectives(ctx, p); err != nil {
		t.emit(KindCritical, "protective replace after partial exit failed: "+err.Error())
		t.notify(fmt.Sprintf("🚨 %s protective orders out of sync after partial exit: %v", t.cfg.Symbol, err))
	}

	t.setPosition(p)
	t.setState(StatePartiallyClosed)
	t.persist(ctx)
	t.appendTradeLog(ctx, store.TradeLogRecord{
		Symbol:     t.cfg.Symbol,
		Side:       p.Side,
		Quantity:   res.ExecutedQty,
		EntryPrice: p.EntryPrice,
		ExitPrice:  res.AvgFillPrice,
		PnL:        pnl,
		Reason:     "partial: " + sig.Reason,
		ClosedAt:   time.Now().UTC(),
	})
	t.emit(KindTrade, fmt.Sprintf("partial exit %.8g @ %.8g, %.8g remains", res.ExecutedQty, res.AvgFillPrice, remaining))
	t.notify(fmt.Sprintf("✂️ %s partial exit %.8g @ %.8g (pnl %.2f), %.8g remains", t.cfg.Symbol, res.ExecutedQty, res.AvgFillPrice, pnl, remaining))
	return nil
}

// handleExit cancels the protective orders and flattens at market.
func (t *Trader) handleExit(ctx context.Context, reason string) error {
	p := t.Position()
	st := t.State()
	if p == nil || (st != StateOpen && st != StatePartiallyClosed) {
		logger.Debugf("[%s] exit signal ignored in state %s", t.cfg.Symbol, st)
		return nil
	}
	t.setState(StateClosing)
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
		ClientOrderID: t.clientID("x"),
	})
	if err != nil {
		t.emit(KindCritical, "close order failed, position is unprotected: "+err.Error())
		t.notify(fmt.Sprintf("🚨 %s close failed, position UNPROTECTED: %v", t.cfg.Symbol, err))
		return fmt.Errorf("close order: %w", err)
	}
	t.settleClose(ctx, p, res.AvgFillPrice, res.ExecutedQty, reason, false)
	return nil
}

// settleClose releases every resource tied to the position and returns the
// trader to flat. approx marks PnL reconstructed without a true fill price.
func (t *Trader) settleClose(ctx context.Context, p *Position, exitPrice, qty float64, reason string, approx bool) {
	dir := 1.0
	if p.Side == "short" {
		dir = -1
	}
	pnl := (exitPrice - p.EntryPrice) * qty * dir
	t.realized += pnl
	if t.deps.Ledger != nil {
		if err := t.deps.Ledger.RealizePnL(t.cfg.Symbol, pnl); err != nil {
			logger.Warnf("[%s] realize pnl: %v", t.cfg.Symbol, err)
		}
	}
	t.deps.Risk.ReleaseRisk(p.RiskAmount)
	if t.deps.Gate != nil {
		t.deps.Gate.RegisterClose(t.cfg.Symbol)
	}

	t.appendTradeLog(ctx, store.TradeLogRecord{
		Symbol:         t.cfg.Symbol,
		Side:           p.Side,
		Quantity:       qty,
		EntryPrice:     p.EntryPrice,
		ExitPrice:      exitPrice,
		PnL:            pnl,
		PnLApproximate: approx,
		Reason:         reason,
		ClosedAt:       time.Now().UTC(),
	})
	if err := t.deps.Store.DeletePosition(ctx, t.cfg.Symbol); err != nil {
		logger.Warnf("[%s] delete position record: %v", t.cfg.Symbol, err)
	}

	t.setPosition(nil)
	t.setState(StateFlat)
	logger.Infof("[%s] closed %.8g @ %.8g, pnl %.4f (%s)", t.cfg.Symbol, qty, exitPrice, pnl, reason)
	t.emit(KindTrade, fmt.Sprintf("closed %.8g @ %.8g, pnl %.4f (%s)", qty, exitPrice, pnl, reason))
	t.notify(fmt.Sprintf("📉 %s closed %.8g @ %.8g\npnl %.2f (%s)", t.cfg.Symbol, qty, exitPrice, pnl, reason))
}

// moveStopToBreakeven replaces the stop at the entry price without touching
// the quantity.
func (t *Trader) moveStopToBreakeven(ctx context.Context) error {
	p := t.Position()
	if p == nil || p.StopOrderID == "" {
		return nil
	}
	if p.StopLoss == p.EntryPrice {
		return nil
	}
	if err := t.cancelOrder(ctx, p.StopOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return fmt.Errorf("cancel stop: %w", err)
	}
	p.StopLoss = p.EntryPrice
	p.Version++
	res, err := t.placeStop(ctx, p)
	if err != nil {
		t.emit(KindCritical, "breakeven stop replace failed, position unprotected: "+err.Error())
		t.notify(fmt.Sprintf("🚨 %s stop replace failed at breakeven: %v", t.cfg.Symbol, err))
		return fmt.Errorf("replace stop: %w", err)
	}
	p.StopOrderID = res.OrderID
	t.setPosition(p)
	t.persist(ctx)
	t.emit(KindInfo, fmt.Sprintf("stop moved to breakeven @ %.8g", p.StopLoss))
	return nil
}

// replaceProtectives cancels and re-places the stop and take-profit sized to
// the current quantity. Client ids derive from the position version, so a
// retried replace is idempotent at the venue.
func (t *Trader) replaceProtectives(ctx context.Context, p *Position) error {
	t.cancelProtectives(ctx, p)
	res, err := t.placeStop(ctx, p)
	if err != nil {
		return fmt.Errorf("replace stop: %w", err)
	}
	p.StopOrderID = res.OrderID
	p.TakeProfitOrderID = ""
	if p.TakeProfit > 0 {
		tpRes, err := t.placeTakeProfit(ctx, p)
		if err != nil {
			logger.Warnf("[%s] take-profit replace failed, continuing with stop only: %v", t.cfg.Symbol, err)
		} else {
			p.TakeProfitOrderID = tpRes.OrderID
		}
	}
	return nil
}

func (t *Trader) cancelProtectives(ctx context.Context, p *Position) {
	for _, id := range []string{p.StopOrderID, p.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		if err := t.cancelOrder(ctx, id); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("[%s] cancel order %s: %v", t.cfg.Symbol, id, err)
		}
	}
}

// venueRemaining asks the venue for the open quantity on this symbol.
// Returns 0 when the venue reports no position.
func (t *Trader) venueRemaining(ctx context.Context) (float64, error) {
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	var positions []exchange.PositionInfo
	err := t.retryPolicy().Do(octx, func(c context.Context) error {
		var e error
		positions, e = t.deps.Exchange.GetOpenPositions(c)
		return e
	})
	if err != nil {
		return 0, err
	}
	for _, pi := range positions {
		if pi.Symbol == t.cfg.Symbol {
			return pi.Quantity, nil
		}
	}
	return 0, nil
}

func (t *Trader) placeMarket(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	var res *exchange.OrderResult
	err := t.retryPolicy().Do(octx, func(c context.Context) error {
		var e error
		res, e = t.deps.Exchange.PlaceMarketOrder(c, req)
		return e
	})
	if err != nil {
		return nil, err
	}
	return t.awaitFill(octx, res)
}

// awaitFill polls the venue until the order reports filled. Executed
// quantity and fill price always come from the venue report.
func (t *Trader) awaitFill(ctx context.Context, res *exchange.OrderResult) (*exchange.OrderResult, error) {
	for !res.Filled() {
		if res.Status == exchange.OrderStatusCanceled || res.Status == exchange.OrderStatusRejected {
			return nil, &exchange.RejectionError{Op: "await fill", Reason: fmt.Sprintf("order %s ended %s", res.OrderID, res.Status)}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("order %s not filled before timeout (status %s)", res.OrderID, res.Status)
		case <-time.After(500 * time.Millisecond):
		}
		next, err := t.deps.Exchange.GetOrder(ctx, t.cfg.Symbol, res.OrderID)
		if err != nil {
			logger.Warnf("[%s] poll order %s: %v", t.cfg.Symbol, res.OrderID, err)
			continue
		}
		res = next
	}
	return res, nil
}

func (t *Trader) placeStop(ctx context.Context, p *Position) (*exchange.OrderResult, error) {
	closeSide := exchange.SideSell
	if p.Side == "short" {
		closeSide = exchange.SideBuy
	}
	req := exchange.StopOrderRequest{
		Symbol:        t.cfg.Symbol,
		Side:          closeSide,
		Quantity:      p.Quantity,
		StopPrice:     p.StopLoss,
		ReduceOnly:    true,
		ClientOrderID: t.protectiveClientID("sl", p.Version),
	}
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	var res *exchange.OrderResult
	err := t.retryPolicy().Do(octx, func(c context.Context) error {
		var e error
		res, e = t.deps.Exchange.PlaceStopOrder(c, req)
		return e
	})
	return res, err
}

func (t *Trader) placeTakeProfit(ctx context.Context, p *Position) (*exchange.OrderResult, error) {
	closeSide := exchange.SideSell
	if p.Side == "short" {
		closeSide = exchange.SideBuy
	}
	req := exchange.StopOrderRequest{
		Symbol:        t.cfg.Symbol,
		Side:          closeSide,
		Quantity:      p.Quantity,
		StopPrice:     p.TakeProfit,
		ReduceOnly:    true,
		ClientOrderID: t.protectiveClientID("tp", p.Version),
	}
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	var res *exchange.OrderResult
	err := t.retryPolicy().Do(octx, func(c context.Context) error {
		var e error
		res, e = t.deps.Exchange.PlaceTakeProfitOrder(c, req)
		return e
	})
	return res, err
}

func (t *Trader) cancelOrder(ctx context.Context, orderID string) error {
	octx, cancel := t.orderCtx(ctx)
	defer cancel()
	return t.retryPolicy().Do(octx, func(c context.Context) error {
		return t.deps.Exchange.CancelOrder(c, t.cfg.Symbol, orderID)
	})
}
