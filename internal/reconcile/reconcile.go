// Package reconcile aligns persisted position state with the venue at
// startup. The venue is authoritative for what is open; the store is
// authoritative for why it was opened.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reef/internal/gateway/exchange"
	"reef/internal/gateway/notifier"
	"reef/internal/logger"
	"reef/internal/store"
)

// OrphanPolicy decides what to do with a venue position the store has no
// record of.
type OrphanPolicy string

const (
	// OrphanAdopt takes the position under management with a synthesized stop.
	OrphanAdopt OrphanPolicy = "adopt"
	// OrphanClose flattens it at market.
	OrphanClose OrphanPolicy = "close"
	// OrphanAlert leaves it alone and only notifies.
	OrphanAlert OrphanPolicy = "alert"
)

func ParseOrphanPolicy(s string) (OrphanPolicy, bool) {
	switch OrphanPolicy(strings.ToLower(s)) {
	case OrphanAdopt, "":
		return OrphanAdopt, true
	case OrphanClose:
		return OrphanClose, true
	case OrphanAlert:
		return OrphanAlert, true
	}
	return "", false
}

type Config struct {
	Orphans OrphanPolicy
	// OrphanStopPct sets the synthesized stop distance for adopted orphans,
	// which carry no recorded stop of their own.
	OrphanStopPct float64
	// QuantityTolerance is the relative drift below which local and venue
	// quantities are considered equal.
	QuantityTolerance float64
}

func (c *Config) applyDefaults() {
	if c.Orphans == "" {
		c.Orphans = OrphanAdopt
	}
	if c.OrphanStopPct <= 0 {
		c.OrphanStopPct = 0.02
	}
	if c.QuantityTolerance <= 0 {
		c.QuantityTolerance = 1e-6
	}
}

// Action is one reconciliation decision, kept for the report and the logs.
type Action struct {
	Symbol string
	Kind   string
	Detail string
}

const (
	ActionResumed         = "resumed"
	ActionClosedOffline   = "closed-offline"
	ActionQuantitySynced  = "quantity-synced"
	ActionStopSynthesized = "stop-synthesized"
	ActionOrphanAdopted   = "orphan-adopted"
	ActionOrphanClosed    = "orphan-closed"
	ActionOrphanAlerted   = "orphan-alerted"
	ActionOrderCanceled   = "stale-order-canceled"
)

// Report is the outcome of one reconciliation pass. Resumed records are the
// positions the engine should pick up and continue managing.
type Report struct {
	Resumed []store.PositionRecord
	Actions []Action
}

func (r *Report) add(symbol, kind, detail string) {
	r.Actions = append(r.Actions, Action{Symbol: symbol, Kind: kind, Detail: detail})
	logger.Infof("[reconcile] %s %s: %s", symbol, kind, detail)
}

type Reconciler struct {
	cfg      Config
	exchange exchange.Exchange
	store    store.PositionStore
	notifier notifier.TextNotifier
}

func New(cfg Config, ex exchange.Exchange, st store.PositionStore, n notifier.TextNotifier) (*Reconciler, error) {
	if ex == nil || st == nil {
		return nil, fmt.Errorf("reconcile: exchange and store are required")
	}
	cfg.applyDefaults()
	if n == nil {
		n = notifier.Nop{}
	}
	return &Reconciler{cfg: cfg, exchange: ex, store: st, notifier: n}, nil
}

// Run performs one full pass: settle records the venue no longer holds, sync
// quantities on drift, re-arm missing protective orders, handle orphans and
// sweep stale reduce-only orders.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	records, err := r.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted positions: %w", err)
	}
	venuePositions, err := r.exchange.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch venue positions: %w", err)
	}

	bySymbol := make(map[string]exchange.PositionInfo, len(venuePositions))
	for _, p := range venuePositions {
		bySymbol[p.Symbol] = p
	}

	report := &Report{}
	tracked := make(map[string]bool, len(records))

	for _, rec := range records {
		tracked[rec.Symbol] = true
		venue, open := bySymbol[rec.Symbol]
		if !open || venue.Quantity <= 0 {
			if err := r.settleOffline(ctx, rec, report); err != nil {
				return nil, err
			}
			continue
		}
		rec, err := r.resume(ctx, rec, venue, report)
		if err != nil {
			return nil, err
		}
		report.Resumed = append(report.Resumed, rec)
		report.add(rec.Symbol, ActionResumed, fmt.Sprintf("%s %.8g @ %.8g", rec.Side, rec.Quantity, rec.EntryPrice))
	}

	for _, venue := range venuePositions {
		if tracked[venue.Symbol] || venue.Quantity <= 0 {
			continue
		}
		rec, adopted, err := r.handleOrphan(ctx, venue, report)
		if err != nil {
			return nil, err
		}
		if adopted {
			report.Resumed = append(report.Resumed, rec)
		}
	}

	if err := r.sweepStaleOrders(ctx, bySymbol, report); err != nil {
		logger.Warnf("[reconcile] stale order sweep: %v", err)
	}
	return report, nil
}

// settleOffline closes the books on a position the venue no longer holds.
// If a protective order reports a fill, its price is exact; otherwise the
// recorded stop serves as an approximation and the log says so.
func (r *Reconciler) settleOffline(ctx context.Context, rec store.PositionRecord, report *Report) error {
	exitPrice := rec.StopLoss
	approx := true
	reason := "closed while offline"

	for _, id := range []string{rec.StopOrderID, rec.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		res, err := r.exchange.GetOrder(ctx, rec.Symbol, id)
		if errors.Is(err, exchange.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			logger.Warnf("[reconcile] %s query order %s: %v", rec.Symbol, id, err)
			continue
		}
		if res.Filled() {
			exitPrice = res.AvgFillPrice
			approx = false
			if id == rec.StopOrderID {
				reason = "stop-loss filled while offline"
			} else {
				reason = "take-profit filled while offline"
			}
			break
		}
	}

	dir := 1.0
	if rec.Side == "short" {
		dir = -1
	}
	pnl := (exitPrice - rec.EntryPrice) * rec.Quantity * dir
	if err := r.store.AppendTradeLog(ctx, store.TradeLogRecord{
		Symbol:         rec.Symbol,
		Side:           rec.Side,
		Quantity:       rec.Quantity,
		EntryPrice:     rec.EntryPrice,
		ExitPrice:      exitPrice,
		PnL:            pnl,
		PnLApproximate: approx,
		Reason:         reason,
		ClosedAt:       time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("append trade log for %s: %w", rec.Symbol, err)
	}
	if err := r.store.DeletePosition(ctx, rec.Symbol); err != nil {
		return fmt.Errorf("delete position %s: %w", rec.Symbol, err)
	}
	report.add(rec.Symbol, ActionClosedOffline, fmt.Sprintf("exit %.8g pnl %.4f (approx=%v)", exitPrice, pnl, approx))
	r.notify(fmt.Sprintf("ℹ️ %s was closed while offline: %s, pnl %.2f", rec.Symbol, reason, pnl))
	return nil
}

// resume brings a surviving record back under management: quantity comes
// from the venue, and a missing stop is re-armed before trading restarts.
func (r *Reconciler) resume(ctx context.Context, rec store.PositionRecord, venue exchange.PositionInfo, report *Report) (store.PositionRecord, error) {
	if drift(rec.Quantity, venue.Quantity) > r.cfg.QuantityTolerance {
		report.add(rec.Symbol, ActionQuantitySynced, fmt.Sprintf("local %.8g, venue %.8g", rec.Quantity, venue.Quantity))
		rec.Quantity = venue.Quantity
	}

	openOrders, err := r.exchange.GetOpenOrders(ctx, rec.Symbol)
	if err != nil {
		return rec, fmt.Errorf("fetch open orders for %s: %w", rec.Symbol, err)
	}
	resting := make(map[string]bool, len(openOrders))
	for _, o := range openOrders {
		resting[o.OrderID] = true
	}

	if rec.StopLoss > 0 && (rec.StopOrderID == "" || !resting[rec.StopOrderID]) {
		res, err := r.placeStop(ctx, rec)
		if err != nil {
			r.notify(fmt.Sprintf("🚨 %s resumed UNPROTECTED: stop synthesis failed: %v", rec.Symbol, err))
			return rec, fmt.Errorf("synthesize stop for %s: %w", rec.Symbol, err)
		}
		rec.StopOrderID = res.OrderID
		report.add(rec.Symbol, ActionStopSynthesized, fmt.Sprintf("stop re-armed @ %.8g (order %s)", rec.StopLoss, res.OrderID))
	}
	if rec.TakeProfitOrderID != "" && !resting[rec.TakeProfitOrderID] {
		// take-profit is not re-armed automatically; losing it is survivable
		rec.TakeProfitOrderID = ""
	}

	rec.UpdatedAt = time.Now().UTC()
	if err := r.store.SavePosition(ctx, rec); err != nil {
		return rec, fmt.Errorf("save position %s: %w", rec.Symbol, err)
	}
	return rec, nil
}

func (r *Reconciler) handleOrphan(ctx context.Context, venue exchange.PositionInfo, report *Report) (store.PositionRecord, bool, error) {
	switch r.cfg.Orphans {
	case OrphanClose:
		side := exchange.SideSell
		if venue.Side == "short" {
			side = exchange.SideBuy
		}
		_, err := r.exchange.PlaceMarketOrder(ctx, exchange.OrderRequest{
			Symbol:        venue.Symbol,
			Side:          side,
			Quantity:      venue.Quantity,
			ReduceOnly:    true,
			ClientOrderID: fmt.Sprintf("reef-%s-orphan", strings.ToLower(strings.ReplaceAll(venue.Symbol, "/", ""))),
		})
		if err != nil {
			return store.PositionRecord{}, false, fmt.Errorf("close orphan %s: %w", venue.Symbol, err)
		}
		report.add(venue.Symbol, ActionOrphanClosed, fmt.Sprintf("%s %.8g flattened", venue.Side, venue.Quantity))
		r.notify(fmt.Sprintf("⚠️ %s: unmanaged position %.8g closed", venue.Symbol, venue.Quantity))
		return store.PositionRecord{}, false, nil

	case OrphanAdopt:
		stop := venue.EntryPrice * (1 - r.cfg.OrphanStopPct)
		if venue.Side == "short" {
			stop = venue.EntryPrice * (1 + r.cfg.OrphanStopPct)
		}
		rec := store.PositionRecord{
			Symbol:          venue.Symbol,
			Side:            venue.Side,
			Quantity:        venue.Quantity,
			InitialQuantity: venue.Quantity,
			EntryPrice:      venue.EntryPrice,
			StopLoss:        stop,
			Status:          store.PositionStatusOpen,
			OpenedAt:        time.Now().UTC(),
			UpdatedAt:       time.Now().UTC(),
		}
		res, err := r.placeStop(ctx, rec)
		if err != nil {
			return rec, false, fmt.Errorf("protect adopted orphan %s: %w", venue.Symbol, err)
		}
		rec.StopOrderID = res.OrderID
		if err := r.store.SavePosition(ctx, rec); err != nil {
			return rec, false, fmt.Errorf("save adopted orphan %s: %w", venue.Symbol, err)
		}
		report.add(venue.Symbol, ActionOrphanAdopted, fmt.Sprintf("%s %.8g @ %.8g, stop %.8g", rec.Side, rec.Quantity, rec.EntryPrice, rec.StopLoss))
		r.notify(fmt.Sprintf("ℹ️ %s: adopted unmanaged %s %.8g, stop @ %.8g", venue.Symbol, rec.Side, rec.Quantity, rec.StopLoss))
		return rec, true, nil

	default:
		report.add(venue.Symbol, ActionOrphanAlerted, fmt.Sprintf("%s %.8g left unmanaged", venue.Side, venue.Quantity))
		r.notify(fmt.Sprintf("⚠️ %s: unmanaged position %s %.8g left untouched", venue.Symbol, venue.Side, venue.Quantity))
		return store.PositionRecord{}, false, nil
	}
}

// sweepStaleOrders cancels reduce-only protective orders resting on symbols
// with no open position.
func (r *Reconciler) sweepStaleOrders(ctx context.Context, positions map[string]exchange.PositionInfo, report *Report) error {
	orders, err := r.exchange.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !o.ReduceOnly {
			continue
		}
		if p, ok := positions[o.Symbol]; ok && p.Quantity > 0 {
			continue
		}
		if err := r.exchange.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("[reconcile] cancel stale order %s on %s: %v", o.OrderID, o.Symbol, err)
			continue
		}
		report.add(o.Symbol, ActionOrderCanceled, fmt.Sprintf("%s order %s", o.Type, o.OrderID))
	}
	return nil
}

func (r *Reconciler) placeStop(ctx context.Context, rec store.PositionRecord) (*exchange.OrderResult, error) {
	side := exchange.SideSell
	if rec.Side == "short" {
		side = exchange.SideBuy
	}
	sym := strings.ToLower(strings.ReplaceAll(rec.Symbol, "/", ""))
	return r.exchange.PlaceStopOrder(ctx, exchange.StopOrderRequest{
		Symbol:        rec.Symbol,
		Side:          side,
		Quantity:      rec.Quantity,
		StopPrice:     rec.StopLoss,
		ReduceOnly:    true,
		ClientOrderID: fmt.Sprintf("reef-%s-sl-r%d", sym, time.Now().Unix()),
	})
}

func (r *Reconciler) notify(msg string) {
	if err := r.notifier.SendText(msg); err != nil {
		logger.Warnf("[reconcile] notify: %v", err)
	}
}

func drift(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return 1
	}
	d := (a - b) / b
	if d < 0 {
		return -d
	}
	return d
}
