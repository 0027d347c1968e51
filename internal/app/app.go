// Package app wires configuration into a running engine: venue setup,
// startup reconciliation, then the coordinator with one trader per symbol.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"reef/internal/config"
	"reef/internal/coordinator"
	"reef/internal/gateway/exchange"
	"reef/internal/gateway/notifier"
	"reef/internal/logger"
	"reef/internal/market"
	"reef/internal/portfolio"
	"reef/internal/reconcile"
	"reef/internal/risk"
	"reef/internal/store"
	"reef/internal/trader"
)

type App struct {
	cfg        *config.Config
	coord      *coordinator.Coordinator
	reconciler *reconcile.Reconciler
	exchange   exchange.Exchange
	source     market.Source
	store      store.PositionStore
	risk       *risk.Manager
	ledger     *portfolio.Ledger
	gate       *portfolio.RiskGate
	notifier   notifier.TextNotifier
}

// Run prepares the venue, reconciles persisted state against it, resumes
// surviving positions and then trades until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.prepareVenue(ctx); err != nil {
		return err
	}

	report, err := a.reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}
	a.resumePositions(report)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.coord.Run(ctx) })
	group.Go(func() error {
		a.drainEvents()
		return nil
	})
	logger.Infof("engine running: %d symbols on %s", len(a.cfg.Symbols), a.exchange.Name())
	return group.Wait()
}

// prepareVenue applies leverage and margin mode per symbol before any order.
func (a *App) prepareVenue(ctx context.Context) error {
	for _, sc := range a.cfg.Symbols {
		if err := a.exchange.SetLeverage(ctx, sc.Symbol, sc.Leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", sc.Symbol, err)
		}
		if err := a.exchange.SetMarginMode(ctx, sc.Symbol, sc.MarginMode); err != nil {
			return fmt.Errorf("set margin mode for %s: %w", sc.Symbol, err)
		}
	}
	return nil
}

// resumePositions hands reconciled records back to their traders and
// re-registers their risk with the shared gate.
func (a *App) resumePositions(report *reconcile.Report) {
	for _, rec := range report.Resumed {
		t, ok := a.coord.Trader(rec.Symbol)
		if !ok {
			logger.Warnf("[%s] venue position has no configured trader, left unmanaged", rec.Symbol)
			continue
		}
		state := trader.StateOpen
		if rec.Status == store.PositionStatusPartial {
			state = trader.StatePartiallyClosed
		}
		t.Restore(&trader.Position{
			Symbol:            rec.Symbol,
			Side:              rec.Side,
			Quantity:          rec.Quantity,
			InitialQuantity:   rec.InitialQuantity,
			EntryPrice:        rec.EntryPrice,
			StopLoss:          rec.StopLoss,
			TakeProfit:        rec.TakeProfit,
			StopOrderID:       rec.StopOrderID,
			TakeProfitOrderID: rec.TakeProfitOrderID,
			RiskAmount:        rec.RiskAmount,
			OpenedAt:          rec.OpenedAt,
			Version:           rawVersion(rec.Raw),
		}, state, 0)
		a.risk.AddOpenRisk(rec.RiskAmount)
		a.gate.RegisterOpen(rec.Symbol, rec.RiskAmount)
		logger.Infof("[%s] resumed %s %.8g @ %.8g", rec.Symbol, rec.Side, rec.Quantity, rec.EntryPrice)
	}
}

// drainEvents consumes the merged trader stream until the coordinator closes
// it on shutdown. Critical events are already mirrored to the notifier by the
// traders themselves; here they just reach the log in one ordered place.
func (a *App) drainEvents() {
	for ev := range a.coord.Events() {
		switch ev.Kind {
		case trader.KindCritical:
			logger.Errorf("[%s] %s", ev.Symbol, ev.Message)
		case trader.KindTrade:
			logger.Infof("[%s] %s", ev.Symbol, ev.Message)
		default:
			logger.Debugf("[%s] %s: %s", ev.Symbol, ev.Kind, ev.Message)
		}
	}
}

func (a *App) close() {
	if err := a.source.Close(); err != nil {
		logger.Warnf("close market source: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warnf("close store: %v", err)
	}
}

// rawVersion recovers the protective-order version from the persisted record;
// it round-trips through JSON, so numbers may come back as float64.
func rawVersion(raw map[string]any) int {
	switch v := raw["version"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 1
	}
}
