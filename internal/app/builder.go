package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"reef/internal/config"
	"reef/internal/coordinator"
	"reef/internal/gateway/binance"
	"reef/internal/gateway/exchange"
	"reef/internal/gateway/notifier"
	"reef/internal/gateway/paper"
	"reef/internal/logger"
	"reef/internal/market"
	"reef/internal/portfolio"
	"reef/internal/pkg/retry"
	"reef/internal/reconcile"
	"reef/internal/risk"
	"reef/internal/store"
	"reef/internal/strategy"
	"reef/internal/trader"
)

// New assembles the engine from configuration: gateway, market source,
// shared risk and capital, reconciler and one trader per symbol.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	notify := buildNotifier(cfg)
	gw, err := buildGateway(cfg)
	if err != nil {
		return nil, err
	}
	source, err := buildSource(cfg)
	if err != nil {
		return nil, err
	}
	st, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	riskMgr, err := risk.NewManager(risk.Config{
		InitialCapital:   cfg.Risk.InitialCapital,
		RiskPct:          cfg.Risk.RiskPct,
		MaxPortfolioHeat: cfg.Risk.MaxPortfolioHeat,
		MaxDrawdown:      cfg.Risk.MaxDrawdown,
		MaxDailyDrawdown: cfg.Risk.MaxDailyDrawdown,
		DrawdownTiers:    buildTiers(cfg.Risk.DrawdownTiers),
		QtyStep:          cfg.Risk.QtyStep,
	})
	if err != nil {
		return nil, fmt.Errorf("risk manager: %w", err)
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, s.Symbol)
	}
	mode, _ := portfolio.ParseAllocationMode(cfg.Portfolio.Allocation)
	ledger, err := portfolio.NewLedger(portfolio.LedgerConfig{
		TotalCapital:    cfg.Risk.InitialCapital,
		Mode:            mode,
		Weights:         cfg.Portfolio.Weights,
		Symbols:         symbols,
		AlertThresholds: cfg.Portfolio.AlertThresholds,
		OnDrawdownAlert: func(a portfolio.DrawdownAlert) {
			msg := fmt.Sprintf("⚠️ portfolio drawdown %.1f%% crossed %.0f%% threshold", a.Drawdown*100, a.Threshold*100)
			logger.Warnf("%s", msg)
			if err := notify.SendText(msg); err != nil {
				logger.Warnf("notify drawdown alert: %v", err)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("portfolio ledger: %w", err)
	}

	gate, err := portfolio.NewRiskGate(ledger, cfg.Portfolio.MaxConcurrent, buildGroups(cfg.Groups))
	if err != nil {
		return nil, fmt.Errorf("risk gate: %w", err)
	}

	orphans, _ := reconcile.ParseOrphanPolicy(cfg.Reconcile.Orphans)
	reconciler, err := reconcile.New(reconcile.Config{
		Orphans:       orphans,
		OrphanStopPct: cfg.Reconcile.OrphanStopPct,
	}, gw, st, notify)
	if err != nil {
		return nil, err
	}

	coord, err := coordinator.New(coordinator.Config{
		DailyResetUTC: cfg.Risk.DailyResetOffset(),
		KlineWindow:   cfg.Market.KlineWindow,
		PreheatLimit:  cfg.Market.PreheatLimit,
	}, coordinator.Deps{
		Source:   source,
		Risk:     riskMgr,
		Ledger:   ledger,
		Gate:     gate,
		Notifier: notify,
	})
	if err != nil {
		return nil, err
	}

	for _, sc := range cfg.Symbols {
		spec, err := buildSymbolSpec(sc)
		if err != nil {
			return nil, err
		}
		if err := coord.Register(spec, trader.Deps{Exchange: gw, Store: st}); err != nil {
			return nil, err
		}
	}

	return &App{
		cfg:        cfg,
		coord:      coord,
		reconciler: reconciler,
		exchange:   gw,
		source:     source,
		store:      st,
		risk:       riskMgr,
		ledger:     ledger,
		gate:       gate,
		notifier:   notify,
	}, nil
}

func buildNotifier(cfg *config.Config) notifier.TextNotifier {
	if cfg.Telegram.Enabled {
		return notifier.NewTelegram(cfg.Telegram.BotToken, strconv.FormatInt(cfg.Telegram.ChatID, 10))
	}
	return notifier.Nop{}
}

func buildGateway(cfg *config.Config) (exchange.Exchange, error) {
	switch strings.ToLower(cfg.Exchange.Venue) {
	case "paper":
		return paper.New(cfg.Exchange.PaperBalance, cfg.Exchange.PaperSlippage), nil
	case "binance":
		return binance.NewGateway(binanceConfig(cfg))
	default:
		return nil, fmt.Errorf("unknown venue %q", cfg.Exchange.Venue)
	}
}

// buildSource always streams from Binance: paper trading still consumes real
// market data, which needs no credentials.
func buildSource(cfg *config.Config) (market.Source, error) {
	return binance.NewSource(binanceConfig(cfg))
}

func binanceConfig(cfg *config.Config) binance.Config {
	return binance.Config{
		APIKey:           cfg.Exchange.APIKey,
		APISecret:        cfg.Exchange.APISecret,
		RESTBaseURL:      cfg.Exchange.RESTBaseURL,
		HTTPTimeout:      time.Duration(cfg.Exchange.TimeoutSec) * time.Second,
		ProxyEnabled:     cfg.Exchange.ProxyURL != "",
		RESTProxyURL:     cfg.Exchange.ProxyURL,
		WSProxyURL:       cfg.Exchange.ProxyURL,
		BreakerThreshold: cfg.Exchange.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Exchange.BreakerCooldownSec) * time.Second,
	}
}

func buildStore(cfg *config.Config) (store.PositionStore, error) {
	if cfg.Store.Path == "" {
		logger.Warnf("store.path not set, positions will not survive a restart")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.Store.Path)
}

func buildTiers(tiers []config.TierConfig) []risk.DrawdownTier {
	out := make([]risk.DrawdownTier, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, risk.DrawdownTier{Threshold: t.Threshold, Scale: t.Scale})
	}
	return out
}

func buildGroups(groups []config.GroupConfig) []portfolio.CorrelationGroup {
	out := make([]portfolio.CorrelationGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, portfolio.CorrelationGroup{
			Name:       g.Name,
			Symbols:    g.Symbols,
			MaxRiskPct: g.MaxRiskPct,
		})
	}
	return out
}

func buildSymbolSpec(sc config.SymbolConfig) (coordinator.SymbolSpec, error) {
	strat, err := buildStrategy(sc)
	if err != nil {
		return coordinator.SymbolSpec{}, err
	}
	filters := make([]coordinator.FilterSpec, 0, len(sc.Filters))
	for _, fc := range sc.Filters {
		f, err := buildFilter(fc)
		if err != nil {
			return coordinator.SymbolSpec{}, fmt.Errorf("%s: %w", sc.Symbol, err)
		}
		filters = append(filters, coordinator.FilterSpec{Filter: f, Interval: fc.Interval})
	}
	mode, _ := strategy.ParseFilterMode(sc.FilterMode)
	return coordinator.SymbolSpec{
		Trader: trader.Config{
			Symbol:            sc.Symbol,
			Interval:          sc.Interval,
			SlippageTolerance: sc.SlippageTolerance,
			MinRiskReward:     sc.MinRiskReward,
			Retry:             retry.DefaultPolicy(),
			Leverage:          sc.Leverage,
			MarginMode:        sc.MarginMode,
			Shutdown:          trader.ShutdownAction(sc.Shutdown),
		},
		Strategy:      strat,
		Filters:       filters,
		FilterMode:    mode,
		MinConfidence: sc.MinConfidence,
	}, nil
}

func buildStrategy(sc config.SymbolConfig) (strategy.Strategy, error) {
	switch sc.Strategy.Type {
	case "rsi-reversion":
		return strategy.NewRSIReversion(strategy.RSIReversionConfig{
			Period:     sc.Strategy.RSIPeriod,
			Overbought: sc.Strategy.Overbought,
			Oversold:   sc.Strategy.Oversold,
			StopPct:    sc.Strategy.StopPct,
			RewardMult: sc.Strategy.RewardMult,
		}), nil
	default:
		return nil, fmt.Errorf("%s: unknown strategy type %q", sc.Symbol, sc.Strategy.Type)
	}
}

func buildFilter(fc config.FilterConfig) (strategy.Filter, error) {
	switch fc.Type {
	case "rsi-adx":
		return strategy.NewRSIADXFilter(strategy.RSIADXFilterConfig{
			RSIPeriod:  fc.RSIPeriod,
			ADXPeriod:  fc.ADXPeriod,
			Overbought: fc.Overbought,
			Oversold:   fc.Oversold,
			MinADX:     fc.ADXFloor,
		}), nil
	default:
		return nil, fmt.Errorf("unknown filter type %q", fc.Type)
	}
}
