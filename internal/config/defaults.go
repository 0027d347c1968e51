package config

import (
	"fmt"
	"strings"
)

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"

	defaultVenue           = "paper"
	defaultRESTBaseURL     = "https://fapi.binance.com"
	defaultTimeoutSec      = 10
	defaultPaperBalance    = 10000
	defaultBreakerHits     = 5
	defaultBreakerCooldown = 60

	defaultKlineWindow  = 500
	defaultPreheatLimit = 200

	defaultRiskPct          = 0.015
	defaultMaxPortfolioHeat = 0.06
	defaultMaxDrawdown      = 0.20
	defaultMaxDailyDrawdown = 0.05
	defaultDailyReset       = "00:00"

	defaultAllocation    = "equal"
	defaultMaxConcurrent = 3

	// Adopting an orphan puts a stop under it immediately; alerting would
	// leave an exchange-only position unprotected until someone reacts.
	defaultOrphanPolicy  = "adopt"
	defaultOrphanStopPct = 0.02

	defaultInterval          = "15m"
	defaultSlippageTolerance = 0.005
	defaultMinRiskReward     = 1.0
	defaultLeverage          = 3
	defaultMarginMode        = "CROSSED"
	defaultShutdown          = "leave-protected"

	defaultStrategyType = "rsi-reversion"
	defaultRSIPeriod    = 14
	defaultOverbought   = 70
	defaultOversold     = 30
	defaultStopPct      = 0.01
	defaultRewardMult   = 2.0
	defaultADXPeriod    = 14
	defaultADXFloor     = 25
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Portfolio.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	for i := range c.Symbols {
		c.Symbols[i].applyDefaults(keys, fmt.Sprintf("symbols.%d", i))
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.venue", &e.Venue, defaultVenue),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultRESTBaseURL),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSec, defaultTimeoutSec),
		floatFieldDefault("exchange.paper_balance", &e.PaperBalance, defaultPaperBalance),
		intFieldDefault("exchange.breaker_threshold", &e.BreakerThreshold, defaultBreakerHits),
		intFieldDefault("exchange.breaker_cooldown_seconds", &e.BreakerCooldownSec, defaultBreakerCooldown),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("market.kline_window", &m.KlineWindow, defaultKlineWindow),
		intFieldDefault("market.preheat_limit", &m.PreheatLimit, defaultPreheatLimit),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.risk_pct", &r.RiskPct, defaultRiskPct),
		floatFieldDefault("risk.max_portfolio_heat", &r.MaxPortfolioHeat, defaultMaxPortfolioHeat),
		floatFieldDefault("risk.max_drawdown", &r.MaxDrawdown, defaultMaxDrawdown),
		floatFieldDefault("risk.max_daily_drawdown", &r.MaxDailyDrawdown, defaultMaxDailyDrawdown),
		stringFieldDefault("risk.daily_reset", &r.DailyReset, defaultDailyReset),
	)
}

func (p *PortfolioConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("portfolio.allocation", &p.Allocation, defaultAllocation),
		intFieldDefault("portfolio.max_concurrent_positions", &p.MaxConcurrent, defaultMaxConcurrent),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("reconcile.orphans", &r.Orphans, defaultOrphanPolicy),
		floatFieldDefault("reconcile.orphan_stop_pct", &r.OrphanStopPct, defaultOrphanStopPct),
	)
}

func (s *SymbolConfig) applyDefaults(keys keySet, prefix string) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault(prefix+".interval", &s.Interval, defaultInterval),
		floatFieldDefault(prefix+".slippage_tolerance", &s.SlippageTolerance, defaultSlippageTolerance),
		floatFieldDefault(prefix+".min_risk_reward", &s.MinRiskReward, defaultMinRiskReward),
		intFieldDefault(prefix+".leverage", &s.Leverage, defaultLeverage),
		stringFieldDefault(prefix+".margin_mode", &s.MarginMode, defaultMarginMode),
		stringFieldDefault(prefix+".shutdown", &s.Shutdown, defaultShutdown),
		stringFieldDefault(prefix+".strategy.type", &s.Strategy.Type, defaultStrategyType),
		intFieldDefault(prefix+".strategy.rsi_period", &s.Strategy.RSIPeriod, defaultRSIPeriod),
		floatFieldDefault(prefix+".strategy.overbought", &s.Strategy.Overbought, defaultOverbought),
		floatFieldDefault(prefix+".strategy.oversold", &s.Strategy.Oversold, defaultOversold),
		floatFieldDefault(prefix+".strategy.stop_pct", &s.Strategy.StopPct, defaultStopPct),
		floatFieldDefault(prefix+".strategy.reward_mult", &s.Strategy.RewardMult, defaultRewardMult),
	)
	for i := range s.Filters {
		f := &s.Filters[i]
		fp := fmt.Sprintf("%s.filters.%d", prefix, i)
		applyFieldDefaults(keys,
			stringFieldDefault(fp+".interval", &f.Interval, "1h"),
			intFieldDefault(fp+".rsi_period", &f.RSIPeriod, defaultRSIPeriod),
			intFieldDefault(fp+".adx_period", &f.ADXPeriod, defaultADXPeriod),
			floatFieldDefault(fp+".overbought", &f.Overbought, defaultOverbought),
			floatFieldDefault(fp+".oversold", &f.Oversold, defaultOversold),
			floatFieldDefault(fp+".adx_floor", &f.ADXFloor, defaultADXFloor),
		)
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
