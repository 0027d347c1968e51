package config

import (
	"fmt"
	"strings"
	"time"

	"reef/internal/pkg/symbol"
)

func validate(cfg *Config) error {
	if err := validateExchange(&cfg.Exchange); err != nil {
		return err
	}
	if err := validateRisk(&cfg.Risk); err != nil {
		return err
	}
	if err := validateSymbols(cfg); err != nil {
		return err
	}
	if err := validatePortfolio(cfg); err != nil {
		return err
	}
	if err := validateGroups(cfg); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Reconcile.Orphans) {
	case "adopt", "close", "alert":
	default:
		return fmt.Errorf("reconcile.orphans must be adopt, close or alert, got %q", cfg.Reconcile.Orphans)
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram.enabled requires bot_token and chat_id")
	}
	return nil
}

func validateExchange(e *ExchangeConfig) error {
	switch strings.ToLower(e.Venue) {
	case "binance":
		if e.APIKey == "" || e.APISecret == "" {
			return fmt.Errorf("exchange.venue binance requires api_key and api_secret")
		}
	case "paper":
		if e.PaperBalance <= 0 {
			return fmt.Errorf("exchange.paper_balance must be positive")
		}
	default:
		return fmt.Errorf("exchange.venue must be binance or paper, got %q", e.Venue)
	}
	return nil
}

func validateRisk(r *RiskConfig) error {
	if r.InitialCapital <= 0 {
		return fmt.Errorf("risk.initial_capital must be positive")
	}
	if r.RiskPct <= 0 || r.RiskPct >= 1 {
		return fmt.Errorf("risk.risk_pct must be in (0,1), got %v", r.RiskPct)
	}
	if r.MaxPortfolioHeat <= 0 || r.MaxPortfolioHeat >= 1 {
		return fmt.Errorf("risk.max_portfolio_heat must be in (0,1), got %v", r.MaxPortfolioHeat)
	}
	if _, err := time.Parse("15:04", r.DailyReset); err != nil {
		return fmt.Errorf("risk.daily_reset must be HH:MM, got %q", r.DailyReset)
	}
	prev := 0.0
	for i, tier := range r.DrawdownTiers {
		if tier.Threshold <= prev {
			return fmt.Errorf("risk.drawdown_tiers[%d].threshold must increase, got %v after %v", i, tier.Threshold, prev)
		}
		if tier.Scale <= 0 || tier.Scale > 1 {
			return fmt.Errorf("risk.drawdown_tiers[%d].scale must be in (0,1], got %v", i, tier.Scale)
		}
		prev = tier.Threshold
	}
	return nil
}

func validateSymbols(cfg *Config) error {
	if len(cfg.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured")
	}
	seen := make(map[string]bool, len(cfg.Symbols))
	for i := range cfg.Symbols {
		s := &cfg.Symbols[i]
		norm := symbol.Normalize(s.Symbol)
		if !symbol.IsValid(norm) {
			return fmt.Errorf("symbols[%d].symbol %q is not valid", i, s.Symbol)
		}
		if seen[norm] {
			return fmt.Errorf("symbol %s configured twice", norm)
		}
		seen[norm] = true
		s.Symbol = norm

		switch strings.ToLower(s.FilterMode) {
		case "", "confirm", "veto", "score":
		default:
			return fmt.Errorf("symbols[%d].filter_mode must be confirm, veto or score, got %q", i, s.FilterMode)
		}
		if len(s.Filters) > 0 && s.FilterMode == "" {
			return fmt.Errorf("symbols[%d] declares filters but no filter_mode", i)
		}
		for j, f := range s.Filters {
			if f.Type == "" {
				return fmt.Errorf("symbols[%d].filters[%d] has no type", i, j)
			}
		}
		switch s.Shutdown {
		case "flatten-all", "leave-protected":
		default:
			return fmt.Errorf("symbols[%d].shutdown must be flatten-all or leave-protected, got %q", i, s.Shutdown)
		}
	}
	return nil
}

func validatePortfolio(cfg *Config) error {
	mode := strings.ToLower(cfg.Portfolio.Allocation)
	switch mode {
	case "equal", "dynamic":
	case "weighted":
		if len(cfg.Portfolio.Weights) == 0 {
			return fmt.Errorf("portfolio.allocation weighted requires portfolio.weights")
		}
		// viper lowercases map keys on unmarshal
		normalized := make(map[string]float64, len(cfg.Portfolio.Weights))
		for sym, w := range cfg.Portfolio.Weights {
			normalized[symbol.Normalize(sym)] = w
		}
		cfg.Portfolio.Weights = normalized
		for _, s := range cfg.Symbols {
			if _, ok := cfg.Portfolio.Weights[s.Symbol]; !ok {
				return fmt.Errorf("portfolio.weights missing entry for %s", s.Symbol)
			}
		}
	default:
		return fmt.Errorf("portfolio.allocation must be equal, weighted or dynamic, got %q", cfg.Portfolio.Allocation)
	}
	if cfg.Portfolio.MaxConcurrent <= 0 {
		return fmt.Errorf("portfolio.max_concurrent_positions must be positive")
	}
	return nil
}

func validateGroups(cfg *Config) error {
	known := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		known[s.Symbol] = true
	}
	names := make(map[string]bool, len(cfg.Groups))
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.Name == "" {
			return fmt.Errorf("correlation_groups[%d] has no name", i)
		}
		if names[g.Name] {
			return fmt.Errorf("correlation group %q declared twice", g.Name)
		}
		names[g.Name] = true
		if g.MaxRiskPct <= 0 || g.MaxRiskPct >= 1 {
			return fmt.Errorf("correlation_groups[%d].max_risk_pct must be in (0,1), got %v", i, g.MaxRiskPct)
		}
		for j, sym := range g.Symbols {
			norm := symbol.Normalize(sym)
			if !known[norm] {
				return fmt.Errorf("correlation group %q lists unknown symbol %q", g.Name, sym)
			}
			g.Symbols[j] = norm
		}
	}
	return nil
}

// DailyResetOffset converts risk.daily_reset into an offset from midnight UTC.
func (r RiskConfig) DailyResetOffset() time.Duration {
	t, err := time.Parse("15:04", r.DailyReset)
	if err != nil {
		return 0
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}
