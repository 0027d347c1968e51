package config

import "strings"

type Config struct {
	App       AppConfig        `yaml:"app"`
	Exchange  ExchangeConfig   `yaml:"exchange"`
	Market    MarketConfig     `yaml:"market"`
	Risk      RiskConfig       `yaml:"risk"`
	Portfolio PortfolioConfig  `yaml:"portfolio"`
	Reconcile ReconcileConfig  `yaml:"reconcile"`
	Store     StoreConfig      `yaml:"store"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Symbols   []SymbolConfig   `yaml:"symbols"`
	Groups    []GroupConfig    `yaml:"correlation_groups"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
}

type ExchangeConfig struct {
	// Venue selects the gateway: "binance" or "paper".
	Venue       string  `yaml:"venue"`
	APIKey      string  `yaml:"api_key"`
	APISecret   string  `yaml:"api_secret"`
	RESTBaseURL string  `yaml:"rest_base_url"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
	ProxyURL    string  `yaml:"proxy_url"`
	// Paper-mode knobs.
	PaperBalance  float64 `yaml:"paper_balance"`
	PaperSlippage float64 `yaml:"paper_slippage"`
	// Circuit breaker over venue calls.
	BreakerThreshold   int `yaml:"breaker_threshold"`
	BreakerCooldownSec int `yaml:"breaker_cooldown_seconds"`
}

type MarketConfig struct {
	// KlineWindow bounds the in-memory candle store per symbol/interval.
	KlineWindow int `yaml:"kline_window"`
	// PreheatLimit is how many historical candles are fetched before the
	// stream starts.
	PreheatLimit int `yaml:"preheat_limit"`
}

type RiskConfig struct {
	InitialCapital   float64      `yaml:"initial_capital"`
	RiskPct          float64      `yaml:"risk_pct"`
	MaxPortfolioHeat float64      `yaml:"max_portfolio_heat"`
	MaxDrawdown      float64      `yaml:"max_drawdown"`
	MaxDailyDrawdown float64      `yaml:"max_daily_drawdown"`
	// DailyReset is the UTC time of day ("15:04") at which the daily
	// breaker re-arms.
	DailyReset    string       `yaml:"daily_reset"`
	QtyStep       float64      `yaml:"qty_step"`
	DrawdownTiers []TierConfig `yaml:"drawdown_tiers"`
}

type TierConfig struct {
	Threshold float64 `yaml:"threshold"`
	Scale     float64 `yaml:"scale"`
}

type PortfolioConfig struct {
	// Allocation is "equal", "weighted" or "dynamic".
	Allocation      string             `yaml:"allocation"`
	Weights         map[string]float64 `yaml:"weights"`
	MaxConcurrent   int                `yaml:"max_concurrent_positions"`
	AlertThresholds []float64          `yaml:"drawdown_alerts"`
}

type GroupConfig struct {
	Name       string   `yaml:"name"`
	Symbols    []string `yaml:"symbols"`
	MaxRiskPct float64  `yaml:"max_risk_pct"`
}

type ReconcileConfig struct {
	// Orphans is "adopt", "close" or "alert".
	Orphans       string  `yaml:"orphans"`
	OrphanStopPct float64 `yaml:"orphan_stop_pct"`
}

type StoreConfig struct {
	// Path is the SQLite database file; empty selects in-memory storage.
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type FilterConfig struct {
	Type     string `yaml:"type"`
	Interval string `yaml:"interval"`

	RSIPeriod  int     `yaml:"rsi_period"`
	ADXPeriod  int     `yaml:"adx_period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`
	ADXFloor   float64 `yaml:"adx_floor"`
}

type StrategyConfig struct {
	Type       string  `yaml:"type"`
	RSIPeriod  int     `yaml:"rsi_period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`
	StopPct    float64 `yaml:"stop_pct"`
	RewardMult float64 `yaml:"reward_mult"`
}

type SymbolConfig struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`

	Strategy StrategyConfig `yaml:"strategy"`

	Filters []FilterConfig `yaml:"filters"`
	// FilterMode is "confirm", "veto" or "score".
	FilterMode    string  `yaml:"filter_mode"`
	MinConfidence float64 `yaml:"min_confidence"`

	SlippageTolerance float64 `yaml:"slippage_tolerance"`
	MinRiskReward     float64 `yaml:"min_risk_reward"`
	Leverage          int     `yaml:"leverage"`
	MarginMode        string  `yaml:"margin_mode"`
	// Shutdown is "flatten-all" or "leave-protected".
	Shutdown string `yaml:"shutdown"`
}

// keySet tracks the key paths explicitly present in the config files, so a
// default never overrides an intentional zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault is one defaulting rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
