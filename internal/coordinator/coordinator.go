// Package coordinator runs the portfolio: one trader per symbol, shared risk
// and capital, secondary-timeframe filter gating and a merged event stream.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reef/internal/gateway/notifier"
	"reef/internal/logger"
	"reef/internal/market"
	"reef/internal/portfolio"
	"reef/internal/risk"
	"reef/internal/strategy"
	"reef/internal/trader"
)

// FilterSpec binds one filter to the timeframe it digests.
type FilterSpec struct {
	Filter   strategy.Filter
	Interval string
}

// SymbolSpec is everything needed to run one symbol.
type SymbolSpec struct {
	Trader     trader.Config
	Strategy   strategy.Strategy
	Filters    []FilterSpec
	FilterMode strategy.FilterMode
	// MinConfidence is the score-mode floor; signals scaled below it are
	// suppressed.
	MinConfidence float64
}

type Config struct {
	// DailyResetUTC is the offset from midnight UTC at which the daily
	// drawdown breaker re-arms.
	DailyResetUTC time.Duration
	EventBuffer   int
	// KlineWindow bounds the shared candle store.
	KlineWindow int
	// PreheatLimit is how many historical candles to backfill before the
	// stream starts. Zero disables the backfill.
	PreheatLimit int
}

func (c *Config) applyDefaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.KlineWindow <= 0 {
		c.KlineWindow = 500
	}
}

// Deps are the shared collaborators every trader draws on.
type Deps struct {
	Source   market.Source
	Risk     *risk.Manager
	Ledger   *portfolio.Ledger
	Gate     *portfolio.RiskGate
	Notifier notifier.TextNotifier
	// NewTrader builds the per-symbol trader; the coordinator fills in the
	// event sink and the filter gate before starting it.
	NewTrader func(cfg trader.Config, deps trader.Deps) (*trader.Trader, error)
}

type symbolRuntime struct {
	spec    SymbolSpec
	trader  *trader.Trader
	filters []FilterSpec
}

// Coordinator fans candles out to the traders and trader events back in.
type Coordinator struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	symbols map[string]*symbolRuntime

	feed   *market.Feed
	events chan trader.TraderEvent
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Source == nil || deps.Risk == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("coordinator: source, risk manager and ledger are required")
	}
	cfg.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	if deps.NewTrader == nil {
		deps.NewTrader = trader.New
	}
	return &Coordinator{
		cfg:     cfg,
		deps:    deps,
		symbols: make(map[string]*symbolRuntime),
		events:  make(chan trader.TraderEvent, cfg.EventBuffer),
	}, nil
}

// Register adds one symbol before Start. The trader is built with the
// coordinator's event sink and filter gate wired in.
func (c *Coordinator) Register(spec SymbolSpec, tdeps trader.Deps) error {
	sym := spec.Trader.Symbol
	if sym == "" {
		return fmt.Errorf("coordinator: symbol spec without symbol")
	}
	if spec.Strategy == nil {
		return fmt.Errorf("coordinator: %s has no strategy", sym)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.symbols[sym]; dup {
		return fmt.Errorf("coordinator: %s registered twice", sym)
	}

	tdeps.Strategy = spec.Strategy
	tdeps.Risk = c.deps.Risk
	tdeps.Ledger = c.deps.Ledger
	tdeps.Gate = c.deps.Gate
	tdeps.Notifier = c.deps.Notifier
	tdeps.OnEvent = c.publish
	tdeps.GateSignal = c.gateFor(spec)

	t, err := c.deps.NewTrader(spec.Trader, tdeps)
	if err != nil {
		return fmt.Errorf("coordinator: build trader for %s: %w", sym, err)
	}
	c.symbols[sym] = &symbolRuntime{spec: spec, trader: t, filters: spec.Filters}
	return nil
}

// Trader returns the trader for a symbol, for restore after reconciliation.
func (c *Coordinator) Trader(symbol string) (*trader.Trader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.symbols[symbol]
	if !ok {
		return nil, false
	}
	return rt.trader, true
}

// Events is the merged portfolio-wide stream of trader events.
func (c *Coordinator) Events() <-chan trader.TraderEvent {
	return c.events
}

// Run starts the feed and every registered trader, then blocks until ctx is
// canceled and all traders have finished their shutdown action.
func (c *Coordinator) Run(ctx context.Context) error {
	symbols, intervals := c.subscriptions()
	if len(symbols) == 0 {
		return fmt.Errorf("coordinator: no symbols registered")
	}

	c.feed = market.NewFeed(
		market.NewMemoryKlineStore(),
		c.cfg.KlineWindow,
		c.deps.Source,
		market.WithFeedHandler(c.route),
		market.WithFeedCallbacks(
			func() { logger.Infof("market stream connected") },
			func(err error) { logger.Warnf("market stream dropped: %v", err) },
		),
	)
	c.feed.PreheatLimit = c.cfg.PreheatLimit
	if err := c.feed.Preheat(ctx, symbols, intervals); err != nil {
		logger.Warnf("history preheat incomplete: %v", err)
	}
	if err := c.feed.Start(ctx, symbols, intervals); err != nil {
		return fmt.Errorf("start market feed: %w", err)
	}

	c.mu.Lock()
	for _, rt := range c.symbols {
		rt.trader.Start(ctx)
	}
	c.mu.Unlock()

	resetCh := c.scheduleDailyReset(ctx)

	for {
		select {
		case <-ctx.Done():
			return c.stopAll()
		case now := <-resetCh:
			c.deps.Risk.ResetDaily(now)
			c.deps.Ledger.Rebalance()
			logger.Infof("daily risk window reset at %s", now.Format(time.RFC3339))
		}
	}
}

func (c *Coordinator) stopAll() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	g := new(errgroup.Group)
	c.mu.Lock()
	for _, rt := range c.symbols {
		t := rt.trader
		g.Go(func() error { return t.Stop(stopCtx) })
	}
	c.mu.Unlock()
	err := g.Wait()
	close(c.events)
	return err
}

// route delivers one closed candle: filters on their timeframe first, then
// the symbol's trader. Per-symbol ordering is preserved because delivery into
// a trader is a single channel send.
func (c *Coordinator) route(ev market.CandleEvent) {
	c.mu.Lock()
	rt, ok := c.symbols[ev.Symbol]
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, f := range rt.filters {
		if f.Interval == ev.Interval {
			f.Filter.Update(ev.Candle)
		}
	}
	if ev.Interval == rt.spec.Trader.Interval {
		rt.trader.EnqueueCandle(ev)
	}
}

func (c *Coordinator) publish(ev trader.TraderEvent) {
	if ev.Kind == trader.KindCritical {
		logger.Errorf("[%s] CRITICAL: %s", ev.Symbol, ev.Message)
	}
	select {
	case c.events <- ev:
	default:
		// a slow subscriber must not stall trading
		logger.Warnf("event stream full, dropping %s event for %s", ev.Kind, ev.Symbol)
	}
}

// gateFor builds the per-symbol entry gate from the filter mode.
func (c *Coordinator) gateFor(spec SymbolSpec) func(sig *strategy.Signal) (bool, string) {
	if len(spec.Filters) == 0 {
		return nil
	}
	return func(sig *strategy.Signal) (bool, string) {
		switch spec.FilterMode {
		case strategy.FilterConfirm:
			for _, f := range spec.Filters {
				snap := f.Filter.Snapshot()
				if !snap.Ready {
					continue
				}
				if !snap.Agrees(sig.Kind) {
					return false, fmt.Sprintf("filter %s does not confirm %s", f.Filter.Name(), sig.Kind)
				}
			}
			return true, ""
		case strategy.FilterVeto:
			for _, f := range spec.Filters {
				if f.Filter.Snapshot().Disagrees(sig.Kind) {
					return false, fmt.Sprintf("filter %s vetoes %s", f.Filter.Name(), sig.Kind)
				}
			}
			return true, ""
		case strategy.FilterScore:
			score := sig.Confidence
			if score == 0 {
				score = 1
			}
			n := 0
			sum := 0.0
			for _, f := range spec.Filters {
				snap := f.Filter.Snapshot()
				if !snap.Ready {
					continue
				}
				sum += snap.Score(sig.Kind)
				n++
			}
			if n > 0 {
				score *= sum / float64(n)
			}
			sig.Confidence = score
			if score < spec.MinConfidence {
				return false, fmt.Sprintf("confidence %.2f below floor %.2f", score, spec.MinConfidence)
			}
			return true, ""
		default:
			return true, ""
		}
	}
}

// subscriptions collects the symbol list and the union of trader and filter
// intervals, sorted for deterministic subscribe calls.
func (c *Coordinator) subscriptions() (symbols, intervals []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	for sym, rt := range c.symbols {
		symbols = append(symbols, sym)
		if !seen[rt.spec.Trader.Interval] {
			seen[rt.spec.Trader.Interval] = true
			intervals = append(intervals, rt.spec.Trader.Interval)
		}
		for _, f := range rt.filters {
			if !seen[f.Interval] {
				seen[f.Interval] = true
				intervals = append(intervals, f.Interval)
			}
		}
	}
	sort.Strings(symbols)
	sort.Strings(intervals)
	return symbols, intervals
}

// scheduleDailyReset ticks once per day at the configured UTC offset.
func (c *Coordinator) scheduleDailyReset(ctx context.Context) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		for {
			now := time.Now().UTC()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			next := midnight.Add(c.cfg.DailyResetUTC)
			if !next.After(now) {
				next = next.Add(24 * time.Hour)
			}
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case tick := <-timer.C:
				select {
				case ch <- tick.UTC():
				default:
				}
			}
		}
	}()
	return ch
}
