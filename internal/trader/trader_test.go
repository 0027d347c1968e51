package trader

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reef/internal/gateway/exchange"
	"reef/internal/gateway/paper"
	"reef/internal/market"
	"reef/internal/pkg/retry"
	"reef/internal/portfolio"
	"reef/internal/risk"
	"reef/internal/store"
	"reef/internal/strategy"
)

type scriptedStrategy struct {
	mu      sync.Mutex
	signals []*strategy.Signal
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) Analyze(_ market.Candle, _ float64, _ string) *strategy.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.signals) == 0 {
		return nil
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig
}

func (s *scriptedStrategy) Reset() {}

type eventLog struct {
	mu     sync.Mutex
	events []TraderEvent
}

func (l *eventLog) record(ev TraderEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) contains(kind EventKind, substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Kind == kind && strings.Contains(ev.Message, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	trader *Trader
	gw     *paper.Gateway
	risk   *risk.Manager
	ledger *portfolio.Ledger
	gate   *portfolio.RiskGate
	store  *store.MemoryStore
	events *eventLog
	cancel context.CancelFunc
}

func newFixture(t *testing.T, symbol string, groups []portfolio.CorrelationGroup, mut func(*Config)) *fixture {
	t.Helper()

	gw := paper.New(10000, 0)
	riskMgr, err := risk.NewManager(risk.Config{
		InitialCapital:   10000,
		RiskPct:          0.015,
		MaxPortfolioHeat: 0.06,
		MaxDrawdown:      0.20,
		MaxDailyDrawdown: 0.05,
	})
	require.NoError(t, err)
	ledger, err := portfolio.NewLedger(portfolio.LedgerConfig{
		TotalCapital: 10000,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)
	gate, err := portfolio.NewRiskGate(ledger, 3, groups)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	events := &eventLog{}

	cfg := Config{
		Symbol:            symbol,
		Interval:          "15m",
		SlippageTolerance: 0.005,
		MinRiskReward:     1.0,
		Retry:             retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond},
		OrderTimeout:      5 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}

	tr, err := New(cfg, Deps{
		Exchange: gw,
		Strategy: &scriptedStrategy{},
		Risk:     riskMgr,
		Ledger:   ledger,
		Gate:     gate,
		Store:    st,
		OnEvent:  events.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = tr.Stop(stopCtx)
		cancel()
	})

	return &fixture{trader: tr, gw: gw, risk: riskMgr, ledger: ledger, gate: gate, store: st, events: events, cancel: cancel}
}

func enterLong(price, stop, tp float64) *strategy.Signal {
	return &strategy.Signal{
		Kind:       strategy.SignalEnterLong,
		Price:      price,
		StopLoss:   stop,
		TakeProfit: tp,
		Reason:     "test entry",
	}
}

func openOrderCount(t *testing.T, gw *paper.Gateway, symbol string) int {
	t.Helper()
	orders, err := gw.GetOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	return len(orders)
}

func TestEntryOpensProtectedPosition(t *testing.T) {
	f := newFixture(t, "BTC/USDT", nil, nil)
	f.gw.SetMark("BTC/USDT", 50000)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))

	assert.Equal(t, StateOpen, f.trader.State())
	p := f.trader.Position()
	require.NotNil(t, p)
	assert.InDelta(t, 0.1, p.Quantity, 1e-9) // 10000 × 1.5% / 1500
	assert.InDelta(t, 150, p.RiskAmount, 1e-6)
	assert.NotEmpty(t, p.StopOrderID)
	assert.NotEmpty(t, p.TakeProfitOrderID)
	assert.Equal(t, 1, p.Version)

	assert.Equal(t, 2, openOrderCount(t, f.gw, "BTC/USDT"))
	assert.InDelta(t, 150, f.risk.PortfolioHeat()*10000, 1e-6)

	recs, err := f.store.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.PositionStatusOpen, recs[0].Status)
}

func TestEntryRefusedByCorrelationGroupCap(t *testing.T) {
	groups := []portfolio.CorrelationGroup{
		{Name: "majors", Symbols: []string{"BTC/USDT", "ETH/USDT"}, MaxRiskPct: 0.10},
	}
	f := newFixture(t, "BTC/USDT", groups, nil)
	f.gw.SetMark("BTC/USDT", 50000)

	// a sibling trader already holds 9% of the pool in the same group
	f.gate.RegisterOpen("ETH/USDT", 900)

	// this entry would add 1.5% more: refuse, do not resize
	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))

	assert.Equal(t, StateFlat, f.trader.State())
	assert.Nil(t, f.trader.Position())
	assert.Equal(t, 0, openOrderCount(t, f.gw, "BTC/USDT"))
	assert.True(t, f.events.contains(KindInfo, "correlation-group-cap"))
}

// slowGateway stretches the venue round trip so concurrent admissions overlap
// in time.
type slowGateway struct {
	*paper.Gateway
	delay time.Duration
}

func (g *slowGateway) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	time.Sleep(g.delay)
	return g.Gateway.PlaceMarketOrder(ctx, req)
}

func TestConcurrentEntriesCannotBreachGroupCap(t *testing.T) {
	gw := &slowGateway{Gateway: paper.New(10000, 0), delay: 50 * time.Millisecond}
	riskMgr, err := risk.NewManager(risk.Config{
		InitialCapital:   10000,
		RiskPct:          0.07,
		MaxPortfolioHeat: 0.20,
		MaxDrawdown:      0.20,
		MaxDailyDrawdown: 0.05,
	})
	require.NoError(t, err)
	ledger, err := portfolio.NewLedger(portfolio.LedgerConfig{
		TotalCapital: 10000,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)
	gate, err := portfolio.NewRiskGate(ledger, 3, []portfolio.CorrelationGroup{
		{Name: "majors", Symbols: []string{"BTC/USDT", "ETH/USDT"}, MaxRiskPct: 0.10},
	})
	require.NoError(t, err)
	st := store.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var traders []*Trader
	for _, sym := range []string{"BTC/USDT", "ETH/USDT"} {
		gw.SetMark(sym, 50000)
		tr, err := New(Config{
			Symbol:            sym,
			Interval:          "15m",
			SlippageTolerance: 0.005,
			MinRiskReward:     1.0,
			Retry:             retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond},
			OrderTimeout:      5 * time.Second,
		}, Deps{
			Exchange: gw,
			Strategy: &scriptedStrategy{},
			Risk:     riskMgr,
			Ledger:   ledger,
			Gate:     gate,
			Store:    st,
		})
		require.NoError(t, err)
		tr.Start(ctx)
		traders = append(traders, tr)
	}
	t.Cleanup(func() {
		for _, tr := range traders {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = tr.Stop(stopCtx)
			stopCancel()
		}
	})

	// Two 7%-risk entries race a 10% group cap across a slow venue round
	// trip. Admission books the risk atomically, so only one may open; a
	// check-then-register split would admit both and put the group at 14%.
	var wg sync.WaitGroup
	for _, tr := range traders {
		wg.Add(1)
		go func(tr *Trader) {
			defer wg.Done()
			assert.NoError(t, tr.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))
		}(tr)
	}
	wg.Wait()

	open := 0
	for _, tr := range traders {
		if tr.State() == StateOpen {
			open++
		}
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, gate.OpenPositions())
	assert.InDelta(t, 0.07, riskMgr.PortfolioHeat(), 1e-9)
}

func TestPartialExitReplacesProtectiveOrders(t *testing.T) {
	f := newFixture(t, "ETH/USDT", nil, nil)
	f.gw.SetMark("ETH/USDT", 3000)

	// 10000 × 1.5% / 150 = 1.0
	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3300)))
	p := f.trader.Position()
	require.NotNil(t, p)
	require.InDelta(t, 1.0, p.Quantity, 1e-9)
	oldStop := p.StopOrderID

	require.NoError(t, f.trader.Dispatch(context.Background(), &strategy.Signal{
		Kind:            strategy.SignalPartialExit,
		PartialFraction: 0.25,
		Reason:          "take some profit",
	}))

	assert.Equal(t, StatePartiallyClosed, f.trader.State())
	p = f.trader.Position()
	require.NotNil(t, p)
	assert.InDelta(t, 0.75, p.Quantity, 1e-9)
	assert.InDelta(t, 1.0, p.InitialQuantity, 1e-9)
	assert.NotEqual(t, oldStop, p.StopOrderID, "stop must be replaced, not resized in place")
	assert.Equal(t, 2, p.Version)
	assert.InDelta(t, 150*0.75, p.RiskAmount, 1e-6)

	// replacement orders carry the remaining quantity
	orders, err := f.gw.GetOpenOrders(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.InDelta(t, 0.75, o.Quantity, 1e-9)
	}

	logs, err := f.store.ListTradeLogs(context.Background(), "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Reason, "partial")
}

func TestExitCancelsProtectivesAndRealizesPnL(t *testing.T) {
	f := newFixture(t, "ETH/USDT", nil, nil)
	f.gw.SetMark("ETH/USDT", 3000)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3300)))
	f.gw.SetMark("ETH/USDT", 3100)

	require.NoError(t, f.trader.Dispatch(context.Background(), &strategy.Signal{
		Kind:   strategy.SignalExit,
		Reason: "strategy exit",
	}))

	assert.Equal(t, StateFlat, f.trader.State())
	assert.Nil(t, f.trader.Position())
	assert.Equal(t, 0, openOrderCount(t, f.gw, "ETH/USDT"))
	assert.InDelta(t, 0, f.risk.PortfolioHeat(), 1e-9)
	assert.Equal(t, 0, f.gate.OpenPositions())

	logs, err := f.store.ListTradeLogs(context.Background(), "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.InDelta(t, 100.0, logs[0].PnL, 1e-6)
	assert.False(t, logs[0].PnLApproximate)

	recs, err := f.store.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStopFillDetectedOnNextCandle(t *testing.T) {
	f := newFixture(t, "ETH/USDT", nil, nil)
	f.gw.SetMark("ETH/USDT", 3000)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3300)))

	// venue triggers the stop while no signal is in flight
	f.gw.SetMark("ETH/USDT", 2840)

	f.trader.EnqueueCandle(market.CandleEvent{
		Symbol:   "ETH/USDT",
		Interval: "15m",
		Candle:   market.Candle{OpenTime: 1, Close: 2840},
	})

	require.Eventually(t, func() bool {
		return f.trader.State() == StateFlat
	}, 5*time.Second, 10*time.Millisecond)

	assert.Nil(t, f.trader.Position())
	assert.Equal(t, 0, openOrderCount(t, f.gw, "ETH/USDT"), "sibling take-profit must be canceled")

	logs, err := f.store.ListTradeLogs(context.Background(), "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Reason, "stop-loss")
	assert.InDelta(t, -150.0, logs[0].PnL, 1e-6)
}

func TestExcessiveSlippageAbandonsEntry(t *testing.T) {
	gw := paper.New(10000, 0.02) // 2% slippage against a 0.5% tolerance
	f := newFixtureWithGateway(t, "ETH/USDT", gw)
	gw.SetMark("ETH/USDT", 3000)

	// at the signal price R:R is exactly 1.0; the slipped fill pushes it under
	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3150)))

	assert.Equal(t, StateFlat, f.trader.State())
	assert.Nil(t, f.trader.Position())
	positions, _ := gw.GetOpenPositions(context.Background())
	assert.Empty(t, positions)

	logs, err := f.store.ListTradeLogs(context.Background(), "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "entry-aborted", logs[0].Reason)
	assert.InDelta(t, 0, f.risk.PortfolioHeat(), 1e-9, "aborted entry must release its reservation")
	assert.Equal(t, 0, f.gate.OpenPositions())
}

func newFixtureWithGateway(t *testing.T, symbol string, gw *paper.Gateway) *fixture {
	t.Helper()
	f := newFixture(t, symbol, nil, nil)
	// rebuild with the custom gateway
	riskMgr, err := risk.NewManager(risk.Config{
		InitialCapital:   10000,
		RiskPct:          0.015,
		MaxPortfolioHeat: 0.06,
		MaxDrawdown:      0.20,
		MaxDailyDrawdown: 0.05,
	})
	require.NoError(t, err)
	st := store.NewMemoryStore()
	events := &eventLog{}
	tr, err := New(Config{
		Symbol:            symbol,
		Interval:          "15m",
		SlippageTolerance: 0.005,
		MinRiskReward:     1.0,
		Retry:             retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond},
		OrderTimeout:      5 * time.Second,
	}, Deps{
		Exchange: gw,
		Strategy: &scriptedStrategy{},
		Risk:     riskMgr,
		Ledger:   f.ledger,
		Gate:     f.gate,
		Store:    st,
		OnEvent:  events.record,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = tr.Stop(stopCtx)
		cancel()
	})
	return &fixture{trader: tr, gw: gw, risk: riskMgr, ledger: f.ledger, gate: f.gate, store: st, events: events, cancel: cancel}
}

func TestEntryRetriesUseOneClientOrderID(t *testing.T) {
	f := newFixture(t, "BTC/USDT", nil, nil)
	f.gw.SetMark("BTC/USDT", 50000)

	f.gw.InjectError("place-market", &exchange.TransientError{Op: "place-market", Err: assert.AnError}, 2)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))

	assert.Equal(t, StateOpen, f.trader.State())
	positions, _ := f.gw.GetOpenPositions(context.Background())
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.1, positions[0].Quantity, 1e-9, "retries must not double-fill")
}

func TestStopPlacementFailureForcesFlatten(t *testing.T) {
	f := newFixture(t, "BTC/USDT", nil, nil)
	f.gw.SetMark("BTC/USDT", 50000)

	f.gw.InjectError("place-stop", &exchange.RejectionError{Op: "place-stop", Reason: "bad trigger"}, 1)

	err := f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000))
	require.NoError(t, err)

	assert.Equal(t, StateFlat, f.trader.State())
	positions, _ := f.gw.GetOpenPositions(context.Background())
	assert.Empty(t, positions, "an unprotectable position must not stay open")
	assert.True(t, f.events.contains(KindCritical, "stop placement failed"))
	assert.InDelta(t, 0, f.risk.PortfolioHeat(), 1e-9, "flattened entry must release its reservation")
	assert.Equal(t, 0, f.gate.OpenPositions())
}

// slowNotifier blocks in SendText the way a struggling transport would.
type slowNotifier struct {
	delay time.Duration
	sent  atomic.Int32
}

func (n *slowNotifier) SendText(string) error {
	time.Sleep(n.delay)
	n.sent.Add(1)
	return nil
}

func TestNotificationsDoNotStallTheTradingLoop(t *testing.T) {
	slow := &slowNotifier{delay: time.Second}

	gw := paper.New(10000, 0)
	riskMgr, err := risk.NewManager(risk.Config{
		InitialCapital:   10000,
		RiskPct:          0.015,
		MaxPortfolioHeat: 0.06,
		MaxDrawdown:      0.20,
		MaxDailyDrawdown: 0.05,
	})
	require.NoError(t, err)
	events := &eventLog{}
	tr, err := New(Config{
		Symbol:            "BTC/USDT",
		Interval:          "15m",
		SlippageTolerance: 0.005,
		MinRiskReward:     1.0,
		Retry:             retry.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond},
		OrderTimeout:      5 * time.Second,
	}, Deps{
		Exchange: gw,
		Strategy: &scriptedStrategy{},
		Risk:     riskMgr,
		Notifier: slow,
		OnEvent:  events.record,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = tr.Stop(stopCtx)
		cancel()
	})

	gw.SetMark("BTC/USDT", 50000)
	// The stop-failure path notifies between the failed placement and the
	// emergency flatten; delivery latency must not widen that window.
	gw.InjectError("place-stop", &exchange.RejectionError{Op: "place-stop", Reason: "bad trigger"}, 1)

	start := time.Now()
	require.NoError(t, tr.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond, "notification delivery held up order handling")
	assert.Equal(t, StateFlat, tr.State())
	positions, _ := gw.GetOpenPositions(context.Background())
	assert.Empty(t, positions)
	assert.Eventually(t, func() bool { return slow.sent.Load() > 0 }, 5*time.Second, 10*time.Millisecond,
		"notifications must still be delivered")
}

func TestMoveStopToBreakeven(t *testing.T) {
	f := newFixture(t, "ETH/USDT", nil, nil)
	f.gw.SetMark("ETH/USDT", 3000)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3300)))
	oldStop := f.trader.Position().StopOrderID

	require.NoError(t, f.trader.Dispatch(context.Background(), &strategy.Signal{
		Kind:            strategy.SignalPartialExit,
		PartialFraction: 0, // carries only the breakeven instruction
		MoveToBreakeven: true,
	}))

	p := f.trader.Position()
	require.NotNil(t, p)
	assert.InDelta(t, 3000, p.StopLoss, 1e-9)
	assert.NotEqual(t, oldStop, p.StopOrderID)
	assert.InDelta(t, 1.0, p.Quantity, 1e-9, "breakeven keeps the quantity")
}

func TestDailyBreakerBlocksNewEntries(t *testing.T) {
	f := newFixture(t, "BTC/USDT", nil, nil)
	f.gw.SetMark("BTC/USDT", 50000)

	f.risk.UpdateEquity(9300) // 7% daily drawdown trips the breaker

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))

	assert.Equal(t, StateFlat, f.trader.State())
	assert.True(t, f.events.contains(KindInfo, "entry refused"))
}

func TestEntrySignalIgnoredWhileOpen(t *testing.T) {
	f := newFixture(t, "ETH/USDT", nil, nil)
	f.gw.SetMark("ETH/USDT", 3000)

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3000, 2850, 3300)))
	first := f.trader.Position().StopOrderID

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(3100, 2950, 3400)))

	p := f.trader.Position()
	assert.Equal(t, first, p.StopOrderID, "second entry must be a no-op")
	assert.InDelta(t, 1.0, p.Quantity, 1e-9)
}

func TestGateSignalSuppressesEntry(t *testing.T) {
	f := newFixture(t, "BTC/USDT", nil, nil)
	f.gw.SetMark("BTC/USDT", 50000)
	f.trader.deps.GateSignal = func(*strategy.Signal) (bool, string) {
		return false, "higher timeframe disagrees"
	}

	require.NoError(t, f.trader.Dispatch(context.Background(), enterLong(50000, 48500, 53000)))

	assert.Equal(t, StateFlat, f.trader.State())
	assert.True(t, f.events.contains(KindSignal, "suppressed"))
}
