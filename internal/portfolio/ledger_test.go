package portfolio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerEqualAllocation(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 9000,
		Mode:         AllocationEqual,
		Symbols:      []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
	})
	require.NoError(t, err)

	for _, sym := range []string{"BTC/USDT", "ETH/USDT", "SOL/USDT"} {
		alloc, ok := l.Allocation(sym)
		require.True(t, ok)
		assert.InDelta(t, 3000, alloc, 1e-9)
	}
	assert.InDelta(t, 9000, l.TotalEquity(), 1e-9)
}

func TestLedgerWeightedAllocation(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Mode:         AllocationWeighted,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
		Weights:      map[string]float64{"BTC/USDT": 3, "ETH/USDT": 1},
	})
	require.NoError(t, err)

	btc, _ := l.Allocation("BTC/USDT")
	eth, _ := l.Allocation("ETH/USDT")
	assert.InDelta(t, 7500, btc, 1e-9)
	assert.InDelta(t, 2500, eth, 1e-9)

	_, err = NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Mode:         AllocationWeighted,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
		Weights:      map[string]float64{"BTC/USDT": 3},
	})
	assert.Error(t, err, "missing weight must be rejected")
}

func TestLedgerEquityAndSnapshot(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)

	require.NoError(t, l.UpdateEquity("BTC/USDT", 5400))
	require.NoError(t, l.RealizePnL("BTC/USDT", 400))
	assert.Error(t, l.UpdateEquity("DOGE/USDT", 1))

	snap := l.Snapshot()
	assert.InDelta(t, 10400, snap.TotalEquity, 1e-9)
	assert.InDelta(t, 400, snap.PerSymbol["BTC/USDT"].RealizedPnL, 1e-9)

	// mutating the snapshot must not touch the ledger
	snap.PerSymbol["BTC/USDT"] = SymbolEquity{}
	assert.InDelta(t, 5400, l.Snapshot().PerSymbol["BTC/USDT"].Equity, 1e-9)
}

func TestLedgerDrawdownAlertFiresOncePerCrossing(t *testing.T) {
	var mu sync.Mutex
	var fired []DrawdownAlert
	done := make(chan struct{}, 4)

	l, err := NewLedger(LedgerConfig{
		TotalCapital:    10000,
		Symbols:         []string{"BTC/USDT"},
		AlertThresholds: []float64{0.05},
		OnDrawdownAlert: func(a DrawdownAlert) {
			mu.Lock()
			fired = append(fired, a)
			mu.Unlock()
			done <- struct{}{}
		},
	})
	require.NoError(t, err)

	require.NoError(t, l.UpdateEquity("BTC/USDT", 9300)) // 7% drawdown
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a drawdown alert")
	}

	// deeper drawdown without recovery: same threshold stays silent
	require.NoError(t, l.UpdateEquity("BTC/USDT", 9200))
	// recovery re-arms, next crossing fires again
	require.NoError(t, l.UpdateEquity("BTC/USDT", 9900))
	require.NoError(t, l.UpdateEquity("BTC/USDT", 9300))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected alert after re-arm")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, fired, 2)
	assert.InDelta(t, 0.05, fired[0].Threshold, 1e-9)
}

func TestLedgerConcurrentUpdates(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = l.UpdateEquity("BTC/USDT", 5000)
			_ = l.RealizePnL("BTC/USDT", 1)
		}()
		go func() {
			defer wg.Done()
			_ = l.TotalEquity()
			_ = l.Snapshot()
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50, l.Snapshot().PerSymbol["BTC/USDT"].RealizedPnL, 1e-9)
}

func TestLedgerDynamicRebalance(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Mode:         AllocationDynamic,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)

	require.NoError(t, l.UpdateEquity("BTC/USDT", 7000))
	require.NoError(t, l.UpdateEquity("ETH/USDT", 4000))
	l.Rebalance()

	btc, _ := l.Allocation("BTC/USDT")
	eth, _ := l.Allocation("ETH/USDT")
	assert.Greater(t, btc, eth)
	assert.InDelta(t, 7000, btc, 1e-9)
	assert.InDelta(t, 4000, eth, 1e-9)
	assert.InDelta(t, 11000, l.TotalEquity(), 1e-9, "rebalancing moves capital, it must not create or destroy it")
}

func TestLedgerRebalanceFoldsFreedCapitalBackIn(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Mode:         AllocationDynamic,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)

	l.RemoveSymbol("ETH/USDT")
	assert.InDelta(t, 5000, l.Snapshot().AvailableCapital, 1e-9)

	l.Rebalance()

	btc, ok := l.Allocation("BTC/USDT")
	require.True(t, ok)
	assert.InDelta(t, 10000, btc, 1e-9, "freed capital flows to the remaining symbols")
	snap := l.Snapshot()
	assert.InDelta(t, 0, snap.AvailableCapital, 1e-9)
	assert.InDelta(t, 10000, snap.TotalEquity, 1e-9)
}

func TestLedgerAddSymbol(t *testing.T) {
	l, err := NewLedger(LedgerConfig{
		TotalCapital: 10000,
		Symbols:      []string{"BTC/USDT", "ETH/USDT"},
	})
	require.NoError(t, err)

	require.NoError(t, l.UpdateEquity("BTC/USDT", 9000))
	l.RemoveSymbol("ETH/USDT") // frees its 5000

	require.NoError(t, l.AddSymbol("SOL/USDT"))
	sol, ok := l.Allocation("SOL/USDT")
	require.True(t, ok)
	// Equal share of the 14000 pool would be 7000; only 5000 is free.
	assert.InDelta(t, 5000, sol, 1e-9)
	assert.InDelta(t, 0, l.Snapshot().AvailableCapital, 1e-9)
	require.NoError(t, l.UpdateEquity("SOL/USDT", 5100))

	assert.ErrorContains(t, l.AddSymbol("SOL/USDT"), "already in ledger")
	assert.ErrorContains(t, l.AddSymbol("ADA/USDT"), "no unallocated capital")
}
