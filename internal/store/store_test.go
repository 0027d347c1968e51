package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePosition(symbol string) PositionRecord {
	return PositionRecord{
		Symbol:          symbol,
		Side:            "long",
		Quantity:        0.1,
		InitialQuantity: 0.1,
		EntryPrice:      50000,
		StopLoss:        48500,
		TakeProfit:      53000,
		StopOrderID:     "ord-1",
		RiskAmount:      150,
		Status:          PositionStatusOpen,
		OpenedAt:        time.Now().UTC().Truncate(time.Second),
		UpdatedAt:       time.Now().UTC().Truncate(time.Second),
		Raw:             map[string]any{"version": 1, "state": "open"},
	}
}

func testStoreRoundTrip(t *testing.T, s PositionStore) {
	ctx := context.Background()

	require.NoError(t, s.SavePosition(ctx, samplePosition("BTC/USDT")))
	require.NoError(t, s.SavePosition(ctx, samplePosition("ETH/USDT")))

	recs, err := s.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// saving again for the same symbol upserts rather than duplicates
	updated := samplePosition("BTC/USDT")
	updated.Quantity = 0.05
	updated.Status = PositionStatusPartial
	require.NoError(t, s.SavePosition(ctx, updated))

	recs, err = s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		if rec.Symbol != "BTC/USDT" {
			continue
		}
		assert.InDelta(t, 0.05, rec.Quantity, 1e-9)
		assert.Equal(t, PositionStatusPartial, rec.Status)
		require.NotNil(t, rec.Raw)
		assert.Equal(t, "open", rec.Raw["state"])
	}

	require.NoError(t, s.DeletePosition(ctx, "BTC/USDT"))
	recs, err = s.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "ETH/USDT", recs[0].Symbol)
}

func testStoreTradeLogs(t *testing.T, s PositionStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendTradeLog(ctx, TradeLogRecord{
			Symbol:   "BTC/USDT",
			Side:     "long",
			Quantity: 0.1,
			PnL:      float64(i * 10),
			Reason:   "take-profit",
			ClosedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendTradeLog(ctx, TradeLogRecord{
		Symbol:         "ETH/USDT",
		Side:           "short",
		PnL:            -25,
		PnLApproximate: true,
		Reason:         "closed while offline",
		ClosedAt:       base,
	}))

	logs, err := s.ListTradeLogs(ctx, "BTC/USDT", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.InDelta(t, 20, logs[0].PnL, 1e-9, "newest first")

	logs, err = s.ListTradeLogs(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	logs, err = s.ListTradeLogs(ctx, "ETH/USDT", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].PnLApproximate)
}

func TestMemoryStore(t *testing.T) {
	t.Run("positions", func(t *testing.T) { testStoreRoundTrip(t, NewMemoryStore()) })
	t.Run("trade logs", func(t *testing.T) { testStoreTradeLogs(t, NewMemoryStore()) })
}

func TestGormStore(t *testing.T) {
	newStore := func(t *testing.T) PositionStore {
		s, err := NewGormStore(filepath.Join(t.TempDir(), "reef.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	t.Run("positions", func(t *testing.T) { testStoreRoundTrip(t, newStore(t)) })
	t.Run("trade logs", func(t *testing.T) { testStoreTradeLogs(t, newStore(t)) })
}

func TestGormStoreRejectsEmptyPath(t *testing.T) {
	_, err := NewGormStore("  ")
	require.Error(t, err)
}

func TestGormStoreRejectsEmptySymbol(t *testing.T) {
	s, err := NewGormStore(filepath.Join(t.TempDir(), "reef.db"))
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.SavePosition(context.Background(), PositionRecord{}))
}
