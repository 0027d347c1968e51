package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candleAt(openTime int64, close float64) Candle {
	return Candle{OpenTime: openTime, CloseTime: openTime + 899_999, Open: close, High: close, Low: close, Close: close}
}

func TestMemoryKlineStorePutAndGet(t *testing.T) {
	s := NewMemoryKlineStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "BTC/USDT", "15m", []Candle{candleAt(1, 100), candleAt(2, 101)}, 10))
	got, err := s.Get(ctx, "BTC/USDT", "15m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101.0, got[1].Close)

	// same open time replaces the last bar instead of appending
	require.NoError(t, s.Put(ctx, "BTC/USDT", "15m", []Candle{candleAt(2, 105)}, 10))
	got, err = s.Get(ctx, "BTC/USDT", "15m")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 105.0, got[1].Close)
}

func TestMemoryKlineStoreDropsOldestBeyondMax(t *testing.T) {
	s := NewMemoryKlineStore()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.Put(ctx, "BTC/USDT", "15m", []Candle{candleAt(i, float64(i))}, 3))
	}
	got, err := s.Get(ctx, "BTC/USDT", "15m")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].OpenTime)
	assert.Equal(t, int64(5), got[2].OpenTime)
}

func TestMemoryKlineStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryKlineStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "BTC/USDT", "15m", []Candle{candleAt(1, 100)}, 10))
	got, _ := s.Get(ctx, "BTC/USDT", "15m")
	got[0].Close = 0

	again, _ := s.Get(ctx, "BTC/USDT", "15m")
	assert.Equal(t, 100.0, again[0].Close)
}

func TestMemoryKlineStoreKeysAreRequired(t *testing.T) {
	s := NewMemoryKlineStore()
	ctx := context.Background()

	assert.Error(t, s.Put(ctx, "", "15m", []Candle{candleAt(1, 1)}, 10))
	_, err := s.Get(ctx, "BTC/USDT", "")
	assert.Error(t, err)
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]struct {
		d  int64 // minutes
		ok bool
	}{
		"15m": {15, true},
		"1h":  {60, true},
		"4h":  {240, true},
		"1d":  {1440, true},
		"1w":  {10080, true},
		"":    {0, false},
		"m":   {0, false},
		"10x": {0, false},
		"-5m": {0, false},
	}
	for in, want := range cases {
		d, ok := ParseIntervalDuration(in)
		assert.Equal(t, want.ok, ok, in)
		if want.ok {
			assert.Equal(t, want.d, int64(d.Minutes()), in)
		}
	}
}

func TestCandleSeriesHelpers(t *testing.T) {
	candles := []Candle{
		{High: 10, Low: 5, Close: 7},
		{High: 12, Low: 6, Close: 9},
	}
	assert.Equal(t, []float64{7, 9}, Closes(candles))
	assert.Equal(t, []float64{10, 12}, Highs(candles))
	assert.Equal(t, []float64{5, 6}, Lows(candles))
}
