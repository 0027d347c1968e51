package paper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reef/internal/gateway/exchange"
)

func TestMarketOrderFillsAtMarkWithSlippage(t *testing.T) {
	g := New(10000, 0.001)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()

	res, err := g.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1,
	})
	require.NoError(t, err)
	assert.True(t, res.Filled())
	assert.InDelta(t, 50050, res.AvgFillPrice, 1e-6)
	assert.InDelta(t, 0.1, res.ExecutedQty, 1e-9)

	positions, err := g.GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "long", positions[0].Side)
}

func TestMarketOrderWithoutMarkIsRejected(t *testing.T) {
	g := New(10000, 0)
	_, err := g.PlaceMarketOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1,
	})
	assert.True(t, exchange.IsRejection(err))
}

func TestClientOrderIDDeduplication(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()

	req := exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1,
		ClientOrderID: "entry-1",
	}
	first, err := g.PlaceMarketOrder(ctx, req)
	require.NoError(t, err)
	second, err := g.PlaceMarketOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID, "retried order must not fill twice")
	positions, _ := g.GetOpenPositions(ctx)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.1, positions[0].Quantity, 1e-9)
}

func TestStopOrderTriggersOnMark(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()

	_, err := g.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1,
	})
	require.NoError(t, err)

	stop, err := g.PlaceStopOrder(ctx, exchange.StopOrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideSell, Quantity: 0.1,
		StopPrice: 48500, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusNew, stop.Status)

	g.SetMark("BTC/USDT", 48400)

	res, err := g.GetOrder(ctx, "BTC/USDT", stop.OrderID)
	require.NoError(t, err)
	assert.True(t, res.Filled())
	assert.InDelta(t, 48500, res.AvgFillPrice, 1e-6)

	positions, _ := g.GetOpenPositions(ctx)
	assert.Empty(t, positions, "stop fill closes the position")

	// the loss is realized against the balance
	bal, _ := g.GetBalance(ctx)
	assert.InDelta(t, 10000-1500*0.1, bal.Total, 1e-6)
}

func TestTakeProfitTriggersAboveForLong(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("ETH/USDT", 3000)
	ctx := context.Background()

	_, err := g.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol: "ETH/USDT", Side: exchange.SideBuy, Quantity: 1,
	})
	require.NoError(t, err)

	tp, err := g.PlaceTakeProfitOrder(ctx, exchange.StopOrderRequest{
		Symbol: "ETH/USDT", Side: exchange.SideSell, Quantity: 1,
		StopPrice: 3300, ReduceOnly: true,
	})
	require.NoError(t, err)

	g.SetMark("ETH/USDT", 3200) // not yet
	res, _ := g.GetOrder(ctx, "ETH/USDT", tp.OrderID)
	assert.False(t, res.Filled())

	g.SetMark("ETH/USDT", 3350)
	res, _ = g.GetOrder(ctx, "ETH/USDT", tp.OrderID)
	assert.True(t, res.Filled())
}

func TestCancelOrder(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()

	stop, err := g.PlaceStopOrder(ctx, exchange.StopOrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideSell, Quantity: 0.1, StopPrice: 48500,
	})
	require.NoError(t, err)

	require.NoError(t, g.CancelOrder(ctx, "BTC/USDT", stop.OrderID))
	res, err := g.GetOrder(ctx, "BTC/USDT", stop.OrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusCanceled, res.Status)

	assert.ErrorIs(t, g.CancelOrder(ctx, "BTC/USDT", "missing"), exchange.ErrOrderNotFound)
}

func TestInjectErrorFailsNTimes(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()
	transient := &exchange.TransientError{Op: "place-market", Err: assert.AnError}
	g.InjectError("place-market", transient, 2)

	req := exchange.OrderRequest{Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1}
	_, err := g.PlaceMarketOrder(ctx, req)
	assert.True(t, exchange.IsTransient(err))
	_, err = g.PlaceMarketOrder(ctx, req)
	assert.True(t, exchange.IsTransient(err))
	_, err = g.PlaceMarketOrder(ctx, req)
	assert.NoError(t, err)
}

func TestReduceOnlyNeverFlips(t *testing.T) {
	g := New(10000, 0)
	g.SetMark("BTC/USDT", 50000)
	ctx := context.Background()

	_, err := g.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideBuy, Quantity: 0.1,
	})
	require.NoError(t, err)

	// closing more than the position holds flattens it, nothing more
	_, err = g.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.SideSell, Quantity: 0.5, ReduceOnly: true,
	})
	require.NoError(t, err)

	positions, _ := g.GetOpenPositions(ctx)
	assert.Empty(t, positions)
}

func TestAdoptPosition(t *testing.T) {
	g := New(10000, 0)
	g.AdoptPosition("BTC/USDT", "short", 0.2, 51000)

	positions, err := g.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "short", positions[0].Side)
	assert.InDelta(t, 0.2, positions[0].Quantity, 1e-9)
}
