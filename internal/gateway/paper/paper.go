// Package paper provides an in-process simulated exchange. It fills market
// orders at the current mark price with configurable slippage and keeps
// resting stop/take-profit orders that trigger on mark updates. Used by tests
// and dry-run mode.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"reef/internal/gateway/exchange"
	symbolpkg "reef/internal/pkg/symbol"
)

type position struct {
	side     string // "long" or "short"
	quantity float64
	entry    float64
	openedAt time.Time
}

type restingOrder struct {
	result exchange.OrderResult
}

type injectedError struct {
	err   error
	times int
}

// Gateway implements exchange.Exchange against an in-memory book.
type Gateway struct {
	mu          sync.Mutex
	asset       string
	balance     float64
	slippagePct float64

	marks     map[string]float64
	positions map[string]*position
	orders    map[string]*restingOrder
	history   map[string]exchange.OrderResult
	byClient  map[string]string // client order id -> order id
	nextID    int64

	failures map[string]*injectedError
}

func New(startBalance, slippagePct float64) *Gateway {
	return &Gateway{
		asset:       "USDT",
		balance:     startBalance,
		slippagePct: slippagePct,
		marks:       make(map[string]float64),
		positions:   make(map[string]*position),
		orders:      make(map[string]*restingOrder),
		history:     make(map[string]exchange.OrderResult),
		byClient:    make(map[string]string),
		failures:    make(map[string]*injectedError),
	}
}

func (g *Gateway) Name() string { return "paper" }

// SetMark updates the mark price and triggers any resting orders it crosses.
func (g *Gateway) SetMark(symbol string, price float64) {
	sym := symbolpkg.Normalize(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[sym] = price
	g.triggerLocked(sym, price)
}

// InjectError makes the next n calls of op fail with err. Ops use the same
// names as the gateway methods: "place-market", "place-stop",
// "place-take-profit", "cancel", "get-order".
func (g *Gateway) InjectError(op string, err error, times int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures[op] = &injectedError{err: err, times: times}
}

func (g *Gateway) takeFailure(op string) error {
	f := g.failures[op]
	if f == nil || f.times <= 0 {
		return nil
	}
	f.times--
	if f.times == 0 {
		delete(g.failures, op)
	}
	return f.err
}

func (g *Gateway) PlaceMarketOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("place-market"); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, &exchange.RejectionError{Op: "place-market", Reason: "non-positive quantity"}
	}
	sym := symbolpkg.Normalize(req.Symbol)
	if prior, ok := g.dedupeLocked(req.ClientOrderID); ok {
		return prior, nil
	}
	mark, ok := g.marks[sym]
	if !ok || mark <= 0 {
		return nil, &exchange.RejectionError{Op: "place-market", Reason: "no mark price for " + sym}
	}
	fill := mark
	if g.slippagePct != 0 {
		if req.Side == exchange.SideBuy {
			fill = mark * (1 + g.slippagePct)
		} else {
			fill = mark * (1 - g.slippagePct)
		}
	}
	res := exchange.OrderResult{
		OrderID:       g.nextIDLocked(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Type:          exchange.OrderTypeMarket,
		Side:          req.Side,
		Status:        exchange.OrderStatusFilled,
		RequestedQty:  req.Quantity,
		ExecutedQty:   req.Quantity,
		AvgFillPrice:  fill,
		UpdatedAt:     time.Now(),
	}
	g.applyFillLocked(sym, req.Side, req.Quantity, fill, req.ReduceOnly)
	g.rememberLocked(res)
	return &res, nil
}

func (g *Gateway) PlaceStopOrder(ctx context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	return g.placeTrigger(ctx, "place-stop", exchange.OrderTypeStopMarket, req)
}

func (g *Gateway) PlaceTakeProfitOrder(ctx context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	return g.placeTrigger(ctx, "place-take-profit", exchange.OrderTypeTakeProfit, req)
}

func (g *Gateway) placeTrigger(_ context.Context, op string, ot exchange.OrderType, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(op); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.StopPrice <= 0 {
		return nil, &exchange.RejectionError{Op: op, Reason: "non-positive quantity or trigger price"}
	}
	if prior, ok := g.dedupeLocked(req.ClientOrderID); ok {
		return prior, nil
	}
	sym := symbolpkg.Normalize(req.Symbol)
	res := exchange.OrderResult{
		OrderID:       g.nextIDLocked(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        sym,
		Type:          ot,
		Side:          req.Side,
		Status:        exchange.OrderStatusNew,
		RequestedQty:  req.Quantity,
		StopPrice:     req.StopPrice,
		UpdatedAt:     time.Now(),
	}
	g.orders[res.OrderID] = &restingOrder{result: res}
	g.rememberLocked(res)
	return &res, nil
}

func (g *Gateway) CancelOrder(_ context.Context, _ string, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("cancel"); err != nil {
		return err
	}
	ord, ok := g.orders[orderID]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	delete(g.orders, orderID)
	ord.result.Status = exchange.OrderStatusCanceled
	ord.result.UpdatedAt = time.Now()
	g.history[orderID] = ord.result
	return nil
}

func (g *Gateway) GetOrder(_ context.Context, _ string, orderID string) (*exchange.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure("get-order"); err != nil {
		return nil, err
	}
	if ord, ok := g.orders[orderID]; ok {
		res := ord.result
		return &res, nil
	}
	if res, ok := g.history[orderID]; ok {
		out := res
		return &out, nil
	}
	return nil, exchange.ErrOrderNotFound
}

func (g *Gateway) GetBalance(_ context.Context) (exchange.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return exchange.Balance{
		Asset:     g.asset,
		Total:     g.balance,
		Available: g.balance,
		UpdatedAt: time.Now(),
	}, nil
}

func (g *Gateway) GetOpenPositions(_ context.Context) ([]exchange.PositionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]exchange.PositionInfo, 0, len(g.positions))
	for sym, p := range g.positions {
		if p.quantity == 0 {
			continue
		}
		out = append(out, exchange.PositionInfo{
			Symbol:     sym,
			Side:       p.side,
			Quantity:   p.quantity,
			EntryPrice: p.entry,
			MarkPrice:  g.marks[sym],
			UpdatedAt:  time.Now(),
		})
	}
	return out, nil
}

func (g *Gateway) GetOpenOrders(_ context.Context, symbol string) ([]exchange.OpenOrder, error) {
	sym := symbolpkg.Normalize(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OpenOrder
	for _, ord := range g.orders {
		if sym != "" && ord.result.Symbol != sym {
			continue
		}
		out = append(out, exchange.OpenOrder{
			OrderID:       ord.result.OrderID,
			ClientOrderID: ord.result.ClientOrderID,
			Symbol:        ord.result.Symbol,
			Type:          ord.result.Type,
			Side:          ord.result.Side,
			Quantity:      ord.result.RequestedQty,
			StopPrice:     ord.result.StopPrice,
			ReduceOnly:    true,
		})
	}
	return out, nil
}

func (g *Gateway) SetLeverage(_ context.Context, _ string, leverage int) error {
	if leverage <= 0 {
		return &exchange.RejectionError{Op: "set-leverage", Reason: "non-positive leverage"}
	}
	return nil
}

func (g *Gateway) SetMarginMode(_ context.Context, _ string, _ string) error { return nil }

// AdoptPosition seeds an open position directly, bypassing order flow.
// Reconciliation tests use it to fabricate exchange-side state.
func (g *Gateway) AdoptPosition(symbol, side string, qty, entry float64) {
	sym := symbolpkg.Normalize(symbol)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[sym] = &position{side: side, quantity: qty, entry: entry, openedAt: time.Now()}
}

func (g *Gateway) dedupeLocked(clientOrderID string) (*exchange.OrderResult, bool) {
	if clientOrderID == "" {
		return nil, false
	}
	id, ok := g.byClient[clientOrderID]
	if !ok {
		return nil, false
	}
	if ord, ok := g.orders[id]; ok {
		res := ord.result
		return &res, true
	}
	if res, ok := g.history[id]; ok {
		out := res
		return &out, true
	}
	return nil, false
}

func (g *Gateway) rememberLocked(res exchange.OrderResult) {
	g.history[res.OrderID] = res
	if res.ClientOrderID != "" {
		g.byClient[res.ClientOrderID] = res.OrderID
	}
}

func (g *Gateway) nextIDLocked() string {
	g.nextID++
	return strconv.FormatInt(g.nextID, 10)
}

// applyFillLocked updates the net position and realizes PnL on reduces.
func (g *Gateway) applyFillLocked(sym string, side exchange.Side, qty, price float64, reduceOnly bool) {
	p := g.positions[sym]
	opening := "long"
	if side == exchange.SideSell {
		opening = "short"
	}
	if p == nil || p.quantity == 0 {
		if reduceOnly {
			return
		}
		g.positions[sym] = &position{side: opening, quantity: qty, entry: price, openedAt: time.Now()}
		return
	}
	if p.side == opening {
		// add to position, average the entry
		total := p.quantity + qty
		p.entry = (p.entry*p.quantity + price*qty) / total
		p.quantity = total
		return
	}
	// reduce or flip
	closed := qty
	if closed > p.quantity {
		closed = p.quantity
	}
	dir := 1.0
	if p.side == "short" {
		dir = -1.0
	}
	g.balance += (price - p.entry) * closed * dir
	p.quantity -= closed
	if p.quantity <= 0 {
		delete(g.positions, sym)
		if rest := qty - closed; rest > 0 && !reduceOnly {
			g.positions[sym] = &position{side: opening, quantity: rest, entry: price, openedAt: time.Now()}
		}
	}
}

// triggerLocked fills resting orders whose trigger price the mark crossed.
func (g *Gateway) triggerLocked(sym string, price float64) {
	for id, ord := range g.orders {
		res := &ord.result
		if res.Symbol != sym {
			continue
		}
		crossed := false
		switch res.Side {
		case exchange.SideSell: // protects a long
			if res.Type == exchange.OrderTypeStopMarket {
				crossed = price <= res.StopPrice
			} else {
				crossed = price >= res.StopPrice
			}
		case exchange.SideBuy: // protects a short
			if res.Type == exchange.OrderTypeStopMarket {
				crossed = price >= res.StopPrice
			} else {
				crossed = price <= res.StopPrice
			}
		}
		if !crossed {
			continue
		}
		res.Status = exchange.OrderStatusFilled
		res.ExecutedQty = res.RequestedQty
		res.AvgFillPrice = res.StopPrice
		res.UpdatedAt = time.Now()
		g.applyFillLocked(sym, res.Side, res.RequestedQty, res.StopPrice, true)
		g.history[id] = *res
		delete(g.orders, id)
	}
}

var _ exchange.Exchange = (*Gateway)(nil)

func (g *Gateway) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("paper(balance=%.2f positions=%d orders=%d)", g.balance, len(g.positions), len(g.orders))
}
