package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"reef/internal/gateway/exchange"
	"reef/internal/pkg/circuit"
	symbolpkg "reef/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

// Gateway implements exchange.Exchange on Binance USD-M futures REST.
// Order calls run through a circuit breaker: a run of REST failures fails
// fast until the cool-down elapses instead of hammering a degraded venue.
type Gateway struct {
	cfg     Config
	client  *futures.Client
	breaker *circuit.Breaker
}

func NewGateway(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	if strings.TrimSpace(final.APIKey) == "" || strings.TrimSpace(final.APISecret) == "" {
		return nil, fmt.Errorf("binance gateway requires api key and secret")
	}
	client, err := newRESTClient(final)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:     final,
		client:  client,
		breaker: circuit.NewBreaker("binance-rest", final.BreakerThreshold, final.BreakerCooldown),
	}, nil
}

func (g *Gateway) Name() string { return "binance-futures" }

func (g *Gateway) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, &exchange.RejectionError{Op: "place-market", Reason: "non-positive quantity"}
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbolpkg.ToExchange(req.Symbol)).
		Side(toSide(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(req.Quantity))
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	var resp *futures.CreateOrderResponse
	err := g.guard(ctx, "place-market", func(ctx context.Context) error {
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertCreateResponse(req.Symbol, resp), nil
}

func (g *Gateway) PlaceStopOrder(ctx context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	return g.placeTrigger(ctx, "place-stop", futures.OrderTypeStopMarket, req)
}

func (g *Gateway) PlaceTakeProfitOrder(ctx context.Context, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	return g.placeTrigger(ctx, "place-take-profit", futures.OrderTypeTakeProfitMarket, req)
}

func (g *Gateway) placeTrigger(ctx context.Context, op string, ot futures.OrderType, req exchange.StopOrderRequest) (*exchange.OrderResult, error) {
	if req.Quantity <= 0 || req.StopPrice <= 0 {
		return nil, &exchange.RejectionError{Op: op, Reason: "non-positive quantity or trigger price"}
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbolpkg.ToExchange(req.Symbol)).
		Side(toSide(req.Side)).
		Type(ot).
		Quantity(formatQty(req.Quantity)).
		StopPrice(formatQty(req.StopPrice)).
		WorkingType(futures.WorkingTypeMarkPrice)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	var resp *futures.CreateOrderResponse
	err := g.guard(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertCreateResponse(req.Symbol, resp), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return &exchange.RejectionError{Op: "cancel", Reason: "invalid order id: " + orderID}
	}
	return g.guard(ctx, "cancel", func(ctx context.Context) error {
		_, err := g.client.NewCancelOrderService().
			Symbol(symbolpkg.ToExchange(symbol)).
			OrderID(id).
			Do(ctx)
		return err
	})
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, &exchange.RejectionError{Op: "get-order", Reason: "invalid order id: " + orderID}
	}
	var ord *futures.Order
	err = g.guard(ctx, "get-order", func(ctx context.Context) error {
		var err error
		ord, err = g.client.NewGetOrderService().
			Symbol(symbolpkg.ToExchange(symbol)).
			OrderID(id).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertOrder(symbol, ord), nil
}

func (g *Gateway) GetBalance(ctx context.Context) (exchange.Balance, error) {
	var balances []*futures.Balance
	err := g.guard(ctx, "get-balance", func(ctx context.Context) error {
		var err error
		balances, err = g.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return exchange.Balance{}, err
	}
	for _, b := range balances {
		if b == nil || b.Asset != "USDT" {
			continue
		}
		return exchange.Balance{
			Asset:     b.Asset,
			Total:     parseFloat(b.Balance),
			Available: parseFloat(b.AvailableBalance),
			UpdatedAt: time.Now(),
		}, nil
	}
	return exchange.Balance{Asset: "USDT", UpdatedAt: time.Now()}, nil
}

func (g *Gateway) GetOpenPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	var risks []*futures.PositionRisk
	err := g.guard(ctx, "get-positions", func(ctx context.Context) error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.PositionInfo, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        symbolpkg.Normalize(r.Symbol),
			Side:          side,
			Quantity:      amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
			UpdatedAt:     time.Now(),
		})
	}
	return out, nil
}

func (g *Gateway) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	var orders []*futures.Order
	err := g.guard(ctx, "get-open-orders", func(ctx context.Context) error {
		svc := g.client.NewListOpenOrdersService()
		if symbol != "" {
			svc = svc.Symbol(symbolpkg.ToExchange(symbol))
		}
		var err error
		orders, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]exchange.OpenOrder, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		out = append(out, exchange.OpenOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbolpkg.Normalize(o.Symbol),
			Type:          exchange.OrderType(o.Type),
			Side:          exchange.Side(o.Side),
			Quantity:      parseFloat(o.OrigQuantity),
			StopPrice:     parseFloat(o.StopPrice),
			ReduceOnly:    o.ReduceOnly,
		})
	}
	return out, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.guard(ctx, "set-leverage", func(ctx context.Context) error {
		_, err := g.client.NewChangeLeverageService().
			Symbol(symbolpkg.ToExchange(symbol)).
			Leverage(leverage).
			Do(ctx)
		return err
	})
}

func (g *Gateway) SetMarginMode(ctx context.Context, symbol, mode string) error {
	marginType := futures.MarginTypeCrossed
	if strings.EqualFold(mode, "isolated") {
		marginType = futures.MarginTypeIsolated
	}
	return g.guard(ctx, "set-margin-mode", func(ctx context.Context) error {
		err := g.client.NewChangeMarginTypeService().
			Symbol(symbolpkg.ToExchange(symbol)).
			MarginType(marginType).
			Do(ctx)
		// -4046: margin type already set this way
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == -4046 {
			return nil
		}
		return err
	})
}

// guard runs a REST call through the circuit breaker and classifies the error.
func (g *Gateway) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if !g.breaker.Allow() {
		return &exchange.TransientError{Op: op, Err: fmt.Errorf("circuit breaker open")}
	}
	err := fn(ctx)
	if err == nil {
		g.breaker.RecordSuccess()
		return nil
	}
	classified := classifyError(op, err)
	if exchange.IsTransient(classified) {
		g.breaker.RecordFailure()
	} else {
		// Rejections are the venue working as intended; don't trip the breaker.
		g.breaker.RecordSuccess()
	}
	return classified
}

func classifyError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2011, -2013: // unknown order / order does not exist
			return exchange.ErrOrderNotFound
		case -1003, -1007, -1008, -1001: // rate limit, timeout, busy, internal
			return &exchange.TransientError{Op: op, Err: err}
		default:
			return &exchange.RejectionError{Op: op, Code: int(apiErr.Code), Reason: apiErr.Message}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &exchange.TransientError{Op: op, Err: err}
	}
	return &exchange.TransientError{Op: op, Err: err}
}

func toSide(s exchange.Side) futures.SideType {
	if s == exchange.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func convertCreateResponse(symbol string, resp *futures.CreateOrderResponse) *exchange.OrderResult {
	if resp == nil {
		return nil
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        symbol,
		Type:          exchange.OrderType(resp.Type),
		Side:          exchange.Side(resp.Side),
		Status:        exchange.OrderStatus(resp.Status),
		RequestedQty:  parseFloat(resp.OrigQuantity),
		ExecutedQty:   parseFloat(resp.ExecutedQuantity),
		AvgFillPrice:  parseFloat(resp.AvgPrice),
		StopPrice:     parseFloat(resp.StopPrice),
		UpdatedAt:     time.UnixMilli(resp.UpdateTime),
	}
}

func convertOrder(symbol string, o *futures.Order) *exchange.OrderResult {
	if o == nil {
		return nil
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Type:          exchange.OrderType(o.Type),
		Side:          exchange.Side(o.Side),
		Status:        exchange.OrderStatus(o.Status),
		RequestedQty:  parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgFillPrice:  parseFloat(o.AvgPrice),
		StopPrice:     parseFloat(o.StopPrice),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}
