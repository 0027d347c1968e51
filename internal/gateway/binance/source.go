package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"reef/internal/logger"
	"reef/internal/market"
	symbolpkg "reef/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// klineGrace allows for exchange clock skew before trusting the last
// returned kline as closed.
const klineGrace = 2 * time.Second

// Source implements market.Source on the Binance USD-M futures API.
type Source struct {
	cfg    Config
	client *futures.Client

	// connect opens the combined kline stream. Tests swap it out to drive
	// the reconnect loop without a live socket.
	connect func(mapping map[string][]string, handler futures.WsKlineHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)
	// sleep waits between reconnect attempts, honouring ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) bool

	mu           sync.Mutex
	candleCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

func NewSource(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client, err := newRESTClient(final)
	if err != nil {
		return nil, err
	}
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{
		cfg:     final,
		client:  client,
		connect: futures.WsCombinedKlineServeMultiInterval,
		sleep:   sleepWithContext,
	}, nil
}

func (s *Source) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	// Binance wants symbols without slashes (ETHUSDT, not ETH/USDT)
	cleanSymbol := symbolpkg.ToExchange(symbol)

	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	svc := s.client.NewKlinesService().Symbol(cleanSymbol).Interval(interval).Limit(limit)
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := market.ParseIntervalDuration(interval); ok {
		out = dropUnclosedKline(out, dur, time.Now().UTC(), klineGrace)
	}
	return out, nil
}

func (s *Source) Subscribe(ctx context.Context, symbols, intervals []string, opts market.SubscribeOptions) (<-chan market.CandleEvent, error) {
	// Map CLEAN_SYMBOL -> requested spelling so events carry the caller's form.
	symbolMap := make(map[string]string)
	cleanSymbols := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized := symbolpkg.Normalize(sym)
		if normalized == "" {
			continue
		}
		clean := symbolpkg.ToExchange(normalized)
		symbolMap[clean] = normalized
		cleanSymbols = append(cleanSymbols, clean)
	}

	mapping := buildSymbolIntervals(cleanSymbols, intervals)
	if len(mapping) == 0 {
		return nil, fmt.Errorf("no valid symbols or intervals for subscription")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 512
	}
	out := make(chan market.CandleEvent, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.candleCancel != nil {
		s.candleCancel()
	}
	s.candleCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runKlineLoop(subCtx, mapping, symbolMap, out, opts)
	}()
	return out, nil
}

func (s *Source) runKlineLoop(ctx context.Context, mapping map[string][]string, symbolMap map[string]string, out chan<- market.CandleEvent, opts market.SubscribeOptions) {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsKlineEvent) {
			ce, ok := convertKlineEvent(event)
			if !ok {
				return
			}
			if original, ok := symbolMap[ce.Symbol]; ok {
				ce.Symbol = original
			}
			select {
			case <-ctx.Done():
				return
			case out <- ce:
			default:
				logger.Warnf("[binance] kline channel full, drop %s %s", ce.Symbol, ce.Interval)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := s.connect(mapping, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !s.sleep(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		if opts.OnConnect != nil {
			opts.OnConnect()
		}
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
		}
		close(stopC)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		if opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !s.sleep(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candleCancel != nil {
		s.candleCancel()
		s.candleCancel = nil
	}
	return nil
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}

func buildSymbolIntervals(symbols, intervals []string) map[string][]string {
	out := make(map[string][]string)
	for _, sym := range symbols {
		upper := strings.ToUpper(strings.TrimSpace(sym))
		if upper == "" {
			continue
		}
		for _, iv := range intervals {
			interval := strings.ToLower(strings.TrimSpace(iv))
			if interval == "" {
				continue
			}
			out[upper] = appendUnique(out[upper], interval)
		}
	}
	return out
}

func appendUnique(target []string, val string) []string {
	for _, existing := range target {
		if existing == val {
			return target
		}
	}
	return append(target, val)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

// convertKlineEvent keeps closed candles only; the trader operates strictly on
// closed bars.
func convertKlineEvent(ev *futures.WsKlineEvent) (market.CandleEvent, bool) {
	if ev == nil || !ev.Kline.IsFinal {
		return market.CandleEvent{}, false
	}
	c := market.Candle{
		OpenTime:  ev.Kline.StartTime,
		CloseTime: ev.Kline.EndTime,
		Open:      parseFloat(ev.Kline.Open),
		High:      parseFloat(ev.Kline.High),
		Low:       parseFloat(ev.Kline.Low),
		Close:     parseFloat(ev.Kline.Close),
		Volume:    parseFloat(ev.Kline.Volume),
		Trades:    ev.Kline.TradeNum,
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	interval := strings.ToLower(strings.TrimSpace(ev.Kline.Interval))
	if symbol == "" || interval == "" {
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{Symbol: symbol, Interval: interval, Candle: c}, true
}

func dropUnclosedKline(klines []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	if len(klines) == 0 || interval <= 0 {
		return klines
	}
	if grace < 0 {
		grace = 0
	}
	last := klines[len(klines)-1]
	if last.OpenTime <= 0 {
		return klines
	}
	closeTimeMs := last.OpenTime + interval.Milliseconds()
	cutoffMs := closeTimeMs + grace.Milliseconds()
	if now.UnixMilli() < cutoffMs {
		return klines[:len(klines)-1]
	}
	return klines
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextDelay(current time.Duration) time.Duration {
	if current <= 0 {
		return time.Second
	}
	next := current * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
