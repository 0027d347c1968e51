package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"reef/internal/logger"
)

// Feed consumes a Source subscription, maintains the rolling store and hands
// each closed candle to the registered handler.
type Feed struct {
	Store  KlineStore
	Max    int
	Source Source
	// PreheatLimit is how much history to backfill; 0 disables the backfill.
	PreheatLimit int

	OnConnected    func()
	OnDisconnected func(error)
	OnEvent        func(CandleEvent)

	startOnce sync.Once
}

type FeedOption func(*Feed)

func WithFeedCallbacks(onConnect func(), onDisconnect func(error)) FeedOption {
	return func(f *Feed) {
		f.OnConnected = onConnect
		f.OnDisconnected = onDisconnect
	}
}

func WithFeedHandler(handler func(CandleEvent)) FeedOption {
	return func(f *Feed) {
		f.OnEvent = handler
	}
}

func NewFeed(s KlineStore, max int, src Source, opts ...FeedOption) *Feed {
	f := &Feed{Store: s, Max: max, Source: src}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Feed) Start(ctx context.Context, symbols, intervals []string) error {
	if f.Source == nil {
		return fmt.Errorf("feed missing source")
	}
	if len(symbols) == 0 || len(intervals) == 0 {
		return fmt.Errorf("feed requires symbols & intervals")
	}
	opts := SubscribeOptions{
		OnConnect:    f.OnConnected,
		OnDisconnect: f.OnDisconnected,
	}
	events, err := f.Source.Subscribe(ctx, symbols, intervals, opts)
	if err != nil {
		return err
	}
	f.startOnce.Do(func() {
		go f.consume(ctx, events)
	})
	logger.Infof("[feed] subscribed symbols=%v intervals=%v", symbols, intervals)
	return nil
}

// Preheat backfills the rolling window from REST history so strategies have
// context before the first streamed candle.
func (f *Feed) Preheat(ctx context.Context, symbols, intervals []string) error {
	if f.Source == nil || f.Store == nil {
		return fmt.Errorf("feed missing source or store")
	}
	if f.PreheatLimit <= 0 {
		return nil
	}
	limit := f.PreheatLimit
	if limit > f.Max && f.Max > 0 {
		limit = f.Max
	}
	for _, sym := range symbols {
		for _, iv := range intervals {
			history, err := f.Source.FetchHistory(ctx, sym, iv, limit)
			if err != nil {
				return fmt.Errorf("preheat %s %s: %w", sym, iv, err)
			}
			if err := f.Store.Put(ctx, strings.ToUpper(sym), iv, history, f.Max); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Feed) consume(ctx context.Context, events <-chan CandleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if f.Store != nil {
				if err := f.Store.Put(ctx, strings.ToUpper(evt.Symbol), evt.Interval, []Candle{evt.Candle}, f.Max); err != nil {
					logger.Warnf("[feed] store %s %s failed: %v", evt.Symbol, evt.Interval, err)
				}
			}
			if f.OnEvent != nil {
				f.OnEvent(evt)
			}
		}
	}
}
