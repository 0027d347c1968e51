package market

import "context"

// CandleEvent is one closed candle delivered to subscribers.
type CandleEvent struct {
	Symbol   string
	Interval string
	Candle   Candle
}

type SubscribeOptions struct {
	Buffer       int
	OnConnect    func()
	OnDisconnect func(error)
}

type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Source streams closed candles per symbol/interval. Implementations must
// reconnect with backoff on stream drops rather than closing the event channel.
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)

	Subscribe(ctx context.Context, symbols, intervals []string, opts SubscribeOptions) (<-chan CandleEvent, error)

	Stats() SourceStats

	Close() error
}
