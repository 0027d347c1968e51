package market

import (
	"context"
	"errors"
	"sync"
)

// KlineStore keeps a bounded rolling window of candles per (symbol, interval).
type KlineStore interface {
	Put(ctx context.Context, symbol, interval string, ks []Candle, max int) error
	Get(ctx context.Context, symbol, interval string) ([]Candle, error)
}

type MemoryKlineStore struct {
	mu   sync.RWMutex
	data map[string][]Candle
}

func NewMemoryKlineStore() *MemoryKlineStore {
	return &MemoryKlineStore{data: make(map[string][]Candle)}
}

func key(symbol, interval string) string { return symbol + "@" + interval }

// Put appends candles to the window, replacing the last element when the open
// time matches (an updated close for the same bar) and dropping the oldest
// entries beyond max.
func (s *MemoryKlineStore) Put(_ context.Context, symbol, interval string, ks []Candle, max int) error {
	if symbol == "" || interval == "" {
		return errors.New("symbol and interval are required")
	}
	if len(ks) == 0 {
		return nil
	}
	if max <= 0 {
		max = 100
	}
	k := key(symbol, interval)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.data[k]
	for _, candle := range ks {
		n := len(cur)
		if n > 0 && cur[n-1].OpenTime == candle.OpenTime {
			cur[n-1] = candle
			continue
		}
		cur = append(cur, candle)
	}
	if len(cur) > max {
		overflow := len(cur) - max
		cur = append(cur[:0], cur[overflow:]...)
	}
	s.data[k] = cur
	return nil
}

// Get returns a copy of the stored window, oldest first.
func (s *MemoryKlineStore) Get(_ context.Context, symbol, interval string) ([]Candle, error) {
	if symbol == "" || interval == "" {
		return nil, errors.New("symbol and interval are required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.data[key(symbol, interval)]
	if len(cur) == 0 {
		return nil, nil
	}
	out := make([]Candle, len(cur))
	copy(out, cur)
	return out, nil
}
