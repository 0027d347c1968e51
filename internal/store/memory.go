package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process PositionStore for tests and dry runs.
type MemoryStore struct {
	mu        sync.Mutex
	positions map[string]PositionRecord
	logs      []TradeLogRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]PositionRecord)}
}

func (s *MemoryStore) SavePosition(_ context.Context, rec PositionRecord) error {
	s.mu.Lock()
	s.positions[rec.Symbol] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, symbol string) error {
	s.mu.Lock()
	delete(s.positions, symbol)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PositionRecord, 0, len(s.positions))
	for _, rec := range s.positions {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) AppendTradeLog(_ context.Context, rec TradeLogRecord) error {
	s.mu.Lock()
	s.logs = append(s.logs, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListTradeLogs(_ context.Context, symbol string, limit int) ([]TradeLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TradeLogRecord, 0, len(s.logs))
	for i := len(s.logs) - 1; i >= 0; i-- {
		if symbol != "" && s.logs[i].Symbol != symbol {
			continue
		}
		out = append(out, s.logs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ PositionStore = (*MemoryStore)(nil)
