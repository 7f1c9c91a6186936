package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/perpsim/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	trades    []model.Trade
	tradeIDs  map[string]struct{}
	positions map[string]*model.PositionRecord
	equity    []model.EquitySnapshot
	metadata  map[string]json.RawMessage
	chat      []model.ChatMessage
	now       func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tradeIDs:  make(map[string]struct{}),
		positions: make(map[string]*model.PositionRecord),
		metadata:  make(map[string]json.RawMessage),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tradeIDs[t.ClientID]; dup {
		return nil
	}
	s.tradeIDs[t.ClientID] = struct{}{}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.trades, listLimit(limit)), nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Qty.IsZero() {
		delete(s.positions, p.Symbol)
		return nil
	}

	now := s.now()
	rec := *p
	rec.UpdatedAt = now

	existing, ok := s.positions[p.Symbol]
	switch {
	case !ok:
		rec.EntryTime = now
	case existing.Qty.Sign() != p.Qty.Sign():
		// Direction change opens a new position.
		rec.EntryTime = now
	default:
		rec.EntryTime = existing.EntryTime
	}
	s.positions[p.Symbol] = &rec
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.PositionRecord, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) InsertEquitySnapshot(_ context.Context, snap *model.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.equity {
		if s.equity[i].Timestamp.Equal(snap.Timestamp) {
			s.equity[i] = *snap
			return nil
		}
	}
	s.equity = append(s.equity, *snap)
	return nil
}

func (s *MemoryStore) ListEquitySnapshots(_ context.Context, limit int) ([]model.EquitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.equity, listLimit(limit)), nil
}

func (s *MemoryStore) GetMetadata(_ context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.metadata[key]
	if !ok {
		return nil, fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *MemoryStore) SetMetadata(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.metadata[key] = data
	return nil
}

func (s *MemoryStore) InsertChat(_ context.Context, m *model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat = append(s.chat, *m)
	return nil
}

func (s *MemoryStore) ListChat(_ context.Context, limit int) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.chat, listLimit(limit)), nil
}

// newestFirst copies up to limit items from the tail of an append-only log
// in reverse order.
func newestFirst[T any](items []T, limit int) []T {
	n := min(limit, len(items))
	out := make([]T, 0, n)
	for i := len(items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, items[i])
	}
	return out
}
