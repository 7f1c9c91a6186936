package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perpsim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.PositionRecord) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey)
	return nil
}

func (s *CachedStore) SetMetadata(ctx context.Context, key string, value any) error {
	if err := s.primary.SetMetadata(ctx, key, value); err != nil {
		return err
	}
	// Invalidate; next read re-populates from the primary.
	s.rdb.Del(ctx, metadataKey(key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := s.rdb.Get(ctx, metadataKey(key)).Bytes()
	if err == nil && json.Valid(data) {
		return json.RawMessage(data), nil
	}

	value, err := s.primary.GetMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, metadataKey(key), []byte(value), s.ttl)
	return value, nil
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.PositionRecord, error) {
	data, err := s.rdb.Get(ctx, positionsKey).Bytes()
	if err == nil {
		var positions []model.PositionRecord
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey, data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, limit)
}

func (s *CachedStore) InsertEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	return s.primary.InsertEquitySnapshot(ctx, snap)
}

func (s *CachedStore) ListEquitySnapshots(ctx context.Context, limit int) ([]model.EquitySnapshot, error) {
	return s.primary.ListEquitySnapshots(ctx, limit)
}

func (s *CachedStore) InsertChat(ctx context.Context, m *model.ChatMessage) error {
	return s.primary.InsertChat(ctx, m)
}

func (s *CachedStore) ListChat(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	return s.primary.ListChat(ctx, limit)
}

// --- Cache keys ---

const positionsKey = "perpsim:positions"

func metadataKey(key string) string { return fmt.Sprintf("perpsim:metadata:%s", key) }
