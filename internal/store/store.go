// Package store defines the persistence interface for the paper-trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache) and in-memory (for testing and ephemeral runs).
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/atmx/perpsim/internal/model"
)

// ErrNotFound is returned when a keyed lookup has no row.
var ErrNotFound = errors.New("store: not found")

// DefaultListLimit caps list queries when the caller passes limit <= 0.
const DefaultListLimit = 100

// Store is the persistence interface. The in-memory engine ledger is the
// source of truth for live state; the store keeps the audit trail.
type Store interface {
	// --- Trades ---

	// InsertTrade appends a fill. A duplicate client id is ignored.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns the most recent trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// --- Positions ---

	// UpsertPosition writes the current state of a position. A zero
	// quantity deletes the row. EntryTime is set on insert and reset when
	// the position changes direction.
	UpsertPosition(ctx context.Context, p *model.PositionRecord) error

	// ListPositions returns all persisted open positions.
	ListPositions(ctx context.Context) ([]model.PositionRecord, error)

	// --- Equity curve ---

	// InsertEquitySnapshot records equity at ts, replacing any row with
	// the same ts.
	InsertEquitySnapshot(ctx context.Context, s *model.EquitySnapshot) error

	// ListEquitySnapshots returns the most recent snapshots, newest first.
	ListEquitySnapshots(ctx context.Context, limit int) ([]model.EquitySnapshot, error)

	// --- Metadata ---

	// GetMetadata returns the JSON value stored under key, or ErrNotFound.
	GetMetadata(ctx context.Context, key string) (json.RawMessage, error)

	// SetMetadata stores value (JSON-encoded) under key.
	SetMetadata(ctx context.Context, key string, value any) error

	// --- Chat ---

	// InsertChat appends a human-readable note.
	InsertChat(ctx context.Context, m *model.ChatMessage) error

	// ListChat returns the most recent notes, newest first.
	ListChat(ctx context.Context, limit int) ([]model.ChatMessage, error)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
