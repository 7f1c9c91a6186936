package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (ts, symbol, side, qty, price, fee, client_id)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (client_id) DO NOTHING`,
		t.Timestamp, t.Symbol, string(t.Side),
		t.Qty.String(), t.Price.String(), t.Fee.String(),
		t.ClientID,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ClientID, err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT client_id, symbol, side, qty::TEXT, price::TEXT, fee::TEXT, ts
		 FROM trades ORDER BY ts DESC, id DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, feeS string
		if err := rows.Scan(&t.ClientID, &t.Symbol, &side, &qtyS, &priceS, &feeS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Qty, _ = decimal.NewFromString(qtyS)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Fee, _ = decimal.NewFromString(feeS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// UpsertPosition keeps entry_time on same-direction updates and resets it
// when the sign of qty flips.
func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.PositionRecord) error {
	if p.Qty.IsZero() {
		_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE symbol = $1`, p.Symbol)
		return err
	}

	var exitPlan any
	if len(p.ExitPlan) > 0 {
		exitPlan = string(p.ExitPlan)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (symbol, qty, avg_entry, unrealized_pl, exit_plan, leverage, entry_time, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::JSONB, $6::NUMERIC, now(), now())
		 ON CONFLICT (symbol) DO UPDATE SET
		     qty = EXCLUDED.qty,
		     avg_entry = EXCLUDED.avg_entry,
		     unrealized_pl = EXCLUDED.unrealized_pl,
		     exit_plan = EXCLUDED.exit_plan,
		     leverage = EXCLUDED.leverage,
		     entry_time = CASE WHEN sign(positions.qty) <> sign(EXCLUDED.qty)
		                       THEN now() ELSE positions.entry_time END,
		     updated_at = now()`,
		p.Symbol, p.Qty.String(), p.AvgEntry.String(), p.UnrealizedPL.String(),
		exitPlan, p.Leverage.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, qty::TEXT, avg_entry::TEXT, unrealized_pl::TEXT,
		        exit_plan::TEXT, leverage::TEXT, entry_time, updated_at
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PositionRecord
	for rows.Next() {
		var p model.PositionRecord
		var qtyS, avgS, upnlS, levS string
		var exitPlan *string
		if err := rows.Scan(&p.Symbol, &qtyS, &avgS, &upnlS, &exitPlan, &levS, &p.EntryTime, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Qty, _ = decimal.NewFromString(qtyS)
		p.AvgEntry, _ = decimal.NewFromString(avgS)
		p.UnrealizedPL, _ = decimal.NewFromString(upnlS)
		p.Leverage, _ = decimal.NewFromString(levS)
		if exitPlan != nil {
			p.ExitPlan = json.RawMessage(*exitPlan)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) InsertEquitySnapshot(ctx context.Context, snap *model.EquitySnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO equity_snapshots (ts, equity, cash, unrealized_pl)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (ts) DO UPDATE SET
		     equity = EXCLUDED.equity, cash = EXCLUDED.cash, unrealized_pl = EXCLUDED.unrealized_pl`,
		snap.Timestamp, snap.Equity.String(), snap.Cash.String(), snap.UnrealizedPL.String(),
	)
	return err
}

func (s *PostgresStore) ListEquitySnapshots(ctx context.Context, limit int) ([]model.EquitySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, equity::TEXT, cash::TEXT, unrealized_pl::TEXT
		 FROM equity_snapshots ORDER BY ts DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.EquitySnapshot
	for rows.Next() {
		var e model.EquitySnapshot
		var equityS, cashS, upnlS string
		if err := rows.Scan(&e.Timestamp, &equityS, &cashS, &upnlS); err != nil {
			return nil, err
		}
		e.Equity, _ = decimal.NewFromString(equityS)
		e.Cash, _ = decimal.NewFromString(cashS)
		e.UnrealizedPL, _ = decimal.NewFromString(upnlS)
		snaps = append(snaps, e)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) GetMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value::TEXT FROM metadata WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("metadata %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

func (s *PostgresStore) SetMetadata(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO metadata (key, value, updated_at)
		 VALUES ($1, $2::JSONB, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, string(data),
	)
	return err
}

func (s *PostgresStore) InsertChat(ctx context.Context, m *model.ChatMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO model_chat (ts, content, cycle_id) VALUES ($1, $2, $3)`,
		m.Timestamp, m.Content, m.CycleID,
	)
	return err
}

func (s *PostgresStore) ListChat(ctx context.Context, limit int) ([]model.ChatMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ts, content, cycle_id FROM model_chat ORDER BY ts DESC, id DESC LIMIT $1`,
		listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.Timestamp, &m.Content, &m.CycleID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
