package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// IntentStore implements domain.IntentStore. The full intent is kept as a
// JSONB document; trader, status and the terminal timestamp are mirrored
// into columns for filtering and retention.
type IntentStore struct {
	pool *pgxpool.Pool
}

// NewIntentStore creates an IntentStore on pool.
func NewIntentStore(pool *pgxpool.Pool) *IntentStore {
	return &IntentStore{pool: pool}
}

// terminalAt is when the intent stopped moving, or nil while it is live.
func terminalAt(in domain.TradeIntent) *time.Time {
	if !in.Status.Terminal() {
		return nil
	}
	if in.SettledAt != nil {
		return in.SettledAt
	}
	now := time.Now().UTC()
	return &now
}

// Upsert writes the latest state of in.
func (s *IntentStore) Upsert(ctx context.Context, in domain.TradeIntent) error {
	doc, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("postgres: marshal intent %s: %w", in.ID, err)
	}
	const query = `
		INSERT INTO intents (id, trader_id, status, amount, pair, created_at, terminal_at, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			terminal_at = COALESCE(intents.terminal_at, EXCLUDED.terminal_at),
			doc         = EXCLUDED.doc,
			updated_at  = NOW()`
	if _, err := s.pool.Exec(ctx, query,
		in.ID, string(in.Trader.ID), string(in.Status), in.Amount, in.Pair,
		in.CreatedAt, terminalAt(in), doc,
	); err != nil {
		return fmt.Errorf("postgres: upsert intent %s: %w", in.ID, err)
	}
	return nil
}

// GetByID returns the intent or domain.ErrIntentNotFound.
func (s *IntentStore) GetByID(ctx context.Context, id string) (domain.TradeIntent, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM intents WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TradeIntent{}, domain.ErrIntentNotFound
	}
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("postgres: get intent %s: %w", id, err)
	}
	var in domain.TradeIntent
	if err := json.Unmarshal(doc, &in); err != nil {
		return domain.TradeIntent{}, fmt.Errorf("postgres: unmarshal intent %s: %w", id, err)
	}
	return in, nil
}

// ListByTrader returns the trader's intents, newest first.
func (s *IntentStore) ListByTrader(ctx context.Context, trader domain.TraderID, opts domain.ListOpts) ([]domain.TradeIntent, error) {
	query, args := newListQuery(`SELECT doc FROM intents WHERE trader_id = $1`, string(trader)).
		apply("created_at", opts)
	return s.queryDocs(ctx, "list intents", query, args...)
}

// ListTerminalBefore returns intents that reached a terminal state before
// the cutoff, oldest first. The retention sweep archives these.
func (s *IntentStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.TradeIntent, error) {
	const query = `SELECT doc FROM intents
		WHERE terminal_at IS NOT NULL AND terminal_at < $1
		ORDER BY terminal_at`
	return s.queryDocs(ctx, "list terminal intents", query, before)
}

// DeleteBefore removes terminal intents older than the cutoff and returns
// how many were deleted. Live intents are never removed.
func (s *IntentStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM intents WHERE terminal_at IS NOT NULL AND terminal_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *IntentStore) queryDocs(ctx context.Context, op, query string, args ...any) ([]domain.TradeIntent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TradeIntent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		var in domain.TradeIntent
		if err := json.Unmarshal(doc, &in); err != nil {
			return nil, fmt.Errorf("postgres: %s: unmarshal: %w", op, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

var _ domain.IntentStore = (*IntentStore)(nil)
