package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// TabStore implements domain.TabStore: the latest snapshot of each tab plus
// an append-only history of settlement attempts.
type TabStore struct {
	pool *pgxpool.Pool
}

// NewTabStore creates a TabStore on pool.
func NewTabStore(pool *pgxpool.Pool) *TabStore {
	return &TabStore{pool: pool}
}

// Upsert writes the tab snapshot.
func (s *TabStore) Upsert(ctx context.Context, tab domain.TraderTab) error {
	doc, err := json.Marshal(tab)
	if err != nil {
		return fmt.Errorf("postgres: marshal tab %s: %w", tab.ID, err)
	}
	const query = `
		INSERT INTO tabs (id, trader_id, external_tab_id, status, locked_total, opened_at, deadline, doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			external_tab_id = EXCLUDED.external_tab_id,
			status          = EXCLUDED.status,
			locked_total    = EXCLUDED.locked_total,
			deadline        = EXCLUDED.deadline,
			doc             = EXCLUDED.doc,
			updated_at      = NOW()`
	if _, err := s.pool.Exec(ctx, query,
		tab.ID, string(tab.Trader.ID), tab.ExternalTabID, string(tab.Status),
		tab.LockedTotal(), tab.OpenedAt, tab.Deadline, doc,
	); err != nil {
		return fmt.Errorf("postgres: upsert tab %s: %w", tab.ID, err)
	}
	return nil
}

// RecordSettlement appends a settlement attempt and updates the snapshot in
// one transaction. A second successful record for the same tab violates
// tab_settlements_success_uidx and is rejected with
// domain.ErrDoubleSettlement.
func (s *TabStore) RecordSettlement(ctx context.Context, rec domain.TabRecord) error {
	doc, err := json.Marshal(rec.Tab)
	if err != nil {
		return fmt.Errorf("postgres: marshal tab %s: %w", rec.Tab.ID, err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO tab_settlements (tab_id, trader_id, happy_path, success, tx_hash, locked_total, intent_count, doc)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tab_id) WHERE success DO NOTHING`,
			rec.Tab.ID, string(rec.Tab.Trader.ID), rec.HappyPath, rec.Success, rec.TxHash,
			rec.Tab.LockedTotal(), len(rec.Tab.IntentIDs), doc,
		)
		if err != nil {
			return fmt.Errorf("postgres: record settlement %s: %w", rec.Tab.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: record settlement %s: %w", rec.Tab.ID, domain.ErrDoubleSettlement)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE tabs SET status = $2, doc = $3, updated_at = NOW() WHERE id = $1`,
			rec.Tab.ID, string(rec.Tab.Status), doc,
		); err != nil {
			return fmt.Errorf("postgres: update tab %s: %w", rec.Tab.ID, err)
		}
		return nil
	})
}

// ListRecent returns the latest settlement attempts across all traders.
func (s *TabStore) ListRecent(ctx context.Context, limit int) ([]domain.TabRecord, error) {
	query, args := newListQuery(`SELECT doc, happy_path, tx_hash, success FROM tab_settlements WHERE TRUE`).
		apply("settled_at", domain.ListOpts{Limit: limit})
	return s.queryRecords(ctx, query, args...)
}

// ListByTrader returns the trader's settlement attempts, newest first.
func (s *TabStore) ListByTrader(ctx context.Context, trader domain.TraderID, opts domain.ListOpts) ([]domain.TabRecord, error) {
	query, args := newListQuery(`SELECT doc, happy_path, tx_hash, success FROM tab_settlements WHERE trader_id = $1`, string(trader)).
		apply("settled_at", opts)
	return s.queryRecords(ctx, query, args...)
}

func (s *TabStore) queryRecords(ctx context.Context, query string, args ...any) ([]domain.TabRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.TabRecord
	for rows.Next() {
		var rec domain.TabRecord
		var doc []byte
		if err := rows.Scan(&doc, &rec.HappyPath, &rec.TxHash, &rec.Success); err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		if err := json.Unmarshal(doc, &rec.Tab); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal settlement: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	return out, nil
}

var _ domain.TabStore = (*TabStore)(nil)
