package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// IntentStore persists the latest known state of every intent.
type IntentStore interface {
	Upsert(ctx context.Context, intent TradeIntent) error
	GetByID(ctx context.Context, id string) (TradeIntent, error)
	ListByTrader(ctx context.Context, trader TraderID, opts ListOpts) ([]TradeIntent, error)
	ListTerminalBefore(ctx context.Context, before time.Time) ([]TradeIntent, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TabRecord is a persisted settlement outcome.
type TabRecord struct {
	Tab       TraderTab
	HappyPath bool
	TxHash    string
	Success   bool
}

// TabStore persists tab snapshots and settlement history.
type TabStore interface {
	Upsert(ctx context.Context, tab TraderTab) error
	RecordSettlement(ctx context.Context, rec TabRecord) error
	ListRecent(ctx context.Context, limit int) ([]TabRecord, error)
	ListByTrader(ctx context.Context, trader TraderID, opts ListOpts) ([]TabRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
