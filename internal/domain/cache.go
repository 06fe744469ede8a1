package domain

import (
	"context"
	"time"
)

// CollateralCache keeps the display-only collateral snapshot per trader.
// Settlement decisions always re-read the guarantee service.
type CollateralCache interface {
	Set(ctx context.Context, trader TraderID, c Collateral) error
	Get(ctx context.Context, trader TraderID) (Collateral, error)
}

// LockManager hands out expiring cross-process leases. Acquire returns
// ErrLockHeld when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StreamMessage is one entry of the persisted event log.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus moves serialized events and opportunities between processes:
// Publish/Subscribe for live delivery, StreamAppend/StreamRead for the
// bounded replay log.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, afterID string, count int) ([]StreamMessage, error)
}

// RateLimiter counts hits per key in a fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
