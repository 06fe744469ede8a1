package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/redis/go-redis/v9"
)

// CollateralCache implements domain.CollateralCache with one hash per
// trader at "collateral:{traderID}" holding deposited, available, locked and
// ts (Unix nanoseconds). Entries expire after ttl so a stopped engine does
// not leave stale balances on display.
type CollateralCache struct {
	c   *Client
	ttl time.Duration
}

// NewCollateralCache creates a CollateralCache. ttl <= 0 disables expiry.
func NewCollateralCache(c *Client, ttl time.Duration) *CollateralCache {
	return &CollateralCache{c: c, ttl: ttl}
}

// Set stores the snapshot for trader.
func (cc *CollateralCache) Set(ctx context.Context, trader domain.TraderID, col domain.Collateral) error {
	key := cc.c.key("collateral", string(trader))
	fields := map[string]any{
		"deposited": strconv.FormatInt(col.Deposited, 10),
		"available": strconv.FormatInt(col.Available, 10),
		"locked":    strconv.FormatInt(col.Locked, 10),
		"ts":        strconv.FormatInt(col.UpdatedAt.UnixNano(), 10),
	}
	_, err := cc.c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields)
		if cc.ttl > 0 {
			p.Expire(ctx, key, cc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set collateral %s: %w", trader, err)
	}
	return nil
}

// Get returns the cached snapshot, or domain.ErrNotFound.
func (cc *CollateralCache) Get(ctx context.Context, trader domain.TraderID) (domain.Collateral, error) {
	vals, err := cc.c.rdb.HGetAll(ctx, cc.c.key("collateral", string(trader))).Result()
	if err != nil {
		return domain.Collateral{}, fmt.Errorf("redis: get collateral %s: %w", trader, err)
	}
	if len(vals) == 0 {
		return domain.Collateral{}, domain.ErrNotFound
	}

	var col domain.Collateral
	var ts int64
	for field, dst := range map[string]*int64{
		"deposited": &col.Deposited,
		"available": &col.Available,
		"locked":    &col.Locked,
		"ts":        &ts,
	} {
		n, err := strconv.ParseInt(vals[field], 10, 64)
		if err != nil {
			return domain.Collateral{}, fmt.Errorf("redis: parse collateral %s.%s: %w", trader, field, err)
		}
		*dst = n
	}
	col.UpdatedAt = time.Unix(0, ts).UTC()
	return col, nil
}

// Compile-time interface check.
var _ domain.CollateralCache = (*CollateralCache)(nil)
