package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)
)

// LockManager hands out settlement leases. A lease is SET NX PX with a random
// token and is renewed at half its TTL until released, so a tab that spends
// longer than the TTL in retry backoff keeps its guard.
type LockManager struct {
	c      *Client
	logger *slog.Logger
}

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c, logger: slog.Default().With(slog.String("component", "redis_lock"))}
}

type lease struct {
	lm    *LockManager
	key   string
	token string
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Acquire takes the lease for key. It returns domain.ErrLockHeld when another
// holder has it. The returned release func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: acquire lock %s: ttl must be positive", key)
	}
	l := &lease{
		lm:    lm,
		key:   lm.c.key("lock", key),
		token: uuid.NewString(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	ok, err := lm.c.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	go l.keepAlive(ttl)
	return l.release, nil
}

func (l *lease) keepAlive(ttl time.Duration) {
	defer close(l.done)
	every := max(ttl/2, time.Millisecond)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := renewScript.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.lm.logger.Warn("lease renew failed", slog.String("key", l.key), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				l.lm.logger.Warn("lease lost", slog.String("key", l.key))
				return
			}
		}
	}
}

func (l *lease) release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		// Runs after the settlement finished, possibly past the caller's ctx.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.lm.c.rdb, []string{l.key}, l.token).Err(); err != nil {
			l.lm.logger.Warn("lease release failed", slog.String("key", l.key), slog.String("error", err.Error()))
		}
	})
}

var _ domain.LockManager = (*LockManager)(nil)
