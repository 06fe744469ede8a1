package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/tabsettle/internal/blob/s3"
	"github.com/alanyoungcy/tabsettle/internal/cache/redis"
	"github.com/alanyoungcy/tabsettle/internal/config"
	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/notify"
	"github.com/alanyoungcy/tabsettle/internal/server/handler"
	"github.com/alanyoungcy/tabsettle/internal/store/postgres"
)

// Dependencies bundles the infrastructure adapters. Every field except
// Notifier and Checks may be nil when the mode does not need the backend.
type Dependencies struct {
	// Stores
	IntentStore domain.IntentStore
	TabStore    domain.TabStore
	AuditStore  domain.AuditStore

	// Redis
	SignalBus       domain.SignalBus
	LockManager     domain.LockManager
	CollateralCache domain.CollateralCache
	RateLimiter     domain.RateLimiter

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Checks feeds the readiness endpoint, one entry per connected backend.
	Checks map[string]handler.Pinger
}

// needsRedis is true when the mode republishes events or a feature that
// only Redis can back has been switched on.
func needsRedis(cfg *config.Config) bool {
	if config.NeedsRedis(cfg.Mode) || cfg.Settlement.DistributedLock {
		return true
	}
	f := cfg.Feed
	return f.Enabled && !f.Synthetic && f.WSURL == ""
}

// Wire constructs the concrete adapters from cfg and returns them together
// with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	if config.NeedsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.IntentStore = postgres.NewIntentStore(pool)
		deps.TabStore = postgres.NewTabStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient
	}

	// --- Redis ---
	if needsRedis(cfg) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		streamMaxLen := int64(10_000)
		if cfg.Redis.StreamMaxLen > 0 {
			streamMaxLen = cfg.Redis.StreamMaxLen
		}
		deps.SignalBus = redis.NewSignalBusWithMaxLen(redisClient, streamMaxLen)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.CollateralCache = redis.NewCollateralCache(redisClient, cfg.Redis.CollateralTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient
	}

	// --- S3 blob storage ---
	if config.NeedsS3(cfg.Mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		store := s3blob.NewStore(s3Client)
		deps.BlobReader = store
		// The archive manifest goes to audit_log, so the archiver needs Postgres.
		if deps.AuditStore != nil {
			deps.Archiver = s3blob.NewArchiver(store, deps.AuditStore, cfg.S3.ArchivePrefix)
		}
		deps.Checks["s3"] = handler.PingerFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
