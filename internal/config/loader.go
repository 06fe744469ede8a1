package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TABSETTLE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads TABSETTLE_* environment variables and overwrites
// the matching Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Intent ──
	setDuration(&cfg.Intent.BiddingWindow, "TABSETTLE_INTENT_BIDDING_WINDOW")
	setDuration(&cfg.Intent.Retention, "TABSETTLE_INTENT_RETENTION")
	setStr(&cfg.Intent.SweepCron, "TABSETTLE_INTENT_SWEEP_CRON")
	setInt(&cfg.Intent.EventHistory, "TABSETTLE_INTENT_EVENT_HISTORY")

	// ── Settlement ──
	setDuration(&cfg.Settlement.Window, "TABSETTLE_SETTLEMENT_WINDOW")
	setDuration(&cfg.Settlement.TickInterval, "TABSETTLE_SETTLEMENT_TICK_INTERVAL")
	setDuration(&cfg.Settlement.CollateralRefresh, "TABSETTLE_SETTLEMENT_COLLATERAL_REFRESH")
	setStr(&cfg.Settlement.Asset, "TABSETTLE_SETTLEMENT_ASSET")
	setStr(&cfg.Settlement.Oracle, "TABSETTLE_SETTLEMENT_ORACLE")
	setFloat64(&cfg.Settlement.UnhappyProbability, "TABSETTLE_SETTLEMENT_UNHAPPY_PROBABILITY")
	setInt64(&cfg.Settlement.OracleSeed, "TABSETTLE_SETTLEMENT_ORACLE_SEED")
	setInt(&cfg.Settlement.RetryAttempts, "TABSETTLE_SETTLEMENT_RETRY_ATTEMPTS")
	setDuration(&cfg.Settlement.RetryBaseDelay, "TABSETTLE_SETTLEMENT_RETRY_BASE_DELAY")
	setDuration(&cfg.Settlement.RetryMaxDelay, "TABSETTLE_SETTLEMENT_RETRY_MAX_DELAY")
	setInt(&cfg.Settlement.MaxConcurrent, "TABSETTLE_SETTLEMENT_MAX_CONCURRENT")
	setBool(&cfg.Settlement.DistributedLock, "TABSETTLE_SETTLEMENT_DISTRIBUTED_LOCK")
	setDuration(&cfg.Settlement.LockTTL, "TABSETTLE_SETTLEMENT_LOCK_TTL")

	// ── Guarantee ──
	setStr(&cfg.Guarantee.Mode, "TABSETTLE_GUARANTEE_MODE")
	setStr(&cfg.Guarantee.BaseURL, "TABSETTLE_GUARANTEE_BASE_URL")
	setDuration(&cfg.Guarantee.Timeout, "TABSETTLE_GUARANTEE_TIMEOUT")
	setStr(&cfg.Guarantee.APIKey, "TABSETTLE_GUARANTEE_API_KEY")
	setStr(&cfg.Guarantee.APISecret, "TABSETTLE_GUARANTEE_API_SECRET")
	setInt64(&cfg.Guarantee.ChainID, "TABSETTLE_GUARANTEE_CHAIN_ID")
	setStr(&cfg.Guarantee.RecipientAddress, "TABSETTLE_GUARANTEE_RECIPIENT_ADDRESS")
	setInt64(&cfg.Guarantee.SimulatedDeposit, "TABSETTLE_GUARANTEE_SIMULATED_DEPOSIT")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "TABSETTLE_FEED_ENABLED")
	setStr(&cfg.Feed.Channel, "TABSETTLE_FEED_CHANNEL")
	setBool(&cfg.Feed.Synthetic, "TABSETTLE_FEED_SYNTHETIC")
	setDuration(&cfg.Feed.Interval, "TABSETTLE_FEED_INTERVAL")
	setStr(&cfg.Feed.WSURL, "TABSETTLE_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Pairs, "TABSETTLE_FEED_PAIRS")
	setBool(&cfg.Feed.Upfront, "TABSETTLE_FEED_UPFRONT")

	// ── Executor ──
	setBool(&cfg.Executor.Enabled, "TABSETTLE_EXECUTOR_ENABLED")
	setDuration(&cfg.Executor.Latency, "TABSETTLE_EXECUTOR_LATENCY")
	setFloat64(&cfg.Executor.FailureRate, "TABSETTLE_EXECUTOR_FAILURE_RATE")
	setInt(&cfg.Executor.Workers, "TABSETTLE_EXECUTOR_WORKERS")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "TABSETTLE_SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "TABSETTLE_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "TABSETTLE_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "TABSETTLE_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "TABSETTLE_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "TABSETTLE_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "TABSETTLE_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "TABSETTLE_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "TABSETTLE_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "TABSETTLE_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TABSETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TABSETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TABSETTLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TABSETTLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TABSETTLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TABSETTLE_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "TABSETTLE_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.CollateralTTL, "TABSETTLE_REDIS_COLLATERAL_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TABSETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TABSETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "TABSETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TABSETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TABSETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TABSETTLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TABSETTLE_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.ArchivePrefix, "TABSETTLE_S3_ARCHIVE_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TABSETTLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TABSETTLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TABSETTLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TABSETTLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TABSETTLE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "TABSETTLE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TABSETTLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TABSETTLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TABSETTLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TABSETTLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TABSETTLE_MODE")
	setStr(&cfg.LogLevel, "TABSETTLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
