// Package config defines the tabsettle configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TABSETTLE_* environment variables.
type Config struct {
	Intent     IntentConfig     `toml:"intent"`
	Settlement SettlementConfig `toml:"settlement"`
	Guarantee  GuaranteeConfig  `toml:"guarantee"`
	Traders    []TraderConfig   `toml:"traders" validate:"dive"`
	Solvers    []SolverConfig   `toml:"solvers" validate:"dive"`
	Feed       FeedConfig       `toml:"feed"`
	Executor   ExecutorConfig   `toml:"executor"`
	Supabase   SupabaseConfig   `toml:"supabase"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// IntentConfig controls the intent lifecycle.
type IntentConfig struct {
	BiddingWindow duration `toml:"bidding_window"`
	Retention     duration `toml:"retention"`
	// SweepCron schedules the retention sweep (seconds field included).
	SweepCron string `toml:"sweep_cron"`
	// EventHistory is how many recent events the API keeps in memory.
	EventHistory int `toml:"event_history"`
}

// SettlementConfig controls tab batching and settlement.
type SettlementConfig struct {
	Window            duration `toml:"window"`
	TickInterval      duration `toml:"tick_interval"`
	CollateralRefresh duration `toml:"collateral_refresh"`
	Asset             string   `toml:"asset"`
	// Oracle is "external" (wait for a recorded payment) or "simulated".
	Oracle             string   `toml:"oracle"`
	UnhappyProbability float64  `toml:"unhappy_probability"`
	OracleSeed         int64    `toml:"oracle_seed"`
	RetryAttempts      int      `toml:"retry_attempts"`
	RetryBaseDelay     duration `toml:"retry_base_delay"`
	RetryMaxDelay      duration `toml:"retry_max_delay"`
	MaxConcurrent      int      `toml:"max_concurrent"`
	DistributedLock    bool     `toml:"distributed_lock"`
	LockTTL            duration `toml:"lock_ttl"`
}

// GuaranteeConfig selects and configures the guarantee service adapter.
type GuaranteeConfig struct {
	// Mode is "simulated" or "http".
	Mode             string   `toml:"mode"`
	BaseURL          string   `toml:"base_url"`
	Timeout          duration `toml:"timeout"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	ChainID          int64    `toml:"chain_id"`
	RecipientAddress string   `toml:"recipient_address"`
	// SimulatedDeposit is credited to every trader in simulated mode
	// (micro-units).
	SimulatedDeposit int64 `toml:"simulated_deposit"`
}

// TraderConfig describes a trader and where its signing key lives.
type TraderConfig struct {
	ID               string `toml:"id" validate:"required"`
	Name             string `toml:"name"`
	Address          string `toml:"address" validate:"omitempty,eth_addr"`
	PrivateKey       string `toml:"private_key" validate:"omitempty,hexadecimal"`
	KeyEnv           string `toml:"key_env"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SolverConfig describes a simulated solver.
type SolverConfig struct {
	ID      string  `toml:"id" validate:"required"`
	Name    string  `toml:"name"`
	Address string  `toml:"address" validate:"omitempty,eth_addr"`
	Skill   float64 `toml:"skill" validate:"gte=0,lte=1"`
}

// FeedConfig controls where opportunities come from.
type FeedConfig struct {
	Enabled bool `toml:"enabled"`
	// Channel is the Redis pub/sub channel carrying opportunity JSON.
	Channel string `toml:"channel"`
	// WSURL, when set, streams opportunity JSON from an upstream WebSocket.
	WSURL string `toml:"ws_url"`
	// Synthetic generates random opportunities instead of reading Redis.
	Synthetic    bool     `toml:"synthetic"`
	Pairs        []string `toml:"pairs"`
	Interval     duration `toml:"interval"`
	MinAmount    int64    `toml:"min_amount"`
	MaxAmount    int64    `toml:"max_amount"`
	MinSpreadBps float64  `toml:"min_spread_bps"`
	// Upfront issues the guarantee before the intent is created, so solvers
	// only bid on intents backed by a service lock. When false the trader's
	// signed lock authorisation stands in as the certificate and the
	// settlement engine issues the guarantee at ingestion.
	Upfront bool `toml:"upfront"`
}

// ExecutorConfig controls the execution driver.
type ExecutorConfig struct {
	Enabled     bool     `toml:"enabled"`
	Latency     duration `toml:"latency"`
	FailureRate float64  `toml:"failure_rate"`
	Workers     int      `toml:"workers"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	// CollateralTTL bounds how long a cached collateral snapshot is served.
	CollateralTTL duration `toml:"collateral_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	ArchivePrefix  string `toml:"archive_prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey protects mutating endpoints when set.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per RateWindow per client; it needs Redis.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Intent: IntentConfig{
			BiddingWindow: duration{3 * time.Second},
			Retention:     duration{24 * time.Hour},
			SweepCron:     "0 */10 * * * *",
			EventHistory:  500,
		},
		Settlement: SettlementConfig{
			Window:             duration{60 * time.Second},
			TickInterval:       duration{time.Second},
			CollateralRefresh:  duration{30 * time.Second},
			Asset:              "USDC",
			Oracle:             "external",
			UnhappyProbability: 0.2,
			RetryAttempts:      4,
			RetryBaseDelay:     duration{500 * time.Millisecond},
			RetryMaxDelay:      duration{10 * time.Second},
			MaxConcurrent:      8,
			LockTTL:            duration{2 * time.Minute},
		},
		Guarantee: GuaranteeConfig{
			Mode:             "simulated",
			Timeout:          duration{15 * time.Second},
			ChainID:          80002,
			SimulatedDeposit: 10_000_000_000,
		},
		Feed: FeedConfig{
			Channel:      "opportunities",
			Pairs:        []string{"ETH/USDC", "BTC/USDC", "SOL/USDC"},
			Interval:     duration{5 * time.Second},
			MinAmount:    100_000,
			MaxAmount:    5_000_000,
			MinSpreadBps: 5,
			Upfront:      true,
		},
		Executor: ExecutorConfig{
			Enabled: true,
			Latency: duration{500 * time.Millisecond},
			Workers: 4,
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			StreamMaxLen:  10_000,
			CollateralTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tabsettle-archive",
			ForcePathStyle: true,
			ArchivePrefix:  "intents",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"tab_settled", "tab_failed", "guarantee_failed"},
		},
		Mode:     "demo",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"demo":   true,
	"server": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsPostgres reports whether mode persists intents and tabs.
func NeedsPostgres(mode string) bool {
	switch strings.ToLower(mode) {
	case "server", "full":
		return true
	}
	return false
}

// NeedsRedis reports whether mode republishes events through Redis.
func NeedsRedis(mode string) bool { return NeedsPostgres(mode) }

// NeedsS3 reports whether mode archives swept intents.
func NeedsS3(mode string) bool { return strings.ToLower(mode) == "full" }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: demo, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Struct tags cover per-entry trader and solver checks.
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	// Intent
	if c.Intent.BiddingWindow.Duration <= 0 {
		errs = append(errs, "intent: bidding_window must be > 0")
	}
	if c.Intent.Retention.Duration <= 0 {
		errs = append(errs, "intent: retention must be > 0")
	}

	// Settlement
	s := c.Settlement
	if s.Window.Duration <= 0 {
		errs = append(errs, "settlement: window must be > 0")
	}
	if s.TickInterval.Duration <= 0 {
		errs = append(errs, "settlement: tick_interval must be > 0")
	}
	if s.TickInterval.Duration >= s.Window.Duration {
		errs = append(errs, "settlement: tick_interval must be shorter than window")
	}
	if s.Asset == "" {
		errs = append(errs, "settlement: asset must not be empty")
	}
	switch s.Oracle {
	case "external", "simulated":
	default:
		errs = append(errs, fmt.Sprintf("settlement: unknown oracle %q (valid: external, simulated)", s.Oracle))
	}
	if s.UnhappyProbability < 0 || s.UnhappyProbability > 1 {
		errs = append(errs, "settlement: unhappy_probability must be within [0, 1]")
	}
	if s.RetryAttempts < 1 {
		errs = append(errs, "settlement: retry_attempts must be >= 1")
	}
	if s.MaxConcurrent < 1 {
		errs = append(errs, "settlement: max_concurrent must be >= 1")
	}

	// Guarantee
	switch c.Guarantee.Mode {
	case "simulated":
	case "http":
		if c.Guarantee.BaseURL == "" {
			errs = append(errs, "guarantee: base_url is required in http mode")
		}
		if c.Guarantee.RecipientAddress == "" {
			errs = append(errs, "guarantee: recipient_address is required in http mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("guarantee: unknown mode %q (valid: simulated, http)", c.Guarantee.Mode))
	}
	if c.Guarantee.ChainID <= 0 {
		errs = append(errs, "guarantee: chain_id must be positive")
	}

	// Traders: every trader needs a key source unless keys are generated for
	// the simulator.
	seen := make(map[string]bool, len(c.Traders))
	for i, t := range c.Traders {
		if seen[t.ID] {
			errs = append(errs, fmt.Sprintf("traders[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
		hasKey := t.PrivateKey != "" || t.KeyEnv != "" || t.EncryptedKeyPath != ""
		if !hasKey && c.Guarantee.Mode != "simulated" {
			errs = append(errs, fmt.Sprintf("traders[%d]: private_key, key_env or encrypted_key_path is required", i))
		}
		if t.EncryptedKeyPath != "" && t.KeyPassword == "" {
			errs = append(errs, fmt.Sprintf("traders[%d]: key_password is required when encrypted_key_path is set", i))
		}
	}
	if c.Feed.Enabled && len(c.Traders) == 0 {
		errs = append(errs, "feed: at least one trader is required when the feed is enabled")
	}
	if c.Feed.Enabled {
		if c.Feed.MinAmount <= 0 || c.Feed.MaxAmount < c.Feed.MinAmount {
			errs = append(errs, "feed: need 0 < min_amount <= max_amount")
		}
		if !c.Feed.Synthetic && c.Feed.WSURL == "" && c.Feed.Channel == "" {
			errs = append(errs, "feed: channel must not be empty")
		}
		if c.Feed.Synthetic && len(c.Feed.Pairs) == 0 {
			errs = append(errs, "feed: synthetic feed needs at least one pair")
		}
	}

	// Executor
	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		errs = append(errs, "executor: failure_rate must be within [0, 1]")
	}

	// Supabase
	if NeedsPostgres(mode) {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if NeedsRedis(mode) && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// S3
	if NeedsS3(mode) && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
