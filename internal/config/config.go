// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// ShutdownTimeout is how long graceful shutdown may take.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the Postgres pool backing the durable stores. An
// empty DSN runs the engine on the fallback store alone.
type DBConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int    `mapstructure:"max_conns"`
	MinConns            int    `mapstructure:"min_conns"`
	ConnLifetimeSeconds int    `mapstructure:"conn_lifetime_seconds"`
}

// ConnLifetime bounds how long a pooled connection may live.
func (c DBConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnLifetimeSeconds) * time.Second
}

// FallbackConfig selects the store used when Postgres is unreachable.
type FallbackConfig struct {
	Provider   string `mapstructure:"provider"` // sqlite or memory
	SQLitePath string `mapstructure:"sqlite_path"`
}

// BlobConfig selects where fetched item bodies land.
type BlobConfig struct {
	Provider string `mapstructure:"provider"` // gcs, local or memory
	Bucket   string `mapstructure:"bucket"`
	BaseDir  string `mapstructure:"base_dir"`
}

// PublisherConfig selects the lifecycle event broker.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"` // pubsub, memory or none
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// FetchConfig configures the retrying HTTP client.
type FetchConfig struct {
	UserAgent              string  `mapstructure:"user_agent"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	MaxAttempts            int     `mapstructure:"max_attempts"`
	BackoffInitialMs       int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int     `mapstructure:"backoff_max_ms"`
	BreakerThreshold       int     `mapstructure:"breaker_threshold"`
	BreakerCooldownSeconds int     `mapstructure:"breaker_cooldown_seconds"`
	RateRPS                float64 `mapstructure:"rate_rps"`
	RateBurst              int     `mapstructure:"rate_burst"`
}

// Timeout is the per-request budget.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackoffInitial is the first retry delay before jitter.
func (c FetchConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c FetchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// BreakerCooldown is how long an open breaker rejects a domain.
func (c FetchConfig) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// ExecutorConfig shapes chunking and pacing of operation runs.
type ExecutorConfig struct {
	ChunkSize    int    `mapstructure:"chunk_size"`
	BatchSize    int    `mapstructure:"batch_size"`
	BatchDelayMs int    `mapstructure:"batch_delay_ms"`
	ChunkDelayMs int    `mapstructure:"chunk_delay_ms"`
	BlobPrefix   string `mapstructure:"blob_prefix"`
}

// BatchDelay is the pause between batches within a chunk.
func (c ExecutorConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// ChunkDelay is the pause between chunks.
func (c ExecutorConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMs) * time.Millisecond
}

// ManagerConfig tunes the lifecycle manager.
type ManagerConfig struct {
	GraceWindowSeconds int `mapstructure:"grace_window_seconds"`
}

// GraceWindow is how long terminal records linger before pruning.
func (c ManagerConfig) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSeconds) * time.Second
}

// CleanupConfig tunes the background sweeper.
type CleanupConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`
	TerminalTTLSeconds int `mapstructure:"terminal_ttl_seconds"`
	StaleTTLSeconds    int `mapstructure:"stale_ttl_seconds"`
}

// Interval is the sweeper period.
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TerminalTTL ages out completed and failed records.
func (c CleanupConfig) TerminalTTL() time.Duration {
	return time.Duration(c.TerminalTTLSeconds) * time.Second
}

// StaleTTL ages out active records that stopped updating.
func (c CleanupConfig) StaleTTL() time.Duration {
	return time.Duration(c.StaleTTLSeconds) * time.Second
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize         int `mapstructure:"buffer_size"`
	MaxBatchEvents     int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs     int `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutSeconds int `mapstructure:"sink_timeout_seconds"`
}

// MaxBatchWait is the longest an event batch may sit before flushing.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}

// SinkTimeout bounds one sink delivery.
func (c ProgressConfig) SinkTimeout() time.Duration {
	return time.Duration(c.SinkTimeoutSeconds) * time.Second
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("fallback.provider", "sqlite")
	v.SetDefault("fallback.sqlite_path", "data/fetch-engine.db")
	v.SetDefault("blob.provider", "local")
	v.SetDefault("blob.base_dir", "data/blobs")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "operation-events")
	v.SetDefault("fetch.user_agent", "shelfwatch-fetch/1.0")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.breaker_threshold", 5)
	v.SetDefault("fetch.breaker_cooldown_seconds", 120)
	v.SetDefault("fetch.rate_rps", 4)
	v.SetDefault("fetch.rate_burst", 8)
	v.SetDefault("executor.chunk_size", 1000)
	v.SetDefault("executor.batch_size", 25)
	v.SetDefault("executor.batch_delay_ms", 200)
	v.SetDefault("executor.chunk_delay_ms", 1000)
	v.SetDefault("executor.blob_prefix", "items")
	v.SetDefault("manager.grace_window_seconds", 30)
	v.SetDefault("cleanup.interval_seconds", 600)
	v.SetDefault("cleanup.terminal_ttl_seconds", 3600)
	v.SetDefault("cleanup.stale_ttl_seconds", 14400)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Fallback.Provider {
	case "sqlite":
		if c.Fallback.SQLitePath == "" {
			return fmt.Errorf("fallback.sqlite_path must be set for the sqlite provider")
		}
	case "memory":
	default:
		return fmt.Errorf("fallback.provider must be sqlite or memory, got %q", c.Fallback.Provider)
	}
	switch c.Blob.Provider {
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs provider")
		}
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local provider")
		}
	case "memory":
	default:
		return fmt.Errorf("blob.provider must be gcs, local or memory, got %q", c.Blob.Provider)
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for the pubsub provider")
		}
		if c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.topic must be set for the pubsub provider")
		}
	case "memory", "none", "":
	default:
		return fmt.Errorf("publisher.provider must be pubsub, memory or none, got %q", c.Publisher.Provider)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.RateRPS < 0 {
		return fmt.Errorf("fetch.rate_rps must not be negative")
	}
	if c.Executor.ChunkSize <= 0 {
		return fmt.Errorf("executor.chunk_size must be > 0")
	}
	if c.Executor.BatchSize <= 0 {
		return fmt.Errorf("executor.batch_size must be > 0")
	}
	if c.Executor.BatchSize > c.Executor.ChunkSize {
		return fmt.Errorf("executor.batch_size must not exceed executor.chunk_size")
	}
	return nil
}
