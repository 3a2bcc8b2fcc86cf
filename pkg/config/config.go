package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the sync engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys, the trigger secret) must only come from environment
// variables. The struct is built once at startup and passed by reference; no
// component reads ambient environment state after Load returns.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8090"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (optional, used for the cross-process refresh lock)
	Redis RedisConfig `yaml:"redis"`

	// Upstream search-analytics API configuration
	Upstream UpstreamConfig `yaml:"upstream"`

	// Sync batch behavior
	Sync SyncConfig `yaml:"sync"`

	// Encryption key for OAuth tokens at rest. Must be a 32-byte key,
	// base64 encoded. Generate with: openssl rand -base64 32
	// Server will fail to start if this is not set.
	TokenCredentialsKey string `yaml:"-" env:"TOKEN_CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ranklens"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ranklens_sync"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds Redis connection configuration. Leave Host empty to run
// without Redis; the token manager then falls back to an in-process lock.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// UpstreamConfig holds OAuth client credentials and endpoints for the
// upstream search-analytics API.
type UpstreamConfig struct {
	ClientID       string `yaml:"client_id" env:"UPSTREAM_CLIENT_ID"`
	ClientSecret   string `yaml:"-" env:"UPSTREAM_CLIENT_SECRET"` // Secret - not in YAML
	TokenURL       string `yaml:"token_url" env:"UPSTREAM_TOKEN_URL" env-default:"https://oauth2.googleapis.com/token"`
	APIBaseURL     string `yaml:"api_base_url" env:"UPSTREAM_API_BASE_URL" env-default:"https://www.googleapis.com/webmasters/v3"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"UPSTREAM_TIMEOUT_SECONDS" env-default:"30"`
}

// SyncConfig holds batch behavior knobs for the orchestrator and aggregator.
type SyncConfig struct {
	// TriggerSecret authenticates the scheduler calling POST /api/sync.
	TriggerSecret string `yaml:"-" env:"SYNC_TRIGGER_SECRET"` // Secret - not in YAML

	// DelaySeconds is the pause between consecutive property fetches,
	// respecting the upstream rate limit. Not applied after the last property.
	DelaySeconds int `yaml:"delay_seconds" env:"SYNC_DELAY_SECONDS" env-default:"2"`

	// WindowDays is the length of the date range queried per sync.
	WindowDays int `yaml:"window_days" env:"SYNC_WINDOW_DAYS" env-default:"28"`

	// RowLimit is the server-side row cap requested per analytics query.
	RowLimit int `yaml:"row_limit" env:"SYNC_ROW_LIMIT" env-default:"1000"`

	// Breakdown caps per dimension. Device breakdowns are unbounded (the
	// dimension has single-digit cardinality upstream).
	QueryCap   int `yaml:"query_cap" env:"SYNC_QUERY_CAP" env-default:"50"`
	PageCap    int `yaml:"page_cap" env:"SYNC_PAGE_CAP" env-default:"50"`
	CountryCap int `yaml:"country_cap" env:"SYNC_COUNTRY_CAP" env-default:"20"`

	// TokenSafetyMarginSeconds is subtracted from the stored expiry before
	// deciding whether a refresh is needed, so a token never expires
	// mid-request.
	TokenSafetyMarginSeconds int `yaml:"token_safety_margin_seconds" env:"SYNC_TOKEN_SAFETY_MARGIN_SECONDS" env-default:"60"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on the
// returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants that cleanenv defaults cannot express.
func (c *Config) Validate() error {
	if c.TokenCredentialsKey == "" {
		return fmt.Errorf("TOKEN_CREDENTIALS_KEY must be set")
	}
	if c.Sync.TriggerSecret == "" {
		return fmt.Errorf("SYNC_TRIGGER_SECRET must be set")
	}
	if c.Sync.DelaySeconds < 0 {
		return fmt.Errorf("sync delay_seconds must not be negative")
	}
	if c.Sync.WindowDays < 1 {
		return fmt.Errorf("sync window_days must be at least 1")
	}
	if c.Sync.RowLimit < 1 {
		return fmt.Errorf("sync row_limit must be at least 1")
	}
	if c.Sync.QueryCap < 1 || c.Sync.PageCap < 1 || c.Sync.CountryCap < 1 {
		return fmt.Errorf("breakdown caps must be at least 1")
	}
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream client_id and UPSTREAM_CLIENT_SECRET must be set")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
