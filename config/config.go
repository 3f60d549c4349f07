package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"impactkit/adapters/redis"
	"impactkit/adapters/sqlx"
	"impactkit/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds the complete application configuration
type Config struct {
	// Environment and profile settings
	Environment Environment `json:"environment" toml:"environment" env:"IMPACTKIT_ENV"`
	Profile     string      `json:"profile" toml:"profile" env:"IMPACTKIT_PROFILE"`

	Server       ServerConfig       `json:"server" toml:"server"`
	Storage      StorageConfig      `json:"storage" toml:"storage"`
	Logging      LoggingConfig      `json:"logging" toml:"logging"`
	Metrics      MetricsConfig      `json:"metrics" toml:"metrics"`
	Security     SecurityConfig     `json:"security" toml:"security"`
	Secrets      SecretsConfig      `json:"secrets" toml:"secrets"`
	Rules        core.Rules         `json:"rules" toml:"rules"`
	Aggregator   AggregatorConfig   `json:"aggregator" toml:"aggregator"`
	Scheduler    SchedulerConfig    `json:"scheduler" toml:"scheduler"`
	Integrations IntegrationsConfig `json:"integrations" toml:"integrations"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Address           string        `json:"address" toml:"address" env:"IMPACTKIT_SERVER_ADDR"`
	PathPrefix        string        `json:"path_prefix" toml:"path_prefix" env:"IMPACTKIT_SERVER_PATH_PREFIX"`
	CORSOrigin        string        `json:"cors_origin" toml:"cors_origin" env:"IMPACTKIT_SERVER_CORS_ORIGIN"`
	ReadTimeout       time.Duration `json:"read_timeout" toml:"read_timeout" env:"IMPACTKIT_SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `json:"write_timeout" toml:"write_timeout" env:"IMPACTKIT_SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `json:"idle_timeout" toml:"idle_timeout" env:"IMPACTKIT_SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" toml:"read_header_timeout" env:"IMPACTKIT_SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" toml:"shutdown_timeout" env:"IMPACTKIT_SERVER_SHUTDOWN_TIMEOUT"`
}

// StorageConfig holds storage adapter configuration
type StorageConfig struct {
	Adapter  string         `json:"adapter" toml:"adapter" env:"IMPACTKIT_STORAGE_ADAPTER"`
	Redis    redis.Config   `json:"redis,omitempty" toml:"redis"`
	SQL      sqlx.Config    `json:"sql,omitempty" toml:"sql"`
	Postgres PostgresConfig `json:"postgres,omitempty" toml:"postgres"`
	File     FileConfig     `json:"file,omitempty" toml:"file"`
}

// PostgresConfig configures the gorm-backed postgres adapter.
type PostgresConfig struct {
	DSN          string `json:"dsn" toml:"dsn" env:"IMPACTKIT_POSTGRES_DSN"`
	MaxOpenConns int    `json:"max_open_conns" toml:"max_open_conns" env:"IMPACTKIT_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns int    `json:"max_idle_conns" toml:"max_idle_conns" env:"IMPACTKIT_POSTGRES_MAX_IDLE_CONNS"`
	Migrate      bool   `json:"migrate" toml:"migrate" env:"IMPACTKIT_POSTGRES_MIGRATE"`
}

// FileConfig holds JSON file storage configuration
type FileConfig struct {
	Path string `json:"path" toml:"path" env:"IMPACTKIT_STORAGE_FILE_PATH"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string            `json:"level" toml:"level" env:"IMPACTKIT_LOG_LEVEL"`
	Format     string            `json:"format" toml:"format" env:"IMPACTKIT_LOG_FORMAT"`
	Output     string            `json:"output" toml:"output" env:"IMPACTKIT_LOG_OUTPUT"`
	Attributes map[string]string `json:"attributes,omitempty" toml:"attributes" env:"IMPACTKIT_LOG_ATTRIBUTES"`
}

// MetricsConfig holds metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" toml:"enabled" env:"IMPACTKIT_METRICS_ENABLED"`
	Address string `json:"address" toml:"address" env:"IMPACTKIT_METRICS_ADDR"`
	Path    string `json:"path" toml:"path" env:"IMPACTKIT_METRICS_PATH"`
	// CollectSystem adds the Go runtime and process collectors.
	CollectSystem bool `json:"collect_system" toml:"collect_system" env:"IMPACTKIT_METRICS_COLLECT_SYSTEM"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	EnableRateLimit bool            `json:"enable_rate_limit" toml:"enable_rate_limit" env:"IMPACTKIT_SECURITY_RATE_LIMIT_ENABLED"`
	RateLimit       RateLimitConfig `json:"rate_limit,omitempty" toml:"rate_limit"`
	APIKeys         []string        `json:"api_keys,omitempty" toml:"api_keys" env:"IMPACTKIT_SECURITY_API_KEYS"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute" toml:"requests_per_minute" env:"IMPACTKIT_SECURITY_RATE_LIMIT_RPM"`
	BurstSize         int           `json:"burst_size" toml:"burst_size" env:"IMPACTKIT_SECURITY_RATE_LIMIT_BURST"`
	CleanupInterval   time.Duration `json:"cleanup_interval" toml:"cleanup_interval" env:"IMPACTKIT_SECURITY_RATE_LIMIT_CLEANUP"`
}

// SecretsConfig selects where "secret://" references are resolved.
type SecretsConfig struct {
	// Provider is "env" or "aws".
	Provider string `json:"provider" toml:"provider" env:"IMPACTKIT_SECRETS_PROVIDER"`
	Region   string `json:"region,omitempty" toml:"region" env:"IMPACTKIT_SECRETS_REGION"`
}

// AggregatorConfig tunes conflict retries and event dispatch.
type AggregatorConfig struct {
	MaxRetries      uint64        `json:"max_retries" toml:"max_retries" env:"IMPACTKIT_AGGREGATOR_MAX_RETRIES"`
	InitialInterval time.Duration `json:"initial_interval" toml:"initial_interval" env:"IMPACTKIT_AGGREGATOR_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `json:"max_interval" toml:"max_interval" env:"IMPACTKIT_AGGREGATOR_MAX_INTERVAL"`
	AsyncEvents     bool          `json:"async_events" toml:"async_events" env:"IMPACTKIT_AGGREGATOR_ASYNC_EVENTS"`
}

// SchedulerConfig holds cron specs (UTC) and job sizes.
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled" toml:"enabled" env:"IMPACTKIT_SCHEDULER_ENABLED"`
	SweepSpec    string `json:"sweep_spec" toml:"sweep_spec" env:"IMPACTKIT_SCHEDULER_SWEEP_SPEC"`
	WeeklySpec   string `json:"weekly_spec" toml:"weekly_spec" env:"IMPACTKIT_SCHEDULER_WEEKLY_SPEC"`
	MonthlySpec  string `json:"monthly_spec" toml:"monthly_spec" env:"IMPACTKIT_SCHEDULER_MONTHLY_SPEC"`
	BatchSize    int    `json:"batch_size" toml:"batch_size" env:"IMPACTKIT_SCHEDULER_BATCH_SIZE"`
	SnapshotSize int    `json:"snapshot_size" toml:"snapshot_size" env:"IMPACTKIT_SCHEDULER_SNAPSHOT_SIZE"`
}

// IntegrationsConfig configures outbound integrations.
type IntegrationsConfig struct {
	Webhooks WebhookConfig `json:"webhooks" toml:"webhooks"`
}

type WebhookConfig struct {
	Endpoints []string `json:"endpoints,omitempty" toml:"endpoints" env:"IMPACTKIT_WEBHOOK_ENDPOINTS"`
	Events    []string `json:"events,omitempty" toml:"events" env:"IMPACTKIT_WEBHOOK_EVENTS"`
	Secret    string   `json:"secret,omitempty" toml:"secret" env:"IMPACTKIT_WEBHOOK_SECRET"`
	Retries   uint64   `json:"retries" toml:"retries" env:"IMPACTKIT_WEBHOOK_RETRIES"`
}

// Load loads configuration from environment variables and validates it
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validateConfigPath validates that the config file path is safe
func validateConfigPath(path string) error {
	if path == "" {
		return errors.New("config file path cannot be empty")
	}

	cleanPath := filepath.Clean(path)

	switch strings.ToLower(filepath.Ext(cleanPath)) {
	case ".json", ".toml":
	default:
		return errors.New("config file must have .json or .toml extension")
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return fmt.Errorf("config file not accessible: %w", err)
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or TOML file on top of the defaults of
// the named profile (or the development defaults when the file names none).
func LoadFromFile(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config file path: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	// A profile named in the file supplies the base; the file is applied on top again.
	if cfg.Profile != "" && cfg.Profile != "default" {
		base, err := profileConfig(cfg.Profile)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, base); err != nil {
			return nil, err
		}
		cfg = base
	}

	// Environment variables override file values
	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults for development
func DefaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Profile:     "default",
		Server: ServerConfig{
			Address:           ":8080",
			PathPrefix:        "/api",
			CORSOrigin:        "*",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
			Redis:   redis.DefaultConfig(),
			SQL:     sqlx.DefaultConfig(sqlx.DriverPostgres),
			Postgres: PostgresConfig{
				DSN:          "host=localhost port=5432 user=impactkit dbname=impactkit sslmode=disable",
				MaxOpenConns: 10,
				MaxIdleConns: 2,
				Migrate:      true,
			},
			File: FileConfig{
				Path: "./data/impactkit.json",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			Address:       ":9090",
			Path:          "/metrics",
			CollectSystem: true,
		},
		Security: SecurityConfig{
			EnableRateLimit: false,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
				CleanupInterval:   5 * time.Minute,
			},
			APIKeys: []string{},
		},
		Secrets: SecretsConfig{Provider: "env"},
		Rules:   core.DefaultRules(),
		Aggregator: AggregatorConfig{
			MaxRetries:      5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			SweepSpec:    "0 0 * * *",
			WeeklySpec:   "5 0 * * 1",
			MonthlySpec:  "10 0 1 * *",
			BatchSize:    500,
			SnapshotSize: 100,
		},
		Integrations: IntegrationsConfig{
			Webhooks: WebhookConfig{Retries: 2},
		},
	}
}

// Validate validates the configuration and returns detailed error messages
func (c *Config) Validate() error {
	var errs []string

	if c.Environment == "" {
		errs = append(errs, "environment cannot be empty")
	}

	sections := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"storage", c.Storage.Validate},
		{"logging", c.Logging.Validate},
		{"metrics", c.Metrics.Validate},
		{"security", c.Security.Validate},
		{"secrets", c.Secrets.Validate},
		{"rules", c.Rules.Validate},
		{"aggregator", c.Aggregator.Validate},
		{"scheduler", c.Scheduler.Validate},
		{"integrations", c.Integrations.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			errs = append(errs, fmt.Sprintf("%s config: %v", s.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// String returns a JSON representation of the config (with secrets redacted)
func (c *Config) String() string {
	cfg := *c

	if cfg.Storage.SQL.DSN != "" {
		cfg.Storage.SQL.DSN = "[REDACTED]"
	}
	if cfg.Storage.Postgres.DSN != "" {
		cfg.Storage.Postgres.DSN = "[REDACTED]"
	}
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "[REDACTED]"
	}
	if cfg.Integrations.Webhooks.Secret != "" {
		cfg.Integrations.Webhooks.Secret = "[REDACTED]"
	}
	if len(cfg.Security.APIKeys) > 0 {
		cfg.Security.APIKeys = []string{"[REDACTED]"}
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	return string(data)
}
