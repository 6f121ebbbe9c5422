// Package config loads the entitlementd configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/entitlements/admission"
	"github.com/GoCodeAlone/entitlements/metrics"
	"github.com/GoCodeAlone/entitlements/notify"
	"github.com/GoCodeAlone/entitlements/promotion"
	"github.com/GoCodeAlone/entitlements/store"
	"github.com/GoCodeAlone/entitlements/tenant"
	"github.com/GoCodeAlone/entitlements/tracing"
)

// EnvPrefix prefixes every environment override, e.g.
// ENTITLEMENTS_SERVER_ADDR or ENTITLEMENTS_ADMISSION_BANNER_CEILING.
const EnvPrefix = "ENTITLEMENTS_"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Metrics   MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
	Database  DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	Redis     RedisConfig       `yaml:"redis" envPrefix:"REDIS_"`
	NATS      NATSConfig        `yaml:"nats" envPrefix:"NATS_"`
	Stripe    StripeConfig      `yaml:"stripe" envPrefix:"STRIPE_"`
	Admission admission.Config  `yaml:"admission" envPrefix:"ADMISSION_"`
	Pricing   promotion.Pricing `yaml:"pricing" envPrefix:"PRICING_"`
	RateLimit RateLimitConfig   `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Notify    NotifyConfig      `yaml:"notify" envPrefix:"NOTIFY_"`
	Janitor   JanitorConfig     `yaml:"janitor" envPrefix:"JANITOR_"`
	Tracing   tracing.Config    `yaml:"tracing" envPrefix:"TRACING_"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures the metrics listener and collector.
type MetricsConfig struct {
	Enabled        bool   `yaml:"enabled" env:"ENABLED"`
	Addr           string `yaml:"addr" env:"ADDR"`
	metrics.Config `yaml:",inline"`
}

// DatabaseConfig selects the stores. SQLite holds all state; when Postgres
// is configured the event ledger lives there so several instances share it.
type DatabaseConfig struct {
	SQLitePath string         `yaml:"sqlite_path" env:"SQLITE_PATH"`
	Postgres   store.PGConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// RedisConfig enables the shared capacity counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// NATSConfig enables entitlement change publishing when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url" env:"URL"`
	Subject string `yaml:"subject" env:"SUBJECT"`
}

// StripeConfig holds the processor credentials. Without a secret key the
// service runs against the in-process mock provider.
type StripeConfig struct {
	SecretKey     string `yaml:"secret_key" env:"SECRET_KEY"`
	WebhookSecret string `yaml:"webhook_secret" env:"WEBHOOK_SECRET"`
}

// RateLimitConfig bounds purchase attempts per tenant.
type RateLimitConfig struct {
	PurchasesPerMinute int `yaml:"purchases_per_minute" env:"PURCHASES_PER_MINUTE"`
	Burst              int `yaml:"burst" env:"BURST"`
}

// NotifyConfig configures owner notifications. Without a webhook URL
// notifications are only logged.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// DeadLetterLimit caps the undelivered notices kept per tenant.
	DeadLetterLimit int                `yaml:"dead_letter_limit" env:"DEAD_LETTER_LIMIT"`
	Retry           notify.RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
}

// JanitorConfig configures the periodic maintenance loop.
type JanitorConfig struct {
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	LimiterIdle time.Duration `yaml:"limiter_idle" env:"LIMITER_IDLE"`
}

// DefaultConfig returns the configuration used for unset values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Config:  metrics.DefaultConfig(),
		},
		Database:  DatabaseConfig{SQLitePath: "data/entitlements.db"},
		Redis:     RedisConfig{Prefix: "entitlements"},
		Admission: admission.DefaultConfig(),
		Pricing:   promotion.DefaultPricing(),
		RateLimit: RateLimitConfig{
			PurchasesPerMinute: tenant.DefaultPurchasesPerMinute,
			Burst:              tenant.DefaultPurchaseBurst,
		},
		Notify: NotifyConfig{
			Timeout:         3 * time.Second,
			DeadLetterLimit: notify.DefaultDeadLetterLimit,
			Retry:           notify.DefaultRetryConfig(),
		},
		Janitor: JanitorConfig{Interval: time.Minute, LimiterIdle: 30 * time.Minute},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	if c.Database.SQLitePath == "" {
		errs = append(errs, errors.New("database.sqlite_path is required"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a slog level", c.Log.Level))
	}
	if c.Admission.BannerCeiling < 0 || c.Admission.PromotionCeiling < 0 {
		errs = append(errs, errors.New("admission ceilings must not be negative"))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required with stripe.secret_key"))
	}
	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if c.Janitor.Interval <= 0 {
		errs = append(errs, errors.New("janitor.interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
