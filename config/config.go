// Package config loads the dues engine configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Auth     AuthConfig     `yaml:"auth"`
	CORS     CORSConfig     `yaml:"cors"`
	Billing  BillingConfig  `yaml:"billing"`
	Polling  PollingConfig  `yaml:"polling"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Razorpay RazorpayConfig `yaml:"razorpay"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableDevRoutes bool          `yaml:"enable_dev_routes"` // POST /api/dev/seed
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite file, ":memory:" for ephemeral
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // dues gauges
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BillingConfig selects ledger policies.
type BillingConfig struct {
	PeriodOverwrite         string `yaml:"period_overwrite"` // reject or audit
	RequireConfiguredPeriod bool   `yaml:"require_configured_period"`
}

// PollingConfig bounds checkout status polling.
type PollingConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Currency      string `yaml:"currency"`
}

// Enabled reports whether the checkout adapter can be built.
func (s StripeConfig) Enabled() bool { return s.SecretKey != "" }

type RazorpayConfig struct {
	KeyID         string `yaml:"key_id"`
	KeySecret     string `yaml:"key_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
	Currency      string `yaml:"currency"`
	BaseURL       string `yaml:"base_url"`
}

// Enabled reports whether the order adapter can be built.
func (r RazorpayConfig) Enabled() bool { return r.KeyID != "" && r.KeySecret != "" }

// CacheConfig configures webhook replay suppression. An empty RedisAddr
// keeps the claims in process memory.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	ReplayTTL     time.Duration `yaml:"replay_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{
		Metrics: MetricsConfig{Enabled: true},
		Billing: BillingConfig{RequireConfiguredPeriod: true},
	}
	setDefaults(cfg)
	return cfg
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv creates configuration from defaults and DUES_* variables.
//
// Environment variables:
//
//	DUES_SERVER_PORT               - HTTP port (default: 8080)
//	DUES_DATABASE_PATH             - SQLite path (default: dues.db)
//	DUES_LOG_LEVEL                 - debug, info, warn, error (default: info)
//	DUES_LOG_FORMAT                - json or console (default: json)
//	DUES_METRICS_ENABLED           - expose /metrics (default: true)
//	DUES_JWT_SECRET                - token signing secret
//	DUES_CORS_ALLOWED_ORIGINS      - comma separated origins
//	DUES_PERIOD_OVERWRITE          - reject or audit (default: reject)
//	DUES_STRIPE_SECRET_KEY         - enables hosted checkout
//	DUES_STRIPE_WEBHOOK_SECRET     - Stripe webhook signing secret
//	DUES_RAZORPAY_KEY_ID           - enables gateway orders
//	DUES_RAZORPAY_KEY_SECRET       - order signature secret
//	DUES_RAZORPAY_WEBHOOK_SECRET   - Razorpay webhook secret
//	DUES_REDIS_ADDR                - shared webhook replay cache
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadWithFallback loads path when it exists and the environment otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies DUES_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Server
	setString("DUES_SERVER_HOST", &cfg.Server.Host)
	setInt("DUES_SERVER_PORT", &cfg.Server.Port)
	setDuration("DUES_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("DUES_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	if v := os.Getenv("DUES_ENABLE_DEV_ROUTES"); v != "" {
		cfg.Server.EnableDevRoutes = parseBool(v)
	}

	setString("DUES_DATABASE_PATH", &cfg.Database.Path)
	setString("DUES_LOG_LEVEL", &cfg.Logging.Level)
	setString("DUES_LOG_FORMAT", &cfg.Logging.Format)

	if v := os.Getenv("DUES_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	setString("DUES_METRICS_PATH", &cfg.Metrics.Path)
	setDuration("DUES_METRICS_REFRESH_INTERVAL", &cfg.Metrics.RefreshInterval)

	setString("DUES_JWT_SECRET", &cfg.Auth.JWTSecret)
	if v := os.Getenv("DUES_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = splitList(v)
	}

	// Billing and polling
	setString("DUES_PERIOD_OVERWRITE", &cfg.Billing.PeriodOverwrite)
	if v := os.Getenv("DUES_REQUIRE_CONFIGURED_PERIOD"); v != "" {
		cfg.Billing.RequireConfiguredPeriod = parseBool(v)
	}
	setInt("DUES_POLL_MAX_ATTEMPTS", &cfg.Polling.MaxAttempts)
	setDuration("DUES_POLL_INTERVAL", &cfg.Polling.Interval)

	// Gateways
	setString("DUES_STRIPE_SECRET_KEY", &cfg.Stripe.SecretKey)
	setString("DUES_STRIPE_WEBHOOK_SECRET", &cfg.Stripe.WebhookSecret)
	setString("DUES_STRIPE_CURRENCY", &cfg.Stripe.Currency)
	setString("DUES_RAZORPAY_KEY_ID", &cfg.Razorpay.KeyID)
	setString("DUES_RAZORPAY_KEY_SECRET", &cfg.Razorpay.KeySecret)
	setString("DUES_RAZORPAY_WEBHOOK_SECRET", &cfg.Razorpay.WebhookSecret)
	setString("DUES_RAZORPAY_BASE_URL", &cfg.Razorpay.BaseURL)

	// Cache
	setString("DUES_REDIS_ADDR", &cfg.Cache.RedisAddr)
	setString("DUES_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	setInt("DUES_REDIS_DB", &cfg.Cache.RedisDB)

	return errors.Join(errs...)
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "dues.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.RefreshInterval == 0 {
		cfg.Metrics.RefreshInterval = time.Minute
	}

	if cfg.Auth.TokenLifetime == 0 {
		cfg.Auth.TokenLifetime = 24 * time.Hour
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.Billing.PeriodOverwrite == "" {
		cfg.Billing.PeriodOverwrite = "reject"
	}
	if cfg.Polling.MaxAttempts == 0 {
		cfg.Polling.MaxAttempts = 5
	}
	if cfg.Polling.Interval == 0 {
		cfg.Polling.Interval = 2 * time.Second
	}

	if cfg.Stripe.Currency == "" {
		cfg.Stripe.Currency = "inr"
	}
	if cfg.Razorpay.Currency == "" {
		cfg.Razorpay.Currency = "INR"
	}
	if cfg.Cache.ReplayTTL == 0 {
		cfg.Cache.ReplayTTL = 72 * time.Hour
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1..65535, got %d", cfg.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if cfg.Billing.PeriodOverwrite != "reject" && cfg.Billing.PeriodOverwrite != "audit" {
		return fmt.Errorf("billing.period_overwrite must be 'reject' or 'audit', got %q", cfg.Billing.PeriodOverwrite)
	}
	if cfg.Polling.MaxAttempts < 1 {
		return fmt.Errorf("polling.max_attempts must be positive, got %d", cfg.Polling.MaxAttempts)
	}

	if cfg.Stripe.WebhookSecret != "" && cfg.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe.secret_key is required when stripe.webhook_secret is set")
	}
	if (cfg.Razorpay.KeyID == "") != (cfg.Razorpay.KeySecret == "") {
		return fmt.Errorf("razorpay.key_id and razorpay.key_secret must be set together")
	}
	return nil
}
