package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string `json:"listen_addr"`
	DatabaseURL string `json:"database_url"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisPrefix   string `json:"redis_prefix"`

	StripeSecretKey     string `json:"stripe_secret_key"`
	StripeWebhookSecret string `json:"stripe_webhook_secret"`

	// NotifyEndpoint is the fire-and-forget notification sink. Empty means
	// notifications are logged only.
	NotifyEndpoint string `json:"notify_endpoint"`

	JWTSecret      string `json:"jwt_secret"`
	JWTIssuer      string `json:"jwt_issuer"`
	JWTExpiryHours int    `json:"jwt_expiry_hours"`

	Retry RetryConfig `json:"retry"`

	// RetryTickSchedule is a cron expression for the scheduler sweep.
	RetryTickSchedule string `json:"retry_tick_schedule"`

	// ReactivationWindow is one of REACTIVATION_PERIOD_END or
	// REACTIVATION_UNLIMITED.
	ReactivationWindow string `json:"reactivation_window"`

	PlansFile string `json:"plans_file"`
}

// RetryConfig configures the payment retry schedule. It is passed into the
// scheduler at construction; there is no mutable global.
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DEFAULT_RETRY_MAX_ATTEMPTS,
		InitialDelay:      DEFAULT_RETRY_INITIAL_DELAY,
		BackoffMultiplier: DEFAULT_RETRY_BACKOFF_MULTIPLIER,
	}
}

func LoadConfig(dir string) (*Config, error) {
	cfg := DefaultConfig()

	// Load config (JSON + env overrides)
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = DEFAULT_CONFIG_FILE
	}

	if !strings.HasPrefix(configPath, "/") && dir != "" {
		configPath = path.Join(dir, configPath)
	}

	if _, err := os.Stat(configPath); err == nil {
		fileCfg, err := LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.applyConfigOverrides(fileCfg)
	}

	cfg.applyEnvOverrides()

	if cfg.ReactivationWindow != REACTIVATION_PERIOD_END && cfg.ReactivationWindow != REACTIVATION_UNLIMITED {
		return nil, fmt.Errorf("invalid reactivation_window: %q", cfg.ReactivationWindow)
	}

	return cfg, nil
}

func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         DEFAULT_LISTEN_ADDR,
		RedisAddr:          DEFAULT_REDIS_ADDR,
		RedisPassword:      DEFAULT_REDIS_PASSWORD,
		RedisPrefix:        DEFAULT_REDIS_PREFIX,
		JWTIssuer:          DEFAULT_JWT_ISSUER,
		JWTExpiryHours:     DEFAULT_JWT_EXPIRY_HOURS,
		Retry:              DefaultRetryConfig(),
		RetryTickSchedule:  DEFAULT_RETRY_TICK_SCHEDULE,
		ReactivationWindow: REACTIVATION_PERIOD_END,
		PlansFile:          DEFAULT_PLANS_FILE,
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		c.RedisPrefix = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.StripeWebhookSecret = v
	}
	if v := os.Getenv("NOTIFY_ENDPOINT"); v != "" {
		c.NotifyEndpoint = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.JWTIssuer = v
	}
	if v := os.Getenv("JWT_EXPIRY_HOURS"); v != "" {
		c.JWTExpiryHours = atoiOrDefault(v, c.JWTExpiryHours)
	}
	if v := os.Getenv("RETRY_MAX_ATTEMPTS"); v != "" {
		c.Retry.MaxAttempts = atoiOrDefault(v, c.Retry.MaxAttempts)
	}
	if v := os.Getenv("RETRY_INITIAL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Retry.InitialDelay = d
		}
	}
	if v := os.Getenv("RETRY_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Retry.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("RETRY_TICK_SCHEDULE"); v != "" {
		c.RetryTickSchedule = v
	}
	if v := os.Getenv("REACTIVATION_WINDOW"); v != "" {
		c.ReactivationWindow = v
	}
	if v := os.Getenv("PLANS_FILE"); v != "" {
		c.PlansFile = v
	}
}

func (c *Config) applyConfigOverrides(cfg *Config) {
	if cfg.ListenAddr != "" {
		c.ListenAddr = cfg.ListenAddr
	}
	if cfg.DatabaseURL != "" {
		c.DatabaseURL = cfg.DatabaseURL
	}
	if cfg.RedisAddr != "" {
		c.RedisAddr = cfg.RedisAddr
	}
	if cfg.RedisPassword != "" {
		c.RedisPassword = cfg.RedisPassword
	}
	if cfg.RedisPrefix != "" {
		c.RedisPrefix = cfg.RedisPrefix
	}
	if cfg.StripeSecretKey != "" {
		c.StripeSecretKey = cfg.StripeSecretKey
	}
	if cfg.StripeWebhookSecret != "" {
		c.StripeWebhookSecret = cfg.StripeWebhookSecret
	}
	if cfg.NotifyEndpoint != "" {
		c.NotifyEndpoint = cfg.NotifyEndpoint
	}
	if cfg.JWTSecret != "" {
		c.JWTSecret = cfg.JWTSecret
	}
	if cfg.JWTIssuer != "" {
		c.JWTIssuer = cfg.JWTIssuer
	}
	if cfg.JWTExpiryHours != 0 {
		c.JWTExpiryHours = cfg.JWTExpiryHours
	}
	if cfg.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = cfg.Retry.InitialDelay
	}
	if cfg.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = cfg.Retry.BackoffMultiplier
	}
	if cfg.RetryTickSchedule != "" {
		c.RetryTickSchedule = cfg.RetryTickSchedule
	}
	if cfg.ReactivationWindow != "" {
		c.ReactivationWindow = cfg.ReactivationWindow
	}
	if cfg.PlansFile != "" {
		c.PlansFile = cfg.PlansFile
	}
}

func atoiOrDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
