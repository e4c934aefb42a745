// Package config loads the push service configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the process configuration, read from the environment.
type Config struct {
	// VAPID identity. Sending is disabled when none of KMS key, key file or
	// the private/public key pair is set.
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT, default=mailto:admin@example.com"`
	VAPIDKeyFile    string `env:"VAPID_KEY_FILE"`
	VAPIDKMSKey     string `env:"VAPID_KMS_KEY"`

	StorageDriver string `env:"STORAGE_DRIVER, default=memory"`
	DatabaseDSN   string `env:"DATABASE_DSN"`

	HTTPAddr string `env:"HTTP_ADDR, default=:8080"`

	PushTimeout        time.Duration `env:"PUSH_TIMEOUT, default=10s"`
	PushTTL            int           `env:"PUSH_TTL, default=2419200"`
	PushUrgency        string        `env:"PUSH_URGENCY"`
	PushMaxConcurrency int           `env:"PUSH_MAX_CONCURRENCY, default=32"`
	PushMaxPayload     int           `env:"PUSH_MAX_PAYLOAD, default=4096"`
	PushMaxRetries     int           `env:"PUSH_MAX_RETRIES, default=0"`
	PushRetryInitial   time.Duration `env:"PUSH_RETRY_INITIAL, default=500ms"`
	PushRetryMaxWait   time.Duration `env:"PUSH_RETRY_MAX_WAIT, default=30s"`

	NotificationIcon  string `env:"NOTIFICATION_ICON, default=/static/icons/icon-192x192.png"`
	NotificationBadge string `env:"NOTIFICATION_BADGE, default=/static/icons/badge-72x72.png"`

	LogLevel string `env:"LOG_LEVEL, default=info"`
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadWith reads the configuration from l, for tests and embedding.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// VAPIDConfigured reports whether any VAPID identity source is set.
func (c *Config) VAPIDConfigured() bool {
	return c.VAPIDKMSKey != "" || c.VAPIDKeyFile != "" ||
		(c.VAPIDPrivateKey != "" && c.VAPIDPublicKey != "")
}

// Validate checks the settings that would stop the service from starting.
// A missing or broken VAPID identity is not one of them.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, fmt.Errorf("DATABASE_DSN is required for storage driver %q", c.StorageDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}

	if c.PushTimeout <= 0 {
		errs = append(errs, errors.New("PUSH_TIMEOUT must be positive"))
	}
	if c.PushTTL < 0 {
		errs = append(errs, errors.New("PUSH_TTL must not be negative"))
	}
	switch c.PushUrgency {
	case "", "very-low", "low", "normal", "high":
	default:
		errs = append(errs, fmt.Errorf("invalid PUSH_URGENCY %q", c.PushUrgency))
	}
	if c.PushMaxConcurrency <= 0 {
		errs = append(errs, errors.New("PUSH_MAX_CONCURRENCY must be positive"))
	}
	if c.PushMaxPayload <= 0 || c.PushMaxPayload > 4096 {
		errs = append(errs, errors.New("PUSH_MAX_PAYLOAD must be between 1 and 4096"))
	}
	if c.PushMaxRetries < 0 {
		errs = append(errs, errors.New("PUSH_MAX_RETRIES must not be negative"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
