package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"              // Package to load .env files
	"github.com/kelseyhightower/envconfig" // Typed env parsing
)

// EnvPrefix namespaces the nested struct lookups. Tags carry the full
// MARKETPLACE_ name, which envconfig falls back to when the nested key is unset.
const EnvPrefix = "MARKETPLACE"

// Config holds all configuration for the application.
// Values are read from environment variables.
type Config struct {
	App      AppConfig
	JWT      JWTConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Payments PaymentsConfig
	Stripe   StripeConfig
}

type AppConfig struct {
	Env       string `envconfig:"MARKETPLACE_APP_ENV" default:"dev"`
	Port      string `envconfig:"MARKETPLACE_SERVER_PORT" default:"8080"`
	LogLevel  string `envconfig:"MARKETPLACE_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"MARKETPLACE_LOG_FORMAT" default:"json"`
}

type JWTConfig struct {
	Secret string `envconfig:"MARKETPLACE_JWT_SECRET" required:"true"`
}

type DatabaseConfig struct {
	URL             string        `envconfig:"MARKETPLACE_DATABASE_URL"`
	MaxConns        int32         `envconfig:"MARKETPLACE_DATABASE_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"MARKETPLACE_DATABASE_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"MARKETPLACE_DATABASE_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `envconfig:"MARKETPLACE_DATABASE_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig is optional; an empty URL keeps the payment handoff guard in memory.
type RedisConfig struct {
	URL        string        `envconfig:"MARKETPLACE_REDIS_URL"`
	HandoffTTL time.Duration `envconfig:"MARKETPLACE_REDIS_HANDOFF_TTL" default:"24h"`
}

// PaymentsConfig drives the payment backend client and the status poller.
type PaymentsConfig struct {
	BackendURL      string        `envconfig:"MARKETPLACE_PAYMENTS_BACKEND_URL" required:"true"`
	ServiceToken    string        `envconfig:"MARKETPLACE_PAYMENTS_SERVICE_TOKEN"`
	RequestTimeout  time.Duration `envconfig:"MARKETPLACE_PAYMENTS_REQUEST_TIMEOUT" default:"15s"`
	PollInterval    time.Duration `envconfig:"MARKETPLACE_PAYMENTS_POLL_INTERVAL" default:"2s"`
	MaxPollDuration time.Duration `envconfig:"MARKETPLACE_PAYMENTS_MAX_POLL_DURATION" default:"10m"`
	NotificationCap int           `envconfig:"MARKETPLACE_PAYMENTS_NOTIFICATION_CAP" default:"20"`
	StateRetention  time.Duration `envconfig:"MARKETPLACE_PAYMENTS_STATE_RETENTION" default:"1h"` // finished sessions and notifications
}

type StripeConfig struct {
	PublishableKey string `envconfig:"MARKETPLACE_STRIPE_PUBLIC_KEY"`
}

// LoadConfig reads configuration from environment variables.
// It loads a .env file first if it exists.
func LoadConfig() (*Config, error) {
	// Missing .env is fine, the environment may already be populated.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if err := cfg.Payments.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the poller timing. Both values must be explicit and positive.
func (p PaymentsConfig) Validate() error {
	if strings.TrimSpace(p.BackendURL) == "" {
		return errors.New("payments backend url is required")
	}
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.PollInterval)
	}
	if p.MaxPollDuration <= 0 {
		return fmt.Errorf("max poll duration must be positive, got %s", p.MaxPollDuration)
	}
	if p.PollInterval > p.MaxPollDuration {
		return fmt.Errorf("poll interval %s exceeds max poll duration %s", p.PollInterval, p.MaxPollDuration)
	}
	return nil
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, "dev")
}
