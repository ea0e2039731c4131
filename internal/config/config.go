package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every runtime setting of the engine, read from the
// environment (optionally seeded from a .env file)
type Config struct {
	Env      string `envconfig:"ENV" default:"development"`
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile  string `envconfig:"LOG_FILE"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`

	Database struct {
		Driver string `envconfig:"DB_DRIVER" default:"sqlite"`
		DSN    string `envconfig:"DB_DSN" default:"klear.db"`
	}

	Auth struct {
		JWTSecret      string        `envconfig:"JWT_SECRET" default:"klear-secret-key"`
		TokenTTL       time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
		AdminAPIKey    string        `envconfig:"ADMIN_API_KEY" default:"admin-api-key"`
		AdminAPISecret string        `envconfig:"ADMIN_API_SECRET" default:"admin-api-secret"`
	}

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	}

	Kafka struct {
		Brokers []string `envconfig:"KAFKA_BROKERS"`
		Topic   string   `envconfig:"KAFKA_TOPIC" default:"klear.trades"`
	}

	Trading struct {
		IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"5m"`
		AlwaysOpen       bool          `envconfig:"TRADING_ALWAYS_OPEN" default:"false"`
		MatchOnSubmit    bool          `envconfig:"MATCH_ON_SUBMIT" default:"true"`
		SeedDefaultRules bool          `envconfig:"SEED_DEFAULT_RULES" default:"true"`
		MatchingInterval time.Duration `envconfig:"MATCHING_INTERVAL" default:"2s"`
		MatchingWorkers  int           `envconfig:"MATCHING_WORKERS" default:"8"`
		SettleMaxRetries int           `envconfig:"SETTLE_MAX_RETRIES" default:"3"`
		UnlockInterval   time.Duration `envconfig:"UNLOCK_INTERVAL" default:"1m"`
	}
}

// Validate checks settings that have no sensible fallback
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.Trading.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be positive")
	}
	if c.Trading.MatchingWorkers < 1 {
		return errors.New("MATCHING_WORKERS must be at least 1")
	}
	if c.Trading.SettleMaxRetries < 1 {
		return errors.New("SETTLE_MAX_RETRIES must be at least 1")
	}
	if c.Env == "production" && c.Auth.JWTSecret == "klear-secret-key" {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}

// Production reports whether the service runs in production mode
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Load reads an optional .env file, then the environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
