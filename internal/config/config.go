package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	HTTPPort string `envconfig:"HTTP_PORT" default:"8080"`

	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"sqlite"`
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite3"`
	DatabaseURL    string `envconfig:"DATABASE_URL" default:"chat_shell.db"`

	PersistKey             string        `envconfig:"PERSIST_KEY" default:"session-persist"`
	PersistWritesPerSecond float64       `envconfig:"PERSIST_WRITES_PER_SECOND" default:"20"`
	PersistTimeout         time.Duration `envconfig:"PERSIST_TIMEOUT" default:"5s"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// Load reads .env when present, then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return errors.New("HTTP_PORT must not be empty")
	}
	switch c.StorageBackend {
	case BackendSQLite:
		if c.DatabaseDriver != "sqlite3" && c.DatabaseDriver != "sqlite" {
			return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or sqlite, got %q", c.DatabaseDriver)
		}
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %s or %s, got %q", BackendSQLite, BackendMemory, c.StorageBackend)
	}
	if c.PersistKey == "" {
		return errors.New("PERSIST_KEY must not be empty")
	}
	if c.PersistWritesPerSecond < 0 {
		return errors.New("PERSIST_WRITES_PER_SECOND must not be negative")
	}
	if c.PersistTimeout <= 0 {
		return errors.New("PERSIST_TIMEOUT must be positive")
	}
	return nil
}
