package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. ROLLUPD_SERVER_PORT.
const Prefix = "ROLLUPD"

// Config represents service configuration
type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Logging LoggingConfig `envconfig:"LOG"`
	Storage StorageConfig `envconfig:"STORAGE"`
	Batch   BatchConfig   `envconfig:"BATCH"`
	Pool    PoolConfig    `envconfig:"POOL"`
	Rollup  RollupConfig  `envconfig:"ROLLUP"`
	Ingest  IngestConfig  `envconfig:"INGEST"`
	Events  EventsConfig  `envconfig:"EVENTS"`
}

// ServerConfig represents the HTTP listener
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
	File  string `envconfig:"FILE"`
}

// StorageConfig represents the badger backend
type StorageConfig struct {
	Path         string `envconfig:"PATH" default:"./data/rollupd"`
	InMemory     bool   `envconfig:"IN_MEMORY" default:"false"`
	MaxMemoryMB  int64  `envconfig:"MAX_MEMORY_MB" default:"48"`
	MaxStorageGB int64  `envconfig:"MAX_STORAGE_GB" default:"1"`
}

// BatchConfig represents batch writer thresholds
type BatchConfig struct {
	MinSize      int           `envconfig:"MIN_SIZE" default:"5"`
	MaxSize      int           `envconfig:"MAX_SIZE" default:"100"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
}

// PoolConfig represents the writer pool
type PoolConfig struct {
	Workers int `envconfig:"WORKERS" default:"8"`
}

// RollupConfig represents rollup scheduling and retention
type RollupConfig struct {
	Interval        time.Duration `envconfig:"INTERVAL" default:"1m"`
	SettleDelay     time.Duration `envconfig:"SETTLE_DELAY" default:"5m"`
	RawRetention    time.Duration `envconfig:"RAW_RETENTION" default:"336h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
}

// IngestConfig represents collection time validation
type IngestConfig struct {
	PastLimit    time.Duration `envconfig:"PAST_LIMIT" default:"72h"`
	FutureLimit  time.Duration `envconfig:"FUTURE_LIMIT" default:"10m"`
	DelayedAfter time.Duration `envconfig:"DELAYED_AFTER" default:"5m"`
}

// EventsConfig represents rollup event publishing. Publishing is disabled
// when RedisAddr is empty.
type EventsConfig struct {
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"rollupd:rollups"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch max size must be positive, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MinSize < 0 || c.Batch.MinSize > c.Batch.MaxSize {
		return fmt.Errorf("batch min size must be between 0 and %d, got %d", c.Batch.MaxSize, c.Batch.MinSize)
	}
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("pool workers must be positive, got %d", c.Pool.Workers)
	}
	if c.Rollup.Interval <= 0 {
		return errors.New("rollup interval must be positive")
	}
	if c.Ingest.PastLimit <= 0 || c.Ingest.FutureLimit <= 0 {
		return errors.New("ingest collection time limits must be positive")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage path is required unless running in memory")
	}
	return nil
}

// Usage prints the supported environment variables.
func Usage() error {
	var cfg Config
	return envconfig.Usage(Prefix, &cfg)
}
