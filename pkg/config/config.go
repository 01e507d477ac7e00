// Package config loads clanmanager configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file, then CLANMANAGER_* environment variables. Variables already present
// in the environment win over the .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/clanmanager/pkg/retry"
	"github.com/cuemby/clanmanager/pkg/storage"
)

// Storage drivers
const (
	DriverPostgres = storage.DriverPostgres
	DriverSQLite   = storage.DriverSQLite
	DriverBolt     = "bolt"
)

// Config is the full clanmanager configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Platform  PlatformConfig  `yaml:"platform"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Retry     RetryConfig     `yaml:"retry"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	API       APIConfig       `yaml:"api"`
	Reverify  ReverifyConfig  `yaml:"reverify"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"CLANMANAGER_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"CLANMANAGER_LOG_JSON"`
}

type StorageConfig struct {
	// Driver is postgres, sqlite3, or bolt
	Driver string `yaml:"driver" env:"CLANMANAGER_STORAGE_DRIVER"`
	// DSN is the SQL data source; unused for bolt
	DSN string `yaml:"dsn" env:"CLANMANAGER_STORAGE_DSN"`
	// DataDir holds the bolt database file
	DataDir string `yaml:"data_dir" env:"CLANMANAGER_STORAGE_DATA_DIR"`
}

type PlatformConfig struct {
	APIURL            string        `yaml:"api_url" env:"CLANMANAGER_PLATFORM_API_URL"`
	GatewayURL        string        `yaml:"gateway_url" env:"CLANMANAGER_PLATFORM_GATEWAY_URL"`
	Token             string        `yaml:"token" env:"CLANMANAGER_PLATFORM_TOKEN"`
	Timeout           time.Duration `yaml:"timeout" env:"CLANMANAGER_PLATFORM_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"CLANMANAGER_PLATFORM_RPS"`
	Burst             int           `yaml:"burst" env:"CLANMANAGER_PLATFORM_BURST"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval" env:"CLANMANAGER_RECONCILE_INTERVAL"`
	SettleDelay time.Duration `yaml:"settle_delay" env:"CLANMANAGER_RECONCILE_SETTLE_DELAY"`
	PassTimeout time.Duration `yaml:"pass_timeout" env:"CLANMANAGER_RECONCILE_PASS_TIMEOUT"`
	LockTimeout time.Duration `yaml:"lock_timeout" env:"CLANMANAGER_RECONCILE_LOCK_TIMEOUT"`
	QueueSize   int           `yaml:"queue_size" env:"CLANMANAGER_RECONCILE_QUEUE_SIZE"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"CLANMANAGER_RETRY_MAX_ATTEMPTS"`
	Initial     time.Duration `yaml:"initial" env:"CLANMANAGER_RETRY_INITIAL"`
	Max         time.Duration `yaml:"max" env:"CLANMANAGER_RETRY_MAX"`
	Multiplier  float64       `yaml:"multiplier" env:"CLANMANAGER_RETRY_MULTIPLIER"`
}

type DedupeConfig struct {
	// RedisAddr enables the shared Redis window; empty uses process memory
	RedisAddr     string        `yaml:"redis_addr" env:"CLANMANAGER_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"CLANMANAGER_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"CLANMANAGER_REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" env:"CLANMANAGER_DEDUPE_TTL"`
}

type APIConfig struct {
	Addr     string `yaml:"addr" env:"CLANMANAGER_API_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" env:"CLANMANAGER_GRPC_ADDR"`
	// Token is a static admin API bearer token; empty disables auth
	Token           string        `yaml:"token" env:"CLANMANAGER_API_TOKEN"`
	CollectInterval time.Duration `yaml:"collect_interval" env:"CLANMANAGER_METRICS_COLLECT_INTERVAL"`
}

type ReverifyConfig struct {
	// Schedule is a cron spec; empty disables the sweep
	Schedule string `yaml:"schedule" env:"CLANMANAGER_REVERIFY_SCHEDULE"`
}

// Default returns the built-in configuration
func Default() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "clanmanager.db",
		},
		Platform: PlatformConfig{
			Timeout:           10 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Reconcile: ReconcileConfig{
			Interval:    5 * time.Minute,
			SettleDelay: 30 * time.Second,
			PassTimeout: 2 * time.Minute,
			LockTimeout: 30 * time.Second,
			QueueSize:   128,
		},
		Retry: RetryConfig{
			MaxAttempts: p.MaxAttempts,
			Initial:     p.Initial,
			Max:         p.Max,
			Multiplier:  p.Multiplier,
		},
		Dedupe: DedupeConfig{TTL: 10 * time.Minute},
		API: APIConfig{
			Addr:            "127.0.0.1:8080",
			GRPCAddr:        "127.0.0.1:9090",
			CollectInterval: 30 * time.Second,
		},
		Reverify: ReverifyConfig{Schedule: "@daily"},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// non-empty), the .env file at envFile (if it exists), and the environment
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: dsn is required for driver %s", c.Storage.Driver)
		}
	case DriverBolt:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage: data_dir is required for driver bolt")
		}
	default:
		return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
	}

	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile: interval must be positive")
	}
	if c.Reconcile.SettleDelay <= 0 {
		return fmt.Errorf("reconcile: settle_delay must be positive")
	}
	if c.Reconcile.PassTimeout <= 0 || c.Reconcile.LockTimeout <= 0 {
		return fmt.Errorf("reconcile: pass_timeout and lock_timeout must be positive")
	}
	if c.Reconcile.QueueSize <= 0 {
		return fmt.Errorf("reconcile: queue_size must be positive")
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// ValidateServe additionally checks the settings the engine needs to talk
// to the platform
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Platform.APIURL == "" {
		return fmt.Errorf("platform: api_url is required")
	}
	if c.Platform.GatewayURL == "" {
		return fmt.Errorf("platform: gateway_url is required")
	}
	if c.Platform.Token == "" {
		return fmt.Errorf("platform: token is required")
	}
	if c.Platform.RequestsPerSecond <= 0 {
		return fmt.Errorf("platform: requests_per_second must be positive")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api: addr is required")
	}
	return nil
}

// RetryPolicy converts the retry settings into a policy using the real clock
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Initial:     c.Retry.Initial,
		Max:         c.Retry.Max,
		Multiplier:  c.Retry.Multiplier,
	}
}
