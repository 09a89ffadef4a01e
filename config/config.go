package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Pooling     PoolingConfig     `mapstructure:"pooling"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Carrier     CarrierConfig     `mapstructure:"carrier"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries  uint64        `mapstructure:"connect_retries"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// PoolingConfig tunes pool creation and the booking fill gate.
type PoolingConfig struct {
	SeaCapacityM3 float64 `mapstructure:"sea_capacity_m3"`
	AirCapacityM3 float64 `mapstructure:"air_capacity_m3"`
	MinBookFill   float64 `mapstructure:"min_book_fill"`
}

// WebhookConfig tunes the delivery engine.
type WebhookConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       time.Duration `mapstructure:"jitter"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
	Lease        time.Duration `mapstructure:"lease"`
}

type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AssignInterval  time.Duration `mapstructure:"assign_interval"`
	AssignBatchSize int           `mapstructure:"assign_batch_size"`
}

// CarrierConfig configures the external booking provider. An empty BaseURL
// disables the provider and bookings fall back to locally generated refs.
type CarrierConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IdempotencyConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: FPE_ (Freight Pooling Engine).
// Nested keys use underscore: FPE_DATABASE_HOST, FPE_WEBHOOK_MAX_ATTEMPTS, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "freight_pooling")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("pooling.sea_capacity_m3", 67.0)
	v.SetDefault("pooling.air_capacity_m3", 10.0)
	v.SetDefault("pooling.min_book_fill", 0.9)
	v.SetDefault("webhook.max_attempts", 8)
	v.SetDefault("webhook.base_delay", "30s")
	v.SetDefault("webhook.max_delay", "1h")
	v.SetDefault("webhook.jitter", "5s")
	v.SetDefault("webhook.batch_size", 50)
	v.SetDefault("webhook.poll_interval", "5s")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.concurrency", 8)
	v.SetDefault("webhook.lease", "1m")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.assign_interval", "1m")
	v.SetDefault("scheduler.assign_batch_size", 500)
	v.SetDefault("carrier.base_url", "")
	v.SetDefault("carrier.api_key", "")
	v.SetDefault("carrier.timeout", "15s")
	v.SetDefault("idempotency.cache_ttl", "24h")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: FPE_DATABASE_HOST -> database.host
	v.SetEnvPrefix("FPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; env vars can suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the engines cannot operate with.
func (c *Config) Validate() error {
	var errs []error
	if c.Pooling.SeaCapacityM3 <= 0 || c.Pooling.AirCapacityM3 <= 0 {
		errs = append(errs, errors.New("pooling capacities must be positive"))
	}
	if c.Pooling.MinBookFill <= 0 || c.Pooling.MinBookFill > 1 {
		errs = append(errs, errors.New("pooling.min_book_fill must be in (0, 1]"))
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, errors.New("webhook.max_attempts must be at least 1"))
	}
	if c.Webhook.BatchSize < 1 {
		errs = append(errs, errors.New("webhook.batch_size must be at least 1"))
	}
	if c.Webhook.BaseDelay <= 0 || c.Webhook.MaxDelay < c.Webhook.BaseDelay {
		errs = append(errs, errors.New("webhook delays must satisfy 0 < base_delay <= max_delay"))
	}
	if c.Webhook.Timeout <= 0 {
		errs = append(errs, errors.New("webhook.timeout must be positive"))
	}
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
