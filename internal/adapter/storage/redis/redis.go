package redis

import (
	"context"
	"fmt"
	"time"

	"freight-pooling/config"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const connectRetries = 5

// NewClient creates a Redis client and verifies connectivity, retrying the
// first ping with exponential backoff.
func NewClient(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := pingWithRetry(ctx, client, connectRetries, log); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	log.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("Redis connection established")

	return client, nil
}

func pingWithRetry(ctx context.Context, client *goredis.Client, retries uint64, log zerolog.Logger) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, retries), ctx)

	return backoff.RetryNotify(func() error {
		return client.Ping(ctx).Err()
	}, policy, func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("Redis not reachable yet")
	})
}

// HealthCheck implements ports.HealthChecker for Redis.
type HealthCheck struct {
	client  *goredis.Client
	timeout time.Duration
}

// NewHealthCheck creates a Redis health checker.
func NewHealthCheck(client *goredis.Client) *HealthCheck {
	return &HealthCheck{client: client, timeout: 2 * time.Second}
}

// Ping checks Redis connectivity within the checker's timeout.
func (h *HealthCheck) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.client.Ping(ctx).Err()
}

// Name returns the dependency name.
func (h *HealthCheck) Name() string {
	return "redis"
}
