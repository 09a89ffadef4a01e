package redis

import (
	"context"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldHash     = "hash"
	fieldResponse = "response"
)

// IdempotencyCache implements ports.IdempotencyCache with one Redis hash per
// (scope, key). It only ever holds completed responses; the Postgres ledger
// stays authoritative and every miss or error falls through to it.
type IdempotencyCache struct {
	client *goredis.Client
	prefix string
}

// NewIdempotencyCache creates a new Redis-backed idempotency cache.
func NewIdempotencyCache(client *goredis.Client) *IdempotencyCache {
	return &IdempotencyCache{
		client: client,
		prefix: "fpe:idempotency:",
	}
}

// Get returns the cached entry for a "scope:key" pair, or nil on a miss.
// A hash missing either field is treated as a miss.
func (c *IdempotencyCache) Get(ctx context.Context, key string) (*domain.CachedResponse, error) {
	fields, err := c.client.HGetAll(ctx, c.prefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis idempotency get: %w", err)
	}
	hash, okHash := fields[fieldHash]
	resp, okResp := fields[fieldResponse]
	if !okHash || !okResp {
		return nil, nil
	}
	return &domain.CachedResponse{RequestHash: hash, Response: []byte(resp)}, nil
}

// Set writes both fields and the TTL atomically.
func (c *IdempotencyCache) Set(ctx context.Context, key string, entry *domain.CachedResponse, ttl time.Duration) error {
	k := c.prefix + key
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, k, fieldHash, entry.RequestHash, fieldResponse, entry.Response)
		pipe.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis idempotency set: %w", err)
	}
	return nil
}
