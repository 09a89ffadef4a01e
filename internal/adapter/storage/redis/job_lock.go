package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while the caller still owns it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// JobLock is a SETNX lease that keeps a background job to one instance at a
// time. The TTL bounds how long a crashed holder blocks others.
type JobLock struct {
	client *goredis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	owner string
}

// NewJobLock creates a lock for the named job.
func NewJobLock(client *goredis.Client, job string, ttl time.Duration) *JobLock {
	return &JobLock{
		client: client,
		key:    "fpe:joblock:" + job,
		ttl:    ttl,
	}
}

// Acquire tries to take the lease. Returns false if another owner holds it.
func (l *JobLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis job lock acquire: %w", err)
	}
	if ok {
		l.mu.Lock()
		l.owner = owner
		l.mu.Unlock()
	}
	return ok, nil
}

// Release drops the lease if this instance still owns it.
func (l *JobLock) Release(ctx context.Context) error {
	l.mu.Lock()
	owner := l.owner
	l.owner = ""
	l.mu.Unlock()
	if owner == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Err(); err != nil {
		return fmt.Errorf("redis job lock release: %w", err)
	}
	return nil
}
