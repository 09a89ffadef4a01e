package domain

import "time"

// IdempotencyStatus is the outcome state of a ledger record.
type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "pending"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
	IdempotencyStatusFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord guards at-most-once execution for one (scope, key).
type IdempotencyRecord struct {
	Scope       string            `json:"scope"`
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	Response    []byte            `json:"response"`
	LockedAt    *time.Time        `json:"locked_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BuildIdempotencyKey constructs the cache key for a (scope, key) pair.
func BuildIdempotencyKey(scope, key string) string {
	return scope + ":" + key
}

// CachedResponse is the fast-path copy of a completed record. The request
// hash travels with the response so a cached replay still detects a
// payload mismatch.
type CachedResponse struct {
	RequestHash string
	Response    []byte
}
