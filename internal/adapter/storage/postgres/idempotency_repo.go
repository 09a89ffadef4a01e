package postgres

import (
	"context"
	"errors"
	"fmt"

	"freight-pooling/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// IdempotencyRepo implements ports.IdempotencyRepository.
// Every method runs inside the ledger transaction owned by the caller.
type IdempotencyRepo struct {
	pool Pool
}

// NewIdempotencyRepo creates a new IdempotencyRepo.
func NewIdempotencyRepo(pool Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

// Insert creates a pending ledger row, leaving an existing (scope, key) untouched.
func (r *IdempotencyRepo) Insert(ctx context.Context, tx pgx.Tx, scope, key, requestHash string) error {
	query := `INSERT INTO idempotency_records (scope, key, request_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', NOW(), NOW())
		ON CONFLICT (scope, key) DO NOTHING`

	if _, err := tx.Exec(ctx, query, scope, key, requestHash); err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Claim is a compare-and-swap on locked_at. Completed records are never
// claimable, so a finished operation cannot run twice. A claim older than
// fifteen minutes is treated as abandoned by a crashed caller and may be
// taken over.
func (r *IdempotencyRepo) Claim(ctx context.Context, tx pgx.Tx, scope, key string) (bool, error) {
	query := `UPDATE idempotency_records SET locked_at = NOW(), updated_at = NOW()
		WHERE scope = $1 AND key = $2 AND status IN ('pending', 'failed')
			AND (locked_at IS NULL OR locked_at < NOW() - INTERVAL '15 minutes')`

	tag, err := tx.Exec(ctx, query, scope, key)
	if err != nil {
		return false, fmt.Errorf("claim idempotency record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get reads a ledger row. Returns nil, nil if it does not exist.
func (r *IdempotencyRepo) Get(ctx context.Context, tx pgx.Tx, scope, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT scope, key, request_hash, status, response, locked_at, created_at, updated_at
		FROM idempotency_records WHERE scope = $1 AND key = $2`

	rec := &domain.IdempotencyRecord{}
	err := tx.QueryRow(ctx, query, scope, key).Scan(
		&rec.Scope, &rec.Key, &rec.RequestHash, &rec.Status, &rec.Response,
		&rec.LockedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

// Finish records the outcome of a claimed operation and releases the claim.
func (r *IdempotencyRepo) Finish(ctx context.Context, tx pgx.Tx, scope, key string, status domain.IdempotencyStatus, response []byte) error {
	query := `UPDATE idempotency_records SET status = $3, response = $4, locked_at = NULL, updated_at = NOW()
		WHERE scope = $1 AND key = $2`

	tag, err := tx.Exec(ctx, query, scope, key, status, response)
	if err != nil {
		return fmt.Errorf("finish idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record not found: %s/%s", scope, key)
	}
	return nil
}

// ReplaceResponse overwrites the stored response of a completed record.
func (r *IdempotencyRepo) ReplaceResponse(ctx context.Context, tx pgx.Tx, scope, key string, response []byte) error {
	query := `UPDATE idempotency_records SET response = $3, updated_at = NOW()
		WHERE scope = $1 AND key = $2 AND status = 'completed'`

	if _, err := tx.Exec(ctx, query, scope, key, response); err != nil {
		return fmt.Errorf("replace idempotency response: %w", err)
	}
	return nil
}
