package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const poolColumns = `id, origin_port, dest_port, mode, cutoff_at, capacity_m3, used_m3, status, booking_ref, created_at, updated_at`

// PoolRepo implements ports.PoolRepository.
type PoolRepo struct {
	pool Pool
}

// NewPoolRepo creates a new PoolRepo.
func NewPoolRepo(pool Pool) *PoolRepo {
	return &PoolRepo{pool: pool}
}

func scanPool(row rowScanner) (*domain.Pool, error) {
	p := &domain.Pool{}
	err := row.Scan(
		&p.ID, &p.OriginPort, &p.DestPort, &p.Mode, &p.CutoffAt,
		&p.CapacityM3, &p.UsedM3, &p.Status, &p.BookingRef,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindOpenForAssignment locks the oldest open pool for the lane and cutoff.
// Rows held by concurrent assigners are skipped rather than waited on.
// This MUST be called within a transaction.
func (r *PoolRepo) FindOpenForAssignment(ctx context.Context, tx pgx.Tx, lane domain.Lane, cutoffAt time.Time) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools
		WHERE origin_port = $1 AND dest_port = $2 AND mode = $3 AND cutoff_at = $4 AND status = 'open'
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	p, err := scanPool(tx.QueryRow(ctx, query, lane.OriginPort, lane.DestPort, lane.Mode, cutoffAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find open pool: %w", err)
	}
	return p, nil
}

// Create inserts a new pool. The partial unique index on open pools per lane
// and cutoff turns a concurrent duplicate into ports.ErrDuplicate.
func (r *PoolRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Pool) error {
	query := `INSERT INTO pools (id, origin_port, dest_port, mode, cutoff_at, capacity_m3, used_m3, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.Exec(ctx, query,
		p.ID, p.OriginPort, p.DestPort, p.Mode, p.CutoffAt,
		p.CapacityM3, p.UsedM3, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ports.ErrDuplicate
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

// GetByID fetches a pool by its UUID (without locking).
func (r *PoolRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE id = $1`

	p, err := scanPool(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pool by id: %w", err)
	}
	return p, nil
}

// GetByIDForUpdate fetches a pool by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *PoolRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Pool, error) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE id = $1 FOR UPDATE`

	p, err := scanPool(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pool for update: %w", err)
	}
	return p, nil
}

// ReserveCapacity adds volume to used_m3 in one statement, guarded so the
// result never exceeds capacity_m3.
func (r *PoolRepo) ReserveCapacity(ctx context.Context, tx pgx.Tx, id uuid.UUID, volume decimal.Decimal) (decimal.Decimal, bool, error) {
	query := `UPDATE pools SET used_m3 = used_m3 + $2, updated_at = NOW()
		WHERE id = $1 AND used_m3 + $2 <= capacity_m3
		RETURNING used_m3`

	var used decimal.Decimal
	err := tx.QueryRow(ctx, query, id, volume).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("reserve pool capacity: %w", err)
	}
	return used, true, nil
}

// SetUsed overwrites used_m3, e.g. after a recompute from active items.
func (r *PoolRepo) SetUsed(ctx context.Context, tx pgx.Tx, id uuid.UUID, used decimal.Decimal) error {
	query := `UPDATE pools SET used_m3 = $2, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, used)
	if err != nil {
		return fmt.Errorf("set pool used volume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool not found: %s", id)
	}
	return nil
}

// UpdateStatus sets the pool status within a transaction.
func (r *PoolRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PoolStatus) error {
	query := `UPDATE pools SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("update pool status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool not found: %s", id)
	}
	return nil
}

// MarkBooked commits a booking only if the pool is still open or closing.
func (r *PoolRepo) MarkBooked(ctx context.Context, tx pgx.Tx, id uuid.UUID, bookingRef string) (bool, error) {
	query := `UPDATE pools SET status = 'booked', booking_ref = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('open', 'closing')`

	tag, err := tx.Exec(ctx, query, id, bookingRef)
	if err != nil {
		return false, fmt.Errorf("mark pool booked: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List retrieves a filtered page of pools, newest cutoff first.
func (r *PoolRepo) List(ctx context.Context, params ports.PoolListParams) ([]domain.Pool, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.OriginPort != "" {
		conditions = append(conditions, fmt.Sprintf("origin_port = $%d", argIdx))
		args = append(args, params.OriginPort)
		argIdx++
	}
	if params.DestPort != "" {
		conditions = append(conditions, fmt.Sprintf("dest_port = $%d", argIdx))
		args = append(args, params.DestPort)
		argIdx++
	}
	if params.Mode != nil {
		conditions = append(conditions, fmt.Sprintf("mode = $%d", argIdx))
		args = append(args, *params.Mode)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM pools %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pools: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM pools %s ORDER BY cutoff_at DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		poolColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pool row: %w", err)
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pool rows: %w", err)
	}
	return pools, total, nil
}
