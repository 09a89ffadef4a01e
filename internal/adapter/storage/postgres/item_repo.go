package postgres

import (
	"context"
	"errors"
	"fmt"

	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const itemColumns = `id, user_id, pool_id, origin_port, dest_port, mode, cutoff_at, weight_kg,
	length_cm, width_cm, height_cm, volume_m3, status, created_at, updated_at`

// ItemRepo implements ports.ItemRepository.
type ItemRepo struct {
	pool Pool
}

// NewItemRepo creates a new ItemRepo.
func NewItemRepo(pool Pool) *ItemRepo {
	return &ItemRepo{pool: pool}
}

func scanItem(row rowScanner) (*domain.Item, error) {
	i := &domain.Item{}
	err := row.Scan(
		&i.ID, &i.UserID, &i.PoolID, &i.OriginPort, &i.DestPort, &i.Mode, &i.CutoffAt,
		&i.WeightKg, &i.LengthCm, &i.WidthCm, &i.HeightCm, &i.VolumeM3,
		&i.Status, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return i, nil
}

// Create inserts a new item within a transaction.
func (r *ItemRepo) Create(ctx context.Context, tx pgx.Tx, i *domain.Item) error {
	query := `INSERT INTO items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := tx.Exec(ctx, query,
		i.ID, i.UserID, i.PoolID, i.OriginPort, i.DestPort, i.Mode, i.CutoffAt,
		i.WeightKg, i.LengthCm, i.WidthCm, i.HeightCm, i.VolumeM3,
		i.Status, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetByID fetches an item by its UUID (without locking).
func (r *ItemRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1`

	i, err := scanItem(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get item by id: %w", err)
	}
	return i, nil
}

// GetByIDForUpdate fetches an item by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *ItemRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1 FOR UPDATE`

	i, err := scanItem(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get item for update: %w", err)
	}
	return i, nil
}

// MarkPooled assigns a pending item to a pool. The pending guard keeps the
// pool_id write single-shot.
func (r *ItemRepo) MarkPooled(ctx context.Context, tx pgx.Tx, id uuid.UUID, poolID uuid.UUID) error {
	query := `UPDATE items SET status = 'pooled', pool_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND pool_id IS NULL`

	tag, err := tx.Exec(ctx, query, id, poolID)
	if err != nil {
		return fmt.Errorf("mark item pooled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item not pending: %s", id)
	}
	return nil
}

// UpdateStatus sets an item's status within a transaction.
func (r *ItemRepo) UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.ItemStatus) error {
	query := `UPDATE items SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := tx.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("item not found: %s", id)
	}
	return nil
}

// ListByPool returns the pool's items in assignment order.
func (r *ItemRepo) ListByPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE pool_id = $1 ORDER BY updated_at ASC, id ASC`

	rows, err := tx.Query(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pool items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		i, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item row: %w", err)
		}
		items = append(items, *i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item rows: %w", err)
	}
	return items, nil
}

// SumActiveVolume totals the volume of items that still reserve pool space.
func (r *ItemRepo) SumActiveVolume(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(volume_m3), 0) FROM items WHERE pool_id = $1 AND status = ANY($2)`

	statuses := make([]string, 0, len(domain.ActiveItemStatuses()))
	for _, s := range domain.ActiveItemStatuses() {
		statuses = append(statuses, string(s))
	}

	var total decimal.Decimal
	if err := tx.QueryRow(ctx, query, poolID, statuses).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("sum active item volume: %w", err)
	}
	return total, nil
}

// TransitionByPool moves all of a pool's items from one status to another.
func (r *ItemRepo) TransitionByPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, from, to domain.ItemStatus) (int64, error) {
	query := `UPDATE items SET status = $3, updated_at = NOW() WHERE pool_id = $1 AND status = $2`

	tag, err := tx.Exec(ctx, query, poolID, from, to)
	if err != nil {
		return 0, fmt.Errorf("transition pool items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPending returns up to limit pending items after the given position,
// nearest cutoff first. Items whose cutoff has passed are left out.
func (r *ItemRepo) ListPending(ctx context.Context, after *domain.PendingRef, limit int) ([]domain.PendingRef, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		query := `SELECT id, cutoff_at, created_at FROM items
			WHERE status = 'pending' AND cutoff_at > NOW()
			ORDER BY cutoff_at ASC, created_at ASC, id ASC LIMIT $1`
		rows, err = r.pool.Query(ctx, query, limit)
	} else {
		query := `SELECT id, cutoff_at, created_at FROM items
			WHERE status = 'pending' AND cutoff_at > NOW()
				AND (cutoff_at, created_at, id) > ($1, $2, $3)
			ORDER BY cutoff_at ASC, created_at ASC, id ASC LIMIT $4`
		rows, err = r.pool.Query(ctx, query, after.CutoffAt, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	var refs []domain.PendingRef
	for rows.Next() {
		var ref domain.PendingRef
		if err := rows.Scan(&ref.ID, &ref.CutoffAt, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return refs, nil
}
