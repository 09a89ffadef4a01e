package postgres

import (
	"context"
	"fmt"

	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EventRepo implements ports.EventRepository. Rows are only ever inserted.
type EventRepo struct {
	pool Pool
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(pool Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Append inserts an event in the caller's transaction.
func (r *EventRepo) Append(ctx context.Context, tx pgx.Tx, e *domain.PoolEvent) error {
	query := `INSERT INTO pool_events (id, pool_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`

	_, err := tx.Exec(ctx, query, e.ID, e.PoolID, e.Type, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pool event: %w", err)
	}
	return nil
}

// ListByPool returns a pool's events in append order.
func (r *EventRepo) ListByPool(ctx context.Context, poolID uuid.UUID) ([]domain.PoolEvent, error) {
	query := `SELECT id, pool_id, type, payload, created_at FROM pool_events
		WHERE pool_id = $1 ORDER BY seq ASC`

	rows, err := r.pool.Query(ctx, query, poolID)
	if err != nil {
		return nil, fmt.Errorf("list pool events: %w", err)
	}
	defer rows.Close()

	var events []domain.PoolEvent
	for rows.Next() {
		var e domain.PoolEvent
		if err := rows.Scan(&e.ID, &e.PoolID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pool event row: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool event rows: %w", err)
	}
	return events, nil
}
