package ports

import (
	"context"
	"errors"
	"time"

	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned by Create methods when a uniqueness constraint
// rejects the row (e.g. a concurrently created open pool for the same lane).
var ErrDuplicate = errors.New("duplicate key")

// PoolRepository defines persistence operations for pools.
// Methods accepting pgx.Tx are used inside transaction blocks for row locking.
type PoolRepository interface {
	// FindOpenForAssignment returns the oldest open pool for the lane and cutoff,
	// skipping rows locked by other transactions. Returns nil, nil if none is free.
	FindOpenForAssignment(ctx context.Context, tx pgx.Tx, lane domain.Lane, cutoffAt time.Time) (*domain.Pool, error)
	// Create inserts a new pool. Returns ErrDuplicate if an open pool already
	// exists for the same lane and cutoff.
	Create(ctx context.Context, tx pgx.Tx, pool *domain.Pool) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Pool, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Pool, error)
	// ReserveCapacity atomically adds volume to used_m3 if it still fits.
	// Returns the new used volume and false if the pool would overflow.
	ReserveCapacity(ctx context.Context, tx pgx.Tx, id uuid.UUID, volume decimal.Decimal) (decimal.Decimal, bool, error)
	SetUsed(ctx context.Context, tx pgx.Tx, id uuid.UUID, used decimal.Decimal) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.PoolStatus) error
	// MarkBooked sets status=booked and booking_ref only while the pool is still
	// open or closing. Returns false if the guard matched no row.
	MarkBooked(ctx context.Context, tx pgx.Tx, id uuid.UUID, bookingRef string) (bool, error)
	List(ctx context.Context, params PoolListParams) ([]domain.Pool, int64, error)
}

// PoolListParams holds filter + pagination for listing pools.
type PoolListParams struct {
	Status     *domain.PoolStatus
	OriginPort string
	DestPort   string
	Mode       *domain.Mode
	Page       int
	PageSize   int
}

// ItemRepository defines persistence operations for shipment items.
type ItemRepository interface {
	Create(ctx context.Context, tx pgx.Tx, item *domain.Item) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Item, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Item, error)
	MarkPooled(ctx context.Context, tx pgx.Tx, id uuid.UUID, poolID uuid.UUID) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.ItemStatus) error
	ListByPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) ([]domain.Item, error)
	// SumActiveVolume totals volume_m3 of items whose status reserves pool space.
	SumActiveVolume(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) (decimal.Decimal, error)
	// TransitionByPool moves every item of the pool in status from to status to.
	TransitionByPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, from, to domain.ItemStatus) (int64, error)
	// ListPending returns up to limit pending items in sweep order
	// (cutoff_at, created_at, id), strictly after the given position.
	// A nil after starts from the beginning.
	ListPending(ctx context.Context, after *domain.PendingRef, limit int) ([]domain.PendingRef, error)
}

// EventRepository persists the append-only pool event log.
type EventRepository interface {
	Append(ctx context.Context, tx pgx.Tx, event *domain.PoolEvent) error
	ListByPool(ctx context.Context, poolID uuid.UUID) ([]domain.PoolEvent, error)
}

// IdempotencyRepository defines persistence for the idempotency ledger.
type IdempotencyRepository interface {
	// Insert creates a pending record, doing nothing if (scope, key) exists.
	Insert(ctx context.Context, tx pgx.Tx, scope, key, requestHash string) error
	// Claim sets locked_at on an unlocked pending or failed record.
	// Returns true iff this caller won the claim.
	Claim(ctx context.Context, tx pgx.Tx, scope, key string) (bool, error)
	Get(ctx context.Context, tx pgx.Tx, scope, key string) (*domain.IdempotencyRecord, error)
	// Finish stores the outcome and clears locked_at.
	Finish(ctx context.Context, tx pgx.Tx, scope, key string, status domain.IdempotencyStatus, response []byte) error
	// ReplaceResponse overwrites the stored response of a completed record.
	ReplaceResponse(ctx context.Context, tx pgx.Tx, scope, key string, response []byte) error
}

// WebhookRepository persists subscriptions and delivery series.
type WebhookRepository interface {
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, id uuid.UUID) (bool, error)
	ActiveSubscriptions(ctx context.Context, tx pgx.Tx) ([]domain.Subscription, error)

	EnqueueDelivery(ctx context.Context, tx pgx.Tx, delivery *domain.WebhookDelivery) error
	// ClaimDue leases up to limit due pending deliveries, skipping rows other
	// workers hold, and joins each to its subscription.
	ClaimDue(ctx context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]domain.ClaimedDelivery, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, attemptCount int, responseStatus int) error
	MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, responseStatus *int, lastError string) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, responseStatus *int, lastError string) error
	ListDeliveries(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, error)
}

// DeliveryListParams filters the operational delivery-status view.
type DeliveryListParams struct {
	Status *domain.DeliveryStatus
	Limit  int
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
