package service

import (
	"context"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LifecycleServiceImpl implements ports.LifecycleService.
type LifecycleServiceImpl struct {
	pools      ports.PoolRepository
	items      ports.ItemRepository
	eventRepo  ports.EventRepository
	events     ports.EventEmitter
	transactor ports.DBTransactor
	now        func() time.Time
	log        zerolog.Logger
}

// NewLifecycleService creates a new LifecycleServiceImpl.
func NewLifecycleService(
	pools ports.PoolRepository,
	items ports.ItemRepository,
	eventRepo ports.EventRepository,
	events ports.EventEmitter,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *LifecycleServiceImpl {
	return &LifecycleServiceImpl{
		pools:      pools,
		items:      items,
		eventRepo:  eventRepo,
		events:     events,
		transactor: transactor,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// SetPoolStatus applies an externally driven status change. Only forward
// moves are accepted; booked is reachable through booking alone, and the
// transit statuses require a committed booking. Setting the current status
// again is a no-op.
func (s *LifecycleServiceImpl) SetPoolStatus(ctx context.Context, poolID uuid.UUID, status domain.PoolStatus) (*domain.Pool, error) {
	if _, ok := domain.ParsePoolStatus(string(status)); !ok {
		return nil, apperror.ErrUnknownPoolStatus(string(status))
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	pool, err := s.pools.GetByIDForUpdate(ctx, dbTx, poolID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock pool: %w", err))
	}
	if pool == nil {
		return nil, apperror.ErrPoolNotFound()
	}
	if pool.Status == status {
		return pool, nil
	}

	from := pool.Status
	if !from.CanTransitionTo(status) || status == domain.PoolStatusBooked {
		return nil, apperror.ErrInvalidPoolTransition(string(from), string(status))
	}
	if (status == domain.PoolStatusInTransit || status == domain.PoolStatusArrived) && !from.IsBooked() {
		return nil, apperror.ErrInvalidPoolTransition(string(from), string(status))
	}

	if err := s.pools.UpdateStatus(ctx, dbTx, poolID, status); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update pool status: %w", err))
	}
	if _, err := s.events.Emit(ctx, dbTx, poolID, domain.EventStatusChanged, domain.EventPayload{
		"from":   string(from),
		"to":     string(status),
		"source": "manual",
	}); err != nil {
		return nil, err
	}

	if err := s.propagateToItems(ctx, dbTx, poolID, status); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	pool.Status = status
	pool.UpdatedAt = s.now()

	s.log.Info().
		Str("pool_id", poolID.String()).
		Str("from", string(from)).
		Str("to", string(status)).
		Msg("pool status changed")

	return pool, nil
}

// propagateToItems moves paid cargo along with its pool: departure ships it
// and arrival delivers it.
func (s *LifecycleServiceImpl) propagateToItems(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, status domain.PoolStatus) error {
	if status != domain.PoolStatusInTransit && status != domain.PoolStatusArrived {
		return nil
	}
	shipped, err := s.items.TransitionByPool(ctx, tx, poolID, domain.ItemStatusPaid, domain.ItemStatusShipped)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("ship items: %w", err))
	}
	var delivered int64
	if status == domain.PoolStatusArrived {
		delivered, err = s.items.TransitionByPool(ctx, tx, poolID, domain.ItemStatusShipped, domain.ItemStatusDelivered)
		if err != nil {
			return apperror.InternalError(fmt.Errorf("deliver items: %w", err))
		}
	}
	s.log.Debug().
		Str("pool_id", poolID.String()).
		Int64("shipped", shipped).
		Int64("delivered", delivered).
		Msg("item statuses propagated")
	return nil
}

// SetItemStatus applies a payment transition to a pooled item. Leaving the
// active set (refund) releases the item's volume from its pool.
//
// Locks are taken pool first, then item, the same order SetPoolStatus uses
// when it moves a pool's items along. The item is read once without a lock
// to find its pool and checked again after both locks are held.
func (s *LifecycleServiceImpl) SetItemStatus(ctx context.Context, itemID uuid.UUID, status domain.ItemStatus) (*domain.Item, error) {
	if _, ok := domain.ParseItemStatus(string(status)); !ok {
		return nil, apperror.Validation(fmt.Sprintf("unknown item status %q", status))
	}

	seen, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get item: %w", err))
	}
	done, err := checkItemTransition(seen, status)
	if err != nil {
		return nil, err
	}
	if done {
		return seen, nil
	}
	poolID := *seen.PoolID

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	pool, err := s.pools.GetByIDForUpdate(ctx, dbTx, poolID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock pool: %w", err))
	}
	if pool == nil {
		return nil, apperror.ErrPoolNotFound()
	}

	item, err := s.items.GetByIDForUpdate(ctx, dbTx, itemID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock item: %w", err))
	}
	done, err = checkItemTransition(item, status)
	if err != nil {
		return nil, err
	}
	if done {
		return item, nil
	}
	if *item.PoolID != poolID {
		return nil, apperror.ErrInvalidItemTransition(string(item.Status), string(status))
	}

	if err := s.items.UpdateStatus(ctx, dbTx, itemID, status); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update item status: %w", err))
	}

	var eventType domain.EventType
	switch status {
	case domain.ItemStatusPaid:
		eventType = domain.EventPaymentReceived
	case domain.ItemStatusRefunded:
		eventType = domain.EventPaymentRefunded
	}
	if eventType != "" {
		if _, err := s.events.Emit(ctx, dbTx, poolID, eventType, domain.EventPayload{
			"item_id":   itemID.String(),
			"user_id":   item.UserID,
			"volume_m3": item.VolumeM3.String(),
		}); err != nil {
			return nil, err
		}
	}

	if item.Status.IsActive() != status.IsActive() {
		if _, err := s.recompute(ctx, dbTx, pool); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("item_id", itemID.String()).
		Str("from", string(item.Status)).
		Str("to", string(status)).
		Msg("item status changed")

	item.Status = status
	item.UpdatedAt = s.now()
	return item, nil
}

// RecomputePoolFill resets used_m3 to the volume of the pool's active items.
func (s *LifecycleServiceImpl) RecomputePoolFill(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	pool, err := s.pools.GetByIDForUpdate(ctx, dbTx, poolID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock pool: %w", err))
	}
	if pool == nil {
		return nil, apperror.ErrPoolNotFound()
	}

	changed, err := s.recompute(ctx, dbTx, pool)
	if err != nil {
		return nil, err
	}
	if !changed {
		return pool, nil
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return pool, nil
}

// recompute updates pool in place and reports whether used_m3 changed.
func (s *LifecycleServiceImpl) recompute(ctx context.Context, tx pgx.Tx, pool *domain.Pool) (bool, error) {
	sum, err := s.items.SumActiveVolume(ctx, tx, pool.ID)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("sum active volume: %w", err))
	}
	if sum.Equal(pool.UsedM3) {
		return false, nil
	}
	if err := s.pools.SetUsed(ctx, tx, pool.ID, sum); err != nil {
		return false, apperror.InternalError(fmt.Errorf("set used volume: %w", err))
	}
	s.log.Info().
		Str("pool_id", pool.ID.String()).
		Str("from", pool.UsedM3.String()).
		Str("to", sum.String()).
		Msg("pool fill recomputed")
	pool.UsedM3 = sum
	pool.UpdatedAt = s.now()
	return true, nil
}

// GetPool retrieves a pool by ID.
func (s *LifecycleServiceImpl) GetPool(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get pool: %w", err))
	}
	if pool == nil {
		return nil, apperror.ErrPoolNotFound()
	}
	return pool, nil
}

// ListPools returns a filtered page of pools and the total match count.
func (s *LifecycleServiceImpl) ListPools(ctx context.Context, params ports.PoolListParams) ([]domain.Pool, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	pools, total, err := s.pools.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.InternalError(fmt.Errorf("list pools: %w", err))
	}
	return pools, total, nil
}

// ListPoolEvents returns a pool's event log in append order.
func (s *LifecycleServiceImpl) ListPoolEvents(ctx context.Context, poolID uuid.UUID) ([]domain.PoolEvent, error) {
	if _, err := s.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	events, err := s.eventRepo.ListByPool(ctx, poolID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list pool events: %w", err))
	}
	return events, nil
}

// GetItem retrieves an item by ID.
func (s *LifecycleServiceImpl) GetItem(ctx context.Context, itemID uuid.UUID) (*domain.Item, error) {
	item, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get item: %w", err))
	}
	if item == nil {
		return nil, apperror.ErrItemNotFound()
	}
	return item, nil
}

// checkItemTransition reports done when item already has status, and an error
// when the item is missing or cannot move to status.
func checkItemTransition(item *domain.Item, status domain.ItemStatus) (bool, error) {
	if item == nil {
		return false, apperror.ErrItemNotFound()
	}
	if item.Status == status {
		return true, nil
	}
	if !item.Status.CanTransitionTo(status) || item.PoolID == nil {
		return false, apperror.ErrInvalidItemTransition(string(item.Status), string(status))
	}
	return false, nil
}
