package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PoolingSettings holds the capacity and booking gate parameters.
type PoolingSettings struct {
	SeaCapacityM3 decimal.Decimal
	AirCapacityM3 decimal.Decimal
	MinBookFill   decimal.Decimal
}

// NewPoolingSettings converts configured float values to exact decimals.
func NewPoolingSettings(seaM3, airM3, minFill float64) PoolingSettings {
	return PoolingSettings{
		SeaCapacityM3: decimal.NewFromFloat(seaM3),
		AirCapacityM3: decimal.NewFromFloat(airM3),
		MinBookFill:   decimal.NewFromFloat(minFill),
	}
}

// CapacityFor returns the container capacity for a transport mode.
func (p PoolingSettings) CapacityFor(mode domain.Mode) decimal.Decimal {
	if mode == domain.ModeAir {
		return p.AirCapacityM3
	}
	return p.SeaCapacityM3
}

// AssignmentServiceImpl implements ports.AssignmentService.
type AssignmentServiceImpl struct {
	pools      ports.PoolRepository
	items      ports.ItemRepository
	events     ports.EventEmitter
	transactor ports.DBTransactor
	settings   PoolingSettings
	metrics    *metrics.PoolMetrics
	now        func() time.Time
	log        zerolog.Logger
}

// NewAssignmentService creates a new AssignmentServiceImpl.
func NewAssignmentService(
	pools ports.PoolRepository,
	items ports.ItemRepository,
	events ports.EventEmitter,
	transactor ports.DBTransactor,
	settings PoolingSettings,
	m *metrics.PoolMetrics,
	log zerolog.Logger,
) *AssignmentServiceImpl {
	return &AssignmentServiceImpl{
		pools:      pools,
		items:      items,
		events:     events,
		transactor: transactor,
		settings:   settings,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// SubmitItem validates and stores a pending item, then tries to pool it in
// the same transaction.
func (s *AssignmentServiceImpl) SubmitItem(ctx context.Context, tx pgx.Tx, req ports.SubmitItemRequest) (*domain.Item, error) {
	if err := s.validateSubmission(req); err != nil {
		return nil, err
	}

	now := s.now()
	item := &domain.Item{
		ID:         uuid.New(),
		UserID:     req.UserID,
		OriginPort: strings.ToUpper(req.OriginPort),
		DestPort:   strings.ToUpper(req.DestPort),
		Mode:       req.Mode,
		CutoffAt:   req.CutoffAt.UTC(),
		WeightKg:   req.WeightKg,
		LengthCm:   req.LengthCm,
		WidthCm:    req.WidthCm,
		HeightCm:   req.HeightCm,
		VolumeM3:   domain.VolumeFromDims(req.LengthCm, req.WidthCm, req.HeightCm),
		Status:     domain.ItemStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.items.Create(ctx, tx, item); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create item: %w", err))
	}

	// A pool created for an item that then fails to pool must not survive.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin savepoint: %w", err))
	}
	pooled, err := s.assignLocked(ctx, sp, item)
	if err != nil || !pooled {
		_ = sp.Rollback(ctx)
		if err != nil {
			return nil, err
		}
	} else if err := sp.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("release savepoint: %w", err))
	}

	s.log.Info().
		Str("item_id", item.ID.String()).
		Str("status", string(item.Status)).
		Str("volume_m3", item.VolumeM3.String()).
		Msg("item submitted")

	return item, nil
}

func (s *AssignmentServiceImpl) validateSubmission(req ports.SubmitItemRequest) error {
	if !req.Mode.Valid() {
		return apperror.Validation(fmt.Sprintf("unknown mode %q", req.Mode))
	}
	if req.OriginPort == "" || req.DestPort == "" {
		return apperror.Validation("origin_port and dest_port are required")
	}
	if strings.EqualFold(req.OriginPort, req.DestPort) {
		return apperror.Validation("origin_port and dest_port must differ")
	}
	if !req.WeightKg.IsPositive() || !req.LengthCm.IsPositive() ||
		!req.WidthCm.IsPositive() || !req.HeightCm.IsPositive() {
		return apperror.ErrInvalidDimensions()
	}
	if !req.CutoffAt.After(s.now()) {
		return apperror.Validation("cutoff_at must be in the future")
	}
	volume := domain.VolumeFromDims(req.LengthCm, req.WidthCm, req.HeightCm)
	if !volume.IsPositive() {
		return apperror.ErrInvalidDimensions()
	}
	if volume.GreaterThan(s.settings.CapacityFor(req.Mode)) {
		return apperror.Validation(fmt.Sprintf("item volume %s m3 exceeds %s container capacity", volume, req.Mode))
	}
	return nil
}

// AssignItem locks the item, finds or creates its pool and reserves space.
// It returns false with no side effects when the item cannot be pooled now.
func (s *AssignmentServiceImpl) AssignItem(ctx context.Context, itemID uuid.UUID) (bool, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	item, err := s.items.GetByIDForUpdate(ctx, dbTx, itemID)
	if err != nil {
		return false, apperror.InternalError(fmt.Errorf("lock item: %w", err))
	}
	if item == nil {
		return false, apperror.ErrItemNotFound()
	}

	pooled, err := s.assignLocked(ctx, dbTx, item)
	if err != nil || !pooled {
		// Rolling back discards a pool created for an item that then did not fit.
		return false, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return false, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return true, nil
}

// assignLocked runs the assignment for an item the caller has locked (or
// created) inside tx. On success item is updated in place.
func (s *AssignmentServiceImpl) assignLocked(ctx context.Context, tx pgx.Tx, item *domain.Item) (bool, error) {
	if item.Status != domain.ItemStatusPending {
		s.metrics.IncAssignment("skipped")
		return false, nil
	}
	if !item.CutoffAt.After(s.now()) {
		s.log.Debug().Str("item_id", item.ID.String()).Msg("item cutoff passed, not pooling")
		s.metrics.IncAssignment("skipped")
		return false, nil
	}

	pool, err := s.findOrCreatePool(ctx, tx, item)
	if err != nil {
		s.metrics.IncAssignment("error")
		return false, err
	}
	if pool == nil || !pool.Fits(item.VolumeM3) {
		s.metrics.IncAssignment("skipped")
		return false, nil
	}

	before := pool.UsedM3
	used, ok, err := s.pools.ReserveCapacity(ctx, tx, pool.ID, item.VolumeM3)
	if err != nil {
		s.metrics.IncAssignment("error")
		return false, apperror.InternalError(fmt.Errorf("reserve capacity: %w", err))
	}
	if !ok {
		s.metrics.IncAssignment("skipped")
		return false, nil
	}
	after := domain.FillRatio(used, pool.CapacityM3)

	if err := s.items.MarkPooled(ctx, tx, item.ID, pool.ID); err != nil {
		return false, apperror.InternalError(fmt.Errorf("mark item pooled: %w", err))
	}

	if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventItemPooled, domain.EventPayload{
		"item_id":   item.ID.String(),
		"volume_m3": item.VolumeM3.String(),
		"used_m3":   used.String(),
		"fill":      after.String(),
	}); err != nil {
		return false, err
	}

	if err := s.emitThresholds(ctx, tx, pool, before, used, after); err != nil {
		return false, err
	}

	poolID := pool.ID
	item.PoolID = &poolID
	item.Status = domain.ItemStatusPooled
	item.UpdatedAt = s.now()
	s.metrics.IncAssignment("pooled")

	s.log.Info().
		Str("item_id", item.ID.String()).
		Str("pool_id", pool.ID.String()).
		Str("fill", after.String()).
		Msg("item pooled")

	return true, nil
}

// emitThresholds fires the independent fill checks in ascending order.
// Crossing 90% also moves an open pool to closing.
func (s *AssignmentServiceImpl) emitThresholds(
	ctx context.Context,
	tx pgx.Tx,
	pool *domain.Pool,
	before, used, after decimal.Decimal,
) error {
	crossed := domain.CrossedThresholds(pool.CapacityM3, before, used)
	fillPayload := func() domain.EventPayload {
		return domain.EventPayload{
			"fill":        after.String(),
			"used_m3":     used.String(),
			"capacity_m3": pool.CapacityM3.String(),
		}
	}

	if crossed.Fill80 {
		if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventFill80, fillPayload()); err != nil {
			return err
		}
	}
	if crossed.Fill90 {
		if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventFill90, fillPayload()); err != nil {
			return err
		}
		if pool.Status == domain.PoolStatusOpen {
			if err := s.pools.UpdateStatus(ctx, tx, pool.ID, domain.PoolStatusClosing); err != nil {
				return apperror.InternalError(fmt.Errorf("close pool: %w", err))
			}
			if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventStatusChanged, domain.EventPayload{
				"from": string(domain.PoolStatusOpen),
				"to":   string(domain.PoolStatusClosing),
			}); err != nil {
				return err
			}
			pool.Status = domain.PoolStatusClosing
		}
	}
	if crossed.Fill100 {
		if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventFill100, fillPayload()); err != nil {
			return err
		}
	}
	return nil
}

// findOrCreatePool returns the open pool for the item's lane and cutoff,
// creating one if none exists. A concurrent creator winning the unique index
// race is resolved by re-reading; nil means no pool is available right now.
func (s *AssignmentServiceImpl) findOrCreatePool(ctx context.Context, tx pgx.Tx, item *domain.Item) (*domain.Pool, error) {
	lane := item.Lane()
	pool, err := s.pools.FindOpenForAssignment(ctx, tx, lane, item.CutoffAt)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("find open pool: %w", err))
	}
	if pool != nil {
		return pool, nil
	}

	now := s.now()
	pool = &domain.Pool{
		ID:         uuid.New(),
		OriginPort: lane.OriginPort,
		DestPort:   lane.DestPort,
		Mode:       lane.Mode,
		CutoffAt:   item.CutoffAt,
		CapacityM3: s.settings.CapacityFor(lane.Mode),
		UsedM3:     decimal.Zero,
		Status:     domain.PoolStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The insert runs in a savepoint so a unique violation does not abort tx.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin savepoint: %w", err))
	}
	if err := s.pools.Create(ctx, sp, pool); err != nil {
		_ = sp.Rollback(ctx)
		if !errors.Is(err, ports.ErrDuplicate) {
			return nil, apperror.InternalError(fmt.Errorf("create pool: %w", err))
		}
		existing, findErr := s.pools.FindOpenForAssignment(ctx, tx, lane, item.CutoffAt)
		if findErr != nil {
			return nil, apperror.InternalError(fmt.Errorf("find open pool after conflict: %w", findErr))
		}
		return existing, nil
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("release savepoint: %w", err))
	}

	if _, err := s.events.Emit(ctx, tx, pool.ID, domain.EventPoolCreated, domain.EventPayload{
		"origin_port": pool.OriginPort,
		"dest_port":   pool.DestPort,
		"mode":        string(pool.Mode),
		"cutoff_at":   pool.CutoffAt.Format(time.RFC3339),
		"capacity_m3": pool.CapacityM3.String(),
	}); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("pool_id", pool.ID.String()).
		Str("lane", lane.OriginPort+"-"+lane.DestPort+"/"+string(lane.Mode)).
		Msg("pool created")

	return pool, nil
}

// AssignPending walks every pending item in pages of batchSize, one
// transaction per item. The cursor moves past skipped items, so items that
// cannot be pooled never hide the rest of the backlog.
// Individual failures are counted and logged; the batch carries on.
func (s *AssignmentServiceImpl) AssignPending(ctx context.Context, batchSize int) (*ports.AssignSummary, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	summary := &ports.AssignSummary{}
	var after *domain.PendingRef
	for {
		refs, err := s.items.ListPending(ctx, after, batchSize)
		if err != nil {
			return summary, apperror.InternalError(fmt.Errorf("list pending items: %w", err))
		}

		for _, ref := range refs {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			summary.Scanned++
			pooled, err := s.AssignItem(ctx, ref.ID)
			switch {
			case err != nil:
				summary.Errors++
				s.log.Error().Err(err).Str("item_id", ref.ID.String()).Msg("assignment failed")
			case pooled:
				summary.Pooled++
			default:
				summary.Skipped++
			}
		}

		if len(refs) < batchSize {
			return summary, nil
		}
		last := refs[len(refs)-1]
		after = &last
	}
}
