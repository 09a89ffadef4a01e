package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	bookingRefAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	localCarrier       = "local"
)

// BookingServiceImpl implements ports.BookingService.
//
// A booking runs in three phases so that no transaction is held open across
// the carrier call: validate and announce under a row lock, call the
// provider, then commit the result under a status guard.
type BookingServiceImpl struct {
	pools      ports.PoolRepository
	items      ports.ItemRepository
	events     ports.EventEmitter
	transactor ports.DBTransactor
	provider   ports.BookingProvider
	minFill    decimal.Decimal
	metrics    *metrics.PoolMetrics
	now        func() time.Time
	log        zerolog.Logger
}

// NewBookingService creates a new BookingServiceImpl. provider may be nil,
// in which case booking refs are generated locally.
func NewBookingService(
	pools ports.PoolRepository,
	items ports.ItemRepository,
	events ports.EventEmitter,
	transactor ports.DBTransactor,
	provider ports.BookingProvider,
	settings PoolingSettings,
	m *metrics.PoolMetrics,
	log zerolog.Logger,
) *BookingServiceImpl {
	return &BookingServiceImpl{
		pools:      pools,
		items:      items,
		events:     events,
		transactor: transactor,
		provider:   provider,
		minFill:    settings.MinBookFill,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log,
	}
}

// BookPool books the pool with the carrier. A pool that is already booked
// (or further along) is returned unchanged.
func (s *BookingServiceImpl) BookPool(ctx context.Context, poolID uuid.UUID, opts domain.BookingOptions) (*domain.Pool, error) {
	pool, items, err := s.prepare(ctx, poolID, opts)
	if err != nil || pool.Status.IsBooked() {
		return pool, err
	}

	conf, err := s.requestBooking(ctx, pool, items, opts)
	if err != nil {
		s.recordFailure(ctx, pool, err)
		s.metrics.IncBooking("failed")
		return nil, apperror.ErrBookingProvider(err)
	}

	return s.confirm(ctx, pool, conf)
}

// prepare is phase one: lock, gate on fill, emit booking_requested and
// snapshot the manifest.
func (s *BookingServiceImpl) prepare(ctx context.Context, poolID uuid.UUID, opts domain.BookingOptions) (*domain.Pool, []domain.Item, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	pool, err := s.pools.GetByIDForUpdate(ctx, dbTx, poolID)
	if err != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("lock pool: %w", err))
	}
	if pool == nil {
		return nil, nil, apperror.ErrPoolNotFound()
	}
	if pool.Status.IsBooked() {
		s.log.Debug().Str("pool_id", poolID.String()).Msg("pool already booked")
		return pool, nil, nil
	}
	if !pool.Status.IsBookable() {
		return nil, nil, apperror.ErrPoolNotBookable(string(pool.Status))
	}

	fill := pool.FillRatio()
	if !opts.Force && !pool.MeetsFill(s.minFill) {
		s.metrics.IncBooking("rejected")
		return nil, nil, apperror.ErrFillBelowMinimum(pool.FillPercent())
	}

	if _, err := s.events.Emit(ctx, dbTx, pool.ID, domain.EventBookingRequested, domain.EventPayload{
		"fill":      fill.String(),
		"used_m3":   pool.UsedM3.String(),
		"cutoff_at": pool.CutoffAt.Format(time.RFC3339),
		"force":     opts.Force,
	}); err != nil {
		return nil, nil, err
	}

	items, err := s.items.ListByPool(ctx, dbTx, pool.ID)
	if err != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("list pool items: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return pool, items, nil
}

// requestBooking is phase two, run with no transaction open.
func (s *BookingServiceImpl) requestBooking(
	ctx context.Context,
	pool *domain.Pool,
	items []domain.Item,
	opts domain.BookingOptions,
) (*domain.BookingConfirmation, error) {
	if s.provider != nil {
		conf, err := s.provider.Book(ctx, pool, items)
		if err != nil {
			return nil, err
		}
		if conf == nil || conf.BookingRef == "" {
			return nil, fmt.Errorf("provider returned no booking reference")
		}
		return conf, nil
	}

	ref := ""
	if opts.BookingRef != nil {
		ref = *opts.BookingRef
	}
	if ref == "" {
		generated, err := generateBookingRef(s.now())
		if err != nil {
			return nil, err
		}
		ref = generated
	}
	return &domain.BookingConfirmation{BookingRef: ref, Carrier: localCarrier}, nil
}

// recordFailure is the compensating step for a failed carrier call. The
// pool is left in its pre-booking status.
func (s *BookingServiceImpl) recordFailure(ctx context.Context, pool *domain.Pool, cause error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("pool_id", pool.ID.String()).Msg("failed to record booking failure")
		return
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if _, err := s.events.Emit(ctx, dbTx, pool.ID, domain.EventBookingFailed, domain.EventPayload{
		"error": cause.Error(),
	}); err != nil {
		s.log.Error().Err(err).Str("pool_id", pool.ID.String()).Msg("failed to record booking failure")
		return
	}
	if err := dbTx.Commit(ctx); err != nil {
		s.log.Error().Err(err).Str("pool_id", pool.ID.String()).Msg("failed to record booking failure")
		return
	}

	s.log.Warn().Err(cause).Str("pool_id", pool.ID.String()).Msg("carrier booking failed")
}

// confirm is phase three. The status guard makes a concurrent confirmation
// harmless: the loser returns the pool as it now stands.
func (s *BookingServiceImpl) confirm(ctx context.Context, pool *domain.Pool, conf *domain.BookingConfirmation) (*domain.Pool, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	updated, err := s.pools.MarkBooked(ctx, dbTx, pool.ID, conf.BookingRef)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("mark pool booked: %w", err))
	}
	if !updated {
		_ = dbTx.Rollback(ctx)
		s.log.Warn().
			Str("pool_id", pool.ID.String()).
			Str("booking_ref", conf.BookingRef).
			Msg("pool left bookable state during carrier call")
		current, err := s.pools.GetByID(ctx, pool.ID)
		if err != nil || current == nil {
			return pool, nil
		}
		return current, nil
	}

	confirmed := domain.EventPayload{
		"booking_ref": conf.BookingRef,
		"carrier":     conf.Carrier,
	}
	if conf.ETD != "" {
		confirmed["etd"] = conf.ETD
	}
	if _, err := s.events.Emit(ctx, dbTx, pool.ID, domain.EventBookingConfirmed, confirmed); err != nil {
		return nil, err
	}
	if _, err := s.events.Emit(ctx, dbTx, pool.ID, domain.EventStatusChanged, domain.EventPayload{
		"from": string(pool.Status),
		"to":   string(domain.PoolStatusBooked),
	}); err != nil {
		return nil, err
	}
	if domain.IsFull(pool.UsedM3, pool.CapacityM3) {
		if _, err := s.events.Emit(ctx, dbTx, pool.ID, domain.EventFill100, domain.EventPayload{
			"fill":        pool.FillRatio().String(),
			"used_m3":     pool.UsedM3.String(),
			"capacity_m3": pool.CapacityM3.String(),
		}); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	ref := conf.BookingRef
	pool.Status = domain.PoolStatusBooked
	pool.BookingRef = &ref
	pool.UpdatedAt = s.now()
	s.metrics.IncBooking("confirmed")

	s.log.Info().
		Str("pool_id", pool.ID.String()).
		Str("booking_ref", ref).
		Str("carrier", conf.Carrier).
		Msg("pool booked")

	return pool, nil
}

// generateBookingRef returns BK-YYYYMMDD-XXXXXXXX with eight random
// uppercase alphanumerics.
func generateBookingRef(now time.Time) (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate booking ref: %w", err)
	}
	for i, b := range buf {
		buf[i] = bookingRefAlphabet[int(b)%len(bookingRefAlphabet)]
	}
	return fmt.Sprintf("BK-%s-%s", now.UTC().Format("20060102"), buf), nil
}
