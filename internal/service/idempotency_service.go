package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// IdempotencyServiceImpl implements ports.IdempotencyService on top of the
// Postgres ledger, with Redis as a best-effort replay cache.
type IdempotencyServiceImpl struct {
	repo       ports.IdempotencyRepository
	cache      ports.IdempotencyCache
	transactor ports.DBTransactor
	cacheTTL   time.Duration
	log        zerolog.Logger
}

// NewIdempotencyService creates a new IdempotencyServiceImpl. cache may be nil.
func NewIdempotencyService(
	repo ports.IdempotencyRepository,
	cache ports.IdempotencyCache,
	transactor ports.DBTransactor,
	cacheTTL time.Duration,
	log zerolog.Logger,
) *IdempotencyServiceImpl {
	return &IdempotencyServiceImpl{
		repo:       repo,
		cache:      cache,
		transactor: transactor,
		cacheTTL:   cacheTTL,
		log:        log,
	}
}

// Run executes op at most once per (scope, key).
//
// The ledger row is inserted and claimed in one transaction; op runs inside
// a savepoint of that transaction so a failing op leaves no partial writes
// while its failure is still recorded. With opts.OwnTransactions the claim is
// committed first and op runs with no ledger transaction open. A completed
// record is replayed byte-for-byte; a record claimed by another caller
// yields IDEM_002.
func (s *IdempotencyServiceImpl) Run(
	ctx context.Context,
	scope, key string,
	payload any,
	op ports.IdempotentOperation,
	opts ports.IdempotencyOptions,
) ([]byte, error) {
	if key == "" {
		return nil, apperror.ErrIdempotencyKeyRequired()
	}

	hash, err := RequestHash(payload)
	if err != nil {
		return nil, apperror.Validation(fmt.Sprintf("request payload is not serializable: %v", err))
	}

	cacheKey := domain.BuildIdempotencyKey(scope, key)

	// Layer 1: Redis fast path. Skipped when a replay hook may need to
	// refresh the stored response.
	if opts.OnReplay == nil && s.cache != nil {
		cached, cacheErr := s.cache.Get(ctx, cacheKey)
		if cacheErr != nil {
			s.log.Warn().Err(cacheErr).Str("key", cacheKey).Msg("idempotency cache read failed")
		} else if cached != nil {
			if cached.RequestHash != hash {
				return nil, apperror.ErrIdempotencyMismatch()
			}
			s.log.Debug().Str("key", cacheKey).Msg("idempotency replay from cache")
			return cached.Response, nil
		}
	}

	// Layer 2: ledger.
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.repo.Insert(ctx, dbTx, scope, key, hash); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("insert idempotency record: %w", err))
	}

	won, err := s.repo.Claim(ctx, dbTx, scope, key)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("claim idempotency record: %w", err))
	}

	rec, err := s.repo.Get(ctx, dbTx, scope, key)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get idempotency record: %w", err))
	}
	if rec == nil {
		return nil, apperror.InternalError(fmt.Errorf("idempotency record %s vanished", cacheKey))
	}
	if rec.RequestHash != hash {
		return nil, apperror.ErrIdempotencyMismatch()
	}

	if !won {
		return s.replay(ctx, dbTx, rec, cacheKey, opts)
	}
	if opts.OwnTransactions {
		if err := dbTx.Commit(ctx); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("commit claim: %w", err))
		}
		return s.runClaimed(ctx, scope, key, hash, op)
	}

	resp, opErr := s.execute(ctx, dbTx, op)
	if opErr != nil {
		if err := s.repo.Finish(ctx, dbTx, scope, key, domain.IdempotencyStatusFailed, failureDocument(opErr)); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("record failed operation: %w", err))
		}
		if err := dbTx.Commit(ctx); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("commit failed operation: %w", err))
		}
		s.log.Info().Str("key", cacheKey).Err(opErr).Msg("idempotent operation failed")
		return nil, opErr
	}

	if err := s.repo.Finish(ctx, dbTx, scope, key, domain.IdempotencyStatusCompleted, resp); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("finish idempotency record: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.cacheResponse(ctx, cacheKey, hash, resp)
	return resp, nil
}

// runClaimed runs op for a record whose claim is already committed, then
// records the outcome in a short transaction of its own.
func (s *IdempotencyServiceImpl) runClaimed(
	ctx context.Context,
	scope, key, hash string,
	op ports.IdempotentOperation,
) ([]byte, error) {
	cacheKey := domain.BuildIdempotencyKey(scope, key)

	resp, opErr := op(ctx, nil)

	status, stored := domain.IdempotencyStatusCompleted, resp
	if opErr != nil {
		status, stored = domain.IdempotencyStatusFailed, failureDocument(opErr)
	}
	if err := s.record(ctx, scope, key, status, stored); err != nil {
		// The claim lapses on its own, after which the key can be retried.
		s.log.Error().Err(err).Str("key", cacheKey).Msg("failed to record idempotent outcome")
		if opErr != nil {
			return nil, opErr
		}
		return nil, err
	}

	if opErr != nil {
		s.log.Info().Str("key", cacheKey).Err(opErr).Msg("idempotent operation failed")
		return nil, opErr
	}
	s.cacheResponse(ctx, cacheKey, hash, resp)
	return resp, nil
}

func (s *IdempotencyServiceImpl) record(ctx context.Context, scope, key string, status domain.IdempotencyStatus, response []byte) error {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	if err := s.repo.Finish(ctx, dbTx, scope, key, status, response); err != nil {
		return apperror.InternalError(fmt.Errorf("finish idempotency record: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// execute runs op inside a savepoint so its writes vanish on failure while
// the ledger row survives.
func (s *IdempotencyServiceImpl) execute(ctx context.Context, dbTx pgx.Tx, op ports.IdempotentOperation) ([]byte, error) {
	sp, err := dbTx.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin savepoint: %w", err))
	}
	resp, err := op(ctx, sp)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return nil, apperror.InternalError(fmt.Errorf("rollback savepoint: %w", rbErr))
		}
		return nil, err
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("release savepoint: %w", err))
	}
	return resp, nil
}

func (s *IdempotencyServiceImpl) replay(
	ctx context.Context,
	dbTx pgx.Tx,
	rec *domain.IdempotencyRecord,
	cacheKey string,
	opts ports.IdempotencyOptions,
) ([]byte, error) {
	if rec.Status != domain.IdempotencyStatusCompleted {
		return nil, apperror.ErrIdempotencyProcessing()
	}

	resp := rec.Response
	if opts.OnReplay != nil {
		refreshed, replace, err := opts.OnReplay(ctx, resp)
		if err != nil {
			return nil, err
		}
		if replace && !bytes.Equal(refreshed, resp) {
			if err := s.repo.ReplaceResponse(ctx, dbTx, rec.Scope, rec.Key, refreshed); err != nil {
				return nil, apperror.InternalError(fmt.Errorf("replace stored response: %w", err))
			}
			resp = refreshed
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Debug().Str("key", cacheKey).Msg("idempotency replay from ledger")
	s.cacheResponse(ctx, cacheKey, rec.RequestHash, resp)
	return resp, nil
}

func (s *IdempotencyServiceImpl) cacheResponse(ctx context.Context, cacheKey, hash string, resp []byte) {
	if s.cache == nil {
		return
	}
	entry := &domain.CachedResponse{RequestHash: hash, Response: resp}
	if err := s.cache.Set(ctx, cacheKey, entry, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key", cacheKey).Msg("failed to cache idempotent response")
	}
}

// failureDocument is stored as the response of a failed record.
func failureDocument(err error) []byte {
	doc := map[string]string{"error": err.Error()}
	if code := apperror.CodeOf(err); code != "" {
		doc["error_code"] = code
	}
	out, _ := json.Marshal(doc)
	return out
}

// RunJSON wraps Run for operations producing a typed result. On a fresh run
// the result is encoded once and that encoding is what later replays return.
func RunJSON[T any](
	ctx context.Context,
	svc ports.IdempotencyService,
	scope, key string,
	payload any,
	op func(ctx context.Context, tx pgx.Tx) (T, error),
	opts ports.IdempotencyOptions,
) ([]byte, error) {
	return svc.Run(ctx, scope, key, payload, func(ctx context.Context, tx pgx.Tx) ([]byte, error) {
		result, err := op(ctx, tx)
		if err != nil {
			return nil, err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, apperror.InternalError(fmt.Errorf("encode response: %w", err))
		}
		return out, nil
	}, opts)
}
