package postgres

import (
	"context"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, subscription_id, event_id, event_type, payload, attempt_count, next_attempt_at,
	last_error, response_status, status, locked_until, created_at, updated_at`

// WebhookRepo implements ports.WebhookRepository.
type WebhookRepo struct {
	pool Pool
}

// NewWebhookRepo creates a new WebhookRepo.
func NewWebhookRepo(pool Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

// CreateSubscription inserts a new subscription.
func (r *WebhookRepo) CreateSubscription(ctx context.Context, s *domain.Subscription) error {
	query := `INSERT INTO webhook_subscriptions (id, url, events, secret, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query, s.ID, s.URL, s.Events, s.Secret, s.IsActive, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

func (r *WebhookRepo) querySubscriptions(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, query string) ([]domain.Subscription, error) {
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		if err := rows.Scan(&s.ID, &s.URL, &s.Events, &s.Secret, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook subscription row: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook subscription rows: %w", err)
	}
	return subs, nil
}

// ListSubscriptions returns every subscription, newest first.
func (r *WebhookRepo) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return r.querySubscriptions(ctx, r.pool,
		`SELECT id, url, events, secret, is_active, created_at FROM webhook_subscriptions ORDER BY created_at DESC`)
}

// ActiveSubscriptions returns active subscriptions, read inside the emitting transaction.
func (r *WebhookRepo) ActiveSubscriptions(ctx context.Context, tx pgx.Tx) ([]domain.Subscription, error) {
	return r.querySubscriptions(ctx, tx,
		`SELECT id, url, events, secret, is_active, created_at FROM webhook_subscriptions WHERE is_active ORDER BY created_at ASC`)
}

// DeactivateSubscription marks a subscription inactive. Returns false if it does not exist.
func (r *WebhookRepo) DeactivateSubscription(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE webhook_subscriptions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate webhook subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EnqueueDelivery inserts a pending delivery in the emitting transaction.
func (r *WebhookRepo) EnqueueDelivery(ctx context.Context, tx pgx.Tx, d *domain.WebhookDelivery) error {
	query := `INSERT INTO webhook_deliveries
		(id, subscription_id, event_id, event_type, payload, attempt_count, next_attempt_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := tx.Exec(ctx, query,
		d.ID, d.SubscriptionID, d.EventID, d.EventType, d.Payload,
		d.AttemptCount, d.NextAttemptAt, d.Status, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// ClaimDue leases a batch of due deliveries to the calling worker. SKIP LOCKED
// partitions the pending set across workers; the lease keeps a row away from
// other workers after this transaction commits and while HTTP calls run.
func (r *WebhookRepo) ClaimDue(ctx context.Context, tx pgx.Tx, limit int, lease time.Duration) ([]domain.ClaimedDelivery, error) {
	query := `WITH due AS (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			  AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		), claimed AS (
			UPDATE webhook_deliveries d
			SET locked_until = NOW() + make_interval(secs => $2), updated_at = NOW()
			FROM due WHERE d.id = due.id
			RETURNING d.id, d.subscription_id, d.event_id, d.event_type, d.payload, d.attempt_count,
				d.next_attempt_at, d.last_error, d.response_status, d.status, d.locked_until,
				d.created_at, d.updated_at
		)
		SELECT c.id, c.subscription_id, c.event_id, c.event_type, c.payload, c.attempt_count,
			c.next_attempt_at, c.last_error, c.response_status, c.status, c.locked_until,
			c.created_at, c.updated_at,
			s.id, s.url, s.events, s.secret, s.is_active, s.created_at
		FROM claimed c
		LEFT JOIN webhook_subscriptions s ON s.id = c.subscription_id
		ORDER BY c.created_at ASC`

	rows, err := tx.Query(ctx, query, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim due webhook deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []domain.ClaimedDelivery
	for rows.Next() {
		var (
			c         domain.ClaimedDelivery
			subID     *uuid.UUID
			subURL    *string
			subEvents *string
			subSecret *string
			subActive *bool
			subAt     *time.Time
		)
		err := rows.Scan(
			&c.ID, &c.SubscriptionID, &c.EventID, &c.EventType, &c.Payload, &c.AttemptCount,
			&c.NextAttemptAt, &c.LastError, &c.ResponseStatus, &c.Status, &c.LockedUntil,
			&c.CreatedAt, &c.UpdatedAt,
			&subID, &subURL, &subEvents, &subSecret, &subActive, &subAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan claimed delivery row: %w", err)
		}
		if subID != nil {
			c.Subscription = &domain.Subscription{
				ID:        *subID,
				URL:       deref(subURL),
				Events:    deref(subEvents),
				Secret:    deref(subSecret),
				IsActive:  subActive != nil && *subActive,
				CreatedAt: derefTime(subAt),
			}
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed delivery rows: %w", err)
	}
	return claimed, nil
}

// MarkSuccess closes a delivery as delivered.
func (r *WebhookRepo) MarkSuccess(ctx context.Context, id uuid.UUID, attemptCount int, responseStatus int) error {
	query := `UPDATE webhook_deliveries
		SET status = 'success', attempt_count = GREATEST(attempt_count, $2), response_status = $3,
			last_error = NULL, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	if _, err := r.pool.Exec(ctx, query, id, attemptCount, responseStatus); err != nil {
		return fmt.Errorf("mark webhook delivery success: %w", err)
	}
	return nil
}

// MarkFailed closes a delivery as terminally failed. next_attempt_at keeps
// its last scheduled value.
func (r *WebhookRepo) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, responseStatus *int, lastError string) error {
	query := `UPDATE webhook_deliveries
		SET status = 'failed', attempt_count = GREATEST(attempt_count, $2), response_status = $3,
			last_error = $4, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	if _, err := r.pool.Exec(ctx, query, id, attemptCount, responseStatus, lastError); err != nil {
		return fmt.Errorf("mark webhook delivery failed: %w", err)
	}
	return nil
}

// ScheduleRetry records a retryable failure and the next attempt time.
// GREATEST keeps attempt_count and next_attempt_at monotonic.
func (r *WebhookRepo) ScheduleRetry(ctx context.Context, id uuid.UUID, attemptCount int, nextAttemptAt time.Time, responseStatus *int, lastError string) error {
	query := `UPDATE webhook_deliveries
		SET attempt_count = GREATEST(attempt_count, $2), next_attempt_at = GREATEST(next_attempt_at, $3),
			response_status = $4, last_error = $5, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	if _, err := r.pool.Exec(ctx, query, id, attemptCount, nextAttemptAt, responseStatus, lastError); err != nil {
		return fmt.Errorf("schedule webhook retry: %w", err)
	}
	return nil
}

// ListDeliveries returns recent deliveries, optionally filtered by status.
func (r *WebhookRepo) ListDeliveries(ctx context.Context, params ports.DeliveryListParams) ([]domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	args := []any{}
	if params.Status != nil {
		query += ` WHERE status = $1`
		args = append(args, *params.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, params.Limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		err := rows.Scan(
			&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &d.Payload, &d.AttemptCount,
			&d.NextAttemptAt, &d.LastError, &d.ResponseStatus, &d.Status, &d.LockedUntil,
			&d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan webhook delivery row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook delivery rows: %w", err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
