package ports

import (
	"context"
	"time"

	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// IdempotencyCache is the Redis-layer idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*domain.CachedResponse, error) // nil on a miss
	Set(ctx context.Context, key string, entry *domain.CachedResponse, ttl time.Duration) error
}

// BookingProvider books a pool with an external carrier.
type BookingProvider interface {
	Book(ctx context.Context, pool *domain.Pool, items []domain.Item) (*domain.BookingConfirmation, error)
}

// --- Service Ports (Business Logic) ---

// IdempotentOperation is the side-effecting body guarded by the ledger. It runs
// inside the ledger transaction and returns the JSON response to store. With
// IdempotencyOptions.OwnTransactions set it runs outside any ledger
// transaction and tx is nil.
type IdempotentOperation func(ctx context.Context, tx pgx.Tx) ([]byte, error)

// ReplayHook may refresh a completed record's stored response on replay.
// Returning replace=true overwrites the stored response with refreshed.
type ReplayHook func(ctx context.Context, stored []byte) (refreshed []byte, replace bool, err error)

// IdempotencyOptions tunes a single Run call.
type IdempotencyOptions struct {
	OnReplay ReplayHook
	// OwnTransactions is for operations that open their own transactions.
	// The claim is committed before op runs and the outcome is recorded in a
	// second transaction, so no ledger connection is held while op runs.
	OwnTransactions bool
}

// IdempotencyService guarantees at-most-once execution per (scope, key).
type IdempotencyService interface {
	Run(ctx context.Context, scope, key string, payload any, op IdempotentOperation, opts IdempotencyOptions) ([]byte, error)
}

// EventEmitter appends pool events inside the caller's transaction.
type EventEmitter interface {
	Emit(ctx context.Context, tx pgx.Tx, poolID uuid.UUID, eventType domain.EventType, payload domain.EventPayload) (*domain.PoolEvent, error)
}

// AssignmentService matches pending items to open pools.
type AssignmentService interface {
	// SubmitItem stores a pending item and makes one immediate assignment attempt
	// inside tx.
	SubmitItem(ctx context.Context, tx pgx.Tx, req SubmitItemRequest) (*domain.Item, error)
	// AssignItem returns true iff the item was pooled by this call.
	AssignItem(ctx context.Context, itemID uuid.UUID) (bool, error)
	// AssignPending runs AssignItem over every pending item, reading them in
	// pages of batchSize.
	AssignPending(ctx context.Context, batchSize int) (*AssignSummary, error)
}

// SubmitItemRequest holds validated input for a shipment intent.
type SubmitItemRequest struct {
	UserID     string
	OriginPort string
	DestPort   string
	Mode       domain.Mode
	CutoffAt   time.Time
	WeightKg   decimal.Decimal
	LengthCm   decimal.Decimal
	WidthCm    decimal.Decimal
	HeightCm   decimal.Decimal
}

// AssignSummary reports one batch run.
type AssignSummary struct {
	Scanned int `json:"scanned"`
	Pooled  int `json:"pooled"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// LifecycleService exposes pool and item state changes outside booking.
type LifecycleService interface {
	SetPoolStatus(ctx context.Context, poolID uuid.UUID, status domain.PoolStatus) (*domain.Pool, error)
	SetItemStatus(ctx context.Context, itemID uuid.UUID, status domain.ItemStatus) (*domain.Item, error)
	RecomputePoolFill(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	GetPool(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	ListPools(ctx context.Context, params PoolListParams) ([]domain.Pool, int64, error)
	ListPoolEvents(ctx context.Context, poolID uuid.UUID) ([]domain.PoolEvent, error)
	GetItem(ctx context.Context, itemID uuid.UUID) (*domain.Item, error)
}

// BookingService commits pools to a carrier.
type BookingService interface {
	BookPool(ctx context.Context, poolID uuid.UUID, opts domain.BookingOptions) (*domain.Pool, error)
}

// WebhookService manages subscriptions and drives delivery.
type WebhookService interface {
	// RunOnce claims and attempts one batch. Returns the number of deliveries attempted.
	RunOnce(ctx context.Context) (int, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error
	ListDeliveries(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, error)
}

// CreateSubscriptionRequest holds input for a new subscription.
type CreateSubscriptionRequest struct {
	URL    string
	Events string
	Secret string
}
