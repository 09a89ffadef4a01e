package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/metrics"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// EventEmitterImpl appends pool events and fans each one out to the
// delivery queue of every matching active subscription, all inside the
// caller's transaction. A rolled back caller leaves neither the event nor
// its deliveries behind.
type EventEmitterImpl struct {
	events  ports.EventRepository
	hooks   ports.WebhookRepository
	metrics *metrics.PoolMetrics
	now     func() time.Time
	log     zerolog.Logger
}

// NewEventEmitter creates a new EventEmitterImpl.
func NewEventEmitter(
	events ports.EventRepository,
	hooks ports.WebhookRepository,
	m *metrics.PoolMetrics,
	log zerolog.Logger,
) *EventEmitterImpl {
	return &EventEmitterImpl{
		events:  events,
		hooks:   hooks,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log,
	}
}

// Emit records one event. pool_id is always part of the payload so the
// webhook body is self-describing.
func (e *EventEmitterImpl) Emit(
	ctx context.Context,
	tx pgx.Tx,
	poolID uuid.UUID,
	eventType domain.EventType,
	payload domain.EventPayload,
) (*domain.PoolEvent, error) {
	body := make(domain.EventPayload, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["pool_id"] = poolID.String()

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("encode %s payload: %w", eventType, err))
	}

	now := e.now()
	ev := &domain.PoolEvent{
		ID:        uuid.New(),
		PoolID:    poolID,
		Type:      eventType,
		Payload:   raw,
		CreatedAt: now,
	}
	if err := e.events.Append(ctx, tx, ev); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("append %s event: %w", eventType, err))
	}

	subs, err := e.hooks.ActiveSubscriptions(ctx, tx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("load subscriptions: %w", err))
	}
	for i := range subs {
		if !subs[i].Matches(eventType) {
			continue
		}
		d := &domain.WebhookDelivery{
			ID:             uuid.New(),
			SubscriptionID: subs[i].ID,
			EventID:        ev.ID,
			EventType:      eventType,
			Payload:        raw,
			NextAttemptAt:  now,
			Status:         domain.DeliveryStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.hooks.EnqueueDelivery(ctx, tx, d); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("enqueue delivery: %w", err))
		}
	}

	e.metrics.IncEvent(string(eventType))
	e.log.Debug().
		Str("pool_id", poolID.String()).
		Str("event", string(eventType)).
		Msg("pool event emitted")

	return ev, nil
}
