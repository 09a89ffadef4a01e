package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscription is an external endpoint interested in pool events.
type Subscription struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    string    `json:"events"` // "*" or comma-separated event types
	Secret    string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether the subscription's filter accepts eventType.
func (s *Subscription) Matches(eventType EventType) bool {
	for _, f := range strings.Split(s.Events, ",") {
		f = strings.TrimSpace(f)
		if f == "*" || f == string(eventType) {
			return true
		}
	}
	return false
}

// DeliveryStatus represents the state of a delivery series.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// IsTerminal returns true once no further attempts will be made.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// WebhookDelivery is one delivery attempt series for a (subscription, event) pair.
type WebhookDelivery struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	EventID        uuid.UUID       `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LastError      *string         `json:"last_error,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	Status         DeliveryStatus  `json:"status"`
	LockedUntil    *time.Time      `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ClaimedDelivery is a delivery leased to one worker, joined to its subscription.
// Subscription is nil when the subscription row no longer exists.
type ClaimedDelivery struct {
	WebhookDelivery
	Subscription *Subscription
}

// WebhookEnvelope is the JSON body POSTed to subscribers.
type WebhookEnvelope struct {
	ID   uuid.UUID       `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}
