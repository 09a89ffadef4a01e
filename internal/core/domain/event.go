package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names an immutable pool event.
type EventType string

const (
	EventPoolCreated      EventType = "pool_created"
	EventItemPooled       EventType = "item_pooled"
	EventFill80           EventType = "fill_80"
	EventFill90           EventType = "fill_90"
	EventFill100          EventType = "fill_100"
	EventStatusChanged    EventType = "status_changed"
	EventBookingRequested EventType = "booking_requested"
	EventBookingConfirmed EventType = "booking_confirmed"
	EventBookingFailed    EventType = "booking_failed"
	EventPaymentReceived  EventType = "payment_received"
	EventPaymentRefunded  EventType = "payment_refunded"
)

// PoolEvent is an append-only log entry. Payload is a JSON object whose
// fields depend on Type.
type PoolEvent struct {
	ID        uuid.UUID       `json:"id"`
	PoolID    uuid.UUID       `json:"pool_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventPayload is the key-value body handed to the emitter.
type EventPayload map[string]any

var (
	fillThreshold80  = decimal.RequireFromString("0.8")
	fillThreshold90  = decimal.RequireFromString("0.9")
	fillThreshold100 = decimal.NewFromInt(1)
)

// ThresholdCrossings records which fill thresholds an assignment crossed.
type ThresholdCrossings struct {
	Fill80  bool
	Fill90  bool
	Fill100 bool
}

// CrossedThresholds evaluates the three independent threshold checks for a
// change in used volume from before to after. Each check compares the used
// volume against threshold × capacity, so no rounded ratio is involved.
// Fill100 fires whenever after reaches capacity.
func CrossedThresholds(capacity, before, after decimal.Decimal) ThresholdCrossings {
	crosses := func(threshold decimal.Decimal) bool {
		return !ReachesFill(before, capacity, threshold) && ReachesFill(after, capacity, threshold)
	}
	return ThresholdCrossings{
		Fill80:  crosses(fillThreshold80),
		Fill90:  crosses(fillThreshold90),
		Fill100: IsFull(after, capacity),
	}
}

// ReachesFill reports whether used is at least ratio × capacity.
// A pool without capacity never reaches any fill.
func ReachesFill(used, capacity, ratio decimal.Decimal) bool {
	if !capacity.IsPositive() {
		return false
	}
	return used.GreaterThanOrEqual(capacity.Mul(ratio))
}

// IsFull reports whether used has reached capacity.
func IsFull(used, capacity decimal.Decimal) bool {
	return ReachesFill(used, capacity, fillThreshold100)
}
