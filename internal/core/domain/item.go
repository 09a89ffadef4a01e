package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemStatus represents the lifecycle state of a shipment item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusPooled     ItemStatus = "pooled"
	ItemStatusPayPending ItemStatus = "pay_pending"
	ItemStatusPaid       ItemStatus = "paid"
	ItemStatusShipped    ItemStatus = "shipped"
	ItemStatusDelivered  ItemStatus = "delivered"
	ItemStatusRefunded   ItemStatus = "refunded"
)

// Transitions reachable through the payment surface. pending→pooled is owned
// by assignment and shipped/delivered by pool status propagation.
var itemPaymentTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusPooled:     {ItemStatusPayPending, ItemStatusPaid},
	ItemStatusPayPending: {ItemStatusPaid, ItemStatusRefunded},
	ItemStatusPaid:       {ItemStatusRefunded},
}

// ParseItemStatus validates a raw status value.
func ParseItemStatus(s string) (ItemStatus, bool) {
	switch st := ItemStatus(s); st {
	case ItemStatusPending, ItemStatusPooled, ItemStatusPayPending, ItemStatusPaid,
		ItemStatusShipped, ItemStatusDelivered, ItemStatusRefunded:
		return st, true
	}
	return "", false
}

// CanTransitionTo reports whether the payment surface may move s to next.
func (s ItemStatus) CanTransitionTo(next ItemStatus) bool {
	for _, allowed := range itemPaymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive returns true if the item's volume counts toward its pool.
func (s ItemStatus) IsActive() bool {
	switch s {
	case ItemStatusPooled, ItemStatusPayPending, ItemStatusPaid, ItemStatusShipped, ItemStatusDelivered:
		return true
	}
	return false
}

// ActiveItemStatuses lists the statuses whose volume is reserved in a pool.
func ActiveItemStatuses() []ItemStatus {
	return []ItemStatus{ItemStatusPooled, ItemStatusPayPending, ItemStatusPaid, ItemStatusShipped, ItemStatusDelivered}
}

// Item is one shipment unit awaiting or holding a pool slot.
type Item struct {
	ID         uuid.UUID       `json:"id"`
	UserID     string          `json:"user_id"`
	PoolID     *uuid.UUID      `json:"pool_id,omitempty"`
	OriginPort string          `json:"origin_port"`
	DestPort   string          `json:"dest_port"`
	Mode       Mode            `json:"mode"`
	CutoffAt   time.Time       `json:"cutoff_at"`
	WeightKg   decimal.Decimal `json:"weight_kg"`
	LengthCm   decimal.Decimal `json:"length_cm"`
	WidthCm    decimal.Decimal `json:"width_cm"`
	HeightCm   decimal.Decimal `json:"height_cm"`
	VolumeM3   decimal.Decimal `json:"volume_m3"` // computed once at creation
	Status     ItemStatus      `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PendingRef positions a pending item in sweep order.
type PendingRef struct {
	ID        uuid.UUID
	CutoffAt  time.Time
	CreatedAt time.Time
}

// Lane returns the item's lane.
func (i *Item) Lane() Lane {
	return Lane{OriginPort: i.OriginPort, DestPort: i.DestPort, Mode: i.Mode}
}

var cm3PerM3 = decimal.NewFromInt(1_000_000)

// VolumeFromDims converts centimetre dimensions to cubic metres (6 dp).
func VolumeFromDims(lengthCm, widthCm, heightCm decimal.Decimal) decimal.Decimal {
	return lengthCm.Mul(widthCm).Mul(heightCm).DivRound(cm3PerM3, 6)
}
