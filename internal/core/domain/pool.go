package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mode is the transport mode of a lane.
type Mode string

const (
	ModeSea Mode = "sea"
	ModeAir Mode = "air"
)

// Valid reports whether m is a recognised transport mode.
func (m Mode) Valid() bool {
	return m == ModeSea || m == ModeAir
}

// PoolStatus represents the lifecycle state of a pool.
// Statuses are ordered; a pool only ever moves forward.
type PoolStatus string

const (
	PoolStatusOpen      PoolStatus = "open"
	PoolStatusClosing   PoolStatus = "closing"
	PoolStatusBooked    PoolStatus = "booked"
	PoolStatusInTransit PoolStatus = "in_transit"
	PoolStatusArrived   PoolStatus = "arrived"
)

var poolStatusRank = map[PoolStatus]int{
	PoolStatusOpen:      0,
	PoolStatusClosing:   1,
	PoolStatusBooked:    2,
	PoolStatusInTransit: 3,
	PoolStatusArrived:   4,
}

// ParsePoolStatus validates a raw status value.
func ParsePoolStatus(s string) (PoolStatus, bool) {
	st := PoolStatus(s)
	_, ok := poolStatusRank[st]
	return st, ok
}

// CanTransitionTo reports whether next lies strictly after s in the lifecycle.
func (s PoolStatus) CanTransitionTo(next PoolStatus) bool {
	from, ok := poolStatusRank[s]
	if !ok {
		return false
	}
	to, ok := poolStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// IsBookable returns true while the pool still accepts a booking.
func (s PoolStatus) IsBookable() bool {
	return s == PoolStatusOpen || s == PoolStatusClosing
}

// IsBooked returns true once a booking has been committed.
func (s PoolStatus) IsBooked() bool {
	return s == PoolStatusBooked || s == PoolStatusInTransit || s == PoolStatusArrived
}

// Lane identifies a shipping route and transport mode.
type Lane struct {
	OriginPort string `json:"origin_port"`
	DestPort   string `json:"dest_port"`
	Mode       Mode   `json:"mode"`
}

// Pool is a capacity-bounded container reservation for one lane and cutoff.
type Pool struct {
	ID         uuid.UUID       `json:"id"`
	OriginPort string          `json:"origin_port"`
	DestPort   string          `json:"dest_port"`
	Mode       Mode            `json:"mode"`
	CutoffAt   time.Time       `json:"cutoff_at"`
	CapacityM3 decimal.Decimal `json:"capacity_m3"`
	UsedM3     decimal.Decimal `json:"used_m3"`
	Status     PoolStatus      `json:"status"`
	BookingRef *string         `json:"booking_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Lane returns the pool's lane.
func (p *Pool) Lane() Lane {
	return Lane{OriginPort: p.OriginPort, DestPort: p.DestPort, Mode: p.Mode}
}

// FillRatio returns usedM3 / capacityM3. A zero-capacity pool reports zero.
func (p *Pool) FillRatio() decimal.Decimal {
	return FillRatio(p.UsedM3, p.CapacityM3)
}

// FillPercent returns the fill ratio as a whole percentage, truncated.
func (p *Pool) FillPercent() int64 {
	return p.FillRatio().Shift(2).IntPart()
}

// MeetsFill reports whether the pool's used volume has reached ratio of its
// capacity, compared without rounding.
func (p *Pool) MeetsFill(ratio decimal.Decimal) bool {
	return ReachesFill(p.UsedM3, p.CapacityM3, ratio)
}

// RemainingM3 returns the unreserved volume.
func (p *Pool) RemainingM3() decimal.Decimal {
	return p.CapacityM3.Sub(p.UsedM3)
}

// Fits reports whether volume can be added without exceeding capacity.
func (p *Pool) Fits(volume decimal.Decimal) bool {
	return p.UsedM3.Add(volume).LessThanOrEqual(p.CapacityM3)
}

// FillRatio computes used / capacity with a zero guard.
func FillRatio(used, capacity decimal.Decimal) decimal.Decimal {
	if !capacity.IsPositive() {
		return decimal.Zero
	}
	return used.DivRound(capacity, 8)
}
