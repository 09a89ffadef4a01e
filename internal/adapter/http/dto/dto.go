package dto

import (
	"time"

	"freight-pooling/internal/core/domain"

	"github.com/shopspring/decimal"
)

// SubmitItemRequest is the request body for a shipment intent.
// Positivity of the measurements is checked by the assignment service.
type SubmitItemRequest struct {
	UserID     string          `json:"user_id" binding:"required,max=100,safe_id"`
	OriginPort string          `json:"origin_port" binding:"required,port_code"`
	DestPort   string          `json:"dest_port" binding:"required,port_code,nefield=OriginPort"`
	Mode       string          `json:"mode" binding:"required,oneof=sea air"`
	CutoffAt   time.Time       `json:"cutoff_at" binding:"required"`
	WeightKg   decimal.Decimal `json:"weight_kg"`
	LengthCm   decimal.Decimal `json:"length_cm"`
	WidthCm    decimal.Decimal `json:"width_cm"`
	HeightCm   decimal.Decimal `json:"height_cm"`
}

// StatusRequest is the body of the pool and item status endpoints.
type StatusRequest struct {
	Status string `json:"status" binding:"required,max=32"`
}

// BookPoolRequest is the optional body of POST /pools/:id/book.
type BookPoolRequest struct {
	Force      bool    `json:"force"`
	BookingRef *string `json:"booking_ref,omitempty" binding:"omitempty,max=64,safe_id"`
}

// CreateSubscriptionRequest is the request body for a webhook subscription.
type CreateSubscriptionRequest struct {
	URL    string `json:"url" binding:"required,max=2048,safe_url"`
	Events string `json:"events" binding:"max=512"`
	Secret string `json:"secret" binding:"max=256"`
}

// PoolResponse is a pool enriched with derived fill figures.
type PoolResponse struct {
	domain.Pool
	FillPercent int64           `json:"fill_percent"`
	RemainingM3 decimal.Decimal `json:"remaining_m3"`
}

// NewPoolResponse converts a domain pool to its API shape.
func NewPoolResponse(p *domain.Pool) PoolResponse {
	return PoolResponse{
		Pool:        *p,
		FillPercent: p.FillPercent(),
		RemainingM3: p.RemainingM3(),
	}
}

// AssignItemResponse reports the outcome of a single assignment attempt.
type AssignItemResponse struct {
	Pooled bool         `json:"pooled"`
	Item   *domain.Item `json:"item"`
}

// SubscriptionResponse exposes a subscription. The secret is only returned
// by the create endpoint.
type SubscriptionResponse struct {
	domain.Subscription
	Secret string `json:"secret,omitempty"`
}
