package handler

import (
	"strconv"

	"freight-pooling/internal/adapter/http/dto"
	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
)

// WebhookHandler handles subscription management and the delivery view.
type WebhookHandler struct {
	webhookSvc ports.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(webhookSvc ports.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// CreateSubscription handles POST /api/v1/webhooks/subscriptions.
// The signing secret is only ever returned here.
func (h *WebhookHandler) CreateSubscription(c *gin.Context) {
	var req dto.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	sub, err := h.webhookSvc.CreateSubscription(c.Request.Context(), ports.CreateSubscriptionRequest{
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.SubscriptionResponse{Subscription: *sub, Secret: sub.Secret})
}

// ListSubscriptions handles GET /api/v1/webhooks/subscriptions.
func (h *WebhookHandler) ListSubscriptions(c *gin.Context) {
	subs, err := h.webhookSvc.ListSubscriptions(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, subs)
}

// DeactivateSubscription handles DELETE /api/v1/webhooks/subscriptions/:id.
func (h *WebhookHandler) DeactivateSubscription(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	if err := h.webhookSvc.DeactivateSubscription(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"id": id.String(), "is_active": false})
}

// ListDeliveries handles GET /api/v1/webhooks/deliveries.
func (h *WebhookHandler) ListDeliveries(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	params := ports.DeliveryListParams{Limit: limit}

	if s := c.Query("status"); s != "" {
		status := domain.DeliveryStatus(s)
		switch status {
		case domain.DeliveryStatusPending, domain.DeliveryStatusSuccess, domain.DeliveryStatusFailed:
		default:
			response.Error(c, apperror.Validation("status must be pending, success or failed"))
			return
		}
		params.Status = &status
	}

	deliveries, err := h.webhookSvc.ListDeliveries(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, deliveries)
}
