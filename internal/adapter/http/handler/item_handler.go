package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"freight-pooling/internal/adapter/http/dto"
	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/internal/service"
	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

// ItemHandler handles shipment item endpoints.
type ItemHandler struct {
	idemSvc      ports.IdempotencyService
	assignSvc    ports.AssignmentService
	lifecycleSvc ports.LifecycleService
}

// NewItemHandler creates a new ItemHandler.
func NewItemHandler(idemSvc ports.IdempotencyService, assignSvc ports.AssignmentService, lifecycleSvc ports.LifecycleService) *ItemHandler {
	return &ItemHandler{idemSvc: idemSvc, assignSvc: assignSvc, lifecycleSvc: lifecycleSvc}
}

// Submit handles POST /api/v1/items.
func (h *ItemHandler) Submit(c *gin.Context) {
	var req dto.SubmitItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	executed := false
	out, err := service.RunJSON(c.Request.Context(), h.idemSvc,
		"items:"+req.UserID, c.GetHeader(HeaderIdempotencyKey), req,
		func(ctx context.Context, tx pgx.Tx) (*domain.Item, error) {
			executed = true
			return h.assignSvc.SubmitItem(ctx, tx, ports.SubmitItemRequest{
				UserID:     req.UserID,
				OriginPort: strings.ToUpper(req.OriginPort),
				DestPort:   strings.ToUpper(req.DestPort),
				Mode:       domain.Mode(req.Mode),
				CutoffAt:   req.CutoffAt,
				WeightKg:   req.WeightKg,
				LengthCm:   req.LengthCm,
				WidthCm:    req.WidthCm,
				HeightCm:   req.HeightCm,
			})
		},
		ports.IdempotencyOptions{},
	)
	if err != nil {
		response.Error(c, err)
		return
	}

	if !executed {
		response.Replayed(c, http.StatusCreated, out)
		return
	}
	response.Created(c, json.RawMessage(out))
}

// Get handles GET /api/v1/items/:id.
func (h *ItemHandler) Get(c *gin.Context) {
	itemID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	item, err := h.lifecycleSvc.GetItem(c.Request.Context(), itemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}

// Assign handles POST /api/v1/items/:id/assign.
func (h *ItemHandler) Assign(c *gin.Context) {
	itemID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	pooled, err := h.assignSvc.AssignItem(c.Request.Context(), itemID)
	if err != nil {
		response.Error(c, err)
		return
	}

	item, err := h.lifecycleSvc.GetItem(c.Request.Context(), itemID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.AssignItemResponse{Pooled: pooled, Item: item})
}

// SetStatus handles PUT /api/v1/items/:id/status.
func (h *ItemHandler) SetStatus(c *gin.Context) {
	itemID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	item, err := h.lifecycleSvc.SetItemStatus(c.Request.Context(), itemID, domain.ItemStatus(req.Status))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}
