package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"freight-pooling/internal/adapter/http/dto"
	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/internal/service"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PoolHandler handles pool endpoints.
type PoolHandler struct {
	idemSvc      ports.IdempotencyService
	lifecycleSvc ports.LifecycleService
	bookingSvc   ports.BookingService
	assignSvc    ports.AssignmentService
	assignLimit  int
}

// NewPoolHandler creates a new PoolHandler. assignLimit caps a manual
// assignment sweep when the caller does not pass one.
func NewPoolHandler(
	idemSvc ports.IdempotencyService,
	lifecycleSvc ports.LifecycleService,
	bookingSvc ports.BookingService,
	assignSvc ports.AssignmentService,
	assignLimit int,
) *PoolHandler {
	if assignLimit < 1 {
		assignLimit = 500
	}
	return &PoolHandler{
		idemSvc:      idemSvc,
		lifecycleSvc: lifecycleSvc,
		bookingSvc:   bookingSvc,
		assignSvc:    assignSvc,
		assignLimit:  assignLimit,
	}
}

// List handles GET /api/v1/pools.
func (h *PoolHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	params := ports.PoolListParams{
		OriginPort: strings.ToUpper(c.Query("origin_port")),
		DestPort:   strings.ToUpper(c.Query("dest_port")),
		Page:       page,
		PageSize:   pageSize,
	}
	if s := c.Query("status"); s != "" {
		status, ok := domain.ParsePoolStatus(s)
		if !ok {
			response.Error(c, apperror.ErrUnknownPoolStatus(s))
			return
		}
		params.Status = &status
	}
	if m := c.Query("mode"); m != "" {
		mode := domain.Mode(m)
		if !mode.Valid() {
			response.Error(c, apperror.Validation("mode must be sea or air"))
			return
		}
		params.Mode = &mode
	}

	pools, total, err := h.lifecycleSvc.ListPools(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	out := make([]dto.PoolResponse, 0, len(pools))
	for i := range pools {
		out = append(out, dto.NewPoolResponse(&pools[i]))
	}

	response.Paginated(c, out, total, page, pageSize)
}

// Get handles GET /api/v1/pools/:id.
func (h *PoolHandler) Get(c *gin.Context) {
	poolID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	pool, err := h.lifecycleSvc.GetPool(c.Request.Context(), poolID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPoolResponse(pool))
}

// Events handles GET /api/v1/pools/:id/events.
func (h *PoolHandler) Events(c *gin.Context) {
	poolID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	events, err := h.lifecycleSvc.ListPoolEvents(c.Request.Context(), poolID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, events)
}

// bookPayload is what the idempotency ledger hashes for a booking request.
type bookPayload struct {
	PoolID     uuid.UUID `json:"pool_id"`
	Force      bool      `json:"force"`
	BookingRef *string   `json:"booking_ref"`
}

// Book handles POST /api/v1/pools/:id/book. The body is optional.
func (h *PoolHandler) Book(c *gin.Context) {
	poolID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.BookPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	executed := false
	out, err := service.RunJSON(c.Request.Context(), h.idemSvc,
		"book:"+poolID.String(), c.GetHeader(HeaderIdempotencyKey),
		bookPayload{PoolID: poolID, Force: req.Force, BookingRef: req.BookingRef},
		func(ctx context.Context, _ pgx.Tx) (dto.PoolResponse, error) {
			executed = true
			pool, err := h.bookingSvc.BookPool(ctx, poolID, domain.BookingOptions{
				Force:      req.Force,
				BookingRef: req.BookingRef,
			})
			if err != nil {
				return dto.PoolResponse{}, err
			}
			return dto.NewPoolResponse(pool), nil
		},
		ports.IdempotencyOptions{OnReplay: h.refreshBooked(poolID), OwnTransactions: true},
	)
	if err != nil {
		response.Error(c, err)
		return
	}

	if !executed {
		response.Replayed(c, http.StatusOK, out)
		return
	}
	response.JSON(c, http.StatusOK, json.RawMessage(out))
}

// refreshBooked replaces a stored booking response once the pool has moved
// past the status it recorded, so replays show e.g. in_transit.
func (h *PoolHandler) refreshBooked(poolID uuid.UUID) ports.ReplayHook {
	return func(ctx context.Context, stored []byte) ([]byte, bool, error) {
		var prev dto.PoolResponse
		if err := json.Unmarshal(stored, &prev); err != nil {
			return stored, false, nil
		}
		pool, err := h.lifecycleSvc.GetPool(ctx, poolID)
		if err != nil {
			return nil, false, err
		}
		if pool.Status == prev.Status {
			return stored, false, nil
		}
		refreshed, err := json.Marshal(dto.NewPoolResponse(pool))
		if err != nil {
			return nil, false, apperror.InternalError(err)
		}
		return refreshed, true, nil
	}
}

// SetStatus handles PUT /api/v1/pools/:id/status.
func (h *PoolHandler) SetStatus(c *gin.Context) {
	poolID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req dto.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, bindError(err))
		return
	}
	dto.SanitizeStruct(&req)

	pool, err := h.lifecycleSvc.SetPoolStatus(c.Request.Context(), poolID, domain.PoolStatus(req.Status))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPoolResponse(pool))
}

// Recompute handles POST /api/v1/pools/:id/recompute.
func (h *PoolHandler) Recompute(c *gin.Context) {
	poolID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	pool, err := h.lifecycleSvc.RecomputePoolFill(c.Request.Context(), poolID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.NewPoolResponse(pool))
}

// AssignPending handles POST /api/v1/pools/assign, the manual sweep trigger.
func (h *PoolHandler) AssignPending(c *gin.Context) {
	limit := h.assignLimit
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			response.Error(c, apperror.Validation("limit must be a positive integer"))
			return
		}
		if v < limit {
			limit = v
		}
	}

	summary, err := h.assignSvc.AssignPending(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, summary)
}
