package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"freight-pooling/internal/adapter/http/dto"
	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/internal/core/ports/mocks"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerTestDeps struct {
	idem      *mocks.MockIdempotencyService
	assign    *mocks.MockAssignmentService
	lifecycle *mocks.MockLifecycleService
	booking   *mocks.MockBookingService
	webhook   *mocks.MockWebhookService
	router    *gin.Engine
}

func setupRouter(t *testing.T, checkers ...ports.HealthChecker) *handlerTestDeps {
	ctrl := gomock.NewController(t)
	d := &handlerTestDeps{
		idem:      mocks.NewMockIdempotencyService(ctrl),
		assign:    mocks.NewMockAssignmentService(ctrl),
		lifecycle: mocks.NewMockLifecycleService(ctrl),
		booking:   mocks.NewMockBookingService(ctrl),
		webhook:   mocks.NewMockWebhookService(ctrl),
	}
	d.router = SetupRouter(RouterDeps{
		IdempotencySvc: d.idem,
		AssignmentSvc:  d.assign,
		LifecycleSvc:   d.lifecycle,
		BookingSvc:     d.booking,
		WebhookSvc:     d.webhook,
		HealthCheckers: checkers,
		AssignLimit:    100,
		Logger:         zerolog.Nop(),
	})
	return d
}

func (d *handlerTestDeps) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	d.router.ServeHTTP(w, req)
	return w
}

// runOp makes the mocked ledger execute the operation once.
func runOp(ctx context.Context, _ string, _ string, _ any, op ports.IdempotentOperation, _ ports.IdempotencyOptions) ([]byte, error) {
	return op(ctx, nil)
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "body: %s", w.Body.String())
	return data
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	code, _ := resp["error_code"].(string)
	return code
}

func testPool(status domain.PoolStatus, used string) *domain.Pool {
	return &domain.Pool{
		ID:         uuid.New(),
		OriginPort: "CNSHA",
		DestPort:   "USLAX",
		Mode:       domain.ModeAir,
		CutoffAt:   time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		CapacityM3: decimal.NewFromInt(10),
		UsedM3:     decimal.RequireFromString(used),
		Status:     status,
	}
}

const submitBody = `{
	"user_id":"shipper-7","origin_port":"cnsha","dest_port":"USLAX","mode":"air",
	"cutoff_at":"2026-03-04T00:00:00Z",
	"weight_kg":"80","length_cm":"100","width_cm":"100","height_cm":"60"
}`

// --- Item Handler Tests ---

func TestSubmitItem_Success(t *testing.T) {
	d := setupRouter(t)

	itemID := uuid.New()
	d.idem.EXPECT().Run(gomock.Any(), "items:shipper-7", "key-1", gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(runOp)
	d.assign.EXPECT().SubmitItem(gomock.Any(), gomock.Nil(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ pgx.Tx, req ports.SubmitItemRequest) (*domain.Item, error) {
			assert.Equal(t, "CNSHA", req.OriginPort)
			assert.Equal(t, domain.ModeAir, req.Mode)
			assert.True(t, req.HeightCm.Equal(decimal.NewFromInt(60)))
			return &domain.Item{ID: itemID, Status: domain.ItemStatusPending, VolumeM3: decimal.RequireFromString("0.6")}, nil
		})

	w := d.do(http.MethodPost, "/api/v1/items", submitBody, map[string]string{HeaderIdempotencyKey: "key-1"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(response.HeaderReplayed))
	data := decodeData(t, w)
	assert.Equal(t, itemID.String(), data["id"])
	assert.Equal(t, "0.6", data["volume_m3"])
}

func TestSubmitItem_ReplayedResponse(t *testing.T) {
	d := setupRouter(t)

	stored := []byte(`{"id":"abc","status":"pooled"}`)
	d.idem.EXPECT().Run(gomock.Any(), "items:shipper-7", "key-1", gomock.Any(), gomock.Any(), gomock.Any()).
		Return(stored, nil)

	w := d.do(http.MethodPost, "/api/v1/items", submitBody, map[string]string{HeaderIdempotencyKey: "key-1"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get(response.HeaderReplayed))
	assert.Equal(t, "pooled", decodeData(t, w)["status"])
}

func TestSubmitItem_MissingIdempotencyKey(t *testing.T) {
	d := setupRouter(t)

	d.idem.EXPECT().Run(gomock.Any(), gomock.Any(), "", gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrIdempotencyKeyRequired())

	w := d.do(http.MethodPost, "/api/v1/items", submitBody, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "IDEM_003", decodeErrorCode(t, w))
}

func TestSubmitItem_ValidationError(t *testing.T) {
	d := setupRouter(t)

	body := strings.Replace(submitBody, `"cnsha"`, `"Shanghai"`, 1)
	w := d.do(http.MethodPost, "/api/v1/items", body, map[string]string{HeaderIdempotencyKey: "key-1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VAL_001", decodeErrorCode(t, w))
}

func TestSubmitItem_PayloadConflict(t *testing.T) {
	d := setupRouter(t)

	d.idem.EXPECT().Run(gomock.Any(), gomock.Any(), "key-1", gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrIdempotencyMismatch())

	w := d.do(http.MethodPost, "/api/v1/items", submitBody, map[string]string{HeaderIdempotencyKey: "key-1"})

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "IDEM_001", decodeErrorCode(t, w))
}

func TestGetItem_InvalidID(t *testing.T) {
	d := setupRouter(t)

	w := d.do(http.MethodGet, "/api/v1/items/not-a-uuid", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetItem_NotFound(t *testing.T) {
	d := setupRouter(t)

	id := uuid.New()
	d.lifecycle.EXPECT().GetItem(gomock.Any(), id).Return(nil, apperror.ErrItemNotFound())

	w := d.do(http.MethodGet, "/api/v1/items/"+id.String(), nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ITEM_001", decodeErrorCode(t, w))
}

func TestAssignItem_ReportsOutcome(t *testing.T) {
	d := setupRouter(t)

	id := uuid.New()
	poolID := uuid.New()
	d.assign.EXPECT().AssignItem(gomock.Any(), id).Return(true, nil)
	d.lifecycle.EXPECT().GetItem(gomock.Any(), id).Return(&domain.Item{ID: id, PoolID: &poolID, Status: domain.ItemStatusPooled}, nil)

	w := d.do(http.MethodPost, "/api/v1/items/"+id.String()+"/assign", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, true, data["pooled"])
	item := data["item"].(map[string]interface{})
	assert.Equal(t, poolID.String(), item["pool_id"])
}

func TestSetItemStatus_InvalidTransition(t *testing.T) {
	d := setupRouter(t)

	id := uuid.New()
	d.lifecycle.EXPECT().SetItemStatus(gomock.Any(), id, domain.ItemStatusPaid).
		Return(nil, apperror.ErrInvalidItemTransition("pending", "paid"))

	w := d.do(http.MethodPut, "/api/v1/items/"+id.String()+"/status", dto.StatusRequest{Status: " paid "}, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ITEM_003", decodeErrorCode(t, w))
}

// --- Pool Handler Tests ---

func TestListPools_Filters(t *testing.T) {
	d := setupRouter(t)

	open := domain.PoolStatusOpen
	sea := domain.ModeSea
	d.lifecycle.EXPECT().ListPools(gomock.Any(), ports.PoolListParams{
		Status:     &open,
		OriginPort: "CNSHA",
		Mode:       &sea,
		Page:       2,
		PageSize:   20,
	}).Return([]domain.Pool{*testPool(domain.PoolStatusOpen, "8.1")}, int64(21), nil)

	w := d.do(http.MethodGet, "/api/v1/pools?status=open&origin_port=cnsha&mode=sea&page=2&page_size=500", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []map[string]interface{} `json:"data"`
		Meta response.PageMeta        `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, response.PageMeta{Total: 21, Page: 2, PageSize: 20, TotalPages: 2}, resp.Meta)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, float64(81), resp.Data[0]["fill_percent"])
}

func TestListPools_UnknownStatus(t *testing.T) {
	d := setupRouter(t)

	w := d.do(http.MethodGet, "/api/v1/pools?status=lost", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "POOL_005", decodeErrorCode(t, w))
}

func TestGetPool_Success(t *testing.T) {
	d := setupRouter(t)

	pool := testPool(domain.PoolStatusClosing, "9.1")
	d.lifecycle.EXPECT().GetPool(gomock.Any(), pool.ID).Return(pool, nil)

	w := d.do(http.MethodGet, "/api/v1/pools/"+pool.ID.String(), nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "closing", data["status"])
	assert.Equal(t, "9.1", data["used_m3"])
	assert.Equal(t, "0.9", data["remaining_m3"])
}

func TestPoolEvents_Success(t *testing.T) {
	d := setupRouter(t)

	poolID := uuid.New()
	d.lifecycle.EXPECT().ListPoolEvents(gomock.Any(), poolID).Return([]domain.PoolEvent{
		{ID: uuid.New(), PoolID: poolID, Type: domain.EventPoolCreated, Payload: json.RawMessage(`{}`)},
		{ID: uuid.New(), PoolID: poolID, Type: domain.EventItemPooled, Payload: json.RawMessage(`{}`)},
	}, nil)

	w := d.do(http.MethodGet, "/api/v1/pools/"+poolID.String()+"/events", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data []domain.PoolEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, domain.EventItemPooled, resp.Data[1].Type)
}

func TestBookPool_FillBelowMinimum(t *testing.T) {
	d := setupRouter(t)

	poolID := uuid.New()
	d.idem.EXPECT().Run(gomock.Any(), "book:"+poolID.String(), "bk-1", gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(runOp)
	d.booking.EXPECT().BookPool(gomock.Any(), poolID, domain.BookingOptions{}).
		Return(nil, apperror.ErrFillBelowMinimum(82))

	w := d.do(http.MethodPost, "/api/v1/pools/"+poolID.String()+"/book", nil, map[string]string{HeaderIdempotencyKey: "bk-1"})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "POOL_003", resp["error_code"])
	assert.Equal(t, "Pool fill 82% below minimum.", resp["message"])
}

func TestBookPool_ForceWithReference(t *testing.T) {
	d := setupRouter(t)

	pool := testPool(domain.PoolStatusBooked, "6")
	ref := "OPS-REF-1"
	pool.BookingRef = &ref

	d.idem.EXPECT().Run(gomock.Any(), gomock.Any(), "bk-2", bookPayload{PoolID: pool.ID, Force: true, BookingRef: &ref}, gomock.Any(), gomock.Any()).
		DoAndReturn(runOp)
	d.booking.EXPECT().BookPool(gomock.Any(), pool.ID, domain.BookingOptions{Force: true, BookingRef: &ref}).
		Return(pool, nil)

	w := d.do(http.MethodPost, "/api/v1/pools/"+pool.ID.String()+"/book",
		`{"force":true,"booking_ref":"OPS-REF-1"}`, map[string]string{HeaderIdempotencyKey: "bk-2"})

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "booked", data["status"])
	assert.Equal(t, ref, data["booking_ref"])
}

func TestBookPool_ReplayRefreshesMovedPool(t *testing.T) {
	d := setupRouter(t)

	booked := testPool(domain.PoolStatusBooked, "9.5")
	stored, err := json.Marshal(dto.NewPoolResponse(booked))
	require.NoError(t, err)

	moved := *booked
	moved.Status = domain.PoolStatusInTransit
	d.lifecycle.EXPECT().GetPool(gomock.Any(), booked.ID).Return(&moved, nil)

	d.idem.EXPECT().Run(gomock.Any(), gomock.Any(), "bk-3", gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ string, _ string, _ any, _ ports.IdempotentOperation, opts ports.IdempotencyOptions) ([]byte, error) {
			require.NotNil(t, opts.OnReplay)
			assert.True(t, opts.OwnTransactions)
			refreshed, replace, err := opts.OnReplay(ctx, stored)
			require.NoError(t, err)
			assert.True(t, replace)
			return refreshed, nil
		})

	w := d.do(http.MethodPost, "/api/v1/pools/"+booked.ID.String()+"/book", nil, map[string]string{HeaderIdempotencyKey: "bk-3"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get(response.HeaderReplayed))
	assert.Equal(t, "in_transit", decodeData(t, w)["status"])
}

func TestBookPool_ReplayKeepsUnchangedResponse(t *testing.T) {
	d := setupRouter(t)
	h := NewPoolHandler(d.idem, d.lifecycle, d.booking, d.assign, 0)

	booked := testPool(domain.PoolStatusBooked, "9.5")
	stored, err := json.Marshal(dto.NewPoolResponse(booked))
	require.NoError(t, err)
	d.lifecycle.EXPECT().GetPool(gomock.Any(), booked.ID).Return(booked, nil)

	out, replace, err := h.refreshBooked(booked.ID)(context.Background(), stored)

	require.NoError(t, err)
	assert.False(t, replace)
	assert.Equal(t, stored, out)
}

func TestSetPoolStatus_Backward(t *testing.T) {
	d := setupRouter(t)

	poolID := uuid.New()
	d.lifecycle.EXPECT().SetPoolStatus(gomock.Any(), poolID, domain.PoolStatusOpen).
		Return(nil, apperror.ErrInvalidPoolTransition("booked", "open"))

	w := d.do(http.MethodPut, "/api/v1/pools/"+poolID.String()+"/status", dto.StatusRequest{Status: "open"}, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "POOL_004", decodeErrorCode(t, w))
}

func TestRecomputePool_Success(t *testing.T) {
	d := setupRouter(t)

	pool := testPool(domain.PoolStatusOpen, "4.2")
	d.lifecycle.EXPECT().RecomputePoolFill(gomock.Any(), pool.ID).Return(pool, nil)

	w := d.do(http.MethodPost, "/api/v1/pools/"+pool.ID.String()+"/recompute", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4.2", decodeData(t, w)["used_m3"])
}

func TestAssignPending_LimitCappedByConfig(t *testing.T) {
	d := setupRouter(t)

	d.assign.EXPECT().AssignPending(gomock.Any(), 100).
		Return(&ports.AssignSummary{Scanned: 3, Pooled: 2, Skipped: 1}, nil)

	w := d.do(http.MethodPost, "/api/v1/pools/assign?limit=5000", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, float64(2), data["pooled"])
	assert.Equal(t, float64(1), data["skipped"])
}

func TestAssignPending_InvalidLimit(t *testing.T) {
	d := setupRouter(t)

	w := d.do(http.MethodPost, "/api/v1/pools/assign?limit=-1", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Webhook Handler Tests ---

func TestCreateSubscription_ReturnsSecretOnce(t *testing.T) {
	d := setupRouter(t)

	subID := uuid.New()
	d.webhook.EXPECT().CreateSubscription(gomock.Any(), ports.CreateSubscriptionRequest{
		URL:    "https://hooks.example.com/pools",
		Events: "fill_90,booking_confirmed",
	}).Return(&domain.Subscription{
		ID:       subID,
		URL:      "https://hooks.example.com/pools",
		Events:   "fill_90,booking_confirmed",
		Secret:   "whsec_abc",
		IsActive: true,
	}, nil)

	w := d.do(http.MethodPost, "/api/v1/webhooks/subscriptions", dto.CreateSubscriptionRequest{
		URL:    "https://hooks.example.com/pools",
		Events: "fill_90,booking_confirmed",
	}, nil)

	assert.Equal(t, http.StatusCreated, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, subID.String(), data["id"])
	assert.Equal(t, "whsec_abc", data["secret"])
}

func TestCreateSubscription_RejectsUnsafeURL(t *testing.T) {
	d := setupRouter(t)

	w := d.do(http.MethodPost, "/api/v1/webhooks/subscriptions", dto.CreateSubscriptionRequest{URL: "file:///etc/passwd"}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListSubscriptions_HidesSecret(t *testing.T) {
	d := setupRouter(t)

	d.webhook.EXPECT().ListSubscriptions(gomock.Any()).Return([]domain.Subscription{
		{ID: uuid.New(), URL: "https://a.example.com", Events: "*", Secret: "whsec_hidden", IsActive: true},
	}, nil)

	w := d.do(http.MethodGet, "/api/v1/webhooks/subscriptions", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "whsec_hidden")
}

func TestDeactivateSubscription_NotFound(t *testing.T) {
	d := setupRouter(t)

	id := uuid.New()
	d.webhook.EXPECT().DeactivateSubscription(gomock.Any(), id).Return(apperror.ErrSubscriptionNotFound())

	w := d.do(http.MethodDelete, "/api/v1/webhooks/subscriptions/"+id.String(), nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "HOOK_001", decodeErrorCode(t, w))
}

func TestListDeliveries_StatusFilter(t *testing.T) {
	d := setupRouter(t)

	failed := domain.DeliveryStatusFailed
	d.webhook.EXPECT().ListDeliveries(gomock.Any(), ports.DeliveryListParams{Status: &failed, Limit: 10}).
		Return([]domain.WebhookDelivery{{ID: uuid.New(), Status: domain.DeliveryStatusFailed, AttemptCount: 3}}, nil)

	w := d.do(http.MethodGet, "/api/v1/webhooks/deliveries?status=failed&limit=10", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListDeliveries_UnknownStatus(t *testing.T) {
	d := setupRouter(t)

	w := d.do(http.MethodGet, "/api/v1/webhooks/deliveries?status=lost", nil, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Health and router ---

type fakeChecker struct {
	name string
	err  error
}

func (f fakeChecker) Ping(context.Context) error { return f.err }
func (f fakeChecker) Name() string               { return f.name }

func TestHealthCheck(t *testing.T) {
	d := setupRouter(t, fakeChecker{name: "postgresql"}, fakeChecker{name: "redis"})

	w := d.do(http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "req-42"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestHealthCheck_Degraded(t *testing.T) {
	d := setupRouter(t, fakeChecker{name: "postgresql"}, fakeChecker{name: "redis", err: errors.New("connection refused")})

	w := d.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRouter_BodyLimit(t *testing.T) {
	d := setupRouter(t)

	big := `{"url":"https://a.example.com","secret":"` + strings.Repeat("x", 2<<20) + `"}`
	w := d.do(http.MethodPost, "/api/v1/webhooks/subscriptions", big, nil)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "VAL_002", decodeErrorCode(t, w))
}
