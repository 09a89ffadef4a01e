package carrier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"freight-pooling/config"
	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() *domain.Pool {
	return &domain.Pool{
		ID:         uuid.New(),
		OriginPort: "CNSHA",
		DestPort:   "USLAX",
		Mode:       domain.ModeSea,
		CutoffAt:   time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		CapacityM3: decimal.NewFromInt(67),
		UsedM3:     decimal.RequireFromString("61.2"),
		Status:     domain.PoolStatusClosing,
	}
}

func testItems() []domain.Item {
	return []domain.Item{
		{ID: uuid.New(), VolumeM3: decimal.RequireFromString("1.2"), Status: domain.ItemStatusPaid},
		{ID: uuid.New(), VolumeM3: decimal.RequireFromString("0.4"), Status: domain.ItemStatusRefunded},
	}
}

func TestNewClient_DisabledWithoutBaseURL(t *testing.T) {
	assert.Nil(t, NewClient(config.CarrierConfig{}, zerolog.Nop()))
}

func TestClient_Book_Success(t *testing.T) {
	pool := testPool()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/bookings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body bookingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, pool.ID.String(), body.Pool.ID)
		assert.Len(t, body.Items, 1, "refunded items are not shipped")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"booking_ref":"MAEU-778","carrier":"maersk","etd":"2026-03-06T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewClient(config.CarrierConfig{BaseURL: srv.URL + "/v2/", APIKey: "secret", Timeout: time.Second}, zerolog.Nop())

	conf, err := c.Book(context.Background(), pool, testItems())

	require.NoError(t, err)
	assert.Equal(t, "MAEU-778", conf.BookingRef)
	assert.Equal(t, "maersk", conf.Carrier)
	assert.Equal(t, "2026-03-06T00:00:00Z", conf.ETD)
}

func TestClient_Book_Non2xxIsFailure(t *testing.T) {
	c := NewClient(config.CarrierConfig{BaseURL: "http://carrier.test", Timeout: time.Second}, zerolog.Nop())
	httpmock.ActivateNonDefault(c.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://carrier.test/bookings",
		httpmock.NewStringResponder(503, `{"error":"no space on vessel"}`))

	_, err := c.Book(context.Background(), testPool(), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Contains(t, err.Error(), "no space on vessel")
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClient_Book_MissingReference(t *testing.T) {
	c := NewClient(config.CarrierConfig{BaseURL: "http://carrier.test", Timeout: time.Second}, zerolog.Nop())
	httpmock.ActivateNonDefault(c.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://carrier.test/bookings",
		httpmock.NewStringResponder(200, `{"carrier":"maersk"}`))

	_, err := c.Book(context.Background(), testPool(), nil)

	assert.ErrorContains(t, err, "missing booking_ref")
}

func TestClient_Book_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(config.CarrierConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, zerolog.Nop())

	_, err := c.Book(context.Background(), testPool(), nil)

	assert.ErrorContains(t, err, "carrier request failed")
}
