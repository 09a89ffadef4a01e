package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"freight-pooling/config"
	"freight-pooling/internal/core/domain"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 512

// Client implements ports.BookingProvider against a carrier HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient returns nil when no base URL is configured, which leaves the
// booking service on locally generated references.
func NewClient(cfg config.CarrierConfig, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

type manifestPool struct {
	ID         string          `json:"id"`
	OriginPort string          `json:"origin_port"`
	DestPort   string          `json:"dest_port"`
	Mode       domain.Mode     `json:"mode"`
	CutoffAt   time.Time       `json:"cutoff_at"`
	CapacityM3 decimal.Decimal `json:"capacity_m3"`
	UsedM3     decimal.Decimal `json:"used_m3"`
}

type manifestItem struct {
	ID       string          `json:"id"`
	WeightKg decimal.Decimal `json:"weight_kg"`
	LengthCm decimal.Decimal `json:"length_cm"`
	WidthCm  decimal.Decimal `json:"width_cm"`
	HeightCm decimal.Decimal `json:"height_cm"`
	VolumeM3 decimal.Decimal `json:"volume_m3"`
}

type bookingRequest struct {
	Pool  manifestPool   `json:"pool"`
	Items []manifestItem `json:"items"`
}

type bookingResponse struct {
	BookingRef string `json:"booking_ref"`
	Carrier    string `json:"carrier"`
	ETD        string `json:"etd"`
}

// Book submits the pool manifest. Any non-2xx answer is a failure.
func (c *Client) Book(ctx context.Context, pool *domain.Pool, items []domain.Item) (*domain.BookingConfirmation, error) {
	body, err := json.Marshal(buildManifest(pool, items))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bookings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("carrier request failed: %w", err)
	}
	defer resp.Body.Close()

	c.log.Info().
		Str("pool_id", pool.ID.String()).
		Int("items", len(items)).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("carrier booking response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("carrier returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out bookingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode carrier response: %w", err)
	}
	if out.BookingRef == "" {
		return nil, errors.New("carrier response missing booking_ref")
	}

	return &domain.BookingConfirmation{
		BookingRef: out.BookingRef,
		Carrier:    out.Carrier,
		ETD:        out.ETD,
	}, nil
}

func buildManifest(pool *domain.Pool, items []domain.Item) bookingRequest {
	req := bookingRequest{
		Pool: manifestPool{
			ID:         pool.ID.String(),
			OriginPort: pool.OriginPort,
			DestPort:   pool.DestPort,
			Mode:       pool.Mode,
			CutoffAt:   pool.CutoffAt,
			CapacityM3: pool.CapacityM3,
			UsedM3:     pool.UsedM3,
		},
		Items: make([]manifestItem, 0, len(items)),
	}
	for _, it := range items {
		if !it.Status.IsActive() {
			continue
		}
		req.Items = append(req.Items, manifestItem{
			ID:       it.ID.String(),
			WeightKg: it.WeightKg,
			LengthCm: it.LengthCm,
			WidthCm:  it.WidthCm,
			HeightCm: it.HeightCm,
			VolumeM3: it.VolumeM3,
		})
	}
	return req
}
