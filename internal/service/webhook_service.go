package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"strings"
	"time"

	"freight-pooling/internal/core/domain"
	"freight-pooling/internal/core/ports"
	"freight-pooling/pkg/apperror"
	"freight-pooling/pkg/metrics"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Webhook request headers.
const (
	HeaderWebhookEvent     = "X-Webhook-Event"
	HeaderWebhookDelivery  = "X-Webhook-Delivery"
	HeaderWebhookSignature = "X-Webhook-Signature"
)

// terminalStatuses are subscriber responses that no retry can fix.
var terminalStatuses = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusGone:         true,
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSettings tunes the delivery engine.
type WebhookSettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	BatchSize   int
	Timeout     time.Duration
	Concurrency int
	Lease       time.Duration
}

// webhookService implements ports.WebhookService.
type webhookService struct {
	repo       ports.WebhookRepository
	transactor ports.DBTransactor
	sigSvc     ports.SignatureService
	httpClient HTTPClient
	cfg        WebhookSettings
	metrics    *metrics.WebhookMetrics
	now        func() time.Time
	jitter     func(n int64) int64
	log        zerolog.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	repo ports.WebhookRepository,
	transactor ports.DBTransactor,
	sigSvc ports.SignatureService,
	httpClient HTTPClient,
	cfg WebhookSettings,
	m *metrics.WebhookMetrics,
	log zerolog.Logger,
) ports.WebhookService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &webhookService{
		repo:       repo,
		transactor: transactor,
		sigSvc:     sigSvc,
		httpClient: httpClient,
		cfg:        cfg,
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		jitter:     mrand.Int64N,
		log:        log,
	}
}

// RunOnce leases a batch of due deliveries and attempts each one. The claim
// transaction commits before any HTTP call; the lease keeps other workers
// off the rows until the outcome is written.
func (s *webhookService) RunOnce(ctx context.Context) (int, error) {
	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	claimed, err := s.repo.ClaimDue(ctx, dbTx, s.cfg.BatchSize, s.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}
	if err := dbTx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit claim: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range claimed {
		c := claimed[i]
		g.Go(func() error {
			s.attempt(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	return len(claimed), nil
}

// attempt makes one HTTP delivery and records its outcome.
func (s *webhookService) attempt(ctx context.Context, c domain.ClaimedDelivery) {
	log := s.log.With().
		Str("delivery_id", c.ID.String()).
		Str("event", string(c.EventType)).
		Logger()

	if c.Subscription == nil || !c.Subscription.IsActive {
		reason := "subscription not found"
		if c.Subscription != nil {
			reason = "subscription inactive"
		}
		if err := s.repo.MarkFailed(ctx, c.ID, c.AttemptCount, nil, reason); err != nil {
			log.Error().Err(err).Msg("webhook: failed to record outcome")
		}
		s.metrics.IncOutcome("failed")
		log.Warn().Str("reason", reason).Msg("webhook: delivery abandoned")
		return
	}

	attempt := c.AttemptCount + 1
	status, sendErr := s.send(ctx, c)

	var statusPtr *int
	if status != 0 {
		statusPtr = &status
	}

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		if err := s.repo.MarkSuccess(ctx, c.ID, attempt, status); err != nil {
			log.Error().Err(err).Msg("webhook: failed to record outcome")
		}
		s.metrics.IncOutcome("success")
		log.Info().Int("attempt", attempt).Int("status", status).Msg("webhook: delivered successfully")
		return
	case sendErr == nil && terminalStatuses[status]:
		lastErr := fmt.Sprintf("HTTP %d", status)
		if err := s.repo.MarkFailed(ctx, c.ID, attempt, statusPtr, lastErr); err != nil {
			log.Error().Err(err).Msg("webhook: failed to record outcome")
		}
		s.metrics.IncOutcome("failed")
		log.Warn().Int("attempt", attempt).Int("status", status).Msg("webhook: rejected by subscriber")
		return
	}

	lastErr := fmt.Sprintf("HTTP %d", status)
	if sendErr != nil {
		lastErr = sendErr.Error()
	}

	if attempt >= s.cfg.MaxAttempts {
		if err := s.repo.MarkFailed(ctx, c.ID, attempt, statusPtr, lastErr); err != nil {
			log.Error().Err(err).Msg("webhook: failed to record outcome")
		}
		s.metrics.IncOutcome("failed")
		log.Error().Int("attempt", attempt).Str("last_error", lastErr).Msg("webhook: all retry attempts exhausted")
		return
	}

	next := s.now().Add(s.retryDelay(attempt))
	if err := s.repo.ScheduleRetry(ctx, c.ID, attempt, next, statusPtr, lastErr); err != nil {
		log.Error().Err(err).Msg("webhook: failed to record outcome")
	}
	s.metrics.IncOutcome("retry")
	log.Warn().
		Int("attempt", attempt).
		Str("last_error", lastErr).
		Time("next_attempt_at", next).
		Msg("webhook: delivery failed, retrying")
}

// send POSTs the signed envelope. A zero status means no response arrived.
func (s *webhookService) send(ctx context.Context, c domain.ClaimedDelivery) (int, error) {
	body, err := json.Marshal(domain.WebhookEnvelope{ID: c.EventID, Type: c.EventType, Data: c.Payload})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.Subscription.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookEvent, string(c.EventType))
	req.Header.Set(HeaderWebhookDelivery, c.ID.String())
	req.Header.Set(HeaderWebhookSignature, SignatureHeader(s.sigSvc, c.Subscription.Secret, body))

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	s.metrics.ObserveLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("timeout after %s: %w", s.cfg.Timeout, err)
		}
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

// retryDelay computes min(base * 2^(attempt-1), max) plus uniform jitter.
func (s *webhookService) retryDelay(attempt int) time.Duration {
	return RetryDelay(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay, s.cfg.Jitter, s.jitter)
}

// RetryDelay is the exponential backoff schedule. rnd returns a value in
// [0, n) and may be nil when jitter is zero.
func RetryDelay(attempt int, base, ceiling, jitter time.Duration, rnd func(n int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	if jitter > 0 && rnd != nil {
		d += time.Duration(rnd(int64(jitter) + 1))
	}
	return d
}

// CreateSubscription registers an endpoint. An empty filter subscribes to
// every event and an empty secret is generated.
func (s *webhookService) CreateSubscription(ctx context.Context, req ports.CreateSubscriptionRequest) (*domain.Subscription, error) {
	events, err := normalizeEventFilter(req.Events)
	if err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			return nil, apperror.InternalError(fmt.Errorf("generate secret: %w", err))
		}
		secret = "whsec_" + hex.EncodeToString(buf)
	}

	sub := &domain.Subscription{
		ID:        uuid.New(),
		URL:       req.URL,
		Events:    events,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("create subscription: %w", err))
	}

	s.log.Info().
		Str("subscription_id", sub.ID.String()).
		Str("events", sub.Events).
		Msg("webhook subscription created")

	return sub, nil
}

var knownEventTypes = map[domain.EventType]bool{
	domain.EventPoolCreated:      true,
	domain.EventItemPooled:       true,
	domain.EventFill80:           true,
	domain.EventFill90:           true,
	domain.EventFill100:          true,
	domain.EventStatusChanged:    true,
	domain.EventBookingRequested: true,
	domain.EventBookingConfirmed: true,
	domain.EventBookingFailed:    true,
	domain.EventPaymentReceived:  true,
	domain.EventPaymentRefunded:  true,
}

func normalizeEventFilter(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return "*", nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if p == "*" {
			return "*", nil
		}
		if !knownEventTypes[domain.EventType(p)] {
			return "", apperror.Validation(fmt.Sprintf("unknown event type %q", p))
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return "*", nil
	}
	return strings.Join(out, ","), nil
}

// ListSubscriptions returns all subscriptions, newest first.
func (s *webhookService) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	subs, err := s.repo.ListSubscriptions(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list subscriptions: %w", err))
	}
	return subs, nil
}

// DeactivateSubscription stops future fan-out to a subscription. Deliveries
// already queued fail on their next attempt.
func (s *webhookService) DeactivateSubscription(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.DeactivateSubscription(ctx, id)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("deactivate subscription: %w", err))
	}
	if !ok {
		return apperror.ErrSubscriptionNotFound()
	}
	return nil
}

// ListDeliveries returns the most recent deliveries, optionally by status.
func (s *webhookService) ListDeliveries(ctx context.Context, params ports.DeliveryListParams) ([]domain.WebhookDelivery, error) {
	if params.Limit < 1 || params.Limit > 500 {
		params.Limit = 50
	}
	out, err := s.repo.ListDeliveries(ctx, params)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("list deliveries: %w", err))
	}
	return out, nil
}
