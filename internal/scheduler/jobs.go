package scheduler

import (
	"context"

	"freight-pooling/internal/core/ports"

	"github.com/rs/zerolog"
)

// AssignPendingJob sweeps pending items into pools.
type AssignPendingJob struct {
	svc       ports.AssignmentService
	batchSize int
	log       zerolog.Logger
}

// NewAssignPendingJob builds the assignment sweep.
func NewAssignPendingJob(svc ports.AssignmentService, batchSize int, log zerolog.Logger) *AssignPendingJob {
	return &AssignPendingJob{svc: svc, batchSize: batchSize, log: log}
}

func (j *AssignPendingJob) Name() string { return "assign_pending" }

func (j *AssignPendingJob) Run(ctx context.Context) error {
	summary, err := j.svc.AssignPending(ctx, j.batchSize)
	if err != nil {
		return err
	}
	if summary.Scanned > 0 {
		j.log.Info().
			Int("scanned", summary.Scanned).
			Int("pooled", summary.Pooled).
			Int("skipped", summary.Skipped).
			Int("errors", summary.Errors).
			Msg("assignment sweep finished")
	}
	return nil
}

// maxDrainRounds bounds how many full batches one webhook tick processes.
const maxDrainRounds = 10

// WebhookDeliveryJob drains due webhook deliveries.
type WebhookDeliveryJob struct {
	svc       ports.WebhookService
	batchSize int
}

// NewWebhookDeliveryJob builds the delivery poller.
func NewWebhookDeliveryJob(svc ports.WebhookService, batchSize int) *WebhookDeliveryJob {
	return &WebhookDeliveryJob{svc: svc, batchSize: batchSize}
}

func (j *WebhookDeliveryJob) Name() string { return "webhook_delivery" }

// Run keeps claiming while batches come back full.
func (j *WebhookDeliveryJob) Run(ctx context.Context) error {
	for round := 0; round < maxDrainRounds; round++ {
		n, err := j.svc.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n < j.batchSize || ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
