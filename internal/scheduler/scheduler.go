package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"freight-pooling/pkg/metrics"

	"github.com/rs/zerolog"
)

// Job is a unit of background work run on a fixed cadence.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Lock coordinates exclusive runs of a job across instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Entry binds a job to its interval and optional lock.
type Entry struct {
	Job      Job
	Interval time.Duration
	Lock     Lock
}

// Scheduler runs each entry in its own loop until the context ends.
type Scheduler struct {
	entries []Entry
	metrics *metrics.JobMetrics
	log     zerolog.Logger
}

// New builds a scheduler. Entries without a job or interval are rejected.
func New(m *metrics.JobMetrics, log zerolog.Logger, entries ...Entry) (*Scheduler, error) {
	for _, e := range entries {
		if e.Job == nil {
			return nil, fmt.Errorf("scheduler entry without job")
		}
		if e.Interval <= 0 {
			return nil, fmt.Errorf("job %s: interval must be positive", e.Job.Name())
		}
	}
	return &Scheduler{entries: entries, metrics: m, log: log}, nil
}

// Run blocks until ctx is canceled and every job loop has returned.
// Each job runs once immediately, then on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e Entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	wg.Wait()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e Entry) {
	s.log.Info().
		Str("job", e.Job.Name()).
		Dur("interval", e.Interval).
		Msg("job scheduled")

	s.runOnce(ctx, e)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, e)
		}
	}
}

// runOnce executes one cycle of a job, honoring its lock.
func (s *Scheduler) runOnce(ctx context.Context, e Entry) {
	name := e.Job.Name()
	log := s.log.With().Str("job", name).Logger()

	if e.Lock != nil {
		ok, err := e.Lock.Acquire(ctx)
		if err != nil {
			log.Error().Err(err).Msg("job lock acquire failed")
			s.metrics.IncFailure(name)
			return
		}
		if !ok {
			log.Debug().Msg("job held by another instance, skipping")
			return
		}
		defer func() {
			if err := e.Lock.Release(context.WithoutCancel(ctx)); err != nil {
				log.Error().Err(err).Msg("job lock release failed")
			}
		}()
	}

	start := time.Now()
	err := e.Job.Run(ctx)
	duration := time.Since(start)
	s.metrics.ObserveDuration(name, duration)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Dur("duration", duration).Msg("job failed")
		s.metrics.IncFailure(name)
		return
	}
	log.Debug().Dur("duration", duration).Msg("job completed")
	s.metrics.IncSuccess(name)
}
