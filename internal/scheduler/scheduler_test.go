package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"freight-pooling/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLock struct {
	held     bool
	released int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.released++
	return nil
}

type testJob struct {
	name string
	err  error
	runs atomic.Int32
}

func (j *testJob) Name() string { return j.name }

func (j *testJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	_, err := New(nil, zerolog.Nop(), Entry{Job: &testJob{name: "x"}})
	assert.Error(t, err)

	_, err = New(nil, zerolog.Nop(), Entry{Interval: time.Second})
	assert.Error(t, err)
}

func TestScheduler_RunOnce_RecordsOutcome(t *testing.T) {
	m := metrics.NewJobMetrics(prometheus.NewRegistry())
	ok := &testJob{name: "ok"}
	bad := &testJob{name: "bad", err: errors.New("boom")}
	s, err := New(m, zerolog.Nop(),
		Entry{Job: ok, Interval: time.Hour},
		Entry{Job: bad, Interval: time.Hour},
	)
	require.NoError(t, err)

	s.runOnce(context.Background(), s.entries[0])
	s.runOnce(context.Background(), s.entries[1])

	assert.Equal(t, int32(1), ok.runs.Load())
	assert.Equal(t, int32(1), bad.runs.Load())
}

func TestScheduler_RunOnce_SkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "locked"}
	lock := &fakeLock{held: true}
	s, err := New(nil, zerolog.Nop(), Entry{Job: job, Interval: time.Hour, Lock: lock})
	require.NoError(t, err)

	s.runOnce(context.Background(), s.entries[0])

	assert.Zero(t, job.runs.Load())
	assert.Zero(t, lock.released)
}

func TestScheduler_RunOnce_ReleasesLock(t *testing.T) {
	job := &testJob{name: "locked"}
	lock := &fakeLock{}
	s, err := New(nil, zerolog.Nop(), Entry{Job: job, Interval: time.Hour, Lock: lock})
	require.NoError(t, err)

	s.runOnce(context.Background(), s.entries[0])

	assert.Equal(t, int32(1), job.runs.Load())
	assert.Equal(t, 1, lock.released)
	assert.False(t, lock.held)
}

func TestScheduler_Run_TicksUntilCanceled(t *testing.T) {
	job := &testJob{name: "tick"}
	s, err := New(nil, zerolog.Nop(), Entry{Job: job, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
