package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobEncodeDecode(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	enc, err := scheduler.PollTask(id, 3).Encode()
	require.NoError(t, err)

	job, err := scheduler.DecodeJob(enc)
	require.NoError(t, err)
	assert.Equal(t, scheduler.KindPollTask, job.Kind)
	assert.Equal(t, id, job.TaskID)
	assert.Equal(t, 3, job.Attempt)

	a, _ := scheduler.Sweep().Encode()
	b, _ := scheduler.Job{Kind: scheduler.KindSweep, Attempt: 9}.Encode()
	assert.Equal(t, a, b, "sweeps collapse to one member")

	_, err = scheduler.DecodeJob(`{"kind":"poll_task"}`)
	assert.Error(t, err)
	_, err = scheduler.DecodeJob(`{"kind":"reboot"}`)
	assert.Error(t, err)
	_, err = scheduler.DecodeJob(`not json`)
	assert.Error(t, err)
}

func TestMemoryQueueKeepsEarliest(t *testing.T) {
	t.Parallel()

	q := scheduler.NewMemoryQueue()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, "a", now.Add(10*time.Second)))
	require.NoError(t, q.Push(ctx, "a", now.Add(60*time.Second)))
	require.NoError(t, q.Push(ctx, "b", now.Add(5*time.Second)))
	require.NoError(t, q.Push(ctx, "c", now.Add(time.Hour)))

	due, err := q.PopDue(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, due)
	assert.Equal(t, 1, q.Len())

	due, err = q.PopDue(ctx, now.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRunnerExecutesDueJobs(t *testing.T) {
	t.Parallel()

	q := scheduler.NewMemoryQueue()
	sched := scheduler.NewQueued(q)
	id := uuid.New()

	require.NoError(t, sched.Schedule(context.Background(), scheduler.PollTask(id, 1), 0))
	require.NoError(t, sched.Schedule(context.Background(), scheduler.Sweep(), time.Hour))

	got := make(chan scheduler.Job, 4)
	r := scheduler.NewRunner(q, func(ctx context.Context, job scheduler.Job) error {
		got <- job
		return nil
	}, scheduler.RunnerConfig{WorkerCount: 2, TickInterval: 10 * time.Millisecond, BatchSize: 10}, nil, setupTestLogger())
	r.Start()
	defer r.Stop()

	select {
	case job := <-got:
		assert.Equal(t, id, job.TaskID)
		assert.Equal(t, 1, job.Attempt)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job")
	}

	select {
	case job := <-got:
		t.Fatalf("sweep ran early: %v", job)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, q.Len())
}

func TestRunnerReportsErrorsAndPanics(t *testing.T) {
	t.Parallel()

	q := scheduler.NewMemoryQueue()
	sched := scheduler.NewQueued(q)
	failID, panicID := uuid.New(), uuid.New()
	require.NoError(t, sched.Schedule(context.Background(), scheduler.PollTask(failID, 0), 0))
	require.NoError(t, sched.Schedule(context.Background(), scheduler.PollTask(panicID, 0), 0))

	expected := errors.New("boom")
	r := scheduler.NewRunner(q, func(ctx context.Context, job scheduler.Job) error {
		if job.TaskID == panicID {
			panic("test panic")
		}
		return expected
	}, scheduler.RunnerConfig{WorkerCount: 1, TickInterval: 10 * time.Millisecond}, nil, setupTestLogger())

	errs := make(chan error, 2)
	r.SetErrorHandler(func(job scheduler.Job, err error) { errs <- err })
	r.Start()
	defer r.Stop()

	var seen []error
	for len(seen) < 2 {
		select {
		case err := <-errs:
			seen = append(seen, err)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for error handler")
		}
	}
	var sawExpected, sawPanic bool
	for _, err := range seen {
		if errors.Is(err, expected) {
			sawExpected = true
		} else if assert.Contains(t, err.Error(), "panicked") {
			sawPanic = true
		}
	}
	assert.True(t, sawExpected)
	assert.True(t, sawPanic)
}

func TestRunnerRetriesFailedJobs(t *testing.T) {
	t.Parallel()

	q := scheduler.NewMemoryQueue()
	id := uuid.New()
	require.NoError(t, scheduler.NewQueued(q).Schedule(context.Background(), scheduler.PollTask(id, 4), 0))

	runs := make(chan scheduler.Job, 4)
	r := scheduler.NewRunner(q, func(_ context.Context, job scheduler.Job) error {
		runs <- job
		if job.Retry == 0 {
			return errors.New("db: connection reset")
		}
		return nil
	}, scheduler.RunnerConfig{
		WorkerCount:  1,
		TickInterval: 5 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
		MaxRetries:   3,
	}, nil, setupTestLogger())
	r.Start()
	defer r.Stop()

	var seen []scheduler.Job
	for len(seen) < 2 {
		select {
		case job := <-runs:
			seen = append(seen, job)
		case <-time.After(time.Second):
			t.Fatalf("job was not retried, runs: %v", seen)
		}
	}
	assert.Equal(t, 0, seen[0].Retry)
	assert.Equal(t, 1, seen[1].Retry)
	assert.Equal(t, id, seen[1].TaskID)
	assert.Equal(t, 4, seen[1].Attempt, "a retry repeats the same poll attempt")
}

func TestRunnerDropsPermanentAndExhaustedJobs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  scheduler.Job
		err  error
	}{
		{"permanent failure", scheduler.PollTask(uuid.New(), 0), scheduler.Permanent(errors.New("task not found"))},
		{"out of retries", scheduler.Job{Kind: scheduler.KindSweep, Retry: 2}, errors.New("list failed")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			q := scheduler.NewMemoryQueue()
			member, err := tc.job.Encode()
			require.NoError(t, err)
			require.NoError(t, q.Push(context.Background(), member, time.Now().Add(-time.Second)))

			failed := make(chan struct{}, 1)
			r := scheduler.NewRunner(q, func(context.Context, scheduler.Job) error {
				return tc.err
			}, scheduler.RunnerConfig{
				WorkerCount:  1,
				TickInterval: time.Hour,
				RetryDelay:   time.Millisecond,
				MaxRetries:   2,
			}, nil, setupTestLogger())
			r.SetErrorHandler(func(scheduler.Job, error) { failed <- struct{}{} })
			r.Start()
			defer r.Stop()

			assert.Equal(t, 1, r.Tick(context.Background()))
			select {
			case <-failed:
			case <-time.After(time.Second):
				t.Fatal("job did not fail")
			}
			// A retry would be pushed right after the error handler returns.
			time.Sleep(20 * time.Millisecond)
			assert.Zero(t, q.Len(), "dropped job must not come back")
		})
	}
}

func TestRunnerTickDropsUndecodable(t *testing.T) {
	t.Parallel()

	q := scheduler.NewMemoryQueue()
	require.NoError(t, q.Push(context.Background(), "garbage", time.Now().Add(-time.Second)))

	r := scheduler.NewRunner(q, func(context.Context, scheduler.Job) error { return nil },
		scheduler.DefaultRunnerConfig(), nil, setupTestLogger())
	assert.Equal(t, 0, r.Tick(context.Background()))
	assert.Equal(t, 0, q.Len())
}

func TestNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, scheduler.Noop{Logger: setupTestLogger()}.Schedule(context.Background(), scheduler.Sweep(), time.Second))
}
