package poll_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/lock"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/poll"
	"github.com/phrazzld/relay-api/internal/scheduler"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTaskStore struct {
	GetByIDFn      func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListByStatusFn func(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
}

func (m *mockTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return m.GetByIDFn(ctx, id)
}

func (m *mockTaskStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	return m.ListByStatusFn(ctx, status, limit)
}

type mockResolver struct {
	mu        sync.Mutex
	requests  []freepik.StatusRequest
	ResolveFn func(ctx context.Context, req freepik.StatusRequest) (*freepik.StatusResult, error)
}

func (m *mockResolver) Resolve(ctx context.Context, req freepik.StatusRequest) (*freepik.StatusResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.ResolveFn(ctx, req)
}

type staticSecrets struct{}

func (staticSecrets) Secret(context.Context, uuid.UUID) (string, error) { return "fpk_secret", nil }

type recordingFinalizer struct {
	mu       sync.Mutex
	requests []finalize.Request
}

func (f *recordingFinalizer) snapshot() []finalize.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]finalize.Request(nil), f.requests...)
}

func (f *recordingFinalizer) Finalize(_ context.Context, req finalize.Request) (*finalize.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return &finalize.Outcome{Finalized: true}, nil
}

type scheduled struct {
	job   scheduler.Job
	delay time.Duration
}

type recordingScheduler struct {
	mu   sync.Mutex
	jobs []scheduled
	err  error
}

func (s *recordingScheduler) Schedule(_ context.Context, job scheduler.Job, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil && job.Kind == scheduler.KindPollTask {
		return s.err
	}
	s.jobs = append(s.jobs, scheduled{job: job, delay: delay})
	return nil
}

type memoryGuard struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func (g *memoryGuard) Claim(_ context.Context, key string, until time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.until[key]; ok && cur.After(g.now()) {
		return false, nil
	}
	g.until[key] = until
	return true, nil
}

type fixture struct {
	now       time.Time
	tasks     map[uuid.UUID]*domain.Task
	resolver  *mockResolver
	finalizer *recordingFinalizer
	scheduler *recordingScheduler
	locker    *lock.MemoryLocker
	svc       *poll.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		tasks:     map[uuid.UUID]*domain.Task{},
		resolver:  &mockResolver{},
		finalizer: &recordingFinalizer{},
		scheduler: &recordingScheduler{},
		locker:    lock.NewMemoryLocker(),
	}
	f.resolver.ResolveFn = func(context.Context, freepik.StatusRequest) (*freepik.StatusResult, error) {
		return &freepik.StatusResult{Status: domain.StatusInProgress}, nil
	}
	clock := func() time.Time { return f.now }
	f.locker.SetClock(clock)

	taskStore := &mockTaskStore{
		GetByIDFn: func(_ context.Context, id uuid.UUID) (*domain.Task, error) {
			task, ok := f.tasks[id]
			if !ok {
				return nil, store.ErrTaskNotFound
			}
			return task, nil
		},
		ListByStatusFn: func(_ context.Context, status domain.Status, _ int) ([]*domain.Task, error) {
			var out []*domain.Task
			for _, task := range f.tasks {
				if task.Status == status {
					out = append(out, task)
				}
			}
			return out, nil
		},
	}
	svc, err := poll.NewService(testPollConfig(), poll.Deps{
		Tasks:     taskStore,
		Resolver:  f.resolver,
		Secrets:   staticSecrets{},
		Finalizer: f.finalizer,
		Scheduler: f.scheduler,
		Guard:     &memoryGuard{until: map[string]time.Time{}, now: clock},
		Locker:    f.locker,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	svc.SetClock(clock)
	f.svc = svc
	return f
}

func (f *fixture) addTask(typ domain.Type, startedAgo time.Duration) *domain.Task {
	started := f.now.Add(-startedAgo)
	cred := uuid.New()
	task := &domain.Task{
		ID:           uuid.New(),
		Type:         typ,
		Model:        "mystic",
		Status:       domain.StatusInProgress,
		CallbackURL:  "https://caller.example.com/cb",
		UpstreamID:   "U-" + uuid.NewString()[:8],
		CredentialID: &cred,
		CreatedAt:    started,
		StartedAt:    &started,
	}
	f.tasks[task.ID] = task
	return task
}

func TestPollOnceTimesOutStuckTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeVideo, 300*time.Second)

	res, err := f.svc.PollOnce(context.Background(), task.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "finalize", res.Action)
	assert.Equal(t, domain.ReasonTimeout, res.Reason)

	require.Len(t, f.finalizer.requests, 1)
	req := f.finalizer.requests[0]
	assert.Equal(t, task.ID, *req.TaskID)
	assert.Equal(t, domain.StatusFailed, req.Status)
	assert.Equal(t, domain.ReasonTimeout, req.Reason)
	assert.Equal(t, finalize.SourcePoll, req.Source)
	assert.JSONEq(t, `{"reason":"timeout"}`, string(req.ResultPayload))
	assert.Empty(t, f.resolver.requests)
	assert.Empty(t, f.scheduler.jobs)
}

func TestPollOnceReschedulesEarlyTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeVideo, 30*time.Second)

	res, err := f.svc.PollOnce(context.Background(), task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "reschedule", res.Action)

	require.Len(t, f.scheduler.jobs, 1)
	assert.Equal(t, scheduler.PollTask(task.ID, 0), f.scheduler.jobs[0].job)
	assert.Equal(t, 90*time.Second, f.scheduler.jobs[0].delay)
	assert.Empty(t, f.resolver.requests)
	assert.False(t, f.locker.Held("poll:"+task.ID.String()))
}

func TestPollOnceChecksAndRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 90*time.Second)
	f.resolver.ResolveFn = func(context.Context, freepik.StatusRequest) (*freepik.StatusResult, error) {
		return nil, freepik.ErrStatusCheck
	}

	res, err := f.svc.PollOnce(context.Background(), task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "reschedule", res.Action)
	assert.Equal(t, 2, res.Attempt)

	require.Len(t, f.resolver.requests, 1)
	assert.Equal(t, freepik.StatusRequest{Model: "mystic", UpstreamID: task.UpstreamID, APIKey: "fpk_secret"}, f.resolver.requests[0])
	require.Len(t, f.scheduler.jobs, 1)
	assert.Equal(t, scheduler.PollTask(task.ID, 2), f.scheduler.jobs[0].job)
	assert.Equal(t, 30*time.Second, f.scheduler.jobs[0].delay)
}

func TestPollOnceFinalizesCompleted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 90*time.Second)
	task.Model = ""
	f.resolver.ResolveFn = func(context.Context, freepik.StatusRequest) (*freepik.StatusResult, error) {
		return &freepik.StatusResult{Status: domain.StatusCompleted, Generated: []string{"a.png", "b.png"}}, nil
	}

	_, err := f.svc.PollOnce(context.Background(), task.ID, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.DefaultModel, f.resolver.requests[0].Model)
	require.Len(t, f.finalizer.requests, 1)
	assert.Equal(t, domain.StatusCompleted, f.finalizer.requests[0].Status)
	assert.Equal(t, []string{"a.png", "b.png"}, f.finalizer.requests[0].ResultURLs)
	assert.Empty(t, f.scheduler.jobs)
}

func TestPollOnceMissingUpstream(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 90*time.Second)
	task.UpstreamID = ""

	_, err := f.svc.PollOnce(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, f.finalizer.requests, 1)
	assert.Equal(t, domain.ReasonMissingUpstream, f.finalizer.requests[0].Reason)
}

func TestPollOnceSkipsWhenLocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 90*time.Second)
	_, err := f.locker.Acquire(context.Background(), "poll:"+task.ID.String(), time.Minute)
	require.NoError(t, err)

	res, err := f.svc.PollOnce(context.Background(), task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "locked", res.Skipped)
	assert.Empty(t, f.resolver.requests)
}

func TestPollOnceTerminalAndUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 90*time.Second)
	task.Status = domain.StatusCompleted

	res, err := f.svc.PollOnce(context.Background(), task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "noop", res.Action)
	assert.Empty(t, f.finalizer.requests)

	_, err = f.svc.PollOnce(context.Background(), uuid.New(), 0)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestHandleDispatchesJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	task := f.addTask(domain.TypeImage, 400*time.Second)

	require.NoError(t, f.svc.Handle(context.Background(), scheduler.PollTask(task.ID, 0)))
	assert.Len(t, f.finalizer.requests, 1)
	require.NoError(t, f.svc.Handle(context.Background(), scheduler.Sweep()))
	assert.Error(t, f.svc.Handle(context.Background(), scheduler.Job{Kind: "bogus"}))
}

func TestHandleClassifiesFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Handle(ctx, scheduler.PollTask(uuid.New(), 0))
	assert.ErrorIs(t, err, scheduler.ErrPermanent, "unknown task")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.svc.Handle(ctx, scheduler.Job{Kind: "bogus"})
	assert.ErrorIs(t, err, scheduler.ErrPermanent, "unknown kind")

	task := f.addTask(domain.TypeImage, 90*time.Second)
	f.scheduler.err = errors.New("queue unavailable")
	err = f.svc.Handle(ctx, scheduler.PollTask(task.ID, 1))
	require.Error(t, err)
	assert.NotErrorIs(t, err, scheduler.ErrPermanent, "reschedule failures are retried")
}

func TestSweepStopsOnceNothingRemains(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addTask(domain.TypeImage, 250*time.Second)
	done := f.addTask(domain.TypeVideo, 70*time.Second)
	f.resolver.ResolveFn = func(context.Context, freepik.StatusRequest) (*freepik.StatusResult, error) {
		return &freepik.StatusResult{Status: domain.StatusCompleted, Generated: []string{"v.mp4"}}, nil
	}

	out, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Polled)
	assert.Zero(t, out.Remaining)
	assert.False(t, out.NextScheduled)
	assert.Empty(t, f.scheduler.jobs)
	assert.Len(t, f.finalizer.requests, 2)
	assert.Equal(t, done.UpstreamID, f.resolver.requests[0].UpstreamID)
}

func TestRunnerRetriesTransientPollFailure(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-400 * time.Second)
	cred := uuid.New()
	task := &domain.Task{
		ID:           uuid.New(),
		Type:         domain.TypeImage,
		Status:       domain.StatusInProgress,
		UpstreamID:   "U1",
		CredentialID: &cred,
		CreatedAt:    started,
		StartedAt:    &started,
	}

	var mu sync.Mutex
	loads := 0
	tasks := &mockTaskStore{
		GetByIDFn: func(context.Context, uuid.UUID) (*domain.Task, error) {
			mu.Lock()
			defer mu.Unlock()
			loads++
			if loads == 1 {
				return nil, errors.New("db: connection reset")
			}
			return task, nil
		},
		ListByStatusFn: func(context.Context, domain.Status, int) ([]*domain.Task, error) { return nil, nil },
	}

	queue := scheduler.NewMemoryQueue()
	fin := &recordingFinalizer{}
	clock := func() time.Time { return now }
	svc, err := poll.NewService(testPollConfig(), poll.Deps{
		Tasks:     tasks,
		Resolver:  &mockResolver{},
		Secrets:   staticSecrets{},
		Finalizer: fin,
		Scheduler: scheduler.NewQueued(queue),
		Guard:     &memoryGuard{until: map[string]time.Time{}, now: clock},
		Locker:    lock.NewMemoryLocker(),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	svc.SetClock(clock)

	require.NoError(t, scheduler.NewQueued(queue).Schedule(context.Background(), scheduler.PollTask(task.ID, 2), 0))

	runner := scheduler.NewRunner(queue, svc.Handle, scheduler.RunnerConfig{
		WorkerCount:  1,
		TickInterval: 5 * time.Millisecond,
		RetryDelay:   10 * time.Millisecond,
		MaxRetries:   3,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runner.Start()
	defer runner.Stop()

	require.Eventually(t, func() bool { return len(fin.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)

	req := fin.snapshot()[0]
	assert.Equal(t, task.ID, *req.TaskID)
	assert.Equal(t, domain.StatusFailed, req.Status)
	assert.Equal(t, domain.ReasonTimeout, req.Reason)

	mu.Lock()
	assert.Equal(t, 2, loads)
	mu.Unlock()
}

func TestSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	early := f.addTask(domain.TypeImage, 10*time.Second)
	timedOut := f.addTask(domain.TypeImage, 250*time.Second)
	done := f.addTask(domain.TypeVideo, 70*time.Second)
	missing := f.addTask(domain.TypeImage, 70*time.Second)
	missing.CredentialID = nil

	f.resolver.ResolveFn = func(_ context.Context, req freepik.StatusRequest) (*freepik.StatusResult, error) {
		if req.UpstreamID == done.UpstreamID {
			return &freepik.StatusResult{Status: domain.StatusCompleted, Generated: []string{"v.mp4"}}, nil
		}
		return nil, errors.New("unexpected status lookup")
	}

	out, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Polled)
	assert.Equal(t, 2, out.Remaining, "early and missing stay in progress")
	assert.True(t, out.NextScheduled)

	finalized := map[uuid.UUID]finalize.Request{}
	for _, r := range f.finalizer.requests {
		finalized[*r.TaskID] = r
		assert.Equal(t, finalize.SourceSweep, r.Source)
	}
	assert.Equal(t, domain.ReasonTimeout, finalized[timedOut.ID].Reason)
	assert.Equal(t, domain.StatusCompleted, finalized[done.ID].Status)
	assert.NotContains(t, finalized, early.ID)
	assert.NotContains(t, finalized, missing.ID)

	require.Len(t, f.scheduler.jobs, 1)
	assert.Equal(t, scheduler.Sweep(), f.scheduler.jobs[0].job)
	assert.Equal(t, 30*time.Second, f.scheduler.jobs[0].delay)

	// The guard keeps a second sweep from stacking another schedule.
	out, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, out.NextScheduled)
	assert.Len(t, f.scheduler.jobs, 1)
}

func TestSweepIdleDoesNotReschedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	out, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.Polled)
	assert.False(t, out.NextScheduled)
	assert.Empty(t, f.scheduler.jobs)
}

func TestArm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id := uuid.New()

	armed, err := f.svc.Arm(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, armed)

	armed, err = f.svc.Arm(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, armed)

	require.Len(t, f.scheduler.jobs, 1)
	assert.Equal(t, scheduler.PollTask(id, 0), f.scheduler.jobs[0].job)
	assert.Equal(t, 120*time.Second, f.scheduler.jobs[0].delay)
}

func TestArmFallsBackToSweep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scheduler.err = errors.New("publish rejected")

	armed, err := f.svc.Arm(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, armed)
	require.Len(t, f.scheduler.jobs, 1)
	assert.Equal(t, scheduler.KindSweep, f.scheduler.jobs[0].job.Kind)
}

func TestArmDegradedLockStillArms(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.locker.FailWith(errors.New("redis: connection refused"))

	armed, err := f.svc.Arm(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, armed)
	assert.Len(t, f.scheduler.jobs, 1)
}
