package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/lock"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/scheduler"
	"github.com/phrazzld/relay-api/internal/store"
)

const (
	// SweepGuardKey is the schedule-once key of the fleet sweep.
	SweepGuardKey = "fleet_sweep"

	pollLockTTL = 3 * time.Minute
	armLockTTL  = 40 * time.Minute
	sweepBatch  = 500
	sweepSooner = 30 * time.Second
)

// Poll modes recorded in metrics and results.
const (
	modeTask  = "task"
	modeSweep = "sweep"
)

// TaskStore reads the tasks being polled.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)
}

// StatusResolver queries the upstream job status.
type StatusResolver interface {
	Resolve(ctx context.Context, req freepik.StatusRequest) (*freepik.StatusResult, error)
}

// SecretSource returns the secret of a stored credential.
type SecretSource interface {
	Secret(ctx context.Context, id uuid.UUID) (string, error)
}

// Finalizer finalizes tasks.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (*finalize.Outcome, error)
}

// ScheduleGuard claims schedule-once keys.
type ScheduleGuard interface {
	Claim(ctx context.Context, key string, until time.Time) (bool, error)
}

// Result reports what one poll did to one task.
type Result struct {
	TaskID  uuid.UUID     `json:"id"`
	Action  string        `json:"action"`
	Status  domain.Status `json:"status,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Attempt int           `json:"attempt"`
	Delay   string        `json:"delay,omitempty"`
	Skipped string        `json:"skipped,omitempty"`
}

// SweepResult reports a fleet sweep.
type SweepResult struct {
	Polled  int      `json:"polled"`
	Results []Result `json:"results"`
	// Remaining counts tasks the pass left in progress.
	Remaining     int  `json:"remaining"`
	NextScheduled bool `json:"next_scheduled"`
}

// Service runs polls against the task store and the provider.
type Service struct {
	tasks      TaskStore
	resolver   StatusResolver
	secrets    SecretSource
	finalizer  Finalizer
	scheduler  scheduler.Scheduler
	guard      ScheduleGuard
	locker     lock.Locker
	policy     Policy
	sweep      Policy
	firstDelay time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Tasks     TaskStore
	Resolver  StatusResolver
	Secrets   SecretSource
	Finalizer Finalizer
	Scheduler scheduler.Scheduler
	Guard     ScheduleGuard
	Locker    lock.Locker
	Metrics   *metrics.Metrics
}

// NewService creates a poll Service.
func NewService(cfg config.PollConfig, deps Deps, logger *slog.Logger) (*Service, error) {
	if deps.Tasks == nil || deps.Resolver == nil || deps.Secrets == nil || deps.Finalizer == nil {
		return nil, errors.New("poll: tasks, resolver, secrets and finalizer are required")
	}
	if deps.Scheduler == nil || deps.Guard == nil || deps.Locker == nil {
		return nil, errors.New("poll: scheduler, guard and locker are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:      deps.Tasks,
		resolver:   deps.Resolver,
		secrets:    deps.Secrets,
		finalizer:  deps.Finalizer,
		scheduler:  deps.Scheduler,
		guard:      deps.Guard,
		locker:     deps.Locker,
		policy:     NewPolicy(cfg),
		sweep:      SweepPolicy(cfg),
		firstDelay: cfg.FirstDelay,
		metrics:    deps.Metrics,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "poll_service")),
	}, nil
}

// SetClock replaces the clock. Intended for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Handle executes a scheduler job. Failures the runner should not retry are
// wrapped with scheduler.Permanent.
func (s *Service) Handle(ctx context.Context, job scheduler.Job) error {
	switch job.Kind {
	case scheduler.KindPollTask:
		_, err := s.PollOnce(ctx, job.TaskID, job.Attempt)
		if store.IsNotFoundError(err) {
			return scheduler.Permanent(err)
		}
		return err
	case scheduler.KindSweep:
		_, err := s.Sweep(ctx)
		return err
	default:
		return scheduler.Permanent(fmt.Errorf("poll: unsupported job kind %q", job.Kind))
	}
}

// PollOnce polls one task. A poll already running for the task elsewhere
// yields a skipped Result. Returns store.ErrTaskNotFound for unknown tasks.
func (s *Service) PollOnce(ctx context.Context, taskID uuid.UUID, attempt int) (*Result, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(
		slog.String("task_id", taskID.String()),
		slog.Int("attempt", attempt),
	)

	lease, err := s.locker.Acquire(ctx, "poll:"+taskID.String(), pollLockTTL)
	if errors.Is(err, lock.ErrHeld) {
		log.Info("poll already running elsewhere, skipping")
		s.metrics.Poll(modeTask, "skipped")
		return &Result{TaskID: taskID, Action: ActionNoop.String(), Attempt: attempt, Skipped: "locked"}, nil
	}
	if err != nil {
		log.Warn("poll lock unavailable, proceeding", slog.String("error", redact.Error(err)))
		lease = lock.DegradedLease("poll:" + taskID.String())
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()

	task, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("poll: load task: %w", err)
	}

	state := StateOf(task, s.now(), attempt)
	decision := s.policy.Decide(state)
	if decision.Action == ActionCheck {
		res, err := s.check(ctx, task)
		if err != nil {
			log.Warn("status check failed, will retry", slog.String("error", redact.Error(err)))
		}
		decision = s.policy.AfterCheck(state, res, err)
	}

	result := &Result{
		TaskID:  taskID,
		Action:  decision.Action.String(),
		Status:  decision.Status,
		Reason:  decision.Reason,
		Attempt: decision.Attempt,
	}
	s.metrics.Poll(modeTask, result.Action)

	switch decision.Action {
	case ActionNoop:
		log.Debug("task already terminal", slog.String("status", string(task.Status)))
	case ActionReschedule:
		result.Delay = decision.Delay.String()
		if err := s.scheduler.Schedule(ctx, scheduler.PollTask(taskID, decision.Attempt), decision.Delay); err != nil {
			return result, fmt.Errorf("poll: reschedule: %w", err)
		}
		log.Info("poll rescheduled",
			slog.Duration("delay", decision.Delay),
			slog.Int("next_attempt", decision.Attempt))
	case ActionFinalize:
		s.finalize(ctx, task, decision, finalize.SourcePoll)
	}
	return result, nil
}

// Sweep polls every in-progress task once and reschedules itself while any
// remain in progress after the pass. Early tasks are skipped and tasks lacking an upstream id or
// credential are left to the timeout.
func (s *Service) Sweep(ctx context.Context) (*SweepResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("mode", modeSweep))

	tasks, err := s.tasks.ListByStatus(ctx, domain.StatusInProgress, sweepBatch)
	if err != nil {
		return nil, fmt.Errorf("poll: list in-progress tasks: %w", err)
	}

	out := &SweepResult{Results: make([]Result, 0, len(tasks))}
	now := s.now()
	needSooner := false
	for _, task := range tasks {
		state := StateOf(task, now, 0)
		decision := s.sweep.Decide(state)
		switch {
		case decision.Action == ActionReschedule:
			needSooner = true
			out.Remaining++
			continue
		case decision.Action == ActionFinalize && decision.Reason == domain.ReasonMissingUpstream:
			out.Remaining++
			continue
		case decision.Action == ActionCheck:
			res, err := s.check(ctx, task)
			if err != nil {
				log.Warn("status check failed",
					slog.String("task_id", task.ID.String()),
					slog.String("error", redact.Error(err)))
				out.Results = append(out.Results, Result{TaskID: task.ID, Action: "error"})
				s.metrics.Poll(modeSweep, "error")
				out.Remaining++
				continue
			}
			decision = s.sweep.AfterCheck(state, res, nil)
			if decision.Action != ActionFinalize {
				out.Results = append(out.Results, Result{TaskID: task.ID, Action: ActionCheck.String(), Status: res.Status})
				s.metrics.Poll(modeSweep, ActionCheck.String())
				out.Remaining++
				continue
			}
		}

		if decision.Action == ActionFinalize && !s.finalize(ctx, task, decision, finalize.SourceSweep) {
			out.Remaining++
		}
		out.Results = append(out.Results, Result{
			TaskID: task.ID,
			Action: decision.Action.String(),
			Status: decision.Status,
			Reason: decision.Reason,
		})
		s.metrics.Poll(modeSweep, decision.Action.String())
	}
	out.Polled = len(out.Results)

	if out.Remaining > 0 {
		minFirst := s.sweep.MinFirst(false)
		delay := minFirst
		if needSooner {
			delay = min(sweepSooner, minFirst)
		}
		scheduled, err := s.ScheduleSweep(ctx, delay)
		if err != nil {
			log.Warn("failed to schedule next sweep", slog.String("error", redact.Error(err)))
		}
		out.NextScheduled = scheduled
	}

	log.Info("fleet sweep finished",
		slog.Int("in_progress", len(tasks)),
		slog.Int("polled", out.Polled),
		slog.Int("remaining", out.Remaining),
		slog.Bool("next_scheduled", out.NextScheduled))
	return out, nil
}

// ScheduleSweep schedules the fleet sweep after delay unless a sweep is
// already scheduled for a later time.
func (s *Service) ScheduleSweep(ctx context.Context, delay time.Duration) (bool, error) {
	ok, err := s.guard.Claim(ctx, SweepGuardKey, s.now().Add(delay))
	if err != nil {
		return false, fmt.Errorf("claim sweep schedule: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.scheduler.Schedule(ctx, scheduler.Sweep(), delay); err != nil {
		return false, err
	}
	return true, nil
}

// Arm schedules the first poll of a freshly dispatched task. It reports
// false when the task was already armed. Scheduling failures fall back to
// the fleet sweep.
func (s *Service) Arm(ctx context.Context, taskID uuid.UUID) (bool, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("task_id", taskID.String()))

	lease, err := s.locker.Acquire(ctx, "arm:"+taskID.String(), armLockTTL)
	switch {
	case errors.Is(err, lock.ErrHeld):
		log.Debug("task already armed")
		return false, nil
	case err != nil:
		log.Warn("arm lock unavailable, arming anyway", slog.String("error", redact.Error(err)))
	case lease.Degraded:
		log.Warn("arm lock degraded, arming anyway")
	}
	// The arm lock is left to expire so a task is armed once.

	if err := s.scheduler.Schedule(ctx, scheduler.PollTask(taskID, 0), s.firstDelay); err != nil {
		log.Warn("failed to arm task poll, falling back to fleet sweep", slog.String("error", redact.Error(err)))
		if _, serr := s.ScheduleSweep(ctx, s.firstDelay); serr != nil {
			return false, fmt.Errorf("poll: arm task: %w", errors.Join(err, serr))
		}
		return true, nil
	}
	log.Info("task poll armed", slog.Duration("first_delay", s.firstDelay))
	return true, nil
}

func (s *Service) check(ctx context.Context, task *domain.Task) (*freepik.StatusResult, error) {
	secret, err := s.secrets.Secret(ctx, *task.CredentialID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	model := task.Model
	if model == "" {
		model = domain.DefaultModel
	}
	return s.resolver.Resolve(ctx, freepik.StatusRequest{
		Model:      model,
		UpstreamID: task.UpstreamID,
		APIKey:     secret,
	})
}

// finalize reports whether the Finalizer accepted the request. A skip counts
// as accepted: another caller owns or already completed the transition.
func (s *Service) finalize(ctx context.Context, task *domain.Task, d Decision, source string) bool {
	var payload json.RawMessage
	if d.Reason != "" {
		payload, _ = json.Marshal(map[string]any{"reason": d.Reason})
	}
	_, err := s.finalizer.Finalize(ctx, finalize.Request{
		TaskID:        &task.ID,
		UpstreamID:    task.UpstreamID,
		CallbackURL:   task.CallbackURL,
		Status:        d.Status,
		ResultURLs:    d.ResultURLs,
		ResultPayload: payload,
		Reason:        d.Reason,
		Source:        source,
	})
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("finalize failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
