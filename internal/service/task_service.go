package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/lock"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/phrazzld/relay-api/internal/webhook"
)

const (
	submitLockTTL = 2 * time.Minute
	submitTimeout = 2 * time.Minute
)

// TaskRepository is the task persistence the service needs.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, d store.Dispatch) error
}

// ModelRegistry resolves logical model names.
type ModelRegistry interface {
	Lookup(ctx context.Context, name string) (*domain.Model, error)
}

// CredentialSource picks and loads provider credentials.
type CredentialSource interface {
	Select(ctx context.Context) (*credential.Selection, error)
	Secret(ctx context.Context, id uuid.UUID) (string, error)
}

// Dispatcher submits jobs to the provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, req freepik.DispatchRequest) (*freepik.DispatchResult, error)
}

// Finalizer finalizes tasks.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (*finalize.Outcome, error)
}

// PollArmer arms the first poll of a dispatched task.
type PollArmer interface {
	Arm(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// CreateTaskInput is a caller's task request.
type CreateTaskInput struct {
	Type        domain.Type
	Model       string
	CallbackURL string
	Payload     map[string]any
	SiteID      string
}

// SubmitResult reports what Submit did.
type SubmitResult struct {
	TaskID     uuid.UUID
	UpstreamID string
	// Skipped is set when the task was not PENDING or another submit held the lock.
	Skipped bool
}

// TaskService creates and submits tasks.
type TaskService interface {
	// CreateTask validates and saves a PENDING task, then submits it in the
	// background.
	CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error)

	// Submit dispatches a PENDING task to the provider. It is idempotent:
	// a task that has left PENDING is skipped.
	Submit(ctx context.Context, taskID uuid.UUID) (*SubmitResult, error)

	// Wait blocks until background submissions have finished.
	Wait()
}

// TaskServiceDeps are the collaborators of the task service.
type TaskServiceDeps struct {
	Tasks       TaskRepository
	Models      ModelRegistry
	Credentials CredentialSource
	Dispatcher  Dispatcher
	Finalizer   Finalizer
	Poller      PollArmer
	Locker      lock.Locker
	Metrics     *metrics.Metrics
}

type taskServiceImpl struct {
	deps       TaskServiceDeps
	webhookURL string
	now        func() time.Time
	inflight   sync.WaitGroup
	logger     *slog.Logger
}

// NewTaskService creates a TaskService. webhookURL is the provider-facing
// webhook endpoint handed to the provider on dispatch.
func NewTaskService(deps TaskServiceDeps, webhookURL string, logger *slog.Logger) (TaskService, error) {
	switch {
	case deps.Tasks == nil:
		return nil, fmt.Errorf("%w: tasks cannot be nil", domain.ErrValidation)
	case deps.Models == nil:
		return nil, fmt.Errorf("%w: models cannot be nil", domain.ErrValidation)
	case deps.Credentials == nil:
		return nil, fmt.Errorf("%w: credentials cannot be nil", domain.ErrValidation)
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher cannot be nil", domain.ErrValidation)
	case deps.Finalizer == nil:
		return nil, fmt.Errorf("%w: finalizer cannot be nil", domain.ErrValidation)
	case deps.Poller == nil:
		return nil, fmt.Errorf("%w: poller cannot be nil", domain.ErrValidation)
	}
	if deps.Locker == nil {
		deps.Locker = lock.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &taskServiceImpl{
		deps:       deps,
		webhookURL: webhookURL,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "task_service")),
	}, nil
}

// CreateTask implements TaskService.
func (s *taskServiceImpl) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if strings.TrimSpace(in.CallbackURL) == "" {
		return nil, domain.ErrMissingCallbackURL
	}
	model := strings.TrimSpace(in.Model)
	typ := in.Type
	if model == "" && typ == "" {
		return nil, domain.ErrMissingModel
	}
	if typ != "" && !typ.Valid() {
		return nil, domain.ErrInvalidType
	}
	if typ == "" {
		m, err := s.deps.Models.Lookup(ctx, model)
		if err != nil {
			return nil, err
		}
		typ = m.Kind
	}

	task, err := domain.NewTask(typ, model, in.CallbackURL, in.Payload)
	if err != nil {
		return nil, err
	}
	task.SiteID = in.SiteID

	if err := s.deps.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.deps.Metrics.TaskCreated(string(task.Type), "api")
	log.Info("task created, submitting in background",
		slog.String("task_id", task.ID.String()),
		slog.String("type", string(task.Type)),
		slog.String("model", task.Model))

	s.submitAsync(ctx, task.ID)
	return task, nil
}

func (s *taskServiceImpl) submitAsync(ctx context.Context, id uuid.UUID) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
		defer cancel()
		if _, err := s.Submit(ctx, id); err != nil {
			logger.FromContextOrDefault(ctx, s.logger).Warn("background submit failed",
				slog.String("task_id", id.String()),
				slog.String("error", redact.Error(err)))
		}
	}()
}

// Wait implements TaskService.
func (s *taskServiceImpl) Wait() {
	s.inflight.Wait()
}

// Submit implements TaskService.
func (s *taskServiceImpl) Submit(ctx context.Context, taskID uuid.UUID) (*SubmitResult, error) {
	log := logger.FromContextOrDefault(ctx, s.logger).With(slog.String("task_id", taskID.String()))
	result := &SubmitResult{TaskID: taskID}

	lease, err := s.deps.Locker.Acquire(ctx, "submit:"+taskID.String(), submitLockTTL)
	switch {
	case errors.Is(err, lock.ErrHeld):
		log.Debug("submit already in progress")
		result.Skipped = true
		return result, nil
	case err != nil:
		log.Warn("submit lock unavailable, proceeding", slog.String("error", redact.Error(err)))
		s.deps.Metrics.LockDegraded("submit")
		lease = lock.DegradedLease("submit:" + taskID.String())
	}
	defer lease.Release(context.WithoutCancel(ctx))

	task, err := s.deps.Tasks.GetByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status != domain.StatusPending {
		log.Debug("task is not pending, skipping submit", slog.String("status", string(task.Status)))
		result.Skipped = true
		return result, nil
	}

	credentialID, secret, err := s.credential(ctx, task)
	if err != nil {
		log.Error("no credential for submit", slog.String("error", redact.Error(err)))
		s.fail(ctx, log, task, "no_credential")
		return nil, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}

	callbackURL, err := webhook.CallbackURL(s.webhookURL, task.CallbackURL, task.SiteID, nil)
	if err != nil {
		log.Warn("failed to build webhook URL, dispatching without it", slog.String("error", err.Error()))
		callbackURL = ""
	}

	model := task.Model
	if model == "" {
		model = domain.DefaultModel
	}
	dispatched, err := s.deps.Dispatcher.Dispatch(ctx, freepik.DispatchRequest{
		Model:       model,
		Payload:     task.InputPayload,
		CallbackURL: callbackURL,
		APIKey:      secret,
	})
	if err != nil {
		s.deps.Metrics.Dispatch("error")
		log.Error("dispatch failed", slog.String("error", redact.Error(err)))
		s.fail(ctx, log, task, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	s.deps.Metrics.Dispatch("ok")
	result.UpstreamID = dispatched.UpstreamID
	log = log.With(slog.String("upstream_task_id", dispatched.UpstreamID))

	err = s.deps.Tasks.MarkDispatched(ctx, taskID, store.Dispatch{
		CredentialID:     &credentialID,
		UpstreamID:       dispatched.UpstreamID,
		UpstreamResponse: dispatched.Raw,
		StartedAt:        s.now().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrNotPending):
		log.Info("task left PENDING during submit")
		result.Skipped = true
		return result, nil
	case err != nil:
		log.Error("failed to record dispatch, arming poll anyway", slog.String("error", redact.Error(err)))
	default:
		log.Info("task dispatched", slog.String("upstream_status", string(dispatched.Status)))
	}

	if dispatched.Status == domain.StatusFailed {
		s.finalize(ctx, log, finalize.Request{
			TaskID:      &taskID,
			UpstreamID:  dispatched.UpstreamID,
			CallbackURL: task.CallbackURL,
			Status:      domain.StatusFailed,
			Reason:      domain.ReasonUpstreamFailed,
			Source:      finalize.SourceSubmit,
		})
		return result, nil
	}

	if _, armErr := s.deps.Poller.Arm(ctx, taskID); armErr != nil {
		log.Warn("failed to arm poll", slog.String("error", redact.Error(armErr)))
	}
	if err != nil {
		return result, fmt.Errorf("failed to record dispatch: %w", err)
	}
	return result, nil
}

// credential returns the task's assigned credential, or selects a new one.
func (s *taskServiceImpl) credential(ctx context.Context, task *domain.Task) (uuid.UUID, string, error) {
	if task.CredentialID != nil {
		secret, err := s.deps.Credentials.Secret(ctx, *task.CredentialID)
		if err == nil && secret != "" {
			return *task.CredentialID, secret, nil
		}
		logger.FromContextOrDefault(ctx, s.logger).Warn("assigned credential unavailable, selecting another",
			slog.String("task_id", task.ID.String()))
	}
	sel, err := s.deps.Credentials.Select(ctx)
	if err != nil {
		return uuid.Nil, "", err
	}
	return sel.ID, sel.Secret, nil
}

// fail finalizes a task that could not be submitted.
func (s *taskServiceImpl) fail(ctx context.Context, log *slog.Logger, task *domain.Task, message string) {
	payload, _ := json.Marshal(map[string]string{
		"reason":  domain.ReasonSubmitFailed,
		"message": redact.String(message),
	})
	s.finalize(ctx, log, finalize.Request{
		TaskID:        &task.ID,
		CallbackURL:   task.CallbackURL,
		Status:        domain.StatusFailed,
		ResultPayload: payload,
		Reason:        domain.ReasonSubmitFailed,
		Source:        finalize.SourceSubmit,
	})
}

func (s *taskServiceImpl) finalize(ctx context.Context, log *slog.Logger, req finalize.Request) {
	if _, err := s.deps.Finalizer.Finalize(ctx, req); err != nil {
		log.Error("failed to finalize task", slog.String("error", redact.Error(err)))
	}
}
