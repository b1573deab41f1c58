package finalize

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
	"github.com/phrazzld/relay-api/internal/events"
	"github.com/phrazzld/relay-api/internal/lock"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/store"
)

const (
	minLockTTL         = 30 * time.Second
	minCallbackTimeout = time.Second
)

// Skip reasons reported in Outcome.Skipped.
const (
	SkippedLocked   = "locked"
	SkippedTerminal = "terminal"
)

// Sources of a finalization request.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceSweep   = "sweep"
	SourceSubmit  = "submit"
	SourceProxy   = "proxy"
)

// ErrInvalidRequest is returned for requests that name no task.
var ErrInvalidRequest = errors.New("invalid finalize request")

// Request asks for a task to be finalized. TaskID selects stateful mode.
// Without it the request is stateless and carries the upstream id and the
// caller callback directly.
type Request struct {
	TaskID        *uuid.UUID
	UpstreamID    string
	CallbackURL   string
	Status        domain.Status
	ResultURLs    []string
	ResultPayload json.RawMessage
	Reason        string
	Source        string
}

// Stateless reports whether the request bypasses the task store.
func (r Request) Stateless() bool {
	return r.TaskID == nil
}

// LockKey is the key that serializes finalization of the request's task.
func (r Request) LockKey() string {
	if r.Stateless() {
		return "finalize:upstream:" + r.UpstreamID
	}
	return "finalize:" + r.TaskID.String()
}

func (r Request) scope() string {
	if r.Stateless() {
		return r.UpstreamID
	}
	return r.TaskID.String()
}

func (r Request) validate() error {
	if !r.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidRequest, r.Status)
	}
	if r.Stateless() && r.UpstreamID == "" {
		return fmt.Errorf("%w: stateless request without upstream id", ErrInvalidRequest)
	}
	return nil
}

// Outcome reports what a Finalize call did.
type Outcome struct {
	// Skipped is SkippedLocked or SkippedTerminal when nothing was done.
	Skipped   string
	Finalized bool
	Degraded  bool
	Archived  []domain.ArchivedObject
	Notified  bool
}

// Archiver copies result files into durable storage. Failures are absorbed:
// the returned slice holds only the objects that were stored.
type Archiver interface {
	Archive(ctx context.Context, scope string, urls []string) []domain.ArchivedObject
}

// TaskReader loads the current task row.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
}

// Recorder persists the terminal state of a task and its archived objects.
// It returns store.ErrAlreadyTerminal when the row is already terminal.
type Recorder interface {
	Record(ctx context.Context, id uuid.UUID, f store.Finalization) error
}

// AssetRecorder stores archived objects for stateless finalization.
type AssetRecorder interface {
	InsertMany(ctx context.Context, scope string, objects []domain.ArchivedObject) error
}

// Finalizer runs the terminal transition for tasks.
type Finalizer struct {
	locker          lock.Locker
	tasks           TaskReader
	recorder        Recorder
	notifier        Notifier
	archiver        Archiver
	assets          AssetRecorder
	emitter         events.EventEmitter
	metrics         *metrics.Metrics
	lockTTL         time.Duration
	callbackTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// Option configures a Finalizer.
type Option func(*Finalizer)

// WithArchiver enables archiving of completed results.
func WithArchiver(a Archiver) Option {
	return func(f *Finalizer) { f.archiver = a }
}

// WithAssetRecorder records archived objects of stateless finalizations.
func WithAssetRecorder(a AssetRecorder) Option {
	return func(f *Finalizer) { f.assets = a }
}

// WithEmitter publishes a task.finalized event after each finalization.
func WithEmitter(e events.EventEmitter) Option {
	return func(f *Finalizer) { f.emitter = e }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Finalizer) { f.metrics = m }
}

// WithClock replaces the clock used for completion timestamps.
func WithClock(now func() time.Time) Option {
	return func(f *Finalizer) { f.now = now }
}

// NewFinalizer creates a Finalizer. Lock TTLs below 30s and callback
// timeouts below 1s are raised to those floors.
func NewFinalizer(
	cfg config.FinalizeConfig,
	locker lock.Locker,
	tasks TaskReader,
	recorder Recorder,
	notifier Notifier,
	logger *slog.Logger,
	opts ...Option,
) *Finalizer {
	if locker == nil || tasks == nil || recorder == nil || notifier == nil {
		panic("finalize: locker, tasks, recorder and notifier are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Finalizer{
		locker:          locker,
		tasks:           tasks,
		recorder:        recorder,
		notifier:        notifier,
		lockTTL:         max(cfg.LockTTL, minLockTTL),
		callbackTimeout: max(cfg.CallbackTimeout, minCallbackTimeout),
		now:             time.Now,
		logger:          logger.With(slog.String("component", "finalizer")),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize moves the task to req.Status at most once. A concurrent or
// repeated call returns an Outcome with Skipped set and no error. Archive,
// store and notification failures are logged; the returned error covers
// only invalid requests.
func (f *Finalizer) Finalize(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	log := logger.FromContextOrDefault(ctx, f.logger).With(
		slog.String("lock_key", req.LockKey()),
		slog.String("status", string(req.Status)),
		slog.String("source", req.Source),
	)

	lease, err := f.locker.Acquire(ctx, req.LockKey(), f.lockTTL)
	switch {
	case errors.Is(err, lock.ErrHeld):
		log.Info("finalization already in progress elsewhere, skipping")
		f.metrics.Finalization(string(req.Status), req.Source, SkippedLocked)
		return &Outcome{Skipped: SkippedLocked}, nil
	case err != nil:
		log.Warn("lock unavailable, finalizing without it", slog.String("error", redact.Error(err)))
		lease = lock.DegradedLease(req.LockKey())
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release finalize lock", slog.String("error", redact.Error(err)))
		}
	}()

	out := &Outcome{Degraded: lease.Degraded}
	task := f.loadTask(ctx, log, req)
	if task != nil && task.Status.IsTerminal() {
		log.Info("task already terminal, skipping", slog.String("current_status", string(task.Status)))
		f.metrics.Finalization(string(req.Status), req.Source, SkippedTerminal)
		out.Skipped = SkippedTerminal
		return out, nil
	}

	callbackURL, upstreamID := req.CallbackURL, req.UpstreamID
	if task != nil {
		if callbackURL == "" {
			callbackURL = task.CallbackURL
		}
		if upstreamID == "" {
			upstreamID = task.UpstreamID
		}
	}

	if req.Status == domain.StatusCompleted && len(req.ResultURLs) > 0 && f.archiver != nil {
		out.Archived = f.archiver.Archive(ctx, req.scope(), req.ResultURLs)
		log.Info("archived results",
			slog.Int("requested", len(req.ResultURLs)),
			slog.Int("stored", len(out.Archived)))
	}

	if !f.persist(ctx, log, req, out) {
		out.Skipped = SkippedTerminal
		out.Archived = nil
		f.metrics.Finalization(string(req.Status), req.Source, SkippedTerminal)
		return out, nil
	}
	out.Finalized = true
	f.metrics.Finalization(string(req.Status), req.Source, "finalized")

	out.Notified = f.notify(ctx, log, callbackURL, Notification{
		ID:              taskIDString(req.TaskID),
		UpstreamID:      upstreamID,
		Status:          req.Status,
		ResultURLs:      req.ResultURLs,
		ArchivedObjects: out.Archived,
		PublicURLs:      domain.PublicURLs(out.Archived),
		Reason:          req.Reason,
	})

	f.emit(ctx, log, req, upstreamID, out)
	log.Info("task finalized", slog.Bool("notified", out.Notified), slog.Bool("degraded", out.Degraded))
	return out, nil
}

// loadTask re-reads the task in stateful mode. Read failures are logged and
// treated as "not terminal": the conditional write is the final guard.
func (f *Finalizer) loadTask(ctx context.Context, log *slog.Logger, req Request) *domain.Task {
	if req.Stateless() {
		return nil
	}
	task, err := f.tasks.GetByID(ctx, *req.TaskID)
	if err != nil {
		log.Warn("could not re-read task before finalizing", slog.String("error", redact.Error(err)))
		return nil
	}
	return task
}

// persist writes the terminal state. It reports false only when the store
// says another caller already finalized the task.
func (f *Finalizer) persist(ctx context.Context, log *slog.Logger, req Request, out *Outcome) bool {
	if req.Stateless() {
		if f.assets != nil && len(out.Archived) > 0 {
			if err := f.assets.InsertMany(ctx, req.scope(), out.Archived); err != nil {
				log.Warn("failed to record archived objects", slog.String("error", redact.Error(err)))
			}
		}
		return true
	}

	err := f.recorder.Record(ctx, *req.TaskID, store.Finalization{
		Status:          req.Status,
		ResultURLs:      req.ResultURLs,
		ArchivedObjects: out.Archived,
		ResultPayload:   req.ResultPayload,
		Error:           req.Reason,
		CompletedAt:     f.now().UTC(),
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, store.ErrAlreadyTerminal):
		log.Info("task finalized concurrently, skipping")
		return false
	default:
		// The caller is still notified: the provider result is authoritative.
		log.Error("failed to persist terminal status", slog.String("error", redact.Error(err)))
		return true
	}
}

func (f *Finalizer) notify(ctx context.Context, log *slog.Logger, callbackURL string, n Notification) bool {
	if callbackURL == "" {
		f.metrics.Notification("none")
		return false
	}
	if !SafeCallbackURL(callbackURL) {
		log.Warn("unsafe callback URL, notification skipped", slog.String("callback_url", redact.String(callbackURL)))
		f.metrics.Notification("unsafe")
		return false
	}

	nctx, cancel := context.WithTimeout(ctx, f.callbackTimeout)
	defer cancel()
	if err := f.notifier.Notify(nctx, callbackURL, n); err != nil {
		log.Warn("callback notification failed", slog.String("error", redact.Error(err)))
		f.metrics.Notification("failed")
		return false
	}
	f.metrics.Notification("delivered")
	return true
}

// FinalizedPayload is the payload of a task.finalized event.
type FinalizedPayload struct {
	TaskID     string        `json:"task_id,omitempty"`
	UpstreamID string        `json:"upstream_task_id,omitempty"`
	Status     domain.Status `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Source     string        `json:"source"`
	ResultURLs []string      `json:"result_urls,omitempty"`
	Archived   int           `json:"archived"`
	Notified   bool          `json:"notified"`
	Degraded   bool          `json:"degraded"`
}

func (f *Finalizer) emit(ctx context.Context, log *slog.Logger, req Request, upstreamID string, out *Outcome) {
	if f.emitter == nil {
		return
	}
	event, err := events.NewEvent(events.TypeTaskFinalized, req.scope(), FinalizedPayload{
		TaskID:     taskIDString(req.TaskID),
		UpstreamID: upstreamID,
		Status:     req.Status,
		Reason:     req.Reason,
		Source:     req.Source,
		ResultURLs: req.ResultURLs,
		Archived:   len(out.Archived),
		Notified:   out.Notified,
		Degraded:   out.Degraded,
	})
	if err != nil {
		log.Error("failed to build finalized event", slog.String("error", err.Error()))
		return
	}
	if err := f.emitter.EmitEvent(ctx, event); err != nil {
		log.Warn("failed to emit finalized event", slog.String("error", redact.Error(err)))
	}
}

func taskIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
