package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/relay-api/internal/metrics"
)

// RunnerConfig holds configuration for the Runner.
type RunnerConfig struct {
	// WorkerCount determines how many jobs execute concurrently.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// TickInterval is how often the queue is checked for due jobs.
	TickInterval time.Duration

	// BatchSize caps how many due jobs one tick pops.
	BatchSize int

	// JobTimeout bounds a single job execution. Zero means no bound.
	JobTimeout time.Duration

	// RetryDelay is the delay before the first retry of a failed job. Each
	// further retry doubles it, up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// MaxRetries caps how often a failed job is pushed back. Zero disables
	// retries.
	MaxRetries int
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:   2,
		TickInterval:  time.Second,
		BatchSize:     50,
		JobTimeout:    5 * time.Minute,
		RetryDelay:    15 * time.Second,
		MaxRetryDelay: 2 * time.Minute,
		MaxRetries:    10,
	}
}

const retryPushTimeout = 5 * time.Second

// Runner drains a Queue into a pool of workers.
type Runner struct {
	queue      Queue
	handler    Handler
	config     RunnerConfig
	jobs       chan Job
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	logger     *slog.Logger
	errHandler func(job Job, err error)
	now        func() time.Time
}

// NewRunner creates a Runner that executes due jobs with handler.
func NewRunner(queue Queue, handler Handler, config RunnerConfig, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler_runner"))

	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 15 * time.Second
	}
	if config.MaxRetryDelay < config.RetryDelay {
		config.MaxRetryDelay = max(2*time.Minute, config.RetryDelay)
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		queue:      queue,
		handler:    handler,
		config:     config,
		jobs:       make(chan Job, config.BatchSize),
		ctx:        ctx,
		cancelFunc: cancel,
		metrics:    m,
		logger:     logger,
		errHandler: func(job Job, err error) {
			logger.Error("scheduled job failed",
				"job", job.String(),
				"error", err)
		},
		now: time.Now,
	}
}

// SetErrorHandler allows setting a custom error handler function.
func (r *Runner) SetErrorHandler(handler func(job Job, err error)) {
	r.errHandler = handler
}

// Start launches the workers and the polling loop.
func (r *Runner) Start() {
	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(1)
	go r.loop()
}

// Stop cancels in-flight work and waits for all goroutines to exit.
// Jobs already popped but not started are lost; the sweep covers them. A job
// interrupted by the cancellation fails and is pushed back like any other.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.ctx)
		}
	}
}

// Tick pops due jobs and hands them to the workers. It returns how many
// jobs were dispatched.
func (r *Runner) Tick(ctx context.Context) int {
	members, err := r.queue.PopDue(ctx, r.now(), r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to pop due jobs", "error", err)
		return 0
	}
	r.metrics.SchedulerDue(len(members))

	sent := 0
	for _, member := range members {
		job, err := DecodeJob(member)
		if err != nil {
			r.logger.Error("dropping undecodable job", "member", member, "error", err)
			continue
		}
		select {
		case r.jobs <- job:
			sent++
		case <-ctx.Done():
			return sent
		}
	}
	return sent
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return
		case job := <-r.jobs:
			r.process(job, id)
		}
	}
}

func (r *Runner) process(job Job, workerID int) {
	ctx := r.ctx
	if r.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.JobTimeout)
		defer cancel()
	}

	log := r.logger.With("job", job.String(), "worker_id", workerID)

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("job panicked: %v", p)
			log.Error("job panicked", "panic", p)
			r.errHandler(job, err)
			r.retry(job, err)
		}
	}()

	if err := r.handler(ctx, job); err != nil {
		r.errHandler(job, err)
		r.retry(job, err)
		return
	}
	log.Debug("job completed")
}

// retry pushes a failed job back onto the queue with exponential backoff.
// Permanent failures and jobs out of retries are dropped.
func (r *Runner) retry(job Job, cause error) {
	kind := string(job.Kind)
	log := r.logger.With("job", job.String(), "retry", job.Retry)

	if errors.Is(cause, ErrPermanent) || job.Retry >= r.config.MaxRetries {
		log.Warn("dropping failed job", "permanent", errors.Is(cause, ErrPermanent))
		r.metrics.JobFailed(kind, "dropped")
		return
	}

	next := job
	next.Retry++
	member, err := next.Encode()
	if err != nil {
		log.Error("failed to encode job for retry", "error", err)
		r.metrics.JobFailed(kind, "dropped")
		return
	}

	delay := r.backoff(next.Retry)
	ctx, cancel := context.WithTimeout(context.Background(), retryPushTimeout)
	defer cancel()
	if err := r.queue.Push(ctx, member, r.now().Add(delay)); err != nil {
		log.Error("failed to push job back for retry", "error", err)
		r.metrics.JobFailed(kind, "dropped")
		return
	}
	r.metrics.JobFailed(kind, "retried")
	log.Info("job scheduled for retry", "delay", delay.String())
}

func (r *Runner) backoff(retry int) time.Duration {
	d := r.config.RetryDelay
	for i := 1; i < retry && d < r.config.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, r.config.MaxRetryDelay)
}
