package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind names the invocation a job performs.
type Kind string

const (
	// KindPollTask polls one task.
	KindPollTask Kind = "poll_task"
	// KindSweep runs the fleet sweep.
	KindSweep Kind = "sweep"
)

// Job is a deferred invocation. Retry counts failed runs of the same job
// and is distinct from Attempt, which counts provider status checks.
type Job struct {
	Kind    Kind      `json:"kind"`
	TaskID  uuid.UUID `json:"task_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Retry   int       `json:"retry,omitempty"`
}

// ErrPermanent marks a job failure that running the job again cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the Runner drops the job instead of retrying it.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// PollTask builds a per-task poll job.
func PollTask(taskID uuid.UUID, attempt int) Job {
	return Job{Kind: KindPollTask, TaskID: taskID, Attempt: attempt}
}

// Sweep builds a fleet sweep job.
func Sweep() Job {
	return Job{Kind: KindSweep}
}

// String identifies the job in logs.
func (j Job) String() string {
	if j.Kind == KindSweep {
		return string(j.Kind)
	}
	return fmt.Sprintf("%s:%s#%d", j.Kind, j.TaskID, j.Attempt)
}

// Encode serializes j. Equal jobs encode identically so queues can
// deduplicate them.
func (j Job) Encode() (string, error) {
	if j.Kind == KindSweep {
		j.TaskID, j.Attempt = uuid.Nil, 0
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeJob parses an encoded job.
func DecodeJob(s string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(s), &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	switch j.Kind {
	case KindPollTask:
		if j.TaskID == uuid.Nil {
			return Job{}, fmt.Errorf("decode job: poll job without task id")
		}
	case KindSweep:
	default:
		return Job{}, fmt.Errorf("decode job: unknown kind %q", j.Kind)
	}
	return j, nil
}

// Scheduler defers jobs.
type Scheduler interface {
	Schedule(ctx context.Context, job Job, delay time.Duration) error
}

// Handler executes a due job.
type Handler func(ctx context.Context, job Job) error

// Noop discards every job.
type Noop struct {
	Logger *slog.Logger
}

// Schedule implements Scheduler.
func (n Noop) Schedule(ctx context.Context, job Job, delay time.Duration) error {
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "scheduler disabled, dropping job",
			slog.String("job", job.String()),
			slog.Duration("delay", delay))
	}
	return nil
}
