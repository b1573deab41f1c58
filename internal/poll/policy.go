// Package poll decides when to check a task's upstream status and drives
// those checks from the delayed-invocation scheduler.
//
// Policy is a pure function from a task's observed state to the next action.
// Service applies it: per task (PollOnce, armed once per task by Arm) and
// across every in-progress task (Sweep), which is the fallback when
// per-task scheduling is unavailable.
package poll

import (
	"time"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
)

// Action is what the caller should do next.
type Action int

const (
	// ActionNoop means the task needs nothing further.
	ActionNoop Action = iota
	// ActionReschedule means poll again after Decision.Delay.
	ActionReschedule
	// ActionCheck means query the upstream status now.
	ActionCheck
	// ActionFinalize means finalize with Decision.Status.
	ActionFinalize
)

func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionReschedule:
		return "reschedule"
	case ActionCheck:
		return "check"
	case ActionFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Action     Action
	Delay      time.Duration
	Attempt    int
	Status     domain.Status
	Reason     string
	ResultURLs []string
}

// State is the part of a task the policy looks at.
type State struct {
	Status      domain.Status
	Video       bool
	Elapsed     time.Duration
	HasUpstream bool
	Attempt     int
}

// StateOf observes task at now.
func StateOf(task *domain.Task, now time.Time, attempt int) State {
	return State{
		Status:      task.Status,
		Video:       task.IsVideo(),
		Elapsed:     max(0, now.Sub(task.StartTime())),
		HasUpstream: task.UpstreamID != "" && task.CredentialID != nil,
		Attempt:     attempt,
	}
}

// Policy holds the poll timing.
type Policy struct {
	MinFirstImage time.Duration
	MinFirstVideo time.Duration
	Interval      time.Duration
	Timeout       time.Duration
}

// NewPolicy returns the per-task policy.
func NewPolicy(cfg config.PollConfig) Policy {
	return Policy{
		MinFirstImage: cfg.MinFirstImage,
		MinFirstVideo: cfg.MinFirstVideo,
		Interval:      cfg.Interval,
		Timeout:       cfg.Timeout,
	}
}

// SweepPolicy returns the coarser fleet sweep policy, which does not
// distinguish video from image tasks.
func SweepPolicy(cfg config.PollConfig) Policy {
	return Policy{
		MinFirstImage: cfg.SweepMinFirst,
		MinFirstVideo: cfg.SweepMinFirst,
		Interval:      cfg.Interval,
		Timeout:       cfg.SweepTimeout,
	}
}

// MinFirst is the earliest time after start a status check may run.
func (p Policy) MinFirst(video bool) time.Duration {
	if video {
		return p.MinFirstVideo
	}
	return p.MinFirstImage
}

// Decide chooses the action for a task before any upstream call.
func (p Policy) Decide(s State) Decision {
	if s.Status.IsTerminal() {
		return Decision{Action: ActionNoop, Attempt: s.Attempt}
	}
	if minFirst := p.MinFirst(s.Video); s.Elapsed < minFirst {
		return Decision{
			Action:  ActionReschedule,
			Delay:   max(time.Second, minFirst-s.Elapsed),
			Attempt: s.Attempt,
		}
	}
	if s.Elapsed >= p.Timeout {
		return failed(s.Attempt, domain.ReasonTimeout)
	}
	if !s.HasUpstream {
		return failed(s.Attempt, domain.ReasonMissingUpstream)
	}
	return Decision{Action: ActionCheck, Attempt: s.Attempt}
}

// AfterCheck chooses the action once the upstream status call returned.
// Errors and non-terminal statuses retry after the interval, clamped to the
// time left before the timeout.
func (p Policy) AfterCheck(s State, res *freepik.StatusResult, err error) Decision {
	if err == nil && res != nil {
		switch res.Status {
		case domain.StatusCompleted:
			return Decision{
				Action:     ActionFinalize,
				Attempt:    s.Attempt,
				Status:     domain.StatusCompleted,
				ResultURLs: res.Generated,
			}
		case domain.StatusFailed:
			return failed(s.Attempt, domain.ReasonUpstreamFailed)
		}
	}
	return Decision{
		Action:  ActionReschedule,
		Delay:   max(time.Second, min(p.Interval, p.Timeout-s.Elapsed)),
		Attempt: s.Attempt + 1,
	}
}

func failed(attempt int, reason string) Decision {
	return Decision{
		Action:  ActionFinalize,
		Attempt: attempt,
		Status:  domain.StatusFailed,
		Reason:  reason,
	}
}
