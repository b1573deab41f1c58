package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Queue is a time-ordered set of encoded jobs.
type Queue interface {
	// Push adds member due at at. An existing member keeps its earlier due time.
	Push(ctx context.Context, member string, at time.Time) error
	// PopDue atomically removes and returns up to limit members due by now.
	PopDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Queued is a Scheduler backed by a Queue.
type Queued struct {
	queue Queue
	now   func() time.Time
}

// NewQueued creates a Scheduler that pushes onto queue.
func NewQueued(queue Queue) *Queued {
	return &Queued{queue: queue, now: time.Now}
}

// Schedule implements Scheduler.
func (q *Queued) Schedule(ctx context.Context, job Job, delay time.Duration) error {
	member, err := job.Encode()
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	if err := q.queue.Push(ctx, member, q.now().Add(delay)); err != nil {
		return fmt.Errorf("schedule %s: %w", job, err)
	}
	return nil
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]time.Time)}
}

// Push implements Queue.
func (m *MemoryQueue) Push(_ context.Context, member string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[member]; ok && !at.Before(cur) {
		return nil
	}
	m.items[member] = at
	return nil
}

// PopDue implements Queue.
func (m *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for member, at := range m.items {
		if !at.After(now) {
			due = append(due, member)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ai, aj := m.items[due[i]], m.items[due[j]]
		if ai.Equal(aj) {
			return due[i] < due[j]
		}
		return ai.Before(aj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, member := range due {
		delete(m.items, member)
	}
	return due, nil
}

// Len returns the number of queued members.
func (m *MemoryQueue) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
