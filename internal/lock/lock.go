// Package lock provides advisory, TTL-bound keyed locks.
//
// Locks coordinate racing signals across instances; they never hold
// business state. A held key yields ErrHeld. Any other backend failure is a
// transport error, which Degrading turns into a degraded lease so callers
// proceed unprotected rather than stall.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/logger"
)

// ErrHeld is returned when another owner holds the key.
var ErrHeld = errors.New("lock held by another owner")

// Locker acquires keyed leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// Lease is an acquired lock. Degraded leases protect nothing.
type Lease struct {
	Key      string
	Degraded bool
	release  func(ctx context.Context) error
	once     sync.Once
}

// NewLease builds a lease whose Release calls release once.
func NewLease(key string, release func(ctx context.Context) error) *Lease {
	return &Lease{Key: key, release: release}
}

// DegradedLease builds a lease for a key that could not be locked.
func DegradedLease(key string) *Lease {
	return &Lease{Key: key, Degraded: true}
}

// Release frees the lock. It is safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.release == nil {
		return nil
	}
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

// Degrading wraps a Locker so backend failures return degraded leases.
type Degrading struct {
	inner   Locker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDegrading wraps inner.
func NewDegrading(inner Locker, m *metrics.Metrics, logger *slog.Logger) *Degrading {
	if logger == nil {
		logger = slog.Default()
	}
	return &Degrading{inner: inner, metrics: m, logger: logger.With(slog.String("component", "lock"))}
}

// Acquire implements Locker. Only ErrHeld is returned as an error.
func (d *Degrading) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease, err := d.inner.Acquire(ctx, key, ttl)
	if err == nil || errors.Is(err, ErrHeld) {
		return lease, err
	}
	logger.FromContextOrDefault(ctx, d.logger).Warn("lock backend unavailable, proceeding without lock",
		slog.String("key", key),
		slog.String("error", err.Error()))
	d.metrics.LockDegraded(scope(key))
	return DegradedLease(key), nil
}

// scope is the key prefix before the first colon, e.g. "finalize".
func scope(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// Noop grants a degraded lease for every key. It stands in when no lock
// backend is configured.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(_ context.Context, key string, _ time.Duration) (*Lease, error) {
	return DegradedLease(key), nil
}

// MemoryLocker is a process-local Locker for single-instance use and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]heldKey
	now     func() time.Time
	seq     uint64
	failErr error
}

type heldKey struct {
	owner   uint64
	expires time.Time
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]heldKey), now: time.Now}
}

// SetClock overrides the clock used for expiry.
func (m *MemoryLocker) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith makes every Acquire return err until called with nil.
func (m *MemoryLocker) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Acquire implements Locker.
func (m *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return nil, m.failErr
	}
	now := m.now()
	if h, ok := m.held[key]; ok && now.Before(h.expires) {
		return nil, ErrHeld
	}
	m.seq++
	owner := m.seq
	m.held[key] = heldKey{owner: owner, expires: now.Add(ttl)}

	return NewLease(key, func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if h, ok := m.held[key]; ok && h.owner == owner {
			delete(m.held, key)
		}
		return nil
	}), nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	return ok && m.now().Before(h.expires)
}
