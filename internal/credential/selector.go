// Package credential hands out upstream provider API keys under a per-key
// daily quota.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/store"
)

// ErrNoCredential is returned when no active credential exists.
var ErrNoCredential = errors.New("no active upstream credential")

// Selection is the credential chosen for one upstream call.
type Selection struct {
	ID     uuid.UUID
	Secret string
	// Usage is the day's usage count after this selection was recorded.
	Usage int
	// Fallback is true when every credential was at or over quota.
	Fallback bool
}

// Selector picks the least-used active credential.
type Selector struct {
	store   store.CredentialStore
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock overrides the clock used to compute the usage day.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

// NewSelector creates a Selector over credentials.
func NewSelector(credentials store.CredentialStore, logger *slog.Logger, opts ...Option) *Selector {
	if credentials == nil {
		panic("credential store cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{
		store:  credentials,
		logger: logger.With(slog.String("component", "credential_selector")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the active credential with the lowest usage today, ties
// broken by least recently used and then by id. When all are at quota the
// least used is still returned with Fallback set. Usage recording is
// best-effort and never fails the selection.
func (s *Selector) Select(ctx context.Context) (*Selection, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)
	now := s.now()
	day := domain.UsageDay(now)

	candidates, err := s.store.ListActiveWithUsage(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrNoCredential
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return less(candidates[i], candidates[j])
	})
	pick := candidates[0]

	sel := &Selection{
		ID:       pick.Credential.ID,
		Secret:   pick.Credential.Secret,
		Usage:    pick.Used + 1,
		Fallback: pick.Used >= pick.Credential.Quota(),
	}

	used, err := s.store.IncrementUsage(ctx, sel.ID, day)
	if err != nil {
		s.metrics.CredentialUsageError("increment")
		log.Warn("failed to record credential usage",
			slog.String("credential_id", sel.ID.String()),
			slog.String("error", err.Error()))
	} else {
		sel.Usage = used
	}
	if err := s.store.Touch(ctx, sel.ID, now); err != nil {
		s.metrics.CredentialUsageError("touch")
		log.Warn("failed to touch credential",
			slog.String("credential_id", sel.ID.String()),
			slog.String("error", err.Error()))
	}

	if sel.Fallback {
		log.Warn("all credentials at quota, using least used",
			slog.String("credential_id", sel.ID.String()),
			slog.Int("usage", sel.Usage))
	}
	s.metrics.CredentialSelected(sel.Fallback)
	return sel, nil
}

// Secret loads the secret of a previously assigned credential.
func (s *Selector) Secret(ctx context.Context, id uuid.UUID) (string, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load credential %s: %w", id, err)
	}
	return c.Secret, nil
}

func less(a, b domain.CredentialUsage) bool {
	if a.Used != b.Used {
		return a.Used < b.Used
	}
	la, lb := a.Credential.LastUsedAt, b.Credential.LastUsedAt
	switch {
	case la == nil && lb != nil:
		return true
	case la != nil && lb == nil:
		return false
	case la != nil && lb != nil && !la.Equal(*lb):
		return la.Before(*lb)
	}
	return a.Credential.ID.String() < b.Credential.ID.String()
}
