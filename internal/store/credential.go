package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
)

// CredentialStore defines persistence for upstream credentials and their daily usage.
type CredentialStore interface {
	// ListActiveWithUsage returns every active credential with its usage on day.
	ListActiveWithUsage(ctx context.Context, day string) ([]domain.CredentialUsage, error)

	// IncrementUsage atomically adds one to the credential's usage on day and
	// returns the new count.
	IncrementUsage(ctx context.Context, id uuid.UUID, day string) (int, error)

	// Touch records the last time the credential was handed out.
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error

	// GetByID retrieves a credential, active or not.
	// Returns ErrCredentialNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Credential, error)
}
