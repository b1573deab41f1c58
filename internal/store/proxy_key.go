package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
)

// ProxyKeyStore persists caller proxy keys.
type ProxyKeyStore interface {
	// GetByID returns the proxy key. Returns ErrProxyKeyNotFound if it does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ProxyKey, error)

	// Create saves a new proxy key.
	Create(ctx context.Context, key *domain.ProxyKey) error
}
