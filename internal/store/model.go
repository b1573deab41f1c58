package store

import (
	"context"

	"github.com/phrazzld/relay-api/internal/domain"
)

// ModelStore reads the data-driven model registry.
type ModelStore interface {
	// GetByName returns the model row for name.
	// Returns ErrModelNotFound if there is none.
	GetByName(ctx context.Context, name string) (*domain.Model, error)

	// GetByEndpoint returns the model whose request endpoint is path.
	// Returns ErrModelNotFound if there is none.
	GetByEndpoint(ctx context.Context, path string) (*domain.Model, error)

	// List returns every model, ordered by name.
	List(ctx context.Context) ([]*domain.Model, error)
}
