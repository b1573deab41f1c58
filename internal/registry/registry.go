// Package registry maps logical model names to their provider request shape.
// The registry is data: rows of the models table in production, a static
// table in mock mode and tests.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/store"
)

// ErrUnknownModel is returned when no model matches a name or endpoint.
var ErrUnknownModel = errors.New("unknown model")

// Registry resolves models by name or by request endpoint.
type Registry interface {
	Lookup(ctx context.Context, name string) (*domain.Model, error)
	LookupEndpoint(ctx context.Context, path string) (*domain.Model, error)
}

// Static is an in-memory Registry.
type Static struct {
	byName     map[string]domain.Model
	byEndpoint map[string]domain.Model
}

// NewStatic builds a Static registry from models. Later entries win on
// duplicate names.
func NewStatic(models ...domain.Model) *Static {
	s := &Static{
		byName:     make(map[string]domain.Model, len(models)),
		byEndpoint: make(map[string]domain.Model, len(models)),
	}
	for _, m := range models {
		s.byName[m.Name] = m
		s.byEndpoint[normalizePath(m.RequestEndpoint)] = m
	}
	return s
}

// Defaults returns the built-in provider models, matching the seeded rows.
func Defaults() []domain.Model {
	return []domain.Model{
		jsonModel("mystic", domain.TypeImage, "text-to-image", "/v1/ai/mystic"),
		jsonModel("flux-dev", domain.TypeImage, "text-to-image", "/v1/ai/text-to-image/flux-dev"),
		jsonModel("image-upscaler", domain.TypeEdit, "upscale", "/v1/ai/image-upscaler"),
		jsonModel("image-relight", domain.TypeEdit, "relight", "/v1/ai/image-relight"),
		jsonModel("kling-v2", domain.TypeVideo, "image-to-video", "/v1/ai/image-to-video/kling-v2"),
		jsonModel("minimax-hailuo-02-768p", domain.TypeVideo, "image-to-video", "/v1/ai/image-to-video/minimax-hailuo-02-768p"),
		{
			Name:            "remove-background",
			Kind:            domain.TypeEdit,
			Operation:       "remove-background",
			RequestStyle:    domain.RequestStyleForm,
			RequestEndpoint: "/v1/ai/beta/remove-background",
		},
	}
}

func jsonModel(name string, kind domain.Type, op, endpoint string) domain.Model {
	return domain.Model{
		Name:                   name,
		Kind:                   kind,
		Operation:              op,
		RequestStyle:           domain.RequestStyleJSON,
		RequestEndpoint:        endpoint,
		StatusEndpointTemplate: endpoint + "/" + domain.TaskIDPlaceholder,
		IsAsync:                true,
		SupportsWebhook:        true,
	}
}

// Lookup implements Registry.
func (s *Static) Lookup(_ context.Context, name string) (*domain.Model, error) {
	m, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return &m, nil
}

// LookupEndpoint implements Registry.
func (s *Static) LookupEndpoint(_ context.Context, path string) (*domain.Model, error) {
	m, ok := s.byEndpoint[normalizePath(path)]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %s", ErrUnknownModel, path)
	}
	return &m, nil
}

// Names returns the registered model names in order.
func (s *Static) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Store adapts a store.ModelStore to Registry, translating store misses to
// ErrUnknownModel.
type Store struct {
	models store.ModelStore
}

// NewStore wraps models.
func NewStore(models store.ModelStore) *Store {
	return &Store{models: models}
}

// Lookup implements Registry.
func (s *Store) Lookup(ctx context.Context, name string) (*domain.Model, error) {
	m, err := s.models.GetByName(ctx, name)
	if err != nil {
		return nil, translate(err, name)
	}
	return m, nil
}

// LookupEndpoint implements Registry.
func (s *Store) LookupEndpoint(ctx context.Context, path string) (*domain.Model, error) {
	m, err := s.models.GetByEndpoint(ctx, normalizePath(path))
	if err != nil {
		return nil, translate(err, path)
	}
	return m, nil
}

func translate(err error, key string) error {
	if store.IsNotFoundError(err) {
		return fmt.Errorf("%w: %s", ErrUnknownModel, key)
	}
	return fmt.Errorf("model lookup failed: %w", err)
}

func normalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimRight(p, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// InferType guesses a task type from a provider request path.
func InferType(path string) domain.Type {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "video"):
		return domain.TypeVideo
	case strings.Contains(p, "upscal"), strings.Contains(p, "relight"),
		strings.Contains(p, "remove-background"), strings.Contains(p, "expand"),
		strings.Contains(p, "style-transfer"), strings.Contains(p, "edit"):
		return domain.TypeEdit
	default:
		return domain.TypeImage
	}
}
