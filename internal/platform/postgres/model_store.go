package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/store"
)

const modelColumns = `name, kind, operation, request_style, request_endpoint,
	status_endpoint_template, is_async, supports_webhook`

// PostgresModelStore implements store.ModelStore over the models table.
type PostgresModelStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresModelStore creates a model store on db.
func NewPostgresModelStore(db store.DBTX, logger *slog.Logger) *PostgresModelStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresModelStore{
		db:     db,
		logger: logger.With(slog.String("component", "model_store")),
	}
}

var _ store.ModelStore = (*PostgresModelStore)(nil)

// GetByName implements store.ModelStore.GetByName
func (s *PostgresModelStore) GetByName(ctx context.Context, name string) (*domain.Model, error) {
	return s.getOne(ctx, `SELECT `+modelColumns+` FROM models WHERE name = $1`, name)
}

// GetByEndpoint implements store.ModelStore.GetByEndpoint
func (s *PostgresModelStore) GetByEndpoint(ctx context.Context, path string) (*domain.Model, error) {
	return s.getOne(ctx, `SELECT `+modelColumns+` FROM models WHERE request_endpoint = $1`, path)
}

// List implements store.ModelStore.List
func (s *PostgresModelStore) List(ctx context.Context) ([]*domain.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models ORDER BY name`)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var models []*domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, MapError(err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return models, nil
}

func (s *PostgresModelStore) getOne(ctx context.Context, query string, arg string) (*domain.Model, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrModelNotFound
		}
		return nil, MapError(err)
	}
	return m, nil
}

func scanModel(row rowScanner) (*domain.Model, error) {
	var (
		m              domain.Model
		operation      sql.NullString
		statusTemplate sql.NullString
	)
	err := row.Scan(
		&m.Name, &m.Kind, &operation, &m.RequestStyle, &m.RequestEndpoint,
		&statusTemplate, &m.IsAsync, &m.SupportsWebhook,
	)
	if err != nil {
		return nil, err
	}
	m.Operation = operation.String
	m.StatusEndpointTemplate = statusTemplate.String
	return &m, nil
}
