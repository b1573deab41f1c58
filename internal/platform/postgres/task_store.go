package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/store"
)

const taskColumns = `id, site_id, type, model, status, callback_url, input_payload,
	credential_id, upstream_task_id, upstream_response, result_urls, archived_objects,
	result_payload, error, created_at, started_at, completed_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	input, err := marshalJSON(task.InputPayload)
	if err != nil {
		return fmt.Errorf("%w: input payload: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, site_id, type, model, status, callback_url, input_payload,
			credential_id, upstream_task_id, upstream_response, created_at, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		nullString(task.SiteID),
		task.Type,
		nullString(task.Model),
		task.Status,
		nullString(task.CallbackURL),
		input,
		nullUUID(task.CredentialID),
		nullString(task.UpstreamID),
		nullJSON(task.UpstreamResponse),
		task.CreatedAt,
		task.StartedAt,
		task.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			slog.String("error", err.Error()),
			slog.String("task_id", task.ID.String()))
		return MapUniqueViolation(err, "task")
	}

	log.Debug("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("status", string(task.Status)))
	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}
	return task, nil
}

// GetByUpstreamID implements store.TaskStore.GetByUpstreamID
func (s *PostgresTaskStore) GetByUpstreamID(ctx context.Context, upstreamID string) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE upstream_task_id = $1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, upstreamID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to get task by upstream id",
			slog.String("error", err.Error()),
			slog.String("upstream_task_id", upstreamID))
		return nil, MapError(err)
	}
	return task, nil
}

// MarkDispatched implements store.TaskStore.MarkDispatched
func (s *PostgresTaskStore) MarkDispatched(ctx context.Context, id uuid.UUID, d store.Dispatch) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		UPDATE tasks
		SET status = $2,
			credential_id = COALESCE($3, credential_id),
			upstream_task_id = COALESCE(upstream_task_id, $4),
			upstream_response = COALESCE($5, upstream_response),
			started_at = $6,
			updated_at = $6
		WHERE id = $1 AND status = $7
	`
	result, err := s.db.ExecContext(ctx, query,
		id,
		domain.StatusInProgress,
		nullUUID(d.CredentialID),
		nullString(d.UpstreamID),
		nullJSON(d.UpstreamResponse),
		d.StartedAt,
		domain.StatusPending,
	)
	if err != nil {
		log.Error("failed to mark task dispatched",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapUniqueViolation(err, "task")
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return s.missOrConflict(ctx, id, store.ErrNotPending)
	}
	return nil
}

// Finalize implements store.TaskStore.Finalize
func (s *PostgresTaskStore) Finalize(ctx context.Context, id uuid.UUID, f store.Finalization) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	urls, err := marshalJSON(f.ResultURLs)
	if err != nil {
		return fmt.Errorf("%w: result urls: %v", store.ErrInvalidEntity, err)
	}
	archived, err := marshalJSON(f.ArchivedObjects)
	if err != nil {
		return fmt.Errorf("%w: archived objects: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE tasks
		SET status = $2,
			result_urls = $3,
			archived_objects = $4,
			result_payload = $5,
			error = $6,
			completed_at = $7,
			updated_at = $7
		WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELED')
	`
	result, err := s.db.ExecContext(ctx, query,
		id,
		f.Status,
		urls,
		archived,
		nullJSON(f.ResultPayload),
		nullString(f.Error),
		f.CompletedAt,
	)
	if err != nil {
		log.Error("failed to finalize task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return MapError(err)
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return s.missOrConflict(ctx, id, store.ErrAlreadyTerminal)
	}

	log.Info("task finalized",
		slog.String("task_id", id.String()),
		slog.String("status", string(f.Status)))
	return nil
}

// ListByStatus implements store.TaskStore.ListByStatus
func (s *PostgresTaskStore) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// missOrConflict distinguishes a missing row from a guarded update that matched nothing.
func (s *PostgresTaskStore) missOrConflict(ctx context.Context, id uuid.UUID, conflict error) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrTaskNotFound
	}
	return conflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                                          domain.Task
		siteID, model, callbackURL, upstreamID, e  sql.NullString
		credentialID                               uuid.NullUUID
		input, upstreamResp, urls, archived, resPl []byte
		startedAt, completedAt                     sql.NullTime
	)

	err := row.Scan(
		&t.ID, &siteID, &t.Type, &model, &t.Status, &callbackURL, &input,
		&credentialID, &upstreamID, &upstreamResp, &urls, &archived,
		&resPl, &e, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SiteID = siteID.String
	t.Model = model.String
	t.CallbackURL = callbackURL.String
	t.UpstreamID = upstreamID.String
	t.Error = e.String
	if credentialID.Valid {
		id := credentialID.UUID
		t.CredentialID = &id
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if len(upstreamResp) > 0 {
		t.UpstreamResponse = json.RawMessage(upstreamResp)
	}
	if len(resPl) > 0 {
		t.ResultPayload = json.RawMessage(resPl)
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.InputPayload); err != nil {
			return nil, fmt.Errorf("decode input_payload: %w", err)
		}
	}
	if len(urls) > 0 {
		if err := json.Unmarshal(urls, &t.ResultURLs); err != nil {
			return nil, fmt.Errorf("decode result_urls: %w", err)
		}
	}
	if len(archived) > 0 {
		if err := json.Unmarshal(archived, &t.ArchivedObjects); err != nil {
			return nil, fmt.Errorf("decode archived_objects: %w", err)
		}
	}
	return &t, nil
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// nullJSON keeps empty payloads as SQL NULL rather than an invalid jsonb literal.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
