package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/store"
)

// PostgresCredentialStore implements store.CredentialStore.
type PostgresCredentialStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresCredentialStore creates a credential store on db.
func NewPostgresCredentialStore(db store.DBTX, logger *slog.Logger) *PostgresCredentialStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresCredentialStore{
		db:     db,
		logger: logger.With(slog.String("component", "credential_store")),
	}
}

var _ store.CredentialStore = (*PostgresCredentialStore)(nil)

// ListActiveWithUsage implements store.CredentialStore.ListActiveWithUsage
func (s *PostgresCredentialStore) ListActiveWithUsage(ctx context.Context, day string) ([]domain.CredentialUsage, error) {
	query := `
		SELECT c.id, c.label, c.secret, c.active, c.daily_quota, c.last_used_at, c.created_at,
			COALESCE(u.used, 0)
		FROM credentials c
		LEFT JOIN credential_usage u ON u.credential_id = c.id AND u.day = $1
		WHERE c.active = TRUE
		ORDER BY c.id
	`
	rows, err := s.db.QueryContext(ctx, query, day)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Error("failed to list credentials",
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.CredentialUsage
	for rows.Next() {
		var (
			cu       domain.CredentialUsage
			label    sql.NullString
			lastUsed sql.NullTime
		)
		if err := rows.Scan(
			&cu.Credential.ID,
			&label,
			&cu.Credential.Secret,
			&cu.Credential.Active,
			&cu.Credential.DailyQuota,
			&lastUsed,
			&cu.Credential.CreatedAt,
			&cu.Used,
		); err != nil {
			return nil, MapError(err)
		}
		cu.Credential.Label = label.String
		if lastUsed.Valid {
			ts := lastUsed.Time
			cu.Credential.LastUsedAt = &ts
		}
		out = append(out, cu)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// IncrementUsage implements store.CredentialStore.IncrementUsage
func (s *PostgresCredentialStore) IncrementUsage(ctx context.Context, id uuid.UUID, day string) (int, error) {
	query := `
		INSERT INTO credential_usage (credential_id, day, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (credential_id, day) DO UPDATE SET used = credential_usage.used + 1
		RETURNING used
	`
	var used int
	if err := s.db.QueryRowContext(ctx, query, id, day).Scan(&used); err != nil {
		return 0, MapError(err)
	}
	return used, nil
}

// Touch implements store.CredentialStore.Touch
func (s *PostgresCredentialStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, "credential")
}

// GetByID implements store.CredentialStore.GetByID
func (s *PostgresCredentialStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Credential, error) {
	query := `
		SELECT id, label, secret, active, daily_quota, last_used_at, created_at
		FROM credentials
		WHERE id = $1
	`
	var (
		c        domain.Credential
		label    sql.NullString
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &label, &c.Secret, &c.Active, &c.DailyQuota, &lastUsed, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrCredentialNotFound
		}
		return nil, MapError(err)
	}
	c.Label = label.String
	if lastUsed.Valid {
		ts := lastUsed.Time
		c.LastUsedAt = &ts
	}
	return &c, nil
}
