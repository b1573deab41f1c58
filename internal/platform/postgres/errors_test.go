package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/relay-api/internal/platform/postgres"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPgError returns a server error whose message, detail and hint carry a
// value that must not survive mapping.
func newPgError(code, constraint, column string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "violates constraint for https://caller.example.com/cb?token=s3cret",
		Detail:         "Key (upstream_task_id)=(fp_123) already exists.",
		Hint:           "check callback_url",
		SchemaName:     "public",
		TableName:      "tasks",
		ColumnName:     column,
		ConstraintName: constraint,
	}
}

type fakeResult struct {
	rows int64
	err  error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, r.err }

func TestMapError(t *testing.T) {
	t.Parallel()

	transport := errors.New("read tcp 10.0.0.4:5432: connection reset by peer")

	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound, ""},
		{"wrapped no rows", fmt.Errorf("scan: %w", sql.ErrNoRows), store.ErrNotFound, ""},
		{"unique", newPgError("23505", "tasks_upstream_task_id_key", ""), store.ErrDuplicate, "tasks_upstream_task_id_key"},
		{"foreign key", newPgError("23503", "credential_usage_credential_id_fkey", ""), store.ErrInvalidEntity, "credential_usage_credential_id_fkey"},
		{"check", newPgError("23514", "tasks_status_check", ""), store.ErrInvalidEntity, "tasks_status_check"},
		{"not null", newPgError("23502", "", "callback_url"), store.ErrInvalidEntity, "callback_url"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := postgres.MapError(tc.err)
			require.Error(t, got)
			assert.ErrorIs(t, got, tc.sentinel)
			if tc.contains != "" {
				assert.Contains(t, got.Error(), tc.contains)
			}

			var pgErr *pgconn.PgError
			assert.False(t, errors.As(got, &pgErr), "driver error must not be reachable")
			assert.NotContains(t, got.Error(), "s3cret")
			assert.NotContains(t, got.Error(), "fp_123")
		})
	}

	t.Run("nil", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, postgres.MapError(nil))
	})

	t.Run("unmapped passes through", func(t *testing.T) {
		t.Parallel()
		assert.Same(t, transport, postgres.MapError(transport))

		serialization := newPgError("40001", "", "")
		assert.Same(t, serialization, postgres.MapError(serialization))
	})
}

func TestMapUniqueViolation(t *testing.T) {
	t.Parallel()

	err := postgres.MapUniqueViolation(newPgError("23505", "tasks_upstream_task_id_key", ""), "task")
	assert.ErrorIs(t, err, store.ErrDuplicate)
	assert.Contains(t, err.Error(), "task already exists (tasks_upstream_task_id_key)")
	assert.NotContains(t, err.Error(), "fp_123")

	err = postgres.MapUniqueViolation(newPgError("23502", "", "token_hash"), "proxy key")
	assert.ErrorIs(t, err, store.ErrInvalidEntity)

	assert.NoError(t, postgres.MapUniqueViolation(nil, "task"))
	assert.True(t, postgres.IsUniqueViolation(fmt.Errorf("insert: %w", newPgError("23505", "", ""))))
	assert.False(t, postgres.IsUniqueViolation(errors.New("duplicate")))
}

func TestCheckRowsAffected(t *testing.T) {
	t.Parallel()

	assert.NoError(t, postgres.CheckRowsAffected(fakeResult{rows: 1}, "task"))

	err := postgres.CheckRowsAffected(fakeResult{}, "credential")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "credential")

	driverErr := errors.New("driver does not support RowsAffected")
	assert.ErrorIs(t, postgres.CheckRowsAffected(fakeResult{err: driverErr}, "task"), driverErr)

	assert.Error(t, postgres.CheckRowsAffected(nil, "task"))
}
