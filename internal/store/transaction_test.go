package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInTransaction(t *testing.T) {
	t.Parallel()

	finalizeErr := errors.New("task already terminal")
	beginErr := errors.New("connection reset")
	commitErr := errors.New("serialization failure")
	rollbackErr := errors.New("connection closed")

	tests := []struct {
		name    string
		fnErr   error
		setup   func(mock sqlmock.Sqlmock)
		wantErr []error
		wantMsg string
	}{
		{
			name: "commits terminal row and assets",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit()
			},
		},
		{
			name:  "rolls back when fn fails",
			fnErr: finalizeErr,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectRollback()
			},
			wantErr: []error{finalizeErr},
		},
		{
			name: "begin failure",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(beginErr)
			},
			wantErr: []error{beginErr},
			wantMsg: "failed to begin transaction",
		},
		{
			name: "commit failure",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit().WillReturnError(commitErr)
			},
			wantErr: []error{commitErr},
			wantMsg: "failed to commit transaction",
		},
		{
			name:  "rollback failure keeps both errors",
			fnErr: finalizeErr,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE tasks").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec("INSERT INTO assets").WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectRollback().WillReturnError(rollbackErr)
			},
			wantErr: []error{finalizeErr, rollbackErr},
			wantMsg: "failed to roll back transaction",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()
			tc.setup(mock)

			err = RunInTransaction(context.Background(), db, func(ctx context.Context, tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, "UPDATE tasks SET status = $1 WHERE id = $2", "COMPLETED", "t1"); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, "INSERT INTO assets (task_scope, key) VALUES ($1, $2)", "t1", "tasks/t1/0.png"); err != nil {
					return err
				}
				return tc.fnErr
			})

			if len(tc.wantErr) == 0 {
				assert.NoError(t, err)
			}
			for _, want := range tc.wantErr {
				assert.ErrorIs(t, err, want)
			}
			if tc.wantMsg != "" {
				assert.Contains(t, err.Error(), tc.wantMsg)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRunInTransactionRethrowsPanic(t *testing.T) {
	t.Parallel()

	for _, rbErr := range []error{nil, errors.New("connection closed")} {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectRollback().WillReturnError(rbErr)

		assert.PanicsWithValue(t, "boom", func() {
			_ = RunInTransaction(context.Background(), db, func(context.Context, *sql.Tx) error {
				panic("boom")
			})
		})
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	}
}
