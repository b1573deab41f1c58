package postgres

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/store"
)

// FinalizationRecorder writes a task's terminal fields and its asset rows in
// one transaction.
type FinalizationRecorder struct {
	db     *sql.DB
	tasks  store.TaskStore
	assets store.AssetStore
}

// NewFinalizationRecorder creates a recorder over db.
func NewFinalizationRecorder(db *sql.DB, logger *slog.Logger) *FinalizationRecorder {
	return &FinalizationRecorder{
		db:     db,
		tasks:  NewPostgresTaskStore(db, logger),
		assets: NewPostgresAssetStore(db),
	}
}

// Record finalizes the task and inserts its archived objects. It returns
// store.ErrAlreadyTerminal, with nothing written, when the task was already
// terminal.
func (r *FinalizationRecorder) Record(ctx context.Context, id uuid.UUID, f store.Finalization) error {
	return store.RunInTransaction(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := r.tasks.WithTx(tx).Finalize(ctx, id, f); err != nil {
			return err
		}
		if len(f.ArchivedObjects) == 0 {
			return nil
		}
		return r.assets.WithTx(tx).InsertMany(ctx, id.String(), f.ArchivedObjects)
	})
}
