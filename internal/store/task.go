package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
)

// Dispatch carries the fields written when a submission is accepted upstream.
type Dispatch struct {
	CredentialID     *uuid.UUID
	UpstreamID       string
	UpstreamResponse json.RawMessage
	StartedAt        time.Time
}

// Finalization carries the terminal fields of a task. It is written once.
type Finalization struct {
	Status          domain.Status
	ResultURLs      []string
	ArchivedObjects []domain.ArchivedObject
	ResultPayload   json.RawMessage
	Error           string
	CompletedAt     time.Time
}

// TaskStore defines the interface for task data persistence.
type TaskStore interface {
	// Create saves a new task. A task carrying an upstream id that is already
	// stored returns ErrDuplicate.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// GetByUpstreamID retrieves a task by the provider's job id.
	// Returns ErrTaskNotFound if no task carries that id.
	GetByUpstreamID(ctx context.Context, upstreamID string) (*domain.Task, error)

	// MarkDispatched moves a PENDING task to IN_PROGRESS and records the
	// credential and upstream id. An upstream id that is already set is kept.
	// Returns ErrNotPending if the task has left PENDING.
	MarkDispatched(ctx context.Context, id uuid.UUID, d Dispatch) error

	// Finalize writes the terminal status and result fields. The write only
	// applies to a non-terminal row; otherwise ErrAlreadyTerminal is returned.
	Finalize(ctx context.Context, id uuid.UUID, f Finalization) error

	// ListByStatus returns up to limit tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Task, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) TaskStore
}
