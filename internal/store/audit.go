package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/phrazzld/relay-api/internal/domain"
)

// WebhookStore appends inbound webhook snapshots. Rows are never read back
// by the request path.
type WebhookStore interface {
	Record(ctx context.Context, hook *domain.InboundWebhook) error
}

// AssetStore records archived result objects. The scope is the task id, or
// the upstream id for stateless finalization.
type AssetStore interface {
	InsertMany(ctx context.Context, scope string, objects []domain.ArchivedObject) error

	// WithTx returns a new AssetStore instance that uses the provided transaction.
	WithTx(tx *sql.Tx) AssetStore
}

// SchedulerStateStore guards schedule-once keys such as the fleet sweep.
type SchedulerStateStore interface {
	// Claim sets key's horizon to until if the stored horizon has passed (or
	// the key is new) and reports whether this caller won the claim.
	Claim(ctx context.Context, key string, until time.Time) (bool, error)
}
