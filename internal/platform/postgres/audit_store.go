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

// PostgresProxyKeyStore implements store.ProxyKeyStore.
type PostgresProxyKeyStore struct {
	db store.DBTX
}

// NewPostgresProxyKeyStore creates a proxy key store on db.
func NewPostgresProxyKeyStore(db store.DBTX) *PostgresProxyKeyStore {
	return &PostgresProxyKeyStore{db: db}
}

var _ store.ProxyKeyStore = (*PostgresProxyKeyStore)(nil)

// GetByID implements store.ProxyKeyStore.GetByID
func (s *PostgresProxyKeyStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ProxyKey, error) {
	query := `
		SELECT id, token_hash, active, default_callback_url, site_id, created_at
		FROM proxy_keys
		WHERE id = $1
	`
	var (
		k           domain.ProxyKey
		callbackURL sql.NullString
		siteID      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&k.ID, &k.TokenHash, &k.Active, &callbackURL, &siteID, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProxyKeyNotFound
		}
		return nil, MapError(err)
	}
	k.DefaultCallbackURL = callbackURL.String
	k.SiteID = siteID.String
	return &k, nil
}

// Create implements store.ProxyKeyStore.Create
func (s *PostgresProxyKeyStore) Create(ctx context.Context, key *domain.ProxyKey) error {
	query := `
		INSERT INTO proxy_keys (id, token_hash, active, default_callback_url, site_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.TokenHash, key.Active,
		nullString(key.DefaultCallbackURL), nullString(key.SiteID), key.CreatedAt,
	)
	return MapUniqueViolation(err, "proxy key")
}

// PostgresWebhookStore implements store.WebhookStore over inbound_webhooks.
type PostgresWebhookStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresWebhookStore creates a webhook audit store on db.
func NewPostgresWebhookStore(db store.DBTX, logger *slog.Logger) *PostgresWebhookStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWebhookStore{db: db, logger: logger.With(slog.String("component", "webhook_store"))}
}

var _ store.WebhookStore = (*PostgresWebhookStore)(nil)

// Record implements store.WebhookStore.Record
func (s *PostgresWebhookStore) Record(ctx context.Context, hook *domain.InboundWebhook) error {
	if hook.ID == uuid.Nil {
		hook.ID = uuid.New()
	}
	if hook.ReceivedAt.IsZero() {
		hook.ReceivedAt = nowUTC()
	}
	query := `
		INSERT INTO inbound_webhooks (id, upstream_task_id, payload, signature, signature_ok, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query,
		hook.ID,
		nullString(hook.UpstreamID),
		nullJSON(hook.Payload),
		nullString(hook.Signature),
		hook.SignatureOK,
		hook.ReceivedAt,
	)
	if err != nil {
		logger.FromContextOrDefault(ctx, s.logger).Warn("failed to record inbound webhook",
			slog.String("error", err.Error()),
			slog.String("upstream_task_id", hook.UpstreamID))
		return MapError(err)
	}
	return nil
}

// PostgresAssetStore implements store.AssetStore over the assets table.
type PostgresAssetStore struct {
	db store.DBTX
}

// NewPostgresAssetStore creates an asset store on db.
func NewPostgresAssetStore(db store.DBTX) *PostgresAssetStore {
	return &PostgresAssetStore{db: db}
}

var _ store.AssetStore = (*PostgresAssetStore)(nil)

// WithTx implements store.AssetStore.WithTx
func (s *PostgresAssetStore) WithTx(tx *sql.Tx) store.AssetStore {
	return &PostgresAssetStore{db: tx}
}

// InsertMany implements store.AssetStore.InsertMany
func (s *PostgresAssetStore) InsertMany(ctx context.Context, scope string, objects []domain.ArchivedObject) error {
	query := `
		INSERT INTO assets (id, scope, source_url, bucket, object_key, public_url, content_type, size_bytes, etag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (bucket, object_key) DO NOTHING
	`
	now := nowUTC()
	for _, o := range objects {
		_, err := s.db.ExecContext(ctx, query,
			uuid.New(), scope, o.SourceURL, o.Bucket, o.Key,
			nullString(o.PublicURL), nullString(o.ContentType), o.Size, nullString(o.ETag), now,
		)
		if err != nil {
			return MapError(err)
		}
	}
	return nil
}

// PostgresSchedulerStateStore implements store.SchedulerStateStore.
type PostgresSchedulerStateStore struct {
	db store.DBTX
}

// NewPostgresSchedulerStateStore creates a scheduler state store on db.
func NewPostgresSchedulerStateStore(db store.DBTX) *PostgresSchedulerStateStore {
	return &PostgresSchedulerStateStore{db: db}
}

var _ store.SchedulerStateStore = (*PostgresSchedulerStateStore)(nil)

// Claim implements store.SchedulerStateStore.Claim. The upsert only takes
// effect when the stored horizon has passed, so one caller wins per window.
func (s *PostgresSchedulerStateStore) Claim(ctx context.Context, key string, until time.Time) (bool, error) {
	query := `
		INSERT INTO scheduler_state (key, scheduled_until, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
			SET scheduled_until = EXCLUDED.scheduled_until, updated_at = now()
			WHERE scheduler_state.scheduled_until <= now()
		RETURNING key
	`
	var claimed string
	err := s.db.QueryRowContext(ctx, query, key, until).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, MapError(err)
	}
	return true, nil
}
