// Package webhook receives the provider's push callbacks.
//
// The receiver acknowledges everything it can: malformed bodies, unknown
// tasks and non-terminal statuses are answered with 202 so the provider
// never enters a redelivery storm. Only a signed context that fails
// verification is rejected. A verified context or a cb parameter is used
// only when no task row exists for the upstream id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/store"
)

// SignatureHeader is the provider's signature header. It is recorded only.
const SignatureHeader = "x-freepik-signature"

// Push is one inbound provider callback.
type Push struct {
	Body      []byte
	Signature string
	// Context is the signed ctx query parameter, if any.
	Context string
	// Callback is the base64url cb query parameter, if any.
	Callback string
}

// Ack is the response to a push.
type Ack struct {
	Status int
	Body   map[string]any
}

func ignored() Ack {
	return Ack{Status: http.StatusAccepted, Body: map[string]any{"ok": true, "ignored": true}}
}

// TaskLookup finds tasks by the provider's job id.
type TaskLookup interface {
	GetByUpstreamID(ctx context.Context, upstreamID string) (*domain.Task, error)
}

// Finalizer finalizes tasks.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (*finalize.Outcome, error)
}

// Receiver routes terminal pushes to the Finalizer.
type Receiver struct {
	tasks     TaskLookup
	audit     store.WebhookStore
	finalizer Finalizer
	signer    *Signer
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewReceiver creates a Receiver. audit may be nil to skip snapshots; a nil
// or disabled signer rejects every signed context.
func NewReceiver(tasks TaskLookup, audit store.WebhookStore, finalizer Finalizer, signer *Signer, m *metrics.Metrics, logger *slog.Logger) *Receiver {
	if tasks == nil || finalizer == nil {
		panic("webhook: tasks and finalizer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		tasks:     tasks,
		audit:     audit,
		finalizer: finalizer,
		signer:    signer,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "webhook_receiver")),
	}
}

// Receive handles a push and returns the acknowledgement to send.
func (r *Receiver) Receive(ctx context.Context, p Push) Ack {
	log := logger.FromContextOrDefault(ctx, r.logger)

	upstreamID, status, generated, ok := freepik.ParseBody(p.Body)
	if !ok {
		log.Warn("webhook body is not JSON, ignoring", slog.Int("bytes", len(p.Body)))
		r.metrics.Webhook("malformed")
		return ignored()
	}
	if upstreamID == "" {
		log.Warn("webhook without task id, ignoring")
		r.metrics.Webhook("missing_id")
		return ignored()
	}
	log = log.With(slog.String("upstream_task_id", upstreamID), slog.String("status", string(status)))
	if !status.IsTerminal() {
		log.Debug("non-terminal webhook, ignoring")
		r.metrics.Webhook("non_terminal")
		return ignored()
	}

	r.snapshot(ctx, log, upstreamID, p)

	req := finalize.Request{
		UpstreamID:    upstreamID,
		Status:        status,
		ResultURLs:    generated,
		ResultPayload: json.RawMessage(p.Body),
		Source:        finalize.SourceWebhook,
	}
	if status == domain.StatusFailed {
		req.Reason = domain.ReasonUpstreamFailed
	}

	var claims *ContextClaims
	if p.Context != "" {
		c, err := r.signer.Verify(p.Context)
		if err != nil {
			log.Warn("rejecting webhook context", slog.String("error", err.Error()))
			if errors.Is(err, ErrMalformedContext) {
				r.metrics.Webhook("malformed_context")
				return Ack{Status: http.StatusBadRequest, Body: map[string]any{"error": "malformed_context"}}
			}
			r.metrics.Webhook("invalid_context")
			return Ack{Status: http.StatusUnauthorized, Body: map[string]any{"error": "invalid_context"}}
		}
		claims = c
	}

	// A stored task wins over ctx and cb so webhook and poll share its lock key.
	task, err := r.tasks.GetByUpstreamID(ctx, upstreamID)
	switch {
	case err == nil:
		req.TaskID = &task.ID
		req.CallbackURL = task.CallbackURL
		if req.CallbackURL == "" && claims != nil {
			req.CallbackURL = claims.CallbackURL
		}
		return r.finalize(ctx, log, req, "stateful")
	case !store.IsNotFoundError(err):
		log.Error("task lookup failed, ignoring webhook", slog.String("error", redact.Error(err)))
		r.metrics.Webhook("lookup_failed")
		return ignored()
	}

	if claims != nil {
		req.CallbackURL = claims.CallbackURL
		return r.finalize(ctx, log, req, "stateless")
	}

	if p.Callback != "" {
		callback, err := DecodeCallback(p.Callback)
		if err == nil && callback != "" {
			log.Info("task not found, finalizing with callback from webhook URL")
			req.CallbackURL = callback
			return r.finalize(ctx, log, req, "fallback")
		}
		log.Warn("undecodable cb parameter", slog.String("error", errString(err)))
	}

	log.Info("no task for webhook yet, leaving it to polling")
	r.metrics.Webhook("unknown_task")
	return ignored()
}

func (r *Receiver) finalize(ctx context.Context, log *slog.Logger, req finalize.Request, mode string) Ack {
	out, err := r.finalizer.Finalize(ctx, req)
	if err != nil {
		log.Error("finalize failed", slog.String("mode", mode), slog.String("error", err.Error()))
		r.metrics.Webhook("finalize_failed")
		return ignored()
	}
	r.metrics.Webhook(mode)
	body := map[string]any{"ok": true}
	if out.Skipped != "" {
		body["skipped"] = out.Skipped
	}
	return Ack{Status: http.StatusOK, Body: body}
}

// snapshot records the push for audit. Failures are logged only.
func (r *Receiver) snapshot(ctx context.Context, log *slog.Logger, upstreamID string, p Push) {
	if r.audit == nil {
		return
	}
	hook := &domain.InboundWebhook{
		ID:         uuid.New(),
		UpstreamID: upstreamID,
		Payload:    json.RawMessage(p.Body),
		Signature:  p.Signature,
		ReceivedAt: r.now().UTC(),
	}
	if err := r.audit.Record(ctx, hook); err != nil {
		log.Warn("failed to record webhook snapshot", slog.String("error", redact.Error(err)))
	}
}

func errString(err error) string {
	if err == nil {
		return "empty callback"
	}
	return err.Error()
}
