package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/webhook"
)

const maxWebhookBytes = 2 << 20

// WebhookReceiver handles provider pushes.
type WebhookReceiver interface {
	Receive(ctx context.Context, p webhook.Push) webhook.Ack
}

// WebhookHandler adapts provider pushes to the receiver.
type WebhookHandler struct {
	receiver WebhookReceiver
	logger   *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(receiver WebhookReceiver, logger *slog.Logger) *WebhookHandler {
	if receiver == nil {
		panic("receiver cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		receiver: receiver,
		logger:   logger.With(slog.String("component", "webhook_handler")),
	}
}

// Freepik handles POST /api/webhook/freepik. An unreadable body is still
// acknowledged so the provider does not redeliver.
func (h *WebhookHandler) Freepik(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).
			Warn("failed to read webhook body", slog.String("error", err.Error()))
		shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]any{"ok": true, "ignored": true})
		return
	}

	q := r.URL.Query()
	ack := h.receiver.Receive(r.Context(), webhook.Push{
		Body:      body,
		Signature: r.Header.Get(webhook.SignatureHeader),
		Context:   q.Get(webhook.ContextParam),
		Callback:  q.Get(webhook.CallbackParam),
	})
	shared.RespondWithJSON(w, r, ack.Status, ack.Body)
}
