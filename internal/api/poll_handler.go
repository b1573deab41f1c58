package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/poll"
	"github.com/phrazzld/relay-api/internal/store"
)

// Poller runs status polls.
type Poller interface {
	PollOnce(ctx context.Context, taskID uuid.UUID, attempt int) (*poll.Result, error)
	Sweep(ctx context.Context) (*poll.SweepResult, error)
}

// PollTaskRequest is the body of POST /api/poll/task.
type PollTaskRequest struct {
	TaskID  string `json:"taskId"  validate:"required,uuid"`
	Attempt int    `json:"attempt" validate:"gte=0"`
}

// PollHandler exposes the scheduler callbacks and the manual sweep.
type PollHandler struct {
	poller Poller
	logger *slog.Logger
}

// NewPollHandler creates a new PollHandler.
func NewPollHandler(poller Poller, logger *slog.Logger) *PollHandler {
	if poller == nil {
		panic("poller cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollHandler{
		poller: poller,
		logger: logger.With(slog.String("component", "poll_handler")),
	}
}

// Sweep handles POST /api/poll and POST /api/admin/poll.
func (h *PollHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.Sweep(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "sweep_failed", err)
		return
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("sweep finished",
		slog.Int("polled", res.Polled),
		slog.Bool("next_scheduled", res.NextScheduled))
	shared.RespondWithJSON(w, r, http.StatusOK, res)
}

// PollTask handles POST /api/poll/task. Unknown tasks are acknowledged with
// 200 so the scheduler does not retry them.
func (h *PollHandler) PollTask(w http.ResponseWriter, r *http.Request) {
	var req PollTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	if req.TaskID == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "missing_taskId")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	id := uuid.MustParse(req.TaskID)

	res, err := h.poller.PollOnce(r.Context(), id, req.Attempt)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("poll for unknown task",
			slog.String("task_id", id.String()))
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]any{"ok": true, "ignored": true})
	case err != nil && res == nil:
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "poll_failed", err)
	case err != nil:
		// The poll decided but the follow-up schedule failed; a 5xx makes the
		// scheduler redeliver this attempt.
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, "reschedule_failed", err)
	default:
		shared.RespondWithJSON(w, r, http.StatusOK, res)
	}
}
