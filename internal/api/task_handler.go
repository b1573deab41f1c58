package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/service"
)

// CreateTaskRequest is the body of POST /api/task.
type CreateTaskRequest struct {
	Type        string         `json:"type"        validate:"omitempty,max=16"`
	Model       string         `json:"model"       validate:"omitempty,max=128"`
	Payload     map[string]any `json:"payload"`
	CallbackURL string         `json:"callback_url" validate:"omitempty,url,max=2048"`
	SiteID      string         `json:"c_site_id"   validate:"omitempty,max=128"`
}

// TaskResponse acknowledges an accepted task.
type TaskResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitResponse reports an admin submission.
type SubmitResponse struct {
	OK         bool   `json:"ok"`
	Skipped    bool   `json:"skipped,omitempty"`
	UpstreamID string `json:"upstream_task_id,omitempty"`
}

// TaskHandler handles task creation and submission.
type TaskHandler struct {
	tasks  service.TaskService
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(tasks service.TaskService, logger *slog.Logger) *TaskHandler {
	if tasks == nil {
		panic("tasks cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/task. The task is persisted and acknowledged
// with 202; submission to the provider continues in the background.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	key, ok := shared.ProxyKeyFromContext(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "missing_proxy_key")
		return
	}

	var req CreateTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid_request", err)
		return
	}

	siteID := strings.TrimSpace(req.SiteID)
	if siteID == "" {
		siteID = key.SiteID
	}

	task, err := h.tasks.CreateTask(r.Context(), service.CreateTaskInput{
		Type:        domain.Type(strings.ToLower(strings.TrimSpace(req.Type))),
		Model:       req.Model,
		CallbackURL: req.CallbackURL,
		Payload:     req.Payload,
		SiteID:      siteID,
	})
	if err != nil {
		status := MapErrorToStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("failed to create task", slog.String("proxy_key_id", key.ID.String()))
		}
		shared.RespondWithErrorAndLog(w, r, status, GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, TaskResponse{
		ID:     task.ID.String(),
		Status: string(task.Status),
	})
}

// Submit handles POST /api/admin/submit?task_id=. It is idempotent: a task
// that has left PENDING is reported as skipped.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("task_id")
	if raw == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "missing_task_id")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid_task_id")
		return
	}

	res, err := h.tasks.Submit(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, SubmitResponse{
		OK:         true,
		Skipped:    res.Skipped,
		UpstreamID: res.UpstreamID,
	})
}
