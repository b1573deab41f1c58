package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/platform/objectstore"
)

// ArchiveChecker checks the archive bucket.
type ArchiveChecker interface {
	Check(ctx context.Context) objectstore.Diagnostics
}

// AdminHandler serves operator diagnostics.
type AdminHandler struct {
	archive ArchiveChecker
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler. archive may be nil when
// archival is disabled.
func NewAdminHandler(archive ArchiveChecker, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		archive: archive,
		logger:  logger.With(slog.String("component", "admin_handler")),
	}
}

// ArchiveCheck handles GET /api/admin/archive/check. The status code mirrors
// the check: 200 when the bucket answered as expected, 502 otherwise.
func (h *AdminHandler) ArchiveCheck(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		shared.RespondWithError(w, r, http.StatusServiceUnavailable, "archive_disabled")
		return
	}

	d := h.archive.Check(r.Context())
	status := http.StatusOK
	if !d.OK {
		status = http.StatusBadGateway
		logger.FromContextOrDefault(r.Context(), h.logger).Warn("archive check failed",
			slog.String("bucket", d.Bucket),
			slog.Int("head_status", d.HeadStatus),
			slog.String("hint", archiveHint(d.HeadStatus)))
	}
	shared.RespondWithJSON(w, r, status, struct {
		objectstore.Diagnostics
		Hint string `json:"hint,omitempty"`
	}{Diagnostics: d, Hint: archiveHint(d.HeadStatus)})
}

func archiveHint(status int) string {
	switch status {
	case http.StatusNotFound:
		return ""
	case http.StatusOK:
		return "check key exists; inspect bucket contents"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "credentials rejected"
	case http.StatusMovedPermanently, http.StatusBadRequest:
		return "endpoint or region mismatch"
	case 0:
		return "endpoint unreachable"
	default:
		return "unexpected response"
	}
}
