package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/registry"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/service/auth"
	"github.com/phrazzld/relay-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes so that
// internal error types never reach clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, domain.ErrMissingCallbackURL),
		errors.Is(err, domain.ErrMissingModel),
		errors.Is(err, domain.ErrInvalidType),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, registry.ErrUnknownModel),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, service.ErrNoCredential),
		errors.Is(err, credential.ErrNoCredential):
		return http.StatusServiceUnavailable

	case errors.Is(err, service.ErrSubmitFailed):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns the stable error code for err. It never
// includes the error text.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "internal_error"
	}

	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "missing_proxy_key"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_proxy_key"

	case errors.Is(err, store.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"

	case errors.Is(err, domain.ErrMissingCallbackURL):
		return "callback_url_required"
	case errors.Is(err, domain.ErrMissingModel):
		return "model_or_type_required"
	case errors.Is(err, domain.ErrInvalidType):
		return "invalid_type"
	case errors.Is(err, registry.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, domain.ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "invalid_request"

	case errors.Is(err, store.ErrDuplicate):
		return "conflict"

	case errors.Is(err, service.ErrNoCredential),
		errors.Is(err, credential.ErrNoCredential):
		return "no_upstream_key"
	case errors.Is(err, service.ErrSubmitFailed):
		return "submit_failed"

	default:
		return "internal_error"
	}
}
