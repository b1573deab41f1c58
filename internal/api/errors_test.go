package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/registry"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/service/auth"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrMissingToken, http.StatusUnauthorized, "missing_proxy_key"},
		{fmt.Errorf("%w: bad", auth.ErrInvalidToken), http.StatusForbidden, "invalid_proxy_key"},
		{fmt.Errorf("load: %w", store.ErrTaskNotFound), http.StatusNotFound, "task_not_found"},
		{store.ErrCredentialNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrMissingCallbackURL, http.StatusBadRequest, "callback_url_required"},
		{domain.ErrMissingModel, http.StatusBadRequest, "model_or_type_required"},
		{domain.ErrInvalidType, http.StatusBadRequest, "invalid_type"},
		{fmt.Errorf("%w: x", registry.ErrUnknownModel), http.StatusBadRequest, "unknown_model"},
		{store.ErrDuplicate, http.StatusConflict, "conflict"},
		{credential.ErrNoCredential, http.StatusServiceUnavailable, "no_upstream_key"},
		{fmt.Errorf("%w: y", service.ErrSubmitFailed), http.StatusBadGateway, "submit_failed"},
		{errors.New("pq: password authentication failed for user relay"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.status, MapErrorToStatusCode(tt.err))
			assert.Equal(t, tt.code, GetSafeErrorMessage(tt.err))
		})
	}

	assert.Equal(t, "internal_error", GetSafeErrorMessage(nil))
}
