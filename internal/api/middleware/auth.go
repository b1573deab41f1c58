package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/proxy"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/service/auth"
)

// KeyAuthenticator resolves a proxy token to its caller key.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.ProxyKey, error)
}

// AuthMiddleware authenticates relay callers by proxy key.
type AuthMiddleware struct {
	keys KeyAuthenticator
}

// NewAuthMiddleware creates a new AuthMiddleware with the given dependencies.
func NewAuthMiddleware(keys KeyAuthenticator) *AuthMiddleware {
	return &AuthMiddleware{keys: keys}
}

// Authenticate validates the caller's proxy token and adds the caller key
// to the request context. The token is read from the same headers the
// relay accepts.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.keys.Authenticate(r.Context(), proxy.CallerToken(r.Header))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrMissingToken):
				shared.RespondWithError(w, r, http.StatusUnauthorized, "missing_proxy_key")
			case errors.Is(err, auth.ErrInvalidToken):
				shared.RespondWithErrorAndLog(w, r, http.StatusForbidden, "invalid_proxy_key", err,
					shared.WithElevatedLogLevel())
			default:
				logger.FromContext(r.Context()).Error("failed to authenticate proxy key",
					slog.String("error", redact.Error(err)))
				shared.RespondWithError(w, r, http.StatusServiceUnavailable, "auth_unavailable")
			}
			return
		}

		ctx := shared.WithProxyKey(r.Context(), key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetProxyKey extracts the authenticated caller key from the request context.
func GetProxyKey(r *http.Request) (*domain.ProxyKey, bool) {
	return shared.ProxyKeyFromContext(r.Context())
}
