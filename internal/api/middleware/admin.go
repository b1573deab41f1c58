package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/platform/qstash"
	"github.com/phrazzld/relay-api/internal/redact"
)

// AdminTokenHeader carries the operator token.
const AdminTokenHeader = "X-Admin-Token"

const maxSignedBody = 64 << 10

// SignatureVerifier checks scheduler callback signatures.
type SignatureVerifier interface {
	Enabled() bool
	Verify(signature string, body []byte, url string) error
}

// AdminGuard protects operator and scheduler routes.
type AdminGuard struct {
	token     string
	verifier  SignatureVerifier
	publicURL string
}

// NewAdminGuard creates an AdminGuard. An empty token disables token
// access. publicURL, when set, must match the signed destination.
func NewAdminGuard(token string, verifier SignatureVerifier, publicURL string) *AdminGuard {
	return &AdminGuard{
		token:     token,
		verifier:  verifier,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// RequireToken admits only requests carrying the admin token.
func (g *AdminGuard) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token == "" {
			shared.RespondWithError(w, r, http.StatusForbidden, "admin_disabled")
			return
		}
		if !g.tokenOK(r) {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "invalid_admin_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSignature verifies the scheduler signature when a signing key is
// configured and admits every request otherwise.
func (g *AdminGuard) RequireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.signing() {
			next.ServeHTTP(w, r)
			return
		}
		if r, ok := g.verify(w, r); ok {
			next.ServeHTTP(w, r)
		}
	})
}

// RequireTokenOrSignature admits the admin token, then a valid scheduler
// signature. With neither configured the route is open.
func (g *AdminGuard) RequireTokenOrSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.token != "" && g.tokenOK(r) {
			next.ServeHTTP(w, r)
			return
		}
		if g.signing() {
			if r, ok := g.verify(w, r); ok {
				next.ServeHTTP(w, r)
			}
			return
		}
		if g.token != "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "invalid_admin_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *AdminGuard) tokenOK(r *http.Request) bool {
	got := r.Header.Get(AdminTokenHeader)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(g.token)) == 1
}

func (g *AdminGuard) signing() bool {
	return g.verifier != nil && g.verifier.Enabled()
}

// verify checks the signature over the request body and returns a request
// whose body can be read again.
func (g *AdminGuard) verify(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	sig := r.Header.Get(qstash.SignatureHeader)
	if sig == "" {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "missing_signature")
		return r, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "unreadable_body")
		return r, false
	}
	_ = r.Body.Close()

	destination := ""
	if g.publicURL != "" {
		destination = g.publicURL + r.URL.Path
	}
	if err := g.verifier.Verify(sig, body, destination); err != nil {
		logger.FromContext(r.Context()).Warn("scheduler signature rejected",
			slog.String("path", r.URL.Path),
			slog.String("error", redact.Error(err)))
		shared.RespondWithError(w, r, http.StatusUnauthorized, "invalid_signature")
		return r, false
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	return r, true
}
