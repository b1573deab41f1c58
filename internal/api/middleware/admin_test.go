package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/relay-api/internal/platform/qstash"
	"github.com/stretchr/testify/assert"
)

const (
	testAdminToken = "operator-token-0123456789"
	testSigningKey = "sig_current_key"
	testPublicURL  = "https://relay.example.com"
)

// echoBody replies with the request body so tests can check it survives verification.
var echoBody = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func signedRequest(t *testing.T, key, path, body string) *http.Request {
	t.Helper()
	sig, err := qstash.Sign(key, []byte(body), testPublicURL+path, time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(qstash.SignatureHeader, sig)
	return req
}

func TestAdminGuard_RequireToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "valid", token: testAdminToken, header: testAdminToken, want: http.StatusOK},
		{name: "wrong", token: testAdminToken, header: "nope", want: http.StatusUnauthorized},
		{name: "missing", token: testAdminToken, want: http.StatusUnauthorized},
		{name: "disabled", token: "", header: "anything", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			guard := NewAdminGuard(tt.token, nil, testPublicURL)
			req := httptest.NewRequest(http.MethodPost, "/api/admin/poll", nil)
			if tt.header != "" {
				req.Header.Set(AdminTokenHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			guard.RequireToken(echoBody).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAdminGuard_RequireSignature(t *testing.T) {
	t.Parallel()

	verifier := qstash.NewVerifier(testSigningKey, "sig_next_key")
	guard := NewAdminGuard("", verifier, testPublicURL)
	body := `{"taskId":"0f8fad5b-d9cb-469f-a165-70867728950e","attempt":2}`

	t.Run("valid signature keeps body", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		guard.RequireSignature(echoBody).ServeHTTP(rec, signedRequest(t, testSigningKey, "/api/poll/task", body))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, rec.Body.String())
	})

	t.Run("next key accepted", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		guard.RequireSignature(echoBody).ServeHTTP(rec, signedRequest(t, "sig_next_key", "/api/poll/task", body))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/poll/task", strings.NewReader(body))
		guard.RequireSignature(echoBody).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing_signature")
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		req := signedRequest(t, testSigningKey, "/api/poll/task", body)
		req.Body = io.NopCloser(strings.NewReader(`{"taskId":"other"}`))
		rec := httptest.NewRecorder()
		guard.RequireSignature(echoBody).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_signature")
	})

	t.Run("wrong destination", func(t *testing.T) {
		t.Parallel()
		sig, _ := qstash.Sign(testSigningKey, []byte(body), testPublicURL+"/api/poll", time.Now(), time.Minute)
		req := httptest.NewRequest(http.MethodPost, "/api/poll/task", strings.NewReader(body))
		req.Header.Set(qstash.SignatureHeader, sig)
		rec := httptest.NewRecorder()
		guard.RequireSignature(echoBody).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsigned when no key configured", func(t *testing.T) {
		t.Parallel()
		open := NewAdminGuard("", qstash.NewVerifier("", ""), testPublicURL)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/poll", nil)
		open.RequireSignature(echoBody).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAdminGuard_RequireTokenOrSignature(t *testing.T) {
	t.Parallel()

	path := "/api/admin/submit"
	tests := []struct {
		name   string
		guard  *AdminGuard
		build  func(t *testing.T) *http.Request
		status int
	}{
		{
			name:  "token",
			guard: NewAdminGuard(testAdminToken, qstash.NewVerifier(testSigningKey, ""), testPublicURL),
			build: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, path, nil)
				req.Header.Set(AdminTokenHeader, testAdminToken)
				return req
			},
			status: http.StatusOK,
		},
		{
			name:  "signature",
			guard: NewAdminGuard(testAdminToken, qstash.NewVerifier(testSigningKey, ""), testPublicURL),
			build: func(t *testing.T) *http.Request {
				return signedRequest(t, testSigningKey, path, "")
			},
			status: http.StatusOK,
		},
		{
			name:  "neither",
			guard: NewAdminGuard(testAdminToken, qstash.NewVerifier(testSigningKey, ""), testPublicURL),
			build: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, path, nil)
			},
			status: http.StatusUnauthorized,
		},
		{
			name:  "wrong token without signing",
			guard: NewAdminGuard(testAdminToken, nil, testPublicURL),
			build: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, path, nil)
				req.Header.Set(AdminTokenHeader, "nope")
				return req
			},
			status: http.StatusUnauthorized,
		},
		{
			name:  "open when nothing configured",
			guard: NewAdminGuard("", nil, testPublicURL),
			build: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, path, nil)
			},
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.guard.RequireTokenOrSignature(echoBody).ServeHTTP(rec, tt.build(t))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
