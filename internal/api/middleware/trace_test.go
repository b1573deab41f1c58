package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/stretchr/testify/assert"
)

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var traceID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
	})

	rec := httptest.NewRecorder()
	TraceMiddleware(base)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Len(t, traceID, shared.TraceIDLength*2)
	assert.Equal(t, traceID, rec.Header().Get(TraceHeader))
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.Contains(t, line, `"trace_id":"`+traceID+`"`)
	}
}

func TestTraceMiddlewareInboundID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inbound string
		reused  bool
	}{
		{name: "reused", inbound: "abc-123", reused: true},
		{name: "too long", inbound: strings.Repeat("a", maxInboundTraceID+1)},
		{name: "control characters", inbound: "abc\x01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var traceID string
			next := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				traceID = shared.GetTraceID(r.Context())
			})
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set(TraceHeader, tt.inbound)
			TraceMiddleware(nil)(next).ServeHTTP(httptest.NewRecorder(), req)
			if tt.reused {
				assert.Equal(t, tt.inbound, traceID)
			} else {
				assert.NotEqual(t, tt.inbound, traceID)
				assert.NotEmpty(t, traceID)
			}
		})
	}
}
