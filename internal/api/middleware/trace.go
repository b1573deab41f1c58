package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/platform/logger"
)

// TraceHeader carries the request trace ID in both directions.
const TraceHeader = "X-Trace-Id"

const maxInboundTraceID = 64

// TraceMiddleware adds a trace ID to the request context together with a
// request-scoped logger carrying it. An inbound X-Trace-Id is reused when
// it is short and printable.
// Apply it early so that every later handler logs with the trace ID.
func TraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if inbound := strings.TrimSpace(r.Header.Get(TraceHeader)); validTraceID(inbound) {
				ctx = shared.WithTraceID(ctx, inbound)
			} else {
				ctx = shared.SetTraceID(ctx)
			}
			traceID := shared.GetTraceID(ctx)

			log := base.With(slog.String("trace_id", traceID))
			ctx = logger.WithLogger(ctx, log)
			w.Header().Set(TraceHeader, traceID)

			log.Debug("request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validTraceID(s string) bool {
	if s == "" || len(s) > maxInboundTraceID {
		return false
	}
	for _, c := range s {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
