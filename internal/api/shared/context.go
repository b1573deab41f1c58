package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
)

// ContextKey is the type of request context keys set by the API layer.
type ContextKey string

const (
	// TraceIDKey holds the request trace ID.
	TraceIDKey ContextKey = "traceID"

	// ProxyKeyContextKey holds the authenticated *domain.ProxyKey.
	ProxyKeyContextKey ContextKey = "proxyKey"

	// TraceIDLength is the number of random bytes in a generated trace ID.
	TraceIDLength = 16
)

// SetTraceID adds a fresh trace ID to the context.
func SetTraceID(ctx context.Context) context.Context {
	return WithTraceID(ctx, generateTraceID())
}

// WithTraceID adds the given trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID, or "" when none is set.
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithProxyKey stores the authenticated caller key.
func WithProxyKey(ctx context.Context, key *domain.ProxyKey) context.Context {
	return context.WithValue(ctx, ProxyKeyContextKey, key)
}

// ProxyKeyFromContext returns the authenticated caller key, if any.
func ProxyKeyFromContext(ctx context.Context) (*domain.ProxyKey, bool) {
	key, ok := ctx.Value(ProxyKeyContextKey).(*domain.ProxyKey)
	return key, ok && key != nil
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if _, err := rand.Read(b); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return hex.EncodeToString(b)
}
