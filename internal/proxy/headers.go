package proxy

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/phrazzld/relay-api/internal/platform/freepik"
)

// droppedRequestHeaders never reach the provider. Caller tokens are among
// them so a proxy token cannot leak upstream.
var droppedRequestHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"content-length":      true,
	"accept-encoding":     true,
	"x-forwarded-for":     true,
	"x-real-ip":           true,
	"authorization":       true,
	"x-freepik-api-key":   true,
	proxyKeyHeader:        true,
	callerTokenHeader:     true,
	callerCallbackHeader:  true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// strippedResponseHeaders are removed before relaying a response because
// the body may have been decoded or re-encoded on the way through.
var strippedResponseHeaders = map[string]bool{
	"content-encoding":  true,
	"transfer-encoding": true,
	"content-length":    true,
	"connection":        true,
}

// jobIDHeaders are checked, in order, when a response body carries no job id.
var jobIDHeaders = []string{
	"x-request-id",
	"request-id",
	"x-task-id",
	"task-id",
	"x-freepik-task-id",
}

var uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}`)

// CallerToken extracts the caller's proxy token. Callers may send it in the
// provider's own key header, as a bearer token, or in x-proxy-key or
// x-caller-token, checked in that order.
func CallerToken(h http.Header) string {
	if v := strings.TrimSpace(h.Get(freepik.APIKeyHeader)); v != "" {
		return v
	}
	if v := strings.TrimSpace(h.Get("Authorization")); v != "" {
		scheme, token, ok := strings.Cut(v, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token)
		}
	}
	if v := strings.TrimSpace(h.Get(proxyKeyHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(h.Get(callerTokenHeader))
}

// UpstreamHeaders filters the caller's headers and sets exactly one provider
// credential header.
func UpstreamHeaders(in http.Header, secret string) http.Header {
	out := make(http.Header, len(in)+1)
	hop := connectionTokens(in)
	for k, vs := range in {
		lk := strings.ToLower(k)
		if droppedRequestHeaders[lk] || hop[lk] {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	out.Set(freepik.APIKeyHeader, secret)
	return out
}

// HeaderJobID returns a job id carried in response headers: one of the
// request-id style headers, or a UUID in Location.
func HeaderJobID(h http.Header) string {
	for _, k := range jobIDHeaders {
		if v := strings.TrimSpace(h.Get(k)); v != "" {
			return v
		}
	}
	if loc := h.Get("Location"); loc != "" {
		return uuidPattern.FindString(loc)
	}
	return ""
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strippedResponseHeaders[strings.ToLower(k)] {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

func writeCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,HEAD,OPTIONS")
	h.Set("Access-Control-Allow-Headers",
		"Content-Type, X-Freepik-Api-Key, Authorization, X-Callback-Url, X-Proxy-Key, X-Caller-Token")
}

// connectionTokens returns the headers named in Connection, which are hop-by-hop.
func connectionTokens(h http.Header) map[string]bool {
	tokens := map[string]bool{}
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
				tokens[f] = true
			}
		}
	}
	return tokens
}
