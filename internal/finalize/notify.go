package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/phrazzld/relay-api/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Notification is the JSON body posted to the caller's callback URL.
type Notification struct {
	ID              string                  `json:"id,omitempty"`
	UpstreamID      string                  `json:"upstream_task_id,omitempty"`
	Status          domain.Status           `json:"status"`
	ResultURLs      []string                `json:"result_urls,omitempty"`
	ArchivedObjects []domain.ArchivedObject `json:"archived_objects,omitempty"`
	PublicURLs      []string                `json:"public_urls,omitempty"`
	Reason          string                  `json:"reason,omitempty"`
}

// Notifier delivers a notification. Implementations must honor ctx deadlines.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, n Notification) error
}

// HTTPNotifier posts notifications as JSON.
type HTTPNotifier struct {
	client *http.Client
}

// NewHTTPNotifier creates a notifier. A nil client gets an instrumented
// default; timeouts come from the context Finalize passes in.
func NewHTTPNotifier(client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPNotifier{client: client}
}

// Notify implements Notifier. Any non-2xx response is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, callbackURL string, body Notification) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback responded with status %d", resp.StatusCode)
	}
	return nil
}

// SafeCallbackURL reports whether raw may receive a notification: it must be
// https and must not name localhost or a loopback, private, link-local or
// unspecified IP literal.
func SafeCallbackURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		// Not an IP literal.
		return true
	}
	addr = addr.Unmap()
	return !(addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified())
}
