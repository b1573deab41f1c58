package freepik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/phrazzld/relay-api/internal/config"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/registry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIKeyHeader carries the provider credential.
const APIKeyHeader = "x-freepik-api-key"

const maxResponseBytes = 4 << 20

// DispatchRequest is a job submission.
type DispatchRequest struct {
	Model       string
	Payload     map[string]any
	CallbackURL string
	APIKey      string
}

// DispatchResult is the normalized submission response.
type DispatchResult struct {
	UpstreamID string
	Status     domain.Status
	Raw        json.RawMessage
}

// StatusRequest is a job status lookup.
type StatusRequest struct {
	Model      string
	UpstreamID string
	APIKey     string
}

// StatusResult is the normalized status response.
type StatusResult struct {
	Status    domain.Status
	Generated []string
	Raw       json.RawMessage
}

// Provider submits jobs and resolves their status.
type Provider interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error)
	Resolve(ctx context.Context, req StatusRequest) (*StatusResult, error)
}

// Client talks to the provider over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	registry registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

var _ Provider = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// NewClient creates a provider client.
func NewClient(cfg config.ProviderConfig, reg registry.Registry, logger *slog.Logger, opts ...ClientOption) *Client {
	if reg == nil {
		panic("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		registry: reg,
		logger:   logger.With(slog.String("component", "freepik_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New returns the Mock when cfg.Mock is set and a Client otherwise.
func New(cfg config.ProviderConfig, reg registry.Registry, logger *slog.Logger, opts ...ClientOption) Provider {
	if cfg.Mock {
		return NewMock()
	}
	return NewClient(cfg, reg, logger, opts...)
}

// Dispatch submits a job. All failures are *DispatchError.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	log := logger.FromContextOrDefault(ctx, c.logger)
	defer c.metrics.ObserveUpstream("dispatch", time.Now())

	model, err := c.registry.Lookup(ctx, req.Model)
	if err != nil {
		return nil, &DispatchError{Model: req.Model, Err: err}
	}

	body := make(map[string]any, len(req.Payload)+1)
	maps.Copy(body, req.Payload)
	if model.AcceptsWebhook() && req.CallbackURL != "" {
		body["webhook_url"] = req.CallbackURL
	}

	var (
		payload     io.Reader
		contentType string
	)
	if model.RequestStyle == domain.RequestStyleForm {
		buf, ct, err := encodeForm(body)
		if err != nil {
			return nil, &DispatchError{Model: req.Model, Err: err}
		}
		payload, contentType = buf, ct
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, &DispatchError{Model: req.Model, Err: err}
		}
		payload, contentType = bytes.NewReader(raw), "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+model.RequestEndpoint, payload)
	if err != nil {
		return nil, &DispatchError{Model: req.Model, Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(APIKeyHeader, req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Warn("dispatch transport error",
			slog.String("model", req.Model),
			slog.String("error", err.Error()))
		return nil, &DispatchError{Model: req.Model, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &DispatchError{Model: req.Model, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("dispatch rejected",
			slog.String("model", req.Model),
			slog.Int("status_code", resp.StatusCode))
		return nil, &DispatchError{Model: req.Model, StatusCode: resp.StatusCode, Err: ErrDispatch}
	}

	result := &DispatchResult{Status: domain.StatusInProgress}
	if id, status, _, ok := ParseBody(raw); ok {
		result.UpstreamID = id
		result.Raw = raw
		if status != StatusOther {
			result.Status = status
		}
	}

	log.Info("dispatched upstream job",
		slog.String("model", req.Model),
		slog.String("upstream_task_id", result.UpstreamID),
		slog.String("status", string(result.Status)))
	return result, nil
}

// Resolve fetches a job's status. All failures wrap ErrStatusCheck.
func (c *Client) Resolve(ctx context.Context, req StatusRequest) (*StatusResult, error) {
	defer c.metrics.ObserveUpstream("status", time.Now())

	model, err := c.registry.Lookup(ctx, req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}
	endpoint, err := model.StatusEndpoint(req.UpstreamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}
	httpReq.Header.Set(APIKeyHeader, req.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatusCheck, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusErr("GET %s returned %d", endpoint, resp.StatusCode)
	}

	_, status, generated, ok := ParseBody(raw)
	if !ok {
		return nil, statusErr("GET %s returned a non-JSON body", endpoint)
	}
	return &StatusResult{Status: status, Generated: generated, Raw: raw}, nil
}

func encodeForm(fields map[string]any) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		v := fields[k]
		if v == nil {
			continue
		}
		if err := w.WriteField(k, fmt.Sprint(v)); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
