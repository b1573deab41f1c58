// Package proxy relays provider-shaped requests to the provider.
//
// Callers authenticate with their own proxy token; the relay swaps it for a
// pooled provider credential, rewrites the callback URL so pushes land on
// this service, and snapshots a task for any job it sees created so the
// poll path can finish it if the push never arrives.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/api/shared"
	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/metrics"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/redact"
	"github.com/phrazzld/relay-api/internal/registry"
	"github.com/phrazzld/relay-api/internal/service/auth"
	"github.com/phrazzld/relay-api/internal/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Webhook rewrite modes.
const (
	ModeOff            = "off"
	ModeAlways         = "always"
	ModeInjectIfAbsent = "inject_if_absent"
)

const (
	// PathPrefix is where the relay is mounted.
	PathPrefix = "/v1/"

	maxBodyBytes = 10 << 20

	webhookField  = "webhook_url"
	callbackField = "callback_url"
	entryField    = "_proxy_entry"

	callerCallbackHeader = "x-callback-url"
	callerTokenHeader    = "x-caller-token"
	proxyKeyHeader       = "x-proxy-key"
)

// Authenticator resolves caller tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.ProxyKey, error)
}

// CredentialSelector picks the provider credential for a request.
type CredentialSelector interface {
	Select(ctx context.Context) (*credential.Selection, error)
}

// EndpointLookup finds the model registered for a request path.
type EndpointLookup interface {
	LookupEndpoint(ctx context.Context, path string) (*domain.Model, error)
}

// TaskCreator saves task snapshots.
type TaskCreator interface {
	Create(ctx context.Context, task *domain.Task) error
}

// Armer arms the first poll of a task.
type Armer interface {
	Arm(ctx context.Context, taskID uuid.UUID) (bool, error)
}

// Options configures the relay.
type Options struct {
	// UpstreamBaseURL is the provider origin, without the /v1 prefix.
	UpstreamBaseURL string
	// WebhookURL is this service's provider-facing webhook endpoint.
	WebhookURL  string
	WebhookMode string
	// Signer, when enabled, adds a signed caller context to rewritten webhook URLs.
	Signer *webhook.Signer
}

// Deps are the relay's collaborators. Registry, Tasks and Poller are optional.
type Deps struct {
	Auth        Authenticator
	Credentials CredentialSelector
	Registry    EndpointLookup
	Tasks       TaskCreator
	Poller      Armer
	Metrics     *metrics.Metrics
	Client      *http.Client
}

// Relay is the reverse proxy handler.
type Relay struct {
	opts   Options
	deps   Deps
	client *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(opts Options, deps Deps, logger *slog.Logger) (*Relay, error) {
	if deps.Auth == nil || deps.Credentials == nil {
		return nil, errors.New("proxy: auth and credentials are required")
	}
	if opts.UpstreamBaseURL == "" {
		return nil, errors.New("proxy: upstream base URL is required")
	}
	switch opts.WebhookMode {
	case "":
		opts.WebhookMode = ModeOff
	case ModeOff, ModeAlways, ModeInjectIfAbsent:
	default:
		return nil, fmt.Errorf("proxy: unknown webhook mode %q", opts.WebhookMode)
	}
	if opts.WebhookMode != ModeOff && opts.WebhookURL == "" {
		return nil, errors.New("proxy: webhook URL is required when rewriting callbacks")
	}
	opts.UpstreamBaseURL = strings.TrimRight(opts.UpstreamBaseURL, "/")

	client := deps.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		opts:   opts,
		deps:   deps,
		client: client,
		now:    time.Now,
		logger: logger.With(slog.String("component", "proxy_relay")),
	}, nil
}

// ServeHTTP implements http.Handler.
func (p *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	log := logger.FromContextOrDefault(ctx, p.logger).With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path))
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() { p.deps.Metrics.ProxyRequest(r.Method, rec.status) }()

	key, err := p.deps.Auth.Authenticate(ctx, CallerToken(r.Header))
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrMissingToken):
		shared.RespondWithError(rec, r, http.StatusUnauthorized, "missing_proxy_key")
		return
	case errors.Is(err, auth.ErrInvalidToken):
		shared.RespondWithErrorAndLog(rec, r, http.StatusForbidden, "invalid_proxy_key", err, shared.WithElevatedLogLevel())
		return
	default:
		shared.RespondWithErrorAndLog(rec, r, http.StatusServiceUnavailable, "auth_unavailable", err)
		return
	}
	log = log.With(slog.String("proxy_key_id", key.ID.String()))

	sel, err := p.deps.Credentials.Select(ctx)
	if err != nil {
		shared.RespondWithErrorAndLog(rec, r, http.StatusServiceUnavailable, "no_upstream_key", err)
		return
	}

	tail := strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(PathPrefix, "/"))
	tail = strings.TrimPrefix(tail, "/")
	endpoint := PathPrefix + tail

	body, reqJSON, callerCallback, err := p.prepareBody(r, key)
	if err != nil {
		shared.RespondWithErrorAndLog(rec, r, http.StatusBadRequest, "invalid_body", err)
		return
	}

	target := p.opts.UpstreamBaseURL + endpoint
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		shared.RespondWithErrorAndLog(rec, r, http.StatusBadRequest, "invalid_request", err)
		return
	}
	upReq.Header = UpstreamHeaders(r.Header, sel.Secret)

	resp, err := p.client.Do(upReq)
	if err != nil {
		log.Warn("upstream request failed", slog.String("error", redact.Error(err)))
		shared.RespondWithError(rec, r, http.StatusBadGateway, "upstream_error")
		return
	}
	defer resp.Body.Close()

	if r.Method != http.MethodPost {
		stream(rec, resp, log)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		log.Warn("failed to read upstream response", slog.String("error", err.Error()))
		copyHeaders(rec.Header(), resp.Header)
		rec.WriteHeader(resp.StatusCode)
		return
	}

	if resp.StatusCode < http.StatusBadRequest {
		p.snapshot(ctx, log, snapshotInput{
			key:            key,
			credentialID:   sel.ID,
			endpoint:       endpoint,
			request:        reqJSON,
			callerCallback: callerCallback,
			response:       raw,
			headerID:       HeaderJobID(resp.Header),
		})
	}

	if !json.Valid(raw) || len(bytes.TrimSpace(raw)) == 0 {
		shared.RespondWithJSON(rec, r, resp.StatusCode, map[string]any{"ok": true, "status": resp.StatusCode})
		return
	}
	copyHeaders(rec.Header(), resp.Header)
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(resp.StatusCode)
	if _, err := rec.Write(raw); err != nil {
		log.Debug("client went away", slog.String("error", err.Error()))
	}
}

// prepareBody returns the body to send upstream. JSON bodies are decoded so
// the callback can be rewritten and the request recorded on the snapshot;
// other bodies are streamed through.
func (p *Relay) prepareBody(r *http.Request, key *domain.ProxyKey) (io.Reader, map[string]any, string, error) {
	fallback := strings.TrimSpace(r.Header.Get(callerCallbackHeader))
	if fallback == "" {
		fallback = key.DefaultCallbackURL
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody {
		return nil, nil, fallback, nil
	}
	if !isJSON(r.Header.Get("Content-Type")) {
		return r.Body, nil, fallback, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, nil, "", fmt.Errorf("read request body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, nil, "", errors.New("request body too large")
	}

	var obj map[string]any
	if len(bytes.TrimSpace(raw)) == 0 {
		obj = map[string]any{}
	} else if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return bytes.NewReader(raw), nil, fallback, nil
	}

	callerCallback := stringField(obj, webhookField)
	if callerCallback == "" {
		callerCallback = stringField(obj, callbackField)
	}
	if callerCallback == "" {
		callerCallback = fallback
	}

	original := maps.Clone(obj)
	rewritten, changed, err := p.rewriteCallback(obj, callerCallback, key.SiteID)
	if err != nil {
		return nil, nil, "", err
	}
	if !changed {
		return bytes.NewReader(raw), original, callerCallback, nil
	}
	out, err := json.Marshal(rewritten)
	if err != nil {
		return nil, nil, "", fmt.Errorf("encode request body: %w", err)
	}
	return bytes.NewReader(out), original, callerCallback, nil
}

func (p *Relay) rewriteCallback(obj map[string]any, callerCallback, siteID string) (map[string]any, bool, error) {
	switch p.opts.WebhookMode {
	case ModeAlways:
	case ModeInjectIfAbsent:
		if v, ok := obj[webhookField]; ok && v != nil {
			return obj, false, nil
		}
	default:
		return obj, false, nil
	}
	signer := p.opts.Signer
	if !signer.Enabled() {
		signer = nil
	}
	u, err := webhook.CallbackURL(p.opts.WebhookURL, callerCallback, siteID, signer)
	if err != nil {
		return nil, false, err
	}
	obj[webhookField] = u
	return obj, true, nil
}

type snapshotInput struct {
	key            *domain.ProxyKey
	credentialID   uuid.UUID
	endpoint       string
	request        map[string]any
	callerCallback string
	response       []byte
	headerID       string
}

// snapshot records a task for a job the provider just accepted and arms its
// poll. Every failure is logged and swallowed.
func (p *Relay) snapshot(ctx context.Context, log *slog.Logger, in snapshotInput) {
	if p.deps.Tasks == nil {
		return
	}
	upstreamID, upstreamStatus, generated, _ := freepik.ParseBody(in.response)
	if upstreamID == "" {
		upstreamID = in.headerID
	}
	if upstreamID == "" {
		return
	}

	typ := domain.Type("")
	modelName := ""
	if p.deps.Registry != nil {
		if m, err := p.deps.Registry.LookupEndpoint(ctx, in.endpoint); err == nil {
			typ, modelName = m.Kind, m.Name
		}
	}
	if !typ.Valid() {
		typ = registry.InferType(in.endpoint)
	}

	input := maps.Clone(in.request)
	if input == nil {
		input = map[string]any{}
	}
	input[entryField] = in.endpoint

	now := p.now().UTC()
	credentialID := in.credentialID
	task := &domain.Task{
		ID:           uuid.New(),
		SiteID:       in.key.SiteID,
		Type:         typ,
		Model:        modelName,
		Status:       domain.StatusInProgress,
		CallbackURL:  in.callerCallback,
		InputPayload: input,
		CredentialID: &credentialID,
		UpstreamID:   upstreamID,
		CreatedAt:    now,
		StartedAt:    &now,
		UpdatedAt:    now,
	}
	if json.Valid(in.response) {
		task.UpstreamResponse = json.RawMessage(in.response)
	}
	if upstreamStatus == domain.StatusCompleted {
		task.Status = domain.StatusCompleted
		task.ResultURLs = generated
		task.CompletedAt = &now
	}

	log = log.With(slog.String("task_id", task.ID.String()), slog.String("upstream_task_id", upstreamID))
	if err := p.deps.Tasks.Create(ctx, task); err != nil {
		log.Warn("failed to snapshot proxied task", slog.String("error", redact.Error(err)))
		return
	}
	p.deps.Metrics.TaskCreated(string(task.Type), "proxy")
	log.Info("proxied task snapshotted", slog.String("status", string(task.Status)))

	if task.Status.IsTerminal() || p.deps.Poller == nil {
		return
	}
	if _, err := p.deps.Poller.Arm(ctx, task.ID); err != nil {
		log.Warn("failed to arm poll for proxied task", slog.String("error", redact.Error(err)))
	}
}

func stream(w http.ResponseWriter, resp *http.Response, log *slog.Logger) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug("stream interrupted", slog.String("error", err.Error()))
	}
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

func stringField(obj map[string]any, name string) string {
	s, _ := obj[name].(string)
	return strings.TrimSpace(s)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
