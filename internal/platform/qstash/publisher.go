// Package qstash schedules poll invocations through Upstash QStash and
// verifies the signatures QStash attaches to its callbacks.
package qstash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phrazzld/relay-api/internal/scheduler"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Destination paths the published jobs call back into.
const (
	PollTaskPath = "/api/poll/task"
	SweepPath    = "/api/poll"
)

// PollTaskBody is the callback body of a per-task poll.
type PollTaskBody struct {
	TaskID  string `json:"taskId"`
	Attempt int    `json:"attempt"`
}

// Publisher implements scheduler.Scheduler by publishing delayed messages.
type Publisher struct {
	baseURL   string
	token     string
	publicURL string
	http      *http.Client
	logger    *slog.Logger
}

var _ scheduler.Scheduler = (*Publisher)(nil)

// NewPublisher creates a Publisher. publicURL is this service's external
// base URL; callbacks are addressed to it.
func NewPublisher(baseURL, token, publicURL string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		publicURL: strings.TrimRight(publicURL, "/"),
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With(slog.String("component", "qstash_publisher")),
	}
}

// WithHTTPClient replaces the HTTP client.
func (p *Publisher) WithHTTPClient(c *http.Client) *Publisher {
	p.http = c
	return p
}

// Schedule implements scheduler.Scheduler.
func (p *Publisher) Schedule(ctx context.Context, job scheduler.Job, delay time.Duration) error {
	var (
		target string
		body   any
	)
	switch job.Kind {
	case scheduler.KindPollTask:
		target = p.publicURL + PollTaskPath
		body = PollTaskBody{TaskID: job.TaskID.String(), Attempt: job.Attempt}
	case scheduler.KindSweep:
		target = p.publicURL + SweepPath
		body = struct{}{}
	default:
		return fmt.Errorf("qstash: unsupported job kind %q", job.Kind)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("qstash: encode body: %w", err)
	}

	// The v2 publish endpoint takes the destination appended unescaped.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/publish/"+target, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("qstash: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	if secs := int(delay.Round(time.Second) / time.Second); secs > 0 {
		req.Header.Set("Upstash-Delay", strconv.Itoa(secs)+"s")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("qstash: publish %s: %w", job, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.WarnContext(ctx, "qstash publish rejected",
			slog.String("job", job.String()),
			slog.Int("status_code", resp.StatusCode))
		return fmt.Errorf("qstash: publish %s: status %d", job, resp.StatusCode)
	}
	return nil
}
