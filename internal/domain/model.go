package domain

import (
	"errors"
	"strings"
)

// DefaultModel is used when a task carries no model name.
const DefaultModel = "mystic"

// TaskIDPlaceholder is substituted with the upstream job id in status endpoint templates.
const TaskIDPlaceholder = "{task-id}"

// RequestStyle is how a model's submission body is encoded.
type RequestStyle string

// Supported request styles.
const (
	RequestStyleJSON RequestStyle = "json"
	RequestStyleForm RequestStyle = "form"
)

// ErrNoStatusEndpoint is returned when a model has no status endpoint template.
var ErrNoStatusEndpoint = errors.New("model has no status endpoint")

// Model describes how to submit and poll one logical provider model.
type Model struct {
	Name                   string       `json:"name"`
	Kind                   Type         `json:"kind"`
	Operation              string       `json:"operation"`
	RequestStyle           RequestStyle `json:"request_style"`
	RequestEndpoint        string       `json:"request_endpoint"`
	StatusEndpointTemplate string       `json:"status_endpoint_template"`
	IsAsync                bool         `json:"is_async"`
	SupportsWebhook        bool         `json:"supports_webhook"`
}

// StatusEndpoint returns the status path for upstreamID.
func (m *Model) StatusEndpoint(upstreamID string) (string, error) {
	if m.StatusEndpointTemplate == "" {
		return "", ErrNoStatusEndpoint
	}
	return strings.ReplaceAll(m.StatusEndpointTemplate, TaskIDPlaceholder, upstreamID), nil
}

// AcceptsWebhook reports whether a callback URL should be injected on dispatch.
func (m *Model) AcceptsWebhook() bool {
	return m.IsAsync && m.SupportsWebhook
}
