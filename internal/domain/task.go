package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a generation task.
type Status string

// Possible task status values. CANCELED is terminal but nothing produces it yet.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a task may move from one status to another.
// Transitions are monotonic: PENDING -> IN_PROGRESS -> terminal, and a task
// may also fail or complete straight from PENDING.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	switch to {
	case StatusPending:
		return false
	case StatusInProgress:
		return from == StatusPending
	default:
		return true
	}
}

// Type is the kind of generation job.
type Type string

// Known task types.
const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeEdit  Type = "edit"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeImage, TypeVideo, TypeEdit:
		return true
	default:
		return false
	}
}

// Failure reasons recorded on FAILED tasks.
const (
	ReasonSubmitFailed    = "submit_failed"
	ReasonTimeout         = "timeout"
	ReasonMissingUpstream = "missing_upstream_id_or_key"
	ReasonUpstreamFailed  = "upstream_failed"
)

// ArchivedObject records one result file copied into the object store.
type ArchivedObject struct {
	SourceURL   string `json:"source_url"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	PublicURL   string `json:"public_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	ETag        string `json:"etag,omitempty"`
}

// Task is one relayed generation job. Status and result fields are written by
// the dispatch path (PENDING -> IN_PROGRESS) and by finalization only.
type Task struct {
	ID               uuid.UUID        `json:"id"`
	SiteID           string           `json:"site_id,omitempty"`
	Type             Type             `json:"type"`
	Model            string           `json:"model,omitempty"`
	Status           Status           `json:"status"`
	CallbackURL      string           `json:"callback_url"`
	InputPayload     map[string]any   `json:"input_payload,omitempty"`
	CredentialID     *uuid.UUID       `json:"credential_id,omitempty"`
	UpstreamID       string           `json:"upstream_task_id,omitempty"`
	UpstreamResponse json.RawMessage  `json:"upstream_response,omitempty"`
	ResultURLs       []string         `json:"result_urls,omitempty"`
	ArchivedObjects  []ArchivedObject `json:"archived_objects,omitempty"`
	ResultPayload    json.RawMessage  `json:"result_payload,omitempty"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewTask creates a PENDING task. The caller resolves typ from the model
// registry when only a model name is known.
func NewTask(typ Type, model, callbackURL string, input map[string]any) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:           uuid.New(),
		Type:         typ,
		Model:        model,
		Status:       StatusPending,
		CallbackURL:  strings.TrimSpace(callbackURL),
		InputPayload: input,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if t.InputPayload == nil {
		t.InputPayload = map[string]any{}
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrInvalidID
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if !t.Status.Valid() {
		return ErrInvalidStatus
	}
	if t.CallbackURL == "" {
		return ErrMissingCallbackURL
	}
	return nil
}

// StartTime is the reference point for poll timing: StartedAt when dispatch
// succeeded, CreatedAt otherwise.
func (t *Task) StartTime() time.Time {
	if t.StartedAt != nil && !t.StartedAt.IsZero() {
		return *t.StartedAt
	}
	return t.CreatedAt
}

// IsVideo reports whether the task should get the longer video cadence.
func (t *Task) IsVideo() bool {
	return t.Type == TypeVideo || strings.Contains(strings.ToLower(t.Model), "video")
}

// PublicURLs returns the public URLs of the archived objects, in order.
func PublicURLs(objects []ArchivedObject) []string {
	urls := make([]string, 0, len(objects))
	for _, o := range objects {
		if o.PublicURL != "" {
			urls = append(urls, o.PublicURL)
		}
	}
	return urls
}
