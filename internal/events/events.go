package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TypeTaskFinalized is emitted once a task reaches a terminal status.
const TypeTaskFinalized = "task.finalized"

// Event is a lifecycle notification. Subject names the entity it concerns
// (a task id, or an upstream id for stateless tasks) and is used as the
// partition key once the event leaves the process.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent encodes payload and stamps a fresh id and UTC time.
func NewEvent(eventType, subject string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		Subject:   subject,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// UnmarshalPayload decodes the payload into v.
func (e *Event) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler consumes events, e.g. by publishing them to a broker.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// EventEmitter is what producers depend on; they never see the handlers.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event *Event) error
}
