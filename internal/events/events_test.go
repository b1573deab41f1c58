package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingHandler remembers what it was given and returns err.
type recordingHandler struct {
	received []*Event
	err      error
}

func (h *recordingHandler) HandleEvent(_ context.Context, event *Event) error {
	h.received = append(h.received, event)
	return h.err
}

func TestNewEvent(t *testing.T) {
	t.Parallel()

	type finalized struct {
		TaskID uuid.UUID `json:"task_id"`
		Status string    `json:"status"`
	}
	in := finalized{TaskID: uuid.New(), Status: "COMPLETED"}

	event, err := NewEvent(TypeTaskFinalized, in.TaskID.String(), in)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, TypeTaskFinalized, event.Type)
	assert.Equal(t, in.TaskID.String(), event.Subject)
	assert.Equal(t, time.UTC, event.CreatedAt.Location())
	assert.WithinDuration(t, time.Now(), event.CreatedAt, 2*time.Second)
	assert.JSONEq(t, `{"task_id":"`+in.TaskID.String()+`","status":"COMPLETED"}`, string(event.Payload))

	var out finalized
	require.NoError(t, event.UnmarshalPayload(&out))
	assert.Equal(t, in, out)
}

func TestNewEventRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := NewEvent(TypeTaskFinalized, "fp_1", make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeTaskFinalized)
}
