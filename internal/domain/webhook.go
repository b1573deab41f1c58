package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// InboundWebhook is the audit snapshot of a terminal provider push. It is
// written once and never read back for control decisions.
type InboundWebhook struct {
	ID         uuid.UUID       `json:"id"`
	UpstreamID string          `json:"upstream_task_id"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature,omitempty"`
	// SignatureOK stays nil: signatures are recorded, not verified.
	SignatureOK *bool     `json:"signature_ok,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}
