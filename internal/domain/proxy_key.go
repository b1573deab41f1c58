package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProxyKey identifies a caller of the relay. The caller presents
// "<id>.<secret>"; only a bcrypt hash of the secret is stored.
type ProxyKey struct {
	ID                 uuid.UUID `json:"id"`
	TokenHash          string    `json:"-"`
	Active             bool      `json:"active"`
	DefaultCallbackURL string    `json:"default_callback_url,omitempty"`
	SiteID             string    `json:"site_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
