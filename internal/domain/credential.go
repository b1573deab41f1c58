package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultDailyQuota is the per-day request allowance of a credential when none is configured.
const DefaultDailyQuota = 10000

// Credential is an upstream provider API key.
type Credential struct {
	ID         uuid.UUID  `json:"id"`
	Label      string     `json:"label"`
	Secret     string     `json:"-"`
	Active     bool       `json:"active"`
	DailyQuota int        `json:"daily_quota"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CredentialUsage is a credential paired with its usage count for one day.
type CredentialUsage struct {
	Credential Credential
	Used       int
}

// Quota returns the effective daily quota.
func (c *Credential) Quota() int {
	if c.DailyQuota <= 0 {
		return DefaultDailyQuota
	}
	return c.DailyQuota
}

// UsageDay returns the usage counter key for t: the UTC calendar date.
func UsageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
