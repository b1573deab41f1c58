// Package store declares the persistence contracts of the relay: tasks and
// their terminal transition, provider credentials and daily usage, the model
// registry, proxy keys, and the audit tables for webhooks, archived assets
// and scheduler state. Implementations live in internal/platform/postgres.
//
// Conditional writes report lost races through sentinels (ErrNotPending,
// ErrAlreadyTerminal) rather than generic update failures, so callers can
// treat them as skips.
package store
