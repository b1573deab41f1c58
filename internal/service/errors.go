package service

import "errors"

// Sentinel errors returned by the task service. The API layer maps them to
// status codes.
var (
	// ErrSubmitFailed is returned when the provider rejected a submission.
	// The task has been finalized as FAILED by the time the caller sees it.
	ErrSubmitFailed = errors.New("submit failed")

	// ErrNoCredential is returned when no provider credential exists. The task
	// has been finalized as FAILED.
	ErrNoCredential = errors.New("no provider credential available")
)
