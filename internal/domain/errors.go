// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidStatus is returned when a task status is not one of the known values.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidType is returned when a task type is not image, video, or edit.
	ErrInvalidType = errors.New("invalid task type")

	// ErrInvalidTransition is returned when a status change would leave a
	// terminal state or skip backwards.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrMissingCallbackURL is returned when a task is created without a caller callback.
	ErrMissingCallbackURL = errors.New("callback URL cannot be empty")

	// ErrMissingModel is returned when a task names neither a model nor a type.
	ErrMissingModel = errors.New("model or type is required")
)
