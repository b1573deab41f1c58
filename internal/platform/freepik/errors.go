package freepik

import (
	"errors"
	"fmt"
)

var (
	// ErrDispatch marks a failed job submission. Dispatch failures are final.
	ErrDispatch = errors.New("upstream dispatch failed")

	// ErrStatusCheck marks a failed status lookup. Status failures are retryable.
	ErrStatusCheck = errors.New("upstream status check failed")
)

// DispatchError describes a failed submission.
type DispatchError struct {
	Model      string
	StatusCode int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s: upstream returned %d", e.Model, e.StatusCode)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrDispatch.
func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatch
}

func statusErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStatusCheck, fmt.Sprintf(format, args...))
}
