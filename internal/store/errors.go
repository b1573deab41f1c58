package store

import (
	"errors"
	"fmt"
)

// Sentinels shared by every store implementation. Entity-specific misses
// wrap ErrNotFound and lost conditional writes wrap ErrUpdateFailed, so
// callers can match either the family or the exact case.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrDuplicate     = errors.New("entity already exists")
	ErrInvalidEntity = errors.New("invalid entity")
	ErrUpdateFailed  = errors.New("update failed")

	ErrTaskNotFound       = fmt.Errorf("%w: task", ErrNotFound)
	ErrCredentialNotFound = fmt.Errorf("%w: credential", ErrNotFound)
	ErrModelNotFound      = fmt.Errorf("%w: model", ErrNotFound)
	ErrProxyKeyNotFound   = fmt.Errorf("%w: proxy key", ErrNotFound)

	// ErrAlreadyTerminal rejects a terminal write to a row that is already
	// terminal. Terminal rows are never rewritten.
	ErrAlreadyTerminal = fmt.Errorf("%w: task already terminal", ErrUpdateFailed)

	// ErrNotPending rejects a dispatch write to a row that left PENDING.
	ErrNotPending = fmt.Errorf("%w: task not pending", ErrUpdateFailed)
)

// IsNotFoundError reports whether err is, or wraps, any not-found sentinel.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}
