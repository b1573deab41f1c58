package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFamilies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		notFound bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("connection refused"), false},
		{"not found", ErrNotFound, true},
		{"task not found wrapped", fmt.Errorf("load task: %w", ErrTaskNotFound), true},
		{"credential not found", ErrCredentialNotFound, true},
		{"model not found", ErrModelNotFound, true},
		{"proxy key not found", ErrProxyKeyNotFound, true},
		{"duplicate", ErrDuplicate, false},
		{"already terminal", fmt.Errorf("finalize: %w", ErrAlreadyTerminal), false},
		{"not pending", ErrNotPending, false},
		{"plain update failure", ErrUpdateFailed, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.notFound, IsNotFoundError(tc.err))
		})
	}
}

func TestConditionalWriteSentinelsWrapUpdateFailed(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ErrAlreadyTerminal, ErrUpdateFailed)
	assert.ErrorIs(t, ErrNotPending, ErrUpdateFailed)
	assert.NotErrorIs(t, ErrAlreadyTerminal, ErrNotPending)
	assert.NotErrorIs(t, ErrTaskNotFound, ErrUpdateFailed)
}
