package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/credential"
	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/finalize"
	"github.com/phrazzld/relay-api/internal/platform/freepik"
	"github.com/phrazzld/relay-api/internal/store"
	"github.com/stretchr/testify/mock"
)

// MockTaskRepository mocks the TaskRepository interface.
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) MarkDispatched(ctx context.Context, id uuid.UUID, d store.Dispatch) error {
	args := m.Called(ctx, id, d)
	return args.Error(0)
}

// MockModelRegistry mocks the ModelRegistry interface.
type MockModelRegistry struct {
	mock.Mock
}

func (m *MockModelRegistry) Lookup(ctx context.Context, name string) (*domain.Model, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Model), args.Error(1)
}

// MockCredentialSource mocks the CredentialSource interface.
type MockCredentialSource struct {
	mock.Mock
}

func (m *MockCredentialSource) Select(ctx context.Context) (*credential.Selection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*credential.Selection), args.Error(1)
}

func (m *MockCredentialSource) Secret(ctx context.Context, id uuid.UUID) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

// MockDispatcher mocks the Dispatcher interface.
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, req freepik.DispatchRequest) (*freepik.DispatchResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*freepik.DispatchResult), args.Error(1)
}

// MockFinalizer mocks the Finalizer interface.
type MockFinalizer struct {
	mock.Mock
}

func (m *MockFinalizer) Finalize(ctx context.Context, req finalize.Request) (*finalize.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*finalize.Outcome), args.Error(1)
}

// MockPollArmer mocks the PollArmer interface.
type MockPollArmer struct {
	mock.Mock
}

func (m *MockPollArmer) Arm(ctx context.Context, taskID uuid.UUID) (bool, error) {
	args := m.Called(ctx, taskID)
	return args.Bool(0), args.Error(1)
}
