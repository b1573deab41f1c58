package freepik

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/relay-api/internal/domain"
)

// MockResultURL is the result every mock job resolves to.
const MockResultURL = "https://example.com/mock.jpg"

// Mock is a Provider that never leaves the process. Jobs are accepted as
// IN_PROGRESS and resolve as COMPLETED on the first status check.
type Mock struct{}

var _ Provider = (*Mock)(nil)

// NewMock creates a Mock provider.
func NewMock() *Mock {
	return &Mock{}
}

// Dispatch implements Provider.
func (m *Mock) Dispatch(_ context.Context, req DispatchRequest) (*DispatchResult, error) {
	id := "fp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	raw, _ := json.Marshal(map[string]any{"data": map[string]any{"task_id": id, "status": "IN_PROGRESS"}})
	return &DispatchResult{UpstreamID: id, Status: domain.StatusInProgress, Raw: raw}, nil
}

// Resolve implements Provider.
func (m *Mock) Resolve(_ context.Context, req StatusRequest) (*StatusResult, error) {
	raw, _ := json.Marshal(map[string]any{"data": map[string]any{
		"task_id":   req.UpstreamID,
		"status":    "COMPLETED",
		"generated": []string{MockResultURL},
	}})
	return &StatusResult{Status: domain.StatusCompleted, Generated: []string{MockResultURL}, Raw: raw}, nil
}
