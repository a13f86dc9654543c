package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sequorhq/sequor/model"
)

// MemoryStore is an in-memory approval request store for testing and
// single-instance deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]model.ApprovalRequest // key: request ID
}

// NewMemoryStore creates a new in-memory approval store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]model.ApprovalRequest),
	}
}

// Create persists a new approval request.
func (s *MemoryStore) Create(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("approval request %q already exists", req.ID),
		)
	}

	s.requests[req.ID] = req
	return nil
}

// Get retrieves a request by ID, scoped to organization.
func (s *MemoryStore) Get(_ context.Context, orgID, requestID string) (model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists || (orgID != "" && req.OrgID != orgID) {
		return model.ApprovalRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	return req, nil
}

// Update persists a decided request.
func (s *MemoryStore) Update(_ context.Context, req model.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", req.ID),
		)
	}

	s.requests[req.ID] = req
	return nil
}

// FindOpen returns the open request for (jobID, stepKey), if any.
func (s *MemoryStore) FindOpen(_ context.Context, jobID, stepKey string) (model.ApprovalRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.requests {
		if req.JobID == jobID && req.StepKey == stepKey && req.Open() {
			return req, true, nil
		}
	}
	return model.ApprovalRequest{}, false, nil
}

// ListOpen returns open requests for an organization, oldest first.
func (s *MemoryStore) ListOpen(_ context.Context, orgID string) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, req := range s.requests {
		if !req.Open() {
			continue
		}
		if orgID != "" && req.OrgID != orgID {
			continue
		}
		result = append(result, req)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// FindExpired returns open requests whose deadline is before the cutoff.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ApprovalRequest
	for _, req := range s.requests {
		if !req.Open() || !req.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, req)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}
