package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sequorhq/sequor/model"
)

// MemoryJobStore is an in-memory JobStore for testing and single-instance
// deployments.
type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]model.SequenceJob   // key: job ID
	execs map[string][]model.StepExecution // key: job ID
}

// NewMemoryJobStore creates a new in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[string]model.SequenceJob),
		execs: make(map[string][]model.StepExecution),
	}
}

// CreateJob persists a new job.
func (s *MemoryJobStore) CreateJob(_ context.Context, job model.SequenceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("job %q already exists", job.ID),
		)
	}

	s.jobs[job.ID] = job
	return nil
}

// GetJob retrieves a job by ID, scoped to organization.
func (s *MemoryJobStore) GetJob(_ context.Context, orgID, jobID string) (model.SequenceJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists || (orgID != "" && job.OrgID != orgID) {
		return model.SequenceJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", jobID),
		)
	}
	return job, nil
}

// UpdateJob persists an updated job with optimistic locking.
func (s *MemoryJobStore) UpdateJob(_ context.Context, job model.SequenceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.jobs[job.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("job %q not found", job.ID),
		)
	}

	if existing.RecordVersion != job.RecordVersion {
		return model.NewConflictError(
			fmt.Sprintf("job %q version conflict (expected %d, got %d)", job.ID, job.RecordVersion, existing.RecordVersion),
		)
	}

	job.RecordVersion++
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return nil
}

// ClaimJob stamps a worker claim, taking over stale claims.
func (s *MemoryJobStore) ClaimJob(_ context.Context, jobID, workerID string, staleness time.Duration) (model.SequenceJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return model.SequenceJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", jobID),
		)
	}

	now := time.Now().UTC()
	if job.ClaimOwner != "" && job.ClaimOwner != workerID &&
		job.ClaimedAt != nil && now.Sub(*job.ClaimedAt) < staleness {
		return model.SequenceJob{}, model.NewJobClaimedError(
			fmt.Sprintf("job %q is claimed by %q", jobID, job.ClaimOwner),
		)
	}

	job.ClaimOwner = workerID
	job.ClaimedAt = &now
	job.RecordVersion++
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return job, nil
}

// AppendStepExecution adds a step execution row.
func (s *MemoryJobStore) AppendStepExecution(_ context.Context, exec model.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.execs[exec.JobID] = append(s.execs[exec.JobID], exec)
	return nil
}

// UpdateStepExecution persists an updated step execution by ID.
func (s *MemoryJobStore) UpdateStepExecution(_ context.Context, exec model.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs := s.execs[exec.JobID]
	for i := range execs {
		if execs[i].ID == exec.ID {
			execs[i] = exec
			return nil
		}
	}
	return model.NewNotFoundError(
		fmt.Sprintf("step execution %q not found", exec.ID),
	)
}

// ListStepExecutions returns all step executions for a job, ordered by
// start time.
func (s *MemoryJobStore) ListStepExecutions(_ context.Context, jobID string) ([]model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	execs := s.execs[jobID]
	result := make([]model.StepExecution, len(execs))
	copy(result, execs)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

// ListJobs returns jobs matching the filters, newest first.
func (s *MemoryJobStore) ListJobs(_ context.Context, filters JobFilters) ([]model.SequenceJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SequenceJob
	for _, job := range s.jobs {
		if filters.OrgID != "" && job.OrgID != filters.OrgID {
			continue
		}
		if filters.Status != "" && job.Status != filters.Status {
			continue
		}
		if filters.SequenceKey != "" && job.SequenceKey != filters.SequenceKey {
			continue
		}
		if filters.Source != "" && job.Source != filters.Source {
			continue
		}
		if !filters.Since.IsZero() && job.StartedAt.Before(filters.Since) {
			continue
		}
		result = append(result, job)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.SequenceJob{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// FindStale returns in_progress jobs whose claim is older than the cutoff.
func (s *MemoryJobStore) FindStale(_ context.Context, cutoff time.Time) ([]model.SequenceJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SequenceJob
	for _, job := range s.jobs {
		if job.Status != model.JobStatusInProgress {
			continue
		}
		if job.ClaimedAt == nil || !job.ClaimedAt.Before(cutoff) {
			continue
		}
		result = append(result, job)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ClaimedAt.Before(*result[j].ClaimedAt)
	})

	return result, nil
}

// Len returns the total number of jobs. For testing.
func (s *MemoryJobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
