package scheduler

import (
	"context"
	"time"

	"github.com/sequorhq/sequor/model"
)

// JobStore persists sequence jobs and their step executions.
type JobStore interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job model.SequenceJob) error

	// GetJob retrieves a job by ID, scoped to an organization. Returns
	// NOT_FOUND if the job doesn't exist or belongs to a different
	// organization. An empty orgID skips the scoping check.
	GetJob(ctx context.Context, orgID, jobID string) (model.SequenceJob, error)

	// UpdateJob persists an updated job with optimistic locking. The record
	// version must match the current stored version. Returns CONFLICT if
	// the version has changed.
	UpdateJob(ctx context.Context, job model.SequenceJob) error

	// ClaimJob stamps a worker claim on a job. Returns JOB_CLAIMED if
	// another worker holds a claim younger than the staleness window;
	// stale or absent claims are taken over.
	ClaimJob(ctx context.Context, jobID, workerID string, staleness time.Duration) (model.SequenceJob, error)

	// AppendStepExecution adds a step execution row. Re-attempts of a step
	// append new rows rather than overwriting.
	AppendStepExecution(ctx context.Context, exec model.StepExecution) error

	// UpdateStepExecution persists an updated step execution by ID.
	UpdateStepExecution(ctx context.Context, exec model.StepExecution) error

	// ListStepExecutions returns all step executions for a job, ordered by
	// start time.
	ListStepExecutions(ctx context.Context, jobID string) ([]model.StepExecution, error)

	// ListJobs returns jobs matching the filters, newest first.
	ListJobs(ctx context.Context, filters JobFilters) ([]model.SequenceJob, error)

	// FindStale returns in_progress jobs whose claim is older than the
	// cutoff, the leftovers of crashed workers.
	FindStale(ctx context.Context, cutoff time.Time) ([]model.SequenceJob, error)
}

// JobFilters are optional filters for listing jobs.
type JobFilters struct {
	OrgID       string
	Status      string
	SequenceKey string
	Source      string
	Since       time.Time
	Limit       int
	Offset      int
}
