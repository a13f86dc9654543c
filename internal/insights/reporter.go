// Package insights is the read-only aggregation layer over job, step, and
// queue history backing operational dashboards.
package insights

import (
	"context"
	"time"

	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/model"
)

const defaultWindow = 24 * time.Hour

// JobSource provides the job history to aggregate over. Satisfied by every
// scheduler.JobStore.
type JobSource interface {
	ListJobs(ctx context.Context, filters scheduler.JobFilters) ([]model.SequenceJob, error)
	ListStepExecutions(ctx context.Context, jobID string) ([]model.StepExecution, error)
}

// QueueDepth provides pending counts per lane. Satisfied by every
// queue.Store.
type QueueDepth interface {
	Depth(ctx context.Context) (map[int]int, error)
}

// Summary is the aggregated report for one organization over a window.
type Summary struct {
	OrgID          string          `json:"org_id"`
	WindowStart    time.Time       `json:"window_start"`
	WindowEnd      time.Time       `json:"window_end"`
	JobsByStatus   map[string]int  `json:"jobs_by_status"`
	JobsBySource   map[string]int  `json:"jobs_by_source"`
	AvgDurationMs  int64           `json:"avg_duration_ms"`
	SuccessRate    float64         `json:"success_rate"`
	StuckJobs      []StuckJob      `json:"stuck_jobs,omitempty"`
	ErrorsByAction map[string]int  `json:"errors_by_action,omitempty"`
	QueueDepth     map[int]int     `json:"queue_depth"`
}

// StuckJob is a job needing operator attention: suspended for approval or
// holding a claim past the staleness threshold.
type StuckJob struct {
	JobID       string    `json:"job_id"`
	SequenceKey string    `json:"sequence_key"`
	Status      string    `json:"status"`
	CurrentStep string    `json:"current_step,omitempty"`
	Since       time.Time `json:"since"`
}

// Reporter aggregates over job and queue state.
type Reporter struct {
	jobs           JobSource
	queue          QueueDepth
	stuckThreshold time.Duration
}

// NewReporter creates a reporter. stuckThreshold bounds how old an
// in_progress claim may be before the job counts as stuck.
func NewReporter(jobs JobSource, queue QueueDepth, stuckThreshold time.Duration) *Reporter {
	if stuckThreshold <= 0 {
		stuckThreshold = 5 * time.Minute
	}
	return &Reporter{jobs: jobs, queue: queue, stuckThreshold: stuckThreshold}
}

// Summary builds the aggregated report for one organization over the given
// window (defaulting to the last 24 hours).
func (r *Reporter) Summary(ctx context.Context, orgID string, window time.Duration) (Summary, error) {
	if window <= 0 {
		window = defaultWindow
	}
	now := time.Now().UTC()
	since := now.Add(-window)

	jobs, err := r.jobs.ListJobs(ctx, scheduler.JobFilters{OrgID: orgID, Since: since})
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		OrgID:          orgID,
		WindowStart:    since,
		WindowEnd:      now,
		JobsByStatus:   make(map[string]int),
		JobsBySource:   make(map[string]int),
		ErrorsByAction: make(map[string]int),
	}

	var totalDuration time.Duration
	var completedCount, failedCount int
	staleClaimBefore := now.Add(-r.stuckThreshold)

	for _, job := range jobs {
		summary.JobsByStatus[job.Status]++
		if job.Source != "" {
			summary.JobsBySource[job.Source]++
		}

		switch job.Status {
		case model.JobStatusCompleted:
			completedCount++
			if job.CompletedAt != nil {
				totalDuration += job.CompletedAt.Sub(job.StartedAt)
			}
		case model.JobStatusFailed:
			failedCount++
		}

		if stuck, since := stuckSince(job, staleClaimBefore); stuck {
			summary.StuckJobs = append(summary.StuckJobs, StuckJob{
				JobID:       job.ID,
				SequenceKey: job.SequenceKey,
				Status:      job.Status,
				CurrentStep: job.CurrentStep,
				Since:       since,
			})
		}

		if job.Status == model.JobStatusFailed {
			execs, err := r.jobs.ListStepExecutions(ctx, job.ID)
			if err != nil {
				continue
			}
			for _, exec := range execs {
				if exec.Status == model.StepStatusFailed && exec.ActionType != "" {
					summary.ErrorsByAction[exec.ActionType]++
				}
			}
		}
	}

	if completedCount > 0 {
		summary.AvgDurationMs = totalDuration.Milliseconds() / int64(completedCount)
	}
	if completedCount+failedCount > 0 {
		summary.SuccessRate = float64(completedCount) / float64(completedCount+failedCount)
	}

	depth, err := r.queue.Depth(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary.QueueDepth = depth

	return summary, nil
}

// stuckSince reports whether a job needs operator attention and since when.
func stuckSince(job model.SequenceJob, staleClaimBefore time.Time) (bool, time.Time) {
	switch job.Status {
	case model.JobStatusWaitingApproval:
		return true, job.UpdatedAt
	case model.JobStatusInProgress:
		if job.ClaimedAt != nil && job.ClaimedAt.Before(staleClaimBefore) {
			return true, *job.ClaimedAt
		}
	}
	return false, time.Time{}
}
