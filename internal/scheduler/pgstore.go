package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sequorhq/sequor/model"
)

// PgJobStore is a PostgreSQL-backed JobStore using pgx/v5.
type PgJobStore struct {
	pool *pgxpool.Pool
}

// NewPgJobStore creates a new PostgreSQL job store.
func NewPgJobStore(pool *pgxpool.Pool) *PgJobStore {
	return &PgJobStore{pool: pool}
}

// CreateJob inserts a new job.
func (s *PgJobStore) CreateJob(ctx context.Context, job model.SequenceJob) error {
	ctxJSON, err := json.Marshal(job.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequence_jobs (
			id, sequence_key, version, user_id, org_id, source, priority,
			status, current_step, context, error_step, error_message,
			started_at, updated_at, completed_at,
			claim_owner, claimed_at, record_version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15,
			$16, $17, $18
		)`,
		job.ID, job.SequenceKey, job.Version, job.UserID, job.OrgID, job.Source, job.Priority,
		job.Status, job.CurrentStep, ctxJSON, job.ErrorStep, job.ErrorMessage,
		job.StartedAt, job.UpdatedAt, job.CompletedAt,
		job.ClaimOwner, job.ClaimedAt, job.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, scoped to organization.
func (s *PgJobStore) GetJob(ctx context.Context, orgID, jobID string) (model.SequenceJob, error) {
	query := jobColumns + ` FROM sequence_jobs WHERE id = $1`
	args := []any{jobID}
	if orgID != "" {
		query += ` AND org_id = $2`
		args = append(args, orgID)
	}

	job, err := s.scanJob(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return model.SequenceJob{}, model.NewNotFoundError(
			fmt.Sprintf("job %q not found", jobID),
		)
	}
	if err != nil {
		return model.SequenceJob{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// UpdateJob persists an updated job with optimistic locking.
func (s *PgJobStore) UpdateJob(ctx context.Context, job model.SequenceJob) error {
	ctxJSON, err := json.Marshal(job.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sequence_jobs SET
			status = $1,
			current_step = $2,
			context = $3,
			error_step = $4,
			error_message = $5,
			completed_at = $6,
			claim_owner = $7,
			claimed_at = $8,
			record_version = $9,
			updated_at = $10
		WHERE id = $11 AND record_version = $12`,
		job.Status, job.CurrentStep, ctxJSON, job.ErrorStep, job.ErrorMessage,
		job.CompletedAt, job.ClaimOwner, job.ClaimedAt, job.RecordVersion+1,
		time.Now().UTC(),
		job.ID, job.RecordVersion,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("job %q version conflict (expected %d)", job.ID, job.RecordVersion),
		)
	}
	return nil
}

// ClaimJob stamps a worker claim, taking over stale claims.
func (s *PgJobStore) ClaimJob(ctx context.Context, jobID, workerID string, staleness time.Duration) (model.SequenceJob, error) {
	staleBefore := time.Now().UTC().Add(-staleness)

	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		UPDATE sequence_jobs SET
			claim_owner = $2,
			claimed_at = now(),
			record_version = record_version + 1,
			updated_at = now()
		WHERE id = $1
		  AND (claim_owner = '' OR claim_owner = $2 OR claimed_at IS NULL OR claimed_at < $3)
		RETURNING `+jobFields,
		jobID, workerID, staleBefore,
	))
	if err == pgx.ErrNoRows {
		// The row exists but is freshly claimed, or it doesn't exist.
		if _, getErr := s.GetJob(ctx, "", jobID); getErr != nil {
			return model.SequenceJob{}, getErr
		}
		return model.SequenceJob{}, model.NewJobClaimedError(
			fmt.Sprintf("job %q is claimed by another worker", jobID),
		)
	}
	if err != nil {
		return model.SequenceJob{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// AppendStepExecution adds a step execution row.
func (s *PgJobStore) AppendStepExecution(ctx context.Context, exec model.StepExecution) error {
	resultJSON, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO step_executions (
			id, job_id, step_key, action_type, status, attempt,
			reason, result, error_message, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.JobID, exec.StepKey, exec.ActionType, exec.Status, exec.Attempt,
		exec.Reason, resultJSON, exec.ErrorMessage, exec.StartedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution persists an updated step execution by ID.
func (s *PgJobStore) UpdateStepExecution(ctx context.Context, exec model.StepExecution) error {
	resultJSON, err := json.Marshal(exec.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE step_executions SET
			status = $1,
			reason = $2,
			result = $3,
			error_message = $4,
			finished_at = $5
		WHERE id = $6`,
		exec.Status, exec.Reason, resultJSON, exec.ErrorMessage, exec.FinishedAt,
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("step execution %q not found", exec.ID),
		)
	}
	return nil
}

// ListStepExecutions returns all step executions for a job, ordered by
// start time.
func (s *PgJobStore) ListStepExecutions(ctx context.Context, jobID string) ([]model.StepExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, step_key, action_type, status, attempt,
		       reason, result, error_message, started_at, finished_at
		FROM step_executions
		WHERE job_id = $1
		ORDER BY started_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var execs []model.StepExecution
	for rows.Next() {
		var exec model.StepExecution
		var resultJSON []byte
		if err := rows.Scan(
			&exec.ID, &exec.JobID, &exec.StepKey, &exec.ActionType, &exec.Status, &exec.Attempt,
			&exec.Reason, &resultJSON, &exec.ErrorMessage, &exec.StartedAt, &exec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		if resultJSON != nil {
			_ = json.Unmarshal(resultJSON, &exec.Result)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ListJobs returns jobs matching the filters, newest first.
func (s *PgJobStore) ListJobs(ctx context.Context, filters JobFilters) ([]model.SequenceJob, error) {
	query := jobColumns + ` FROM sequence_jobs WHERE 1=1`
	var args []any
	argIdx := 1

	addFilter := func(clause string, value any) {
		query += fmt.Sprintf(" AND "+clause, argIdx)
		args = append(args, value)
		argIdx++
	}

	if filters.OrgID != "" {
		addFilter("org_id = $%d", filters.OrgID)
	}
	if filters.Status != "" {
		addFilter("status = $%d", filters.Status)
	}
	if filters.SequenceKey != "" {
		addFilter("sequence_key = $%d", filters.SequenceKey)
	}
	if filters.Source != "" {
		addFilter("source = $%d", filters.Source)
	}
	if !filters.Since.IsZero() {
		addFilter("started_at >= $%d", filters.Since)
	}

	query += " ORDER BY started_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryJobs(ctx, query, args...)
}

// FindStale returns in_progress jobs whose claim is older than the cutoff.
func (s *PgJobStore) FindStale(ctx context.Context, cutoff time.Time) ([]model.SequenceJob, error) {
	query := jobColumns + ` FROM sequence_jobs
		WHERE status = 'in_progress' AND claimed_at IS NOT NULL AND claimed_at < $1
		ORDER BY claimed_at ASC`
	return s.queryJobs(ctx, query, cutoff)
}

const jobFields = `id, sequence_key, version, user_id, org_id, source, priority,
       status, current_step, context, error_step, error_message,
       started_at, updated_at, completed_at,
       claim_owner, claimed_at, record_version`

const jobColumns = `SELECT ` + jobFields

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PgJobStore) scanJob(row rowScanner) (model.SequenceJob, error) {
	var job model.SequenceJob
	var ctxJSON []byte
	err := row.Scan(
		&job.ID, &job.SequenceKey, &job.Version, &job.UserID, &job.OrgID, &job.Source, &job.Priority,
		&job.Status, &job.CurrentStep, &ctxJSON, &job.ErrorStep, &job.ErrorMessage,
		&job.StartedAt, &job.UpdatedAt, &job.CompletedAt,
		&job.ClaimOwner, &job.ClaimedAt, &job.RecordVersion,
	)
	if err != nil {
		return model.SequenceJob{}, err
	}
	if ctxJSON != nil {
		_ = json.Unmarshal(ctxJSON, &job.Context)
	}
	return job, nil
}

// HealthCheck verifies database connectivity for the readiness probe.
func (s *PgJobStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.SequenceJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.SequenceJob
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
