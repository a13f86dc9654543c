package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sequorhq/sequor/model"
)

// PgStore is a PostgreSQL-backed approval request store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Create persists a new approval request.
func (s *PgStore) Create(ctx context.Context, req model.ApprovalRequest) error {
	optionsJSON, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	editedJSON, err := json.Marshal(req.EditedPayload)
	if err != nil {
		return fmt.Errorf("marshal edited payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_requests (
			id, job_id, org_id, step_key, message, options,
			created_at, expires_at, decided_at, decision, decider_id, edited_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.ID, req.JobID, req.OrgID, req.StepKey, req.Message, optionsJSON,
		req.CreatedAt, req.ExpiresAt, req.DecidedAt, req.Decision, req.DeciderID, editedJSON,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

// Get retrieves a request by ID, scoped to organization.
func (s *PgStore) Get(ctx context.Context, orgID, requestID string) (model.ApprovalRequest, error) {
	query := approvalColumns + ` FROM approval_requests WHERE id = $1`
	args := []any{requestID}
	if orgID != "" {
		query += ` AND org_id = $2`
		args = append(args, orgID)
	}

	req, err := scanApproval(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return model.ApprovalRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Update persists a decided request. Guarded so a decision never
// overwrites an earlier one.
func (s *PgStore) Update(ctx context.Context, req model.ApprovalRequest) error {
	editedJSON, err := json.Marshal(req.EditedPayload)
	if err != nil {
		return fmt.Errorf("marshal edited payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET
			decided_at = $1,
			decision = $2,
			decider_id = $3,
			edited_payload = $4
		WHERE id = $5 AND decided_at IS NULL`,
		req.DecidedAt, req.Decision, req.DeciderID, editedJSON,
		req.ID,
	)
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewApprovalDecidedError(
			fmt.Sprintf("approval request %q is already decided", req.ID),
		)
	}
	return nil
}

// FindOpen returns the open request for (jobID, stepKey), if any.
func (s *PgStore) FindOpen(ctx context.Context, jobID, stepKey string) (model.ApprovalRequest, bool, error) {
	req, err := scanApproval(s.pool.QueryRow(ctx, approvalColumns+`
		FROM approval_requests
		WHERE job_id = $1 AND step_key = $2 AND decided_at IS NULL
		LIMIT 1`,
		jobID, stepKey,
	))
	if err == pgx.ErrNoRows {
		return model.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return model.ApprovalRequest{}, false, fmt.Errorf("query open approval: %w", err)
	}
	return req, true, nil
}

// ListOpen returns open requests for an organization, oldest first.
func (s *PgStore) ListOpen(ctx context.Context, orgID string) ([]model.ApprovalRequest, error) {
	query := approvalColumns + ` FROM approval_requests WHERE decided_at IS NULL`
	var args []any
	if orgID != "" {
		query += ` AND org_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at ASC`
	return s.queryApprovals(ctx, query, args...)
}

// FindExpired returns open requests whose deadline is before the cutoff.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.ApprovalRequest, error) {
	query := approvalColumns + `
		FROM approval_requests
		WHERE decided_at IS NULL AND expires_at < $1
		ORDER BY expires_at ASC`
	return s.queryApprovals(ctx, query, cutoff)
}

const approvalColumns = `SELECT id, job_id, org_id, step_key, message, options,
       created_at, expires_at, decided_at, decision, decider_id, edited_payload`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (model.ApprovalRequest, error) {
	var req model.ApprovalRequest
	var optionsJSON, editedJSON []byte
	err := row.Scan(
		&req.ID, &req.JobID, &req.OrgID, &req.StepKey, &req.Message, &optionsJSON,
		&req.CreatedAt, &req.ExpiresAt, &req.DecidedAt, &req.Decision, &req.DeciderID, &editedJSON,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if optionsJSON != nil {
		_ = json.Unmarshal(optionsJSON, &req.Options)
	}
	if editedJSON != nil {
		_ = json.Unmarshal(editedJSON, &req.EditedPayload)
	}
	return req, nil
}

func (s *PgStore) queryApprovals(ctx context.Context, query string, args ...any) ([]model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var result []model.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}
