package model

import "time"

// Approval decision constants. Options on a request default to
// {approve, reject}; a decider may also approve with an edited payload.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// ApprovalRequest tracks one outstanding human decision gating a job step.
// At most one open request exists per (JobID, StepKey).
type ApprovalRequest struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	OrgID         string         `json:"org_id"`
	StepKey       string         `json:"step_key"`
	Message       string         `json:"message"`
	Options       []string       `json:"options"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	Decision      string         `json:"decision,omitempty"`
	DeciderID     string         `json:"decider_id,omitempty"`
	EditedPayload map[string]any `json:"edited_payload,omitempty"`
}

// Open reports whether the request is still awaiting a decision.
func (r *ApprovalRequest) Open() bool {
	return r.DecidedAt == nil
}

// Expired reports whether the request's deadline has passed at the given time.
func (r *ApprovalRequest) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
