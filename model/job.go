package model

import "time"

// Job status constants.
const (
	JobStatusQueued          = "queued"
	JobStatusInProgress      = "in_progress"
	JobStatusWaitingApproval = "waiting_approval"
	JobStatusCompleted       = "completed"
	JobStatusFailed          = "failed"
)

// Step execution status constants.
const (
	StepStatusPending          = "pending"
	StepStatusRunning          = "running"
	StepStatusSucceeded        = "succeeded"
	StepStatusFailed           = "failed"
	StepStatusSkipped          = "skipped"
	StepStatusAwaitingApproval = "awaiting_approval"
)

// Step failure / skip reason codes. These distinguish "out of money" or
// "nobody answered" from a handler bug in user-visible diagnostics.
const (
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonStepTimeout     = "step_timeout"
	ReasonApprovalTimeout = "approval_timeout"
	ReasonApprovalReject  = "approval_rejected"
	ReasonCancelled       = "cancelled"
	ReasonDisabled        = "disabled"
	ReasonTimeout         = "timeout"
)

// TerminalJobStatus reports whether a job status is terminal.
func TerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// TerminalStepStatus reports whether a step execution status is terminal.
func TerminalStepStatus(status string) bool {
	switch status {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// SequenceJob is one running instance of a SequenceDefinition, bound to the
// frozen version it was created against. Append-only except for status,
// context, claim, and timestamps.
type SequenceJob struct {
	ID           string         `json:"id"`
	SequenceKey  string         `json:"sequence_key"`
	Version      int            `json:"version"`
	UserID       string         `json:"user_id"`
	OrgID        string         `json:"org_id"`
	Source       string         `json:"source"`
	Priority     int            `json:"priority"`
	Status       string         `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	ErrorStep    string         `json:"error_step,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`

	// Worker claim. A job whose claim is older than the configured
	// staleness window may be reclaimed by another worker.
	ClaimOwner string     `json:"claim_owner,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`

	// RecordVersion is the optimistic locking counter maintained by the store.
	RecordVersion int `json:"record_version"`
}

// StepExecution is one attempt of one step within a job. Re-attempts append
// new rows rather than overwriting.
type StepExecution struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	StepKey      string         `json:"step_key"`
	ActionType   string         `json:"action_type,omitempty"`
	Status       string         `json:"status"`
	Attempt      int            `json:"attempt"`
	Reason       string         `json:"reason,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// JobSummary is a lightweight representation of a job used in list views.
type JobSummary struct {
	ID          string    `json:"id"`
	SequenceKey string    `json:"sequence_key"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	CurrentStep string    `json:"current_step,omitempty"`
	UserID      string    `json:"user_id"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
