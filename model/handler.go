package model

import "context"

// Step result status constants returned by handlers.
const (
	StepResultSucceeded = "succeeded"
	StepResultFailed    = "failed"
)

// StepRequest is the input to a step handler: the step's resolved inputs
// are the job context accumulated from upstream step outputs, keyed by
// stepKey, with best-effort failures surfaced as nil values.
type StepRequest struct {
	JobID   string
	OrgID   string
	UserID  string
	StepKey string
	Params  map[string]any
	Inputs  map[string]any
}

// StepResult is a handler's outcome. Output is merged into the job context
// under the step's key and becomes visible to downstream steps.
type StepResult struct {
	Status       string
	Output       map[string]any
	ErrorMessage string
}

// StepHandler is the black-box capability invoked by the executor for one
// actionType. Handlers must honor ctx cancellation; the executor enforces
// the step's declared timeout through the context deadline.
type StepHandler interface {
	// ActionType returns the unique action type this handler serves.
	ActionType() string

	// Execute runs the step and returns its result. A non-nil error is
	// treated the same as a failed result with the error's message.
	Execute(ctx context.Context, req StepRequest) (StepResult, error)
}

// ApprovalNotifier delivers "approval needed" notifications to whatever
// channel the deployment wires in. Delivery mechanics are out of scope for
// the orchestrator; failures are logged, never propagated into job state.
type ApprovalNotifier interface {
	NotifyApprovalNeeded(ctx context.Context, req ApprovalRequest) error
}
