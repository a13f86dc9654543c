package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Orchestrator-specific error codes.
const (
	ErrBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrApprovalExpired   = "APPROVAL_EXPIRED"
	ErrApprovalDecided   = "APPROVAL_DECIDED"
	ErrJobNotRunnable    = "JOB_NOT_RUNNABLE"
	ErrJobClaimed        = "JOB_CLAIMED"
	ErrQueueEmpty        = "QUEUE_EMPTY"
)

// ErrorEnvelope is the standard coded error returned by every subsystem and
// rendered by the transport layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBudgetExceededError returns a BUDGET_EXCEEDED error.
func NewBudgetExceededError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBudgetExceeded, Message: msg}
}

// NewInsufficientFundsError returns an INSUFFICIENT_FUNDS error.
func NewInsufficientFundsError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInsufficientFunds, Message: msg}
}

// NewApprovalExpiredError returns an APPROVAL_EXPIRED error.
func NewApprovalExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrApprovalExpired, Message: msg}
}

// NewApprovalDecidedError returns an APPROVAL_DECIDED error.
func NewApprovalDecidedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrApprovalDecided, Message: msg}
}

// NewJobNotRunnableError returns a JOB_NOT_RUNNABLE error.
func NewJobNotRunnableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJobNotRunnable, Message: msg}
}

// NewJobClaimedError returns a JOB_CLAIMED error.
func NewJobClaimedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJobClaimed, Message: msg}
}

// NewQueueEmptyError returns a QUEUE_EMPTY error.
func NewQueueEmptyError() *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrQueueEmpty, Message: "no claimable items"}
}
