// Package approval tracks outstanding human decisions gating job steps and
// resumes suspended jobs when a decision arrives or the request expires.
package approval

import (
	"context"
	"time"

	"github.com/sequorhq/sequor/model"
)

// Store persists approval requests.
type Store interface {
	// Create persists a new approval request.
	Create(ctx context.Context, req model.ApprovalRequest) error

	// Get retrieves a request by ID, scoped to an organization. An empty
	// orgID skips the scoping check.
	Get(ctx context.Context, orgID, requestID string) (model.ApprovalRequest, error)

	// Update persists a decided request.
	Update(ctx context.Context, req model.ApprovalRequest) error

	// FindOpen returns the open request for (jobID, stepKey), if any.
	FindOpen(ctx context.Context, jobID, stepKey string) (model.ApprovalRequest, bool, error)

	// ListOpen returns open requests for an organization, oldest first. An
	// empty orgID lists across organizations.
	ListOpen(ctx context.Context, orgID string) ([]model.ApprovalRequest, error)

	// FindExpired returns open requests whose deadline is before the cutoff.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.ApprovalRequest, error)
}
