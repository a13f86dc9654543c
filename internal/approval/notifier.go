package approval

import (
	"context"

	"go.uber.org/zap"

	"github.com/sequorhq/sequor/model"
)

// LogNotifier writes approval-needed notifications to the service log.
// Deployments with a real channel (email, chat, push) replace it behind
// model.ApprovalNotifier.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyApprovalNeeded logs the outstanding request.
func (n *LogNotifier) NotifyApprovalNeeded(_ context.Context, req model.ApprovalRequest) error {
	n.logger.Info("approval needed",
		zap.String("request_id", req.ID),
		zap.String("job_id", req.JobID),
		zap.String("org_id", req.OrgID),
		zap.String("step_key", req.StepKey),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return nil
}
