package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

const defaultTTL = 24 * time.Hour

// JobResumer is the scheduler-side contract the gate drives when a
// decision or expiry resolves a suspended job. Satisfied by
// scheduler.Executor.
type JobResumer interface {
	ResumeAfterDecision(ctx context.Context, jobID, stepKey, decision string, editedPayload map[string]any, deciderID string) error
	ResolveExpiry(ctx context.Context, jobID, stepKey string) error
	StepIdentity(ctx context.Context, jobID, stepKey string) (userID, actionType string, err error)
}

// TrustRecorder receives decision outcomes for threshold drift. Satisfied
// by trust.Gate.
type TrustRecorder interface {
	RecordDecision(userID, actionType, outcome string) model.TrustScore
}

// Gate tracks outstanding approval requests, applies decisions, and
// expires overdue requests.
type Gate struct {
	store    Store
	resumer  JobResumer
	trust    TrustRecorder
	notifier model.ApprovalNotifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	ttl      time.Duration
}

// NewGate creates a new approval gate. The notifier may be nil when no
// delivery channel is wired.
func NewGate(store Store, resumer JobResumer, trust TrustRecorder, notifier model.ApprovalNotifier, logger *zap.Logger, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:    store,
		resumer:  resumer,
		trust:    trust,
		notifier: notifier,
		logger:   logger,
		ttl:      ttl,
	}
}

// SetResumer wires the scheduler after construction. The gate and the
// executor reference each other, so one side is attached late.
func (g *Gate) SetResumer(resumer JobResumer) {
	g.resumer = resumer
}

// SetMetrics attaches the Prometheus instruments.
func (g *Gate) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// Request opens an approval request for a gated step. At most one open
// request exists per (jobID, stepKey); a second request is a CONFLICT.
func (g *Gate) Request(ctx context.Context, jobID, orgID, stepKey, message string, options []string) (model.ApprovalRequest, error) {
	if _, open, err := g.store.FindOpen(ctx, jobID, stepKey); err != nil {
		return model.ApprovalRequest{}, err
	} else if open {
		return model.ApprovalRequest{}, model.NewConflictError(
			fmt.Sprintf("an open approval request already exists for job %q step %q", jobID, stepKey),
		)
	}

	if len(options) == 0 {
		options = []string{model.DecisionApprove, model.DecisionReject}
	}

	now := time.Now().UTC()
	req := model.ApprovalRequest{
		ID:        uuid.New().String(),
		JobID:     jobID,
		OrgID:     orgID,
		StepKey:   stepKey,
		Message:   message,
		Options:   options,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
	if err := g.store.Create(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}
	g.metrics.RecordApprovalRequested()

	if g.notifier != nil {
		if err := g.notifier.NotifyApprovalNeeded(ctx, req); err != nil {
			// Delivery is best-effort; the request stands regardless.
			g.logger.Warn("approval notification failed",
				zap.Error(err),
				zap.String("request_id", req.ID),
				zap.String("job_id", jobID),
			)
		}
	}

	g.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("job_id", jobID),
		zap.String("step_key", stepKey),
		zap.Time("expires_at", req.ExpiresAt),
	)
	return req, nil
}

// Decide records a human decision, drifts the trust score, and resumes
// the suspended job. Decided requests return APPROVAL_DECIDED, expired
// ones APPROVAL_EXPIRED.
func (g *Gate) Decide(ctx context.Context, rctx *model.RequestContext, requestID, decision string, editedPayload map[string]any) (model.ApprovalRequest, error) {
	req, err := g.store.Get(ctx, rctx.OrgID, requestID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	if !req.Open() {
		return model.ApprovalRequest{}, model.NewApprovalDecidedError(
			fmt.Sprintf("approval request %q was decided at %s", requestID, req.DecidedAt.Format(time.RFC3339)),
		)
	}
	now := time.Now().UTC()
	if req.Expired(now) {
		return model.ApprovalRequest{}, model.NewApprovalExpiredError(
			fmt.Sprintf("approval request %q expired at %s", requestID, req.ExpiresAt.Format(time.RFC3339)),
		)
	}
	if decision != model.DecisionApprove && decision != model.DecisionReject {
		return model.ApprovalRequest{}, model.NewBadRequestError(
			fmt.Sprintf("unknown decision %q", decision),
		)
	}

	req.DecidedAt = &now
	req.Decision = decision
	req.DeciderID = rctx.SubjectID
	req.EditedPayload = editedPayload
	if err := g.store.Update(ctx, req); err != nil {
		return model.ApprovalRequest{}, err
	}
	g.metrics.RecordApprovalDecided(decision)

	g.recordOutcome(ctx, req, decision, editedPayload)

	if err := g.resumer.ResumeAfterDecision(ctx, req.JobID, req.StepKey, decision, editedPayload, rctx.SubjectID); err != nil {
		return model.ApprovalRequest{}, err
	}

	g.logger.Info("approval decided",
		zap.String("request_id", req.ID),
		zap.String("job_id", req.JobID),
		zap.String("decision", decision),
		zap.Bool("edited", editedPayload != nil),
	)
	return req, nil
}

// Get returns a request scoped to the caller's organization.
func (g *Gate) Get(ctx context.Context, rctx *model.RequestContext, requestID string) (model.ApprovalRequest, error) {
	return g.store.Get(ctx, rctx.OrgID, requestID)
}

// ListOpen returns the caller's organization's open requests, oldest first.
func (g *Gate) ListOpen(ctx context.Context, rctx *model.RequestContext) ([]model.ApprovalRequest, error) {
	return g.store.ListOpen(ctx, rctx.OrgID)
}

// Sweep expires overdue requests and resolves their jobs per the gated
// step's criticality. Idempotent: an already-resolved request is skipped.
// Returns how many requests were expired.
func (g *Gate) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	expired, err := g.store.FindExpired(ctx, now)
	if err != nil {
		g.logger.Error("find expired approvals", zap.Error(err))
		return 0
	}

	count := 0
	for _, req := range expired {
		req.DecidedAt = &now
		req.Decision = "expired"
		req.DeciderID = "system"
		if err := g.store.Update(ctx, req); err != nil {
			// Another sweeper got there first.
			continue
		}
		if err := g.resumer.ResolveExpiry(ctx, req.JobID, req.StepKey); err != nil {
			g.logger.Error("resolve expired approval",
				zap.Error(err),
				zap.String("request_id", req.ID),
				zap.String("job_id", req.JobID),
			)
			continue
		}
		count++
		g.metrics.RecordApprovalExpired()
		g.logger.Info("approval expired",
			zap.String("request_id", req.ID),
			zap.String("job_id", req.JobID),
			zap.String("step_key", req.StepKey),
		)
	}
	return count
}

// recordOutcome drifts the trust score of the identity whose autonomy was
// gated. Steps without an action type carry no score.
func (g *Gate) recordOutcome(ctx context.Context, req model.ApprovalRequest, decision string, editedPayload map[string]any) {
	userID, actionType, err := g.resumer.StepIdentity(ctx, req.JobID, req.StepKey)
	if err != nil || actionType == "" {
		return
	}

	outcome := model.OutcomeApprovedNoEdit
	switch {
	case decision == model.DecisionReject:
		outcome = model.OutcomeRejected
	case editedPayload != nil:
		outcome = model.OutcomeApprovedWithEdit
	}
	g.trust.RecordDecision(userID, actionType, outcome)
}
