// Package scheduler creates and advances sequence jobs: it walks the step
// DAG of a frozen definition version, applies the trust and budget gates
// before each step, suspends jobs at approval boundaries, and pushes
// terminal jobs into the backpressure queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

const (
	defaultStepConcurrency = 4
	defaultStepTimeout     = 30 * time.Second
	defaultClaimStaleness  = 2 * time.Minute

	// Context keys maintained by the executor itself, invisible to
	// handlers except through the approval payload override.
	approvalKeyPrefix = "_approval_"
	eventTypeKey      = "_event_type"
	dedupeKey         = "_dedupe"
)

// DefinitionSource resolves sequence definitions. Satisfied by
// registry.Registry.
type DefinitionSource interface {
	Resolve(sequenceKey, orgID string) (model.SequenceDefinition, error)
	Get(sequenceKey, orgID string, version int) (model.SequenceDefinition, error)
}

// HandlerSource resolves step handlers by action type. Satisfied by
// handler.Registry.
type HandlerSource interface {
	Get(actionType string) (model.StepHandler, bool)
	Resolve(def model.SequenceDefinition) error
}

// TrustGate is the autonomy threshold lookup consulted before confidence-
// scored steps.
type TrustGate interface {
	Threshold(userID, actionType string) float64
	RecordPresented(userID, actionType string)
}

// BudgetGuard is the spend gate consulted before costed steps.
type BudgetGuard interface {
	Check(ctx context.Context, orgID string, cost int64) model.BudgetUsage
	Deduct(ctx context.Context, orgID string, amount int64, actionRef, actorID string) (int64, error)
}

// ApprovalRequester opens an approval request for a gated step. Satisfied
// by approval.Gate.
type ApprovalRequester interface {
	Request(ctx context.Context, jobID, orgID, stepKey, message string, options []string) (model.ApprovalRequest, error)
}

// QueueSink receives terminal jobs for downstream delivery.
type QueueSink interface {
	Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error)
}

// InflightReleaser releases the router's dedupe slot when a deduped job
// reaches a terminal state.
type InflightReleaser interface {
	Release(ctx context.Context, orgID, eventType, sequenceKey string)
}

// Options tune the executor.
type Options struct {
	// StepConcurrency bounds how many ready steps of one job run at once.
	StepConcurrency int

	// DefaultStepTimeout applies to steps without a declared timeout.
	DefaultStepTimeout time.Duration

	// ClaimStaleness is how long a worker claim shields a job from
	// re-dispatch before another worker may take it over.
	ClaimStaleness time.Duration
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		StepConcurrency:    defaultStepConcurrency,
		DefaultStepTimeout: defaultStepTimeout,
		ClaimStaleness:     defaultClaimStaleness,
	}
}

// Executor manages the lifecycle of sequence jobs.
type Executor struct {
	registry  DefinitionSource
	handlers  HandlerSource
	store     JobStore
	trust     TrustGate
	budget    BudgetGuard
	approvals ApprovalRequester
	queue     QueueSink
	releaser  InflightReleaser
	logger    *zap.Logger
	metrics   *observability.Metrics
	opts      Options
}

// NewExecutor creates a new executor. The releaser may be nil when event
// dedupe is disabled.
func NewExecutor(
	registry DefinitionSource,
	handlers HandlerSource,
	store JobStore,
	trust TrustGate,
	budget BudgetGuard,
	approvals ApprovalRequester,
	queue QueueSink,
	releaser InflightReleaser,
	logger *zap.Logger,
	opts Options,
) *Executor {
	if opts.StepConcurrency <= 0 {
		opts.StepConcurrency = defaultStepConcurrency
	}
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = defaultStepTimeout
	}
	if opts.ClaimStaleness <= 0 {
		opts.ClaimStaleness = defaultClaimStaleness
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:  registry,
		handlers:  handlers,
		store:     store,
		trust:     trust,
		budget:    budget,
		approvals: approvals,
		queue:     queue,
		releaser:  releaser,
		logger:    logger,
		opts:      opts,
	}
}

// SetMetrics attaches the Prometheus instruments. Without it the executor
// runs unrecorded.
func (e *Executor) SetMetrics(m *observability.Metrics) {
	e.metrics = m
}

// CreateRequest is the input for creating a job.
type CreateRequest struct {
	SequenceKey string
	Source      string
	Priority    int
	EventType   string
	Dedupe      bool
	Context     map[string]any
}

// Create resolves the latest active definition for the caller's
// organization, validates the initial context against the definition's
// required keys, verifies every step has a registered handler, and
// persists a queued job bound to the frozen definition version.
func (e *Executor) Create(ctx context.Context, rctx *model.RequestContext, req CreateRequest) (model.SequenceJob, error) {
	def, err := e.registry.Resolve(req.SequenceKey, rctx.OrgID)
	if err != nil {
		return model.SequenceJob{}, err
	}

	var details []model.FieldError
	for _, key := range def.RequiredContext {
		if _, present := req.Context[key]; !present {
			details = append(details, model.FieldError{
				Field:   key,
				Message: "required context key is missing",
			})
		}
	}
	if len(details) > 0 {
		return model.SequenceJob{}, model.NewValidationError(details)
	}

	if err := e.handlers.Resolve(def); err != nil {
		return model.SequenceJob{}, err
	}

	jobCtx := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		jobCtx[k] = v
	}
	if req.EventType != "" {
		jobCtx[eventTypeKey] = req.EventType
	}
	if req.Dedupe {
		jobCtx[dedupeKey] = true
	}

	now := time.Now().UTC()
	job := model.SequenceJob{
		ID:            uuid.New().String(),
		SequenceKey:   def.SequenceKey,
		Version:       def.Version,
		UserID:        rctx.SubjectID,
		OrgID:         rctx.OrgID,
		Source:        req.Source,
		Priority:      req.Priority,
		Status:        model.JobStatusQueued,
		Context:       jobCtx,
		StartedAt:     now,
		UpdatedAt:     now,
		RecordVersion: 1,
	}

	if err := e.store.CreateJob(ctx, job); err != nil {
		return model.SequenceJob{}, err
	}
	e.metrics.RecordJobCreated(job.SequenceKey, job.Source)

	e.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("sequence_key", job.SequenceKey),
		zap.Int("version", job.Version),
		zap.String("org_id", job.OrgID),
		zap.String("source", job.Source),
	)
	return job, nil
}

// Run claims the job and walks the DAG until the job terminates, suspends
// for approval, or nothing further is ready. Re-dispatching a job freshly
// claimed by another worker is a no-op.
func (e *Executor) Run(ctx context.Context, jobID, workerID string) (model.SequenceJob, error) {
	job, err := e.store.ClaimJob(ctx, jobID, workerID, e.opts.ClaimStaleness)
	if err != nil {
		if model.IsCode(err, model.ErrJobClaimed) {
			e.logger.Debug("job claim held by another worker", zap.String("job_id", jobID))
			return e.store.GetJob(ctx, "", jobID)
		}
		return model.SequenceJob{}, err
	}

	if model.TerminalJobStatus(job.Status) || job.Status == model.JobStatusWaitingApproval {
		return job, nil
	}

	def, err := e.registry.Get(job.SequenceKey, job.OrgID, job.Version)
	if err != nil {
		return model.SequenceJob{}, err
	}

	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusInProgress
		if err := e.store.UpdateJob(ctx, job); err != nil {
			return model.SequenceJob{}, err
		}
		job.RecordVersion++
	}

	return e.walk(ctx, job, def)
}

// walk repeatedly executes waves of ready steps until the job terminates
// or suspends.
func (e *Executor) walk(ctx context.Context, job model.SequenceJob, def model.SequenceDefinition) (model.SequenceJob, error) {
	for {
		execs, err := e.store.ListStepExecutions(ctx, job.ID)
		if err != nil {
			return model.SequenceJob{}, err
		}
		latest := latestByStep(execs)

		// A worker can crash between recording a critical failure and
		// persisting the failed job status. The recovering worker must
		// honor that history instead of walking past it.
		for _, step := range def.Steps {
			if exec, attempted := latest[step.StepKey]; attempted &&
				exec.Status == model.StepStatusFailed && step.IsCritical() {
				return e.failJob(ctx, job, step.StepKey, exec.ErrorMessage)
			}
		}

		ready := readySteps(def, latest, job.Context)
		if len(ready) == 0 {
			return e.settle(ctx, job, def, latest)
		}

		outcomes, err := e.runWave(ctx, &job, def, ready, latest)
		if err != nil {
			return model.SequenceJob{}, err
		}

		// Failure policy: any critical failure aborts the job. Suspension
		// is handled only after failures, so a wave containing both
		// resolves to the stricter outcome.
		for _, out := range outcomes {
			if out.exec.Status == model.StepStatusFailed && out.step.IsCritical() {
				return e.failJob(ctx, job, out.exec.StepKey, out.exec.ErrorMessage)
			}
		}
		for _, out := range outcomes {
			if out.suspended {
				return e.suspendJob(ctx, job, out.exec.StepKey)
			}
		}

		if err := e.store.UpdateJob(ctx, job); err != nil {
			// A concurrent cancel bumps the record version; stop walking.
			if model.IsCode(err, model.ErrConflict) {
				return e.store.GetJob(ctx, "", job.ID)
			}
			return model.SequenceJob{}, err
		}
		job.RecordVersion++
	}
}

// stepOutcome is the result of one step attempt within a wave.
type stepOutcome struct {
	step      model.SequenceStep
	exec      model.StepExecution
	output    map[string]any
	suspended bool
}

// runWave executes the ready steps concurrently, bounded by the configured
// step concurrency, then merges successful outputs into the job context.
func (e *Executor) runWave(
	ctx context.Context,
	job *model.SequenceJob,
	def model.SequenceDefinition,
	ready []model.SequenceStep,
	latest map[string]model.StepExecution,
) ([]stepOutcome, error) {
	sem := make(chan struct{}, e.opts.StepConcurrency)
	outcomes := make([]stepOutcome, len(ready))
	var wg sync.WaitGroup

	for i, step := range ready {
		wg.Add(1)
		go func(i int, step model.SequenceStep) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			attempt := 1
			if prev, started := latest[step.StepKey]; started {
				attempt = prev.Attempt + 1
			}
			outcomes[i] = e.runStep(ctx, *job, def, step, attempt)
		}(i, step)
	}
	wg.Wait()

	if job.Context == nil {
		job.Context = make(map[string]any)
	}
	for _, out := range outcomes {
		if out.exec.Status == model.StepStatusSucceeded {
			job.Context[out.step.StepKey] = out.output
		}
		job.CurrentStep = out.step.StepKey
	}
	return outcomes, nil
}

// runStep executes a single step attempt through the gate pipeline:
// availability, trust/approval, budget, then the handler under its timeout.
func (e *Executor) runStep(
	ctx context.Context,
	job model.SequenceJob,
	def model.SequenceDefinition,
	step model.SequenceStep,
	attempt int,
) stepOutcome {
	now := time.Now().UTC()
	exec := model.StepExecution{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		StepKey:    step.StepKey,
		ActionType: step.ActionType,
		Status:     model.StepStatusRunning,
		Attempt:    attempt,
		StartedAt:  now,
	}

	if step.Disabled {
		return e.finishStep(ctx, step, exec, model.StepStatusSkipped, model.ReasonDisabled, nil, "")
	}

	decision := approvalDecision(job.Context, step.StepKey)
	if decision == nil && e.gatedForApproval(job, step) {
		exec.Status = model.StepStatusAwaitingApproval
		if err := e.store.AppendStepExecution(ctx, exec); err != nil {
			e.logger.Error("append step execution", zap.Error(err), zap.String("job_id", job.ID))
		}
		if step.ActionType != "" {
			e.trust.RecordPresented(job.UserID, step.ActionType)
		}
		message := fmt.Sprintf("step %q of sequence %q needs approval", step.StepKey, job.SequenceKey)
		if _, err := e.approvals.Request(ctx, job.ID, job.OrgID, step.StepKey, message, nil); err != nil {
			e.logger.Error("open approval request", zap.Error(err),
				zap.String("job_id", job.ID), zap.String("step_key", step.StepKey))
		}
		return stepOutcome{step: step, exec: exec, suspended: true}
	}

	if step.Cost > 0 {
		usage := e.budget.Check(ctx, job.OrgID, step.Cost)
		if !usage.Allowed {
			return e.finishStep(ctx, step, exec, model.StepStatusFailed, model.ReasonBudgetExceeded, nil, usage.Reason)
		}
		actionRef := fmt.Sprintf("job:%s:%s", job.ID, step.StepKey)
		if _, err := e.budget.Deduct(ctx, job.OrgID, step.Cost, actionRef, job.UserID); err != nil {
			return e.finishStep(ctx, step, exec, model.StepStatusFailed, model.ReasonBudgetExceeded, nil, err.Error())
		}
	}

	h, ok := e.handlers.Get(step.ActionType)
	if !ok {
		return e.finishStep(ctx, step, exec, model.StepStatusFailed, "",
			nil, fmt.Sprintf("no handler registered for action type %q", step.ActionType))
	}

	if err := e.store.AppendStepExecution(ctx, exec); err != nil {
		e.logger.Error("append step execution", zap.Error(err), zap.String("job_id", job.ID))
	}

	params := step.Params
	if decision != nil && decision.editedPayload != nil {
		params = decision.editedPayload
	}
	req := model.StepRequest{
		JobID:   job.ID,
		OrgID:   job.OrgID,
		UserID:  job.UserID,
		StepKey: step.StepKey,
		Params:  params,
		Inputs:  stepInputs(job, def, step),
	}

	hctx, cancel := context.WithTimeout(ctx, step.StepTimeout(e.opts.DefaultStepTimeout))
	result, err := h.Execute(hctx, req)
	cancel()

	finished := time.Now().UTC()
	exec.FinishedAt = &finished

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		exec.Status = model.StepStatusFailed
		exec.Reason = model.ReasonStepTimeout
		exec.ErrorMessage = fmt.Sprintf("step timed out after %s", step.StepTimeout(e.opts.DefaultStepTimeout))
	case err != nil:
		exec.Status = model.StepStatusFailed
		exec.ErrorMessage = err.Error()
	case result.Status == model.StepResultSucceeded:
		exec.Status = model.StepStatusSucceeded
		exec.Result = result.Output
	default:
		exec.Status = model.StepStatusFailed
		exec.ErrorMessage = result.ErrorMessage
	}

	if updateErr := e.store.UpdateStepExecution(ctx, exec); updateErr != nil {
		e.logger.Error("update step execution", zap.Error(updateErr), zap.String("job_id", job.ID))
	}

	e.metrics.RecordStepExecution(step.ActionType, exec.Status, finished.Sub(now))
	if exec.Reason == model.ReasonStepTimeout {
		e.metrics.RecordStepTimeout(step.ActionType)
	}

	if exec.Status == model.StepStatusFailed {
		e.logger.Warn("step failed",
			zap.String("job_id", job.ID),
			zap.String("step_key", step.StepKey),
			zap.String("action_type", step.ActionType),
			zap.Bool("critical", step.IsCritical()),
			zap.String("error", exec.ErrorMessage),
		)
	}
	return stepOutcome{step: step, exec: exec, output: result.Output}
}

// finishStep records a step attempt that terminated without running its
// handler.
func (e *Executor) finishStep(
	ctx context.Context,
	step model.SequenceStep,
	exec model.StepExecution,
	status, reason string,
	output map[string]any,
	errMsg string,
) stepOutcome {
	finished := time.Now().UTC()
	exec.Status = status
	exec.Reason = reason
	exec.Result = output
	exec.ErrorMessage = errMsg
	exec.FinishedAt = &finished
	if err := e.store.AppendStepExecution(ctx, exec); err != nil {
		e.logger.Error("append step execution", zap.Error(err), zap.String("job_id", exec.JobID))
	}
	e.metrics.RecordStepExecution(step.ActionType, status, finished.Sub(exec.StartedAt))
	return stepOutcome{step: step, exec: exec, output: output}
}

// gatedForApproval reports whether a step must pause for a human decision:
// statically flagged steps always gate; confidence-scored steps gate when
// below the identity's current autonomy threshold.
func (e *Executor) gatedForApproval(job model.SequenceJob, step model.SequenceStep) bool {
	if step.RequiresApproval {
		return true
	}
	if step.ActionType == "" || step.Confidence <= 0 {
		return false
	}
	return step.Confidence < e.trust.Threshold(job.UserID, step.ActionType)
}

// settle resolves a job with no ready steps: suspended, completed, or
// wedged (which indicates a definition bug and fails the job).
func (e *Executor) settle(
	ctx context.Context,
	job model.SequenceJob,
	def model.SequenceDefinition,
	latest map[string]model.StepExecution,
) (model.SequenceJob, error) {
	allTerminal := true
	for _, step := range def.Steps {
		exec, started := latest[step.StepKey]
		if !started {
			allTerminal = false
			continue
		}
		if exec.Status == model.StepStatusAwaitingApproval {
			return e.suspendJob(ctx, job, step.StepKey)
		}
		if !model.TerminalStepStatus(exec.Status) {
			allTerminal = false
		}
	}

	if allTerminal {
		return e.completeJob(ctx, job)
	}
	return e.failJob(ctx, job, job.CurrentStep, "no runnable steps remain")
}

func (e *Executor) completeJob(ctx context.Context, job model.SequenceJob) (model.SequenceJob, error) {
	now := time.Now().UTC()
	job.Status = model.JobStatusCompleted
	job.CompletedAt = &now
	job.ClaimOwner = ""
	job.ClaimedAt = nil
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return model.SequenceJob{}, err
	}
	job.RecordVersion++
	e.metrics.RecordJobCompleted(job.SequenceKey, job.Status, now.Sub(job.StartedAt))

	e.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("sequence_key", job.SequenceKey),
		zap.Duration("duration", now.Sub(job.StartedAt)),
	)
	e.deliverTerminal(ctx, job)
	return job, nil
}

func (e *Executor) failJob(ctx context.Context, job model.SequenceJob, errorStep, errorMessage string) (model.SequenceJob, error) {
	now := time.Now().UTC()
	job.Status = model.JobStatusFailed
	job.ErrorStep = errorStep
	job.ErrorMessage = errorMessage
	job.CompletedAt = &now
	job.ClaimOwner = ""
	job.ClaimedAt = nil
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return model.SequenceJob{}, err
	}
	job.RecordVersion++
	e.metrics.RecordJobCompleted(job.SequenceKey, job.Status, now.Sub(job.StartedAt))

	e.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("sequence_key", job.SequenceKey),
		zap.String("error_step", errorStep),
		zap.String("error", errorMessage),
	)
	e.deliverTerminal(ctx, job)
	return job, nil
}

func (e *Executor) suspendJob(ctx context.Context, job model.SequenceJob, stepKey string) (model.SequenceJob, error) {
	job.Status = model.JobStatusWaitingApproval
	job.CurrentStep = stepKey
	job.ClaimOwner = ""
	job.ClaimedAt = nil
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return model.SequenceJob{}, err
	}
	job.RecordVersion++

	e.logger.Info("job suspended for approval",
		zap.String("job_id", job.ID),
		zap.String("step_key", stepKey),
	)
	return job, nil
}

// deliverTerminal pushes a terminal job into the delivery queue and
// releases the router dedupe slot when the job was created from a deduped
// route.
func (e *Executor) deliverTerminal(ctx context.Context, job model.SequenceJob) {
	item := model.QueueItem{
		OrgID: job.OrgID,
		JobID: job.ID,
		Lane:  laneForPriority(job.Priority),
		Payload: map[string]any{
			"job_id":       job.ID,
			"sequence_key": job.SequenceKey,
			"status":       job.Status,
			"error_step":   job.ErrorStep,
		},
	}
	if _, err := e.queue.Enqueue(ctx, item); err != nil {
		e.logger.Error("enqueue terminal job", zap.Error(err), zap.String("job_id", job.ID))
	}

	if e.releaser != nil {
		if deduped, _ := job.Context[dedupeKey].(bool); deduped {
			eventType, _ := job.Context[eventTypeKey].(string)
			e.releaser.Release(ctx, job.OrgID, eventType, job.SequenceKey)
		}
	}
}

// ResumeAfterDecision feeds an approval decision into the gated step's
// context and continues the DAG walk from that step. Called by the
// approval gate, which has already validated and recorded the decision.
func (e *Executor) ResumeAfterDecision(
	ctx context.Context,
	jobID, stepKey, decision string,
	editedPayload map[string]any,
	deciderID string,
) error {
	job, err := e.store.GetJob(ctx, "", jobID)
	if err != nil {
		return err
	}
	if model.TerminalJobStatus(job.Status) {
		return model.NewJobNotRunnableError(
			fmt.Sprintf("job %q is %s", jobID, job.Status),
		)
	}

	execs, err := e.store.ListStepExecutions(ctx, jobID)
	if err != nil {
		return err
	}
	gated, ok := latestByStep(execs)[stepKey]
	if !ok || gated.Status != model.StepStatusAwaitingApproval {
		return model.NewConflictError(
			fmt.Sprintf("step %q of job %q is not awaiting approval", stepKey, jobID),
		)
	}

	def, err := e.registry.Get(job.SequenceKey, job.OrgID, job.Version)
	if err != nil {
		return err
	}
	step := def.FindStep(stepKey)
	if step == nil {
		return model.NewNotFoundError(
			fmt.Sprintf("step %q not found in sequence %q", stepKey, job.SequenceKey),
		)
	}

	if decision == model.DecisionReject {
		finished := time.Now().UTC()
		gated.Status = model.StepStatusFailed
		gated.Reason = model.ReasonApprovalReject
		gated.FinishedAt = &finished
		if err := e.store.UpdateStepExecution(ctx, gated); err != nil {
			return err
		}
		if step.IsCritical() {
			_, err := e.failJob(ctx, job, stepKey, "approval rejected")
			return err
		}
		return e.requeueAndRun(ctx, job, deciderID)
	}

	if job.Context == nil {
		job.Context = make(map[string]any)
	}
	record := map[string]any{
		"decision":   decision,
		"decider_id": deciderID,
	}
	if editedPayload != nil {
		record["edited_payload"] = editedPayload
	}
	job.Context[approvalKeyPrefix+stepKey] = record
	return e.requeueAndRun(ctx, job, deciderID)
}

// ResolveExpiry applies the criticality policy to an expired approval:
// critical gated steps fail the job, best-effort ones are skipped and the
// walk continues. Idempotent when the step is no longer awaiting approval.
func (e *Executor) ResolveExpiry(ctx context.Context, jobID, stepKey string) error {
	job, err := e.store.GetJob(ctx, "", jobID)
	if err != nil {
		return err
	}
	if model.TerminalJobStatus(job.Status) {
		return nil
	}

	execs, err := e.store.ListStepExecutions(ctx, jobID)
	if err != nil {
		return err
	}
	gated, ok := latestByStep(execs)[stepKey]
	if !ok || gated.Status != model.StepStatusAwaitingApproval {
		return nil
	}

	def, err := e.registry.Get(job.SequenceKey, job.OrgID, job.Version)
	if err != nil {
		return err
	}
	step := def.FindStep(stepKey)
	if step == nil {
		return model.NewNotFoundError(
			fmt.Sprintf("step %q not found in sequence %q", stepKey, job.SequenceKey),
		)
	}

	finished := time.Now().UTC()
	gated.FinishedAt = &finished
	if step.IsCritical() {
		gated.Status = model.StepStatusFailed
		gated.Reason = model.ReasonApprovalTimeout
		if err := e.store.UpdateStepExecution(ctx, gated); err != nil {
			return err
		}
		_, err := e.failJob(ctx, job, stepKey, "approval request expired")
		return err
	}

	gated.Status = model.StepStatusSkipped
	gated.Reason = model.ReasonTimeout
	if err := e.store.UpdateStepExecution(ctx, gated); err != nil {
		return err
	}
	return e.requeueAndRun(ctx, job, "sweep")
}

// requeueAndRun marks a suspended job runnable again and continues the
// walk in-line.
func (e *Executor) requeueAndRun(ctx context.Context, job model.SequenceJob, workerID string) error {
	job.Status = model.JobStatusQueued
	job.ClaimOwner = ""
	job.ClaimedAt = nil
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	_, err := e.Run(ctx, job.ID, "resume:"+workerID)
	return err
}

// StepIdentity returns the (userID, actionType) pair whose trust score a
// decision on the given gated step should drift.
func (e *Executor) StepIdentity(ctx context.Context, jobID, stepKey string) (string, string, error) {
	job, err := e.store.GetJob(ctx, "", jobID)
	if err != nil {
		return "", "", err
	}
	def, err := e.registry.Get(job.SequenceKey, job.OrgID, job.Version)
	if err != nil {
		return "", "", err
	}
	step := def.FindStep(stepKey)
	if step == nil {
		return "", "", model.NewNotFoundError(
			fmt.Sprintf("step %q not found in sequence %q", stepKey, job.SequenceKey),
		)
	}
	return job.UserID, step.ActionType, nil
}

// Cancel marks a non-terminal job failed with reason cancelled. Steps
// already running are not interrupted, but their final update loses the
// record-version race and their results are discarded.
func (e *Executor) Cancel(ctx context.Context, rctx *model.RequestContext, jobID, reason string) error {
	job, err := e.store.GetJob(ctx, rctx.OrgID, jobID)
	if err != nil {
		return err
	}
	if model.TerminalJobStatus(job.Status) {
		return model.NewJobNotRunnableError(
			fmt.Sprintf("job %q is already %s", jobID, job.Status),
		)
	}

	if reason == "" {
		reason = model.ReasonCancelled
	}
	_, err = e.failJob(ctx, job, job.CurrentStep, reason)
	return err
}

// RequeueStale clears claims abandoned by crashed workers, returning the
// IDs of the jobs made runnable again so callers can re-dispatch them.
func (e *Executor) RequeueStale(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().Add(-e.opts.ClaimStaleness)
	stale, err := e.store.FindStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	var requeued []string
	for _, job := range stale {
		job.Status = model.JobStatusQueued
		job.ClaimOwner = ""
		job.ClaimedAt = nil
		if err := e.store.UpdateJob(ctx, job); err != nil {
			// Lost a race with a live worker; leave it alone.
			continue
		}
		requeued = append(requeued, job.ID)
		e.logger.Info("requeued stale job", zap.String("job_id", job.ID))
	}
	return requeued, nil
}

// Get returns a job scoped to the caller's organization.
func (e *Executor) Get(ctx context.Context, rctx *model.RequestContext, jobID string) (model.SequenceJob, error) {
	return e.store.GetJob(ctx, rctx.OrgID, jobID)
}

// Steps returns a job's step executions, scoped to the caller's
// organization.
func (e *Executor) Steps(ctx context.Context, rctx *model.RequestContext, jobID string) ([]model.StepExecution, error) {
	if _, err := e.store.GetJob(ctx, rctx.OrgID, jobID); err != nil {
		return nil, err
	}
	return e.store.ListStepExecutions(ctx, jobID)
}

// List returns job summaries for the caller's organization.
func (e *Executor) List(ctx context.Context, rctx *model.RequestContext, filters JobFilters) ([]model.JobSummary, int, error) {
	filters.OrgID = rctx.OrgID
	if filters.Limit <= 0 {
		filters.Limit = 20
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}

	jobs, err := e.store.ListJobs(ctx, filters)
	if err != nil {
		return nil, 0, err
	}

	allFilters := filters
	allFilters.Limit = 0
	allFilters.Offset = 0
	all, err := e.store.ListJobs(ctx, allFilters)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, model.JobSummary{
			ID:          job.ID,
			SequenceKey: job.SequenceKey,
			Status:      job.Status,
			Source:      job.Source,
			CurrentStep: job.CurrentStep,
			UserID:      job.UserID,
			StartedAt:   job.StartedAt,
			UpdatedAt:   job.UpdatedAt,
		})
	}
	return summaries, len(all), nil
}

// approvalRecord is a decoded approval decision stored in the job context.
type approvalRecord struct {
	decision      string
	editedPayload map[string]any
}

func approvalDecision(jobCtx map[string]any, stepKey string) *approvalRecord {
	raw, ok := jobCtx[approvalKeyPrefix+stepKey].(map[string]any)
	if !ok {
		return nil
	}
	rec := &approvalRecord{}
	rec.decision, _ = raw["decision"].(string)
	if rec.decision == "" {
		return nil
	}
	rec.editedPayload, _ = raw["edited_payload"].(map[string]any)
	return rec
}

// latestByStep reduces the append-only execution history to the most
// recent attempt per step.
func latestByStep(execs []model.StepExecution) map[string]model.StepExecution {
	latest := make(map[string]model.StepExecution, len(execs))
	for _, exec := range execs {
		prev, seen := latest[exec.StepKey]
		if !seen || exec.Attempt >= prev.Attempt {
			latest[exec.StepKey] = exec
		}
	}
	return latest
}

// readySteps returns steps eligible to run: never started (or awaiting
// approval with a recorded approve decision) and with every dependency in
// a terminal state. Best-effort failures and skips count as satisfied.
func readySteps(
	def model.SequenceDefinition,
	latest map[string]model.StepExecution,
	jobCtx map[string]any,
) []model.SequenceStep {
	var ready []model.SequenceStep
	for _, step := range def.Steps {
		if exec, started := latest[step.StepKey]; started {
			resumable := exec.Status == model.StepStatusAwaitingApproval &&
				approvalDecision(jobCtx, step.StepKey) != nil
			if !resumable {
				continue
			}
		}

		eligible := true
		for _, dep := range step.DependsOn {
			depExec, started := latest[dep]
			if !started || !model.TerminalStepStatus(depExec.Status) {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, step)
		}
	}
	return ready
}

// stepInputs builds the handler's view of the accumulated job context.
// Failed or skipped best-effort dependencies surface as explicit nils.
func stepInputs(job model.SequenceJob, def model.SequenceDefinition, step model.SequenceStep) map[string]any {
	inputs := make(map[string]any, len(job.Context))
	for k, v := range job.Context {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		inputs[k] = v
	}
	for _, dep := range step.DependsOn {
		if _, present := inputs[dep]; !present {
			inputs[dep] = nil
		}
	}
	return inputs
}

// laneForPriority maps a route priority to a delivery lane. Higher
// priorities land in lower-numbered (more urgent) lanes.
func laneForPriority(priority int) int {
	switch {
	case priority >= 3:
		return model.LaneCritical
	case priority == 2:
		return model.LaneHigh
	case priority == 1:
		return model.LaneNormal
	default:
		return model.LaneLow
	}
}
