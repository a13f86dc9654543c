package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

type resumeCall struct {
	jobID         string
	stepKey       string
	decision      string
	editedPayload map[string]any
	deciderID     string
}

type mockResumer struct {
	mu          sync.Mutex
	resumes     []resumeCall
	expiries    []resumeCall
	resumeErr   error
	expiryErr   error
	identityErr error
	userID      string
	actionType  string
}

func (m *mockResumer) ResumeAfterDecision(_ context.Context, jobID, stepKey, decision string, editedPayload map[string]any, deciderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeErr != nil {
		return m.resumeErr
	}
	m.resumes = append(m.resumes, resumeCall{jobID, stepKey, decision, editedPayload, deciderID})
	return nil
}

func (m *mockResumer) ResolveExpiry(_ context.Context, jobID, stepKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiryErr != nil {
		return m.expiryErr
	}
	m.expiries = append(m.expiries, resumeCall{jobID: jobID, stepKey: stepKey})
	return nil
}

func (m *mockResumer) StepIdentity(_ context.Context, _, _ string) (string, string, error) {
	return m.userID, m.actionType, m.identityErr
}

type trustCall struct {
	userID     string
	actionType string
	outcome    string
}

type mockTrust struct {
	mu    sync.Mutex
	calls []trustCall
}

func (m *mockTrust) RecordDecision(userID, actionType, outcome string) model.TrustScore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, trustCall{userID, actionType, outcome})
	return model.TrustScore{}
}

type mockNotifier struct {
	mu       sync.Mutex
	notified []model.ApprovalRequest
	err      error
}

func (m *mockNotifier) NotifyApprovalNeeded(_ context.Context, req model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.notified = append(m.notified, req)
	return nil
}

func newTestGate(t *testing.T) (*Gate, *MemoryStore, *mockResumer, *mockTrust, *mockNotifier) {
	t.Helper()
	store := NewMemoryStore()
	resumer := &mockResumer{userID: "user-1", actionType: "send_email"}
	trust := &mockTrust{}
	notifier := &mockNotifier{}
	gate := NewGate(store, resumer, trust, notifier, zap.NewNop(), time.Hour)
	return gate, store, resumer, trust, notifier
}

func rctx(orgID, subjectID string) *model.RequestContext {
	return &model.RequestContext{OrgID: orgID, SubjectID: subjectID, CorrelationID: "corr-1"}
}

func TestRequest_opensAndNotifies(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, notifier := newTestGate(t)

	req, err := gate.Request(ctx, "job-1", "org-1", "send", "confirm the email", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.ID == "" {
		t.Error("Request() assigned no ID")
	}
	if !req.Open() {
		t.Error("new request not open")
	}
	if got := req.ExpiresAt.Sub(req.CreatedAt); got != time.Hour {
		t.Errorf("Request() TTL = %v, want 1h", got)
	}
	// Empty options default to approve/reject.
	if len(req.Options) != 2 || req.Options[0] != model.DecisionApprove || req.Options[1] != model.DecisionReject {
		t.Errorf("Request() options = %v, want [approve reject]", req.Options)
	}
	if len(notifier.notified) != 1 || notifier.notified[0].ID != req.ID {
		t.Errorf("notifier received %d requests, want the new one", len(notifier.notified))
	}
}

func TestRequest_customOptions(t *testing.T) {
	gate, _, _, _, _ := newTestGate(t)

	req, err := gate.Request(context.Background(), "job-1", "org-1", "send", "", []string{"approve", "reject", "escalate"})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if len(req.Options) != 3 {
		t.Errorf("Request() options = %v, want the caller's three", req.Options)
	}
}

func TestRequest_secondOpenConflicts(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)

	if _, err := gate.Request(ctx, "job-1", "org-1", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	_, err := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second Request() error = %v, want CONFLICT", err)
	}

	// A different step on the same job is fine.
	if _, err := gate.Request(ctx, "job-1", "org-1", "deliver", "", nil); err != nil {
		t.Errorf("Request() other step error = %v", err)
	}
}

func TestRequest_notificationFailureIsBestEffort(t *testing.T) {
	gate, _, _, _, notifier := newTestGate(t)
	notifier.err = errors.New("slack is down")

	req, err := gate.Request(context.Background(), "job-1", "org-1", "send", "", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !req.Open() {
		t.Error("request should stand despite notification failure")
	}
}

func TestRequest_nilNotifier(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(store, &mockResumer{}, &mockTrust{}, nil, zap.NewNop(), time.Hour)

	if _, err := gate.Request(context.Background(), "job-1", "org-1", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
}

func TestDecide_approveResumesJob(t *testing.T) {
	ctx := context.Background()
	gate, _, resumer, trust, _ := newTestGate(t)

	req, err := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	decided, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decided.Open() {
		t.Error("request still open after Decide()")
	}
	if decided.Decision != model.DecisionApprove || decided.DeciderID != "user-9" {
		t.Errorf("Decide() stored %q by %q", decided.Decision, decided.DeciderID)
	}

	if len(resumer.resumes) != 1 {
		t.Fatalf("resumer got %d calls, want 1", len(resumer.resumes))
	}
	call := resumer.resumes[0]
	if call.jobID != "job-1" || call.stepKey != "send" || call.decision != model.DecisionApprove || call.deciderID != "user-9" {
		t.Errorf("resume call = %+v", call)
	}

	if len(trust.calls) != 1 || trust.calls[0].outcome != model.OutcomeApprovedNoEdit {
		t.Errorf("trust calls = %+v, want one approved_no_edit", trust.calls)
	}
	if trust.calls[0].userID != "user-1" || trust.calls[0].actionType != "send_email" {
		t.Errorf("trust identity = %+v, want the gated step's", trust.calls[0])
	}
}

func TestDecide_rejectRecordsRejection(t *testing.T) {
	ctx := context.Background()
	gate, _, resumer, trust, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if _, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionReject, nil); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	if len(resumer.resumes) != 1 || resumer.resumes[0].decision != model.DecisionReject {
		t.Errorf("resume calls = %+v, want one reject", resumer.resumes)
	}
	if len(trust.calls) != 1 || trust.calls[0].outcome != model.OutcomeRejected {
		t.Errorf("trust calls = %+v, want one rejected", trust.calls)
	}
}

func TestDecide_editedPayloadFlowsThrough(t *testing.T) {
	ctx := context.Background()
	gate, _, resumer, trust, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	edited := map[string]any{"subject": "softer wording"}
	decided, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, edited)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if decided.EditedPayload["subject"] != "softer wording" {
		t.Errorf("Decide() edited payload = %v", decided.EditedPayload)
	}
	if resumer.resumes[0].editedPayload["subject"] != "softer wording" {
		t.Errorf("resume payload = %v", resumer.resumes[0].editedPayload)
	}
	if trust.calls[0].outcome != model.OutcomeApprovedWithEdit {
		t.Errorf("trust outcome = %q, want approved_with_edit", trust.calls[0].outcome)
	}
}

func TestDecide_alreadyDecided(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if _, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	_, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionReject, nil)
	if !model.IsCode(err, model.ErrApprovalDecided) {
		t.Errorf("second Decide() error = %v, want APPROVAL_DECIDED", err)
	}
}

func TestDecide_expired(t *testing.T) {
	ctx := context.Background()
	gate, store, _, _, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	req.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Update(ctx, req); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	_, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil)
	if !model.IsCode(err, model.ErrApprovalExpired) {
		t.Errorf("Decide() expired error = %v, want APPROVAL_EXPIRED", err)
	}
}

func TestDecide_unknownDecision(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	_, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, "maybe", nil)
	if !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("Decide() error = %v, want BAD_REQUEST", err)
	}
}

func TestDecide_crossOrgNotFound(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	_, err := gate.Decide(ctx, rctx("org-2", "user-9"), req.ID, model.DecisionApprove, nil)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Decide() cross-org error = %v, want NOT_FOUND", err)
	}
}

func TestDecide_stepWithoutActionTypeSkipsTrust(t *testing.T) {
	ctx := context.Background()
	gate, _, resumer, trust, _ := newTestGate(t)
	resumer.actionType = ""

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if _, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(trust.calls) != 0 {
		t.Errorf("trust calls = %+v, want none", trust.calls)
	}
	if len(resumer.resumes) != 1 {
		t.Errorf("resume calls = %d, want 1 regardless", len(resumer.resumes))
	}
}

func TestListOpen_scopedToCaller(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)

	if _, err := gate.Request(ctx, "job-1", "org-1", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := gate.Request(ctx, "job-2", "org-2", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	got, err := gate.ListOpen(ctx, rctx("org-1", "user-9"))
	if err != nil {
		t.Fatalf("ListOpen() error = %v", err)
	}
	if len(got) != 1 || got[0].JobID != "job-1" {
		t.Errorf("ListOpen() = %+v, want only org-1's request", got)
	}
}

func TestSweep_expiresOverdueRequests(t *testing.T) {
	ctx := context.Background()
	gate, store, resumer, _, _ := newTestGate(t)

	overdue, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	overdue.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Update(ctx, overdue); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if _, err := gate.Request(ctx, "job-2", "org-1", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}

	if got := gate.Sweep(ctx); got != 1 {
		t.Fatalf("Sweep() = %d, want 1", got)
	}

	req, err := store.Get(ctx, "org-1", overdue.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if req.Open() || req.Decision != "expired" || req.DeciderID != "system" {
		t.Errorf("swept request = %+v, want expired by system", req)
	}

	if len(resumer.expiries) != 1 {
		t.Fatalf("expiry calls = %d, want 1", len(resumer.expiries))
	}
	if resumer.expiries[0].jobID != "job-1" || resumer.expiries[0].stepKey != "send" {
		t.Errorf("expiry call = %+v", resumer.expiries[0])
	}

	// The still-fresh request is untouched and a second sweep is a no-op.
	if got := gate.Sweep(ctx); got != 0 {
		t.Errorf("second Sweep() = %d, want 0", got)
	}
}

func TestSweep_resolverFailureSkipsCount(t *testing.T) {
	ctx := context.Background()
	gate, store, resumer, _, _ := newTestGate(t)
	resumer.expiryErr = errors.New("scheduler unavailable")

	overdue, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	overdue.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Update(ctx, overdue); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if got := gate.Sweep(ctx); got != 0 {
		t.Errorf("Sweep() = %d, want 0 when resolution fails", got)
	}
}

func TestNewGate_defaults(t *testing.T) {
	gate := NewGate(NewMemoryStore(), &mockResumer{}, &mockTrust{}, nil, nil, 0)
	if gate.ttl != defaultTTL {
		t.Errorf("ttl = %v, want %v", gate.ttl, defaultTTL)
	}
	if gate.logger == nil {
		t.Error("logger not defaulted")
	}
}

func TestSetResumer(t *testing.T) {
	ctx := context.Background()
	gate, _, _, _, _ := newTestGate(t)
	late := &mockResumer{userID: "user-1", actionType: "send_email"}
	gate.SetResumer(late)

	req, _ := gate.Request(ctx, "job-1", "org-1", "send", "", nil)
	if _, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(late.resumes) != 1 {
		t.Errorf("late resumer got %d calls, want 1", len(late.resumes))
	}
}

func TestGate_recordsApprovalMetrics(t *testing.T) {
	ctx := context.Background()
	m := observability.InitMetrics(prometheus.NewRegistry())

	gate, _, _, _, _ := newTestGate(t)
	gate.SetMetrics(m)

	req, err := gate.Request(ctx, "job-1", "org-1", "send", "confirm the email", nil)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if _, err := gate.Decide(ctx, rctx("org-1", "user-9"), req.ID, model.DecisionApprove, nil); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	if got := testutil.ToFloat64(m.ApprovalsRequestedTotal); got != 1 {
		t.Errorf("requested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ApprovalsDecidedTotal.WithLabelValues(model.DecisionApprove)); got != 1 {
		t.Errorf("decided{approve} = %v, want 1", got)
	}

	short := NewGate(NewMemoryStore(), &mockResumer{}, &mockTrust{}, nil, zap.NewNop(), time.Millisecond)
	short.SetMetrics(m)
	if _, err := short.Request(ctx, "job-2", "org-1", "send", "", nil); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if n := short.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.ApprovalsExpiredTotal); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
}
