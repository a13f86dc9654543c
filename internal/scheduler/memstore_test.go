package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sequorhq/sequor/model"
)

func testJob(id, orgID string) model.SequenceJob {
	now := time.Now().UTC()
	return model.SequenceJob{
		ID:            id,
		SequenceKey:   "send_email",
		Version:       1,
		UserID:        "user-1",
		OrgID:         orgID,
		Source:        "api",
		Status:        model.JobStatusQueued,
		StartedAt:     now,
		UpdatedAt:     now,
		RecordVersion: 1,
	}
}

func TestMemoryJobStore_createAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "org-1", "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.SequenceKey != "send_email" || got.Status != model.JobStatusQueued {
		t.Errorf("GetJob() = %+v", got)
	}
}

func TestMemoryJobStore_createDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("CreateJob() duplicate error = %v, want CONFLICT", err)
	}
}

func TestMemoryJobStore_getScopesByOrg(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	if _, err := s.GetJob(ctx, "org-2", "job-1"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("GetJob() cross-org error = %v, want NOT_FOUND", err)
	}
	if _, err := s.GetJob(ctx, "", "job-1"); err != nil {
		t.Errorf("GetJob() unscoped error = %v", err)
	}
}

func TestMemoryJobStore_updateBumpsRecordVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	job := testJob("job-1", "org-1")
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	job.Status = model.JobStatusInProgress
	if err := s.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	got, err := s.GetJob(ctx, "org-1", "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != model.JobStatusInProgress {
		t.Errorf("status = %q, want in_progress", got.Status)
	}
	if got.RecordVersion != 2 {
		t.Errorf("RecordVersion = %d, want 2", got.RecordVersion)
	}
}

func TestMemoryJobStore_updateStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	job := testJob("job-1", "org-1")
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := s.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	// The caller's copy still carries record version 1.
	job.Status = model.JobStatusFailed
	if err := s.UpdateJob(ctx, job); !model.IsCode(err, model.ErrConflict) {
		t.Errorf("UpdateJob() stale error = %v, want CONFLICT", err)
	}
}

func TestMemoryJobStore_updateMissing(t *testing.T) {
	s := NewMemoryJobStore()
	if err := s.UpdateJob(context.Background(), testJob("nope", "org-1")); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("UpdateJob() error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryJobStore_claim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	claimed, err := s.ClaimJob(ctx, "job-1", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}
	if claimed.ClaimOwner != "worker-1" || claimed.ClaimedAt == nil {
		t.Errorf("claim not stamped: %+v", claimed)
	}

	// A fresh claim shields the job from other workers.
	if _, err := s.ClaimJob(ctx, "job-1", "worker-2", time.Minute); !model.IsCode(err, model.ErrJobClaimed) {
		t.Errorf("ClaimJob() by other worker error = %v, want JOB_CLAIMED", err)
	}

	// The owner may re-claim its own job.
	if _, err := s.ClaimJob(ctx, "job-1", "worker-1", time.Minute); err != nil {
		t.Errorf("ClaimJob() re-claim error = %v", err)
	}
}

func TestMemoryJobStore_claimStaleTakeover(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()

	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if _, err := s.ClaimJob(ctx, "job-1", "worker-1", 10*time.Millisecond); err != nil {
		t.Fatalf("ClaimJob() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	claimed, err := s.ClaimJob(ctx, "job-1", "worker-2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ClaimJob() stale takeover error = %v", err)
	}
	if claimed.ClaimOwner != "worker-2" {
		t.Errorf("ClaimOwner = %q, want worker-2", claimed.ClaimOwner)
	}
}

func TestMemoryJobStore_claimMissing(t *testing.T) {
	s := NewMemoryJobStore()
	if _, err := s.ClaimJob(context.Background(), "nope", "worker-1", time.Minute); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("ClaimJob() error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryJobStore_stepExecutions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	base := time.Now().UTC()

	second := model.StepExecution{ID: "exec-2", JobID: "job-1", StepKey: "deliver", Status: model.StepStatusRunning, Attempt: 1, StartedAt: base.Add(time.Second)}
	first := model.StepExecution{ID: "exec-1", JobID: "job-1", StepKey: "render", Status: model.StepStatusSucceeded, Attempt: 1, StartedAt: base}
	for _, exec := range []model.StepExecution{second, first} {
		if err := s.AppendStepExecution(ctx, exec); err != nil {
			t.Fatalf("AppendStepExecution() error = %v", err)
		}
	}

	got, err := s.ListStepExecutions(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListStepExecutions() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "exec-1" || got[1].ID != "exec-2" {
		t.Errorf("ListStepExecutions() order = %+v, want start-time ascending", got)
	}

	second.Status = model.StepStatusFailed
	second.ErrorMessage = "smtp refused"
	if err := s.UpdateStepExecution(ctx, second); err != nil {
		t.Fatalf("UpdateStepExecution() error = %v", err)
	}
	got, _ = s.ListStepExecutions(ctx, "job-1")
	if got[1].Status != model.StepStatusFailed || got[1].ErrorMessage != "smtp refused" {
		t.Errorf("updated execution = %+v", got[1])
	}
}

func TestMemoryJobStore_updateStepExecutionMissing(t *testing.T) {
	s := NewMemoryJobStore()
	err := s.UpdateStepExecution(context.Background(), model.StepExecution{ID: "nope", JobID: "job-1"})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("UpdateStepExecution() error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryJobStore_listJobsFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	base := time.Now().UTC()

	jobs := []model.SequenceJob{
		{ID: "job-1", OrgID: "org-1", SequenceKey: "send_email", Source: "api", Status: model.JobStatusCompleted, StartedAt: base.Add(-3 * time.Hour), RecordVersion: 1},
		{ID: "job-2", OrgID: "org-1", SequenceKey: "send_email", Source: "event", Status: model.JobStatusFailed, StartedAt: base.Add(-2 * time.Hour), RecordVersion: 1},
		{ID: "job-3", OrgID: "org-1", SequenceKey: "onboard", Source: "api", Status: model.JobStatusCompleted, StartedAt: base.Add(-time.Hour), RecordVersion: 1},
		{ID: "job-4", OrgID: "org-2", SequenceKey: "send_email", Source: "api", Status: model.JobStatusCompleted, StartedAt: base, RecordVersion: 1},
	}
	for _, job := range jobs {
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.ID, err)
		}
	}

	tests := []struct {
		name    string
		filters JobFilters
		wantIDs []string
	}{
		{"by org newest first", JobFilters{OrgID: "org-1"}, []string{"job-3", "job-2", "job-1"}},
		{"by status", JobFilters{OrgID: "org-1", Status: model.JobStatusFailed}, []string{"job-2"}},
		{"by sequence key", JobFilters{OrgID: "org-1", SequenceKey: "onboard"}, []string{"job-3"}},
		{"by source", JobFilters{OrgID: "org-1", Source: "event"}, []string{"job-2"}},
		{"since cutoff", JobFilters{OrgID: "org-1", Since: base.Add(-90 * time.Minute)}, []string{"job-3"}},
		{"limit", JobFilters{OrgID: "org-1", Limit: 2}, []string{"job-3", "job-2"}},
		{"offset", JobFilters{OrgID: "org-1", Offset: 1}, []string{"job-2", "job-1"}},
		{"offset past end", JobFilters{OrgID: "org-1", Offset: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filters)
			if err != nil {
				t.Fatalf("ListJobs() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("ListJobs() returned %d jobs, want %d", len(got), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if got[i].ID != id {
					t.Errorf("ListJobs()[%d] = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestMemoryJobStore_findStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	recent := now.Add(-time.Second)

	stale := testJob("job-stale", "org-1")
	stale.Status = model.JobStatusInProgress
	stale.ClaimOwner = "worker-1"
	stale.ClaimedAt = &old

	fresh := testJob("job-fresh", "org-1")
	fresh.Status = model.JobStatusInProgress
	fresh.ClaimOwner = "worker-2"
	fresh.ClaimedAt = &recent

	queued := testJob("job-queued", "org-1")

	for _, job := range []model.SequenceJob{stale, fresh, queued} {
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.ID, err)
		}
	}

	got, err := s.FindStale(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("FindStale() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "job-stale" {
		t.Errorf("FindStale() = %+v, want only job-stale", got)
	}
}

func TestMemoryJobStore_len(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
	if err := s.CreateJob(ctx, testJob("job-1", "org-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}
