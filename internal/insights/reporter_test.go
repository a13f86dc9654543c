package insights

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/model"
)

type staticJobs struct {
	jobs    []model.SequenceJob
	execs   map[string][]model.StepExecution
	listErr error
}

func (s staticJobs) ListJobs(_ context.Context, filters scheduler.JobFilters) ([]model.SequenceJob, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var result []model.SequenceJob
	for _, job := range s.jobs {
		if filters.OrgID != "" && job.OrgID != filters.OrgID {
			continue
		}
		if !filters.Since.IsZero() && job.StartedAt.Before(filters.Since) {
			continue
		}
		result = append(result, job)
	}
	return result, nil
}

func (s staticJobs) ListStepExecutions(_ context.Context, jobID string) ([]model.StepExecution, error) {
	return s.execs[jobID], nil
}

type staticDepth struct {
	depth map[int]int
	err   error
}

func (s staticDepth) Depth(context.Context) (map[int]int, error) {
	return s.depth, s.err
}

func minutesAgo(n int) time.Time {
	return time.Now().UTC().Add(-time.Duration(n) * time.Minute)
}

func completedJob(id, orgID, seqKey, source string, startedMinAgo, durationMin int) model.SequenceJob {
	started := minutesAgo(startedMinAgo)
	completed := started.Add(time.Duration(durationMin) * time.Minute)
	return model.SequenceJob{
		ID:          id,
		OrgID:       orgID,
		SequenceKey: seqKey,
		Source:      source,
		Status:      model.JobStatusCompleted,
		StartedAt:   started,
		UpdatedAt:   completed,
		CompletedAt: &completed,
	}
}

func TestSummary_aggregatesJobCounts(t *testing.T) {
	failed := model.SequenceJob{
		ID: "job-f", OrgID: "org-1", SequenceKey: "send_email", Source: "event",
		Status: model.JobStatusFailed, StartedAt: minutesAgo(30), UpdatedAt: minutesAgo(25),
	}
	jobs := staticJobs{
		jobs: []model.SequenceJob{
			completedJob("job-a", "org-1", "send_email", "api", 60, 2),
			completedJob("job-b", "org-1", "send_email", "api", 50, 4),
			completedJob("job-c", "org-1", "onboard", "event", 40, 6),
			failed,
			completedJob("job-other", "org-2", "send_email", "api", 30, 1),
		},
		execs: map[string][]model.StepExecution{
			"job-f": {
				{StepKey: "render", ActionType: "render_template", Status: model.StepStatusSucceeded},
				{StepKey: "deliver", ActionType: "smtp_send", Status: model.StepStatusFailed},
			},
		},
	}
	r := NewReporter(jobs, staticDepth{depth: map[int]int{model.LaneNormal: 3}}, 5*time.Minute)

	got, err := r.Summary(context.Background(), "org-1", 2*time.Hour)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}

	if got.OrgID != "org-1" {
		t.Errorf("OrgID = %q", got.OrgID)
	}
	if got.JobsByStatus[model.JobStatusCompleted] != 3 || got.JobsByStatus[model.JobStatusFailed] != 1 {
		t.Errorf("JobsByStatus = %v", got.JobsByStatus)
	}
	if got.JobsBySource["api"] != 2 || got.JobsBySource["event"] != 2 {
		t.Errorf("JobsBySource = %v", got.JobsBySource)
	}

	// Three completions of 2, 4, and 6 minutes average to 4 minutes.
	if got.AvgDurationMs != (4 * time.Minute).Milliseconds() {
		t.Errorf("AvgDurationMs = %d, want %d", got.AvgDurationMs, (4 * time.Minute).Milliseconds())
	}
	if math.Abs(got.SuccessRate-0.75) > 1e-9 {
		t.Errorf("SuccessRate = %v, want 0.75", got.SuccessRate)
	}

	if got.ErrorsByAction["smtp_send"] != 1 {
		t.Errorf("ErrorsByAction = %v, want smtp_send:1", got.ErrorsByAction)
	}
	if _, counted := got.ErrorsByAction["render_template"]; counted {
		t.Errorf("succeeded step counted as error: %v", got.ErrorsByAction)
	}

	if got.QueueDepth[model.LaneNormal] != 3 {
		t.Errorf("QueueDepth = %v", got.QueueDepth)
	}
}

func TestSummary_windowExcludesOldJobs(t *testing.T) {
	jobs := staticJobs{
		jobs: []model.SequenceJob{
			completedJob("job-recent", "org-1", "send_email", "api", 30, 1),
			completedJob("job-ancient", "org-1", "send_email", "api", 300, 1),
		},
	}
	r := NewReporter(jobs, staticDepth{}, 0)

	got, err := r.Summary(context.Background(), "org-1", time.Hour)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got.JobsByStatus[model.JobStatusCompleted] != 1 {
		t.Errorf("JobsByStatus = %v, want only the recent job", got.JobsByStatus)
	}
	if got.WindowEnd.Sub(got.WindowStart) != time.Hour {
		t.Errorf("window = %v, want 1h", got.WindowEnd.Sub(got.WindowStart))
	}
}

func TestSummary_defaultWindow(t *testing.T) {
	r := NewReporter(staticJobs{}, staticDepth{}, 0)
	got, err := r.Summary(context.Background(), "org-1", 0)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got.WindowEnd.Sub(got.WindowStart) != defaultWindow {
		t.Errorf("window = %v, want %v", got.WindowEnd.Sub(got.WindowStart), defaultWindow)
	}
}

func TestSummary_stuckJobs(t *testing.T) {
	oldClaim := minutesAgo(20)
	freshClaim := minutesAgo(1)
	jobs := staticJobs{
		jobs: []model.SequenceJob{
			{
				ID: "job-waiting", OrgID: "org-1", SequenceKey: "send_email", CurrentStep: "deliver",
				Status: model.JobStatusWaitingApproval, StartedAt: minutesAgo(30), UpdatedAt: minutesAgo(25),
			},
			{
				ID: "job-stale", OrgID: "org-1", SequenceKey: "send_email",
				Status: model.JobStatusInProgress, StartedAt: minutesAgo(30), UpdatedAt: oldClaim,
				ClaimOwner: "worker-dead", ClaimedAt: &oldClaim,
			},
			{
				ID: "job-live", OrgID: "org-1", SequenceKey: "send_email",
				Status: model.JobStatusInProgress, StartedAt: minutesAgo(2), UpdatedAt: freshClaim,
				ClaimOwner: "worker-1", ClaimedAt: &freshClaim,
			},
		},
	}
	r := NewReporter(jobs, staticDepth{}, 5*time.Minute)

	got, err := r.Summary(context.Background(), "org-1", time.Hour)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if len(got.StuckJobs) != 2 {
		t.Fatalf("StuckJobs = %+v, want 2", got.StuckJobs)
	}
	byID := make(map[string]StuckJob, len(got.StuckJobs))
	for _, s := range got.StuckJobs {
		byID[s.JobID] = s
	}
	if s, ok := byID["job-waiting"]; !ok || s.CurrentStep != "deliver" {
		t.Errorf("waiting job = %+v", s)
	}
	if s, ok := byID["job-stale"]; !ok || !s.Since.Equal(oldClaim) {
		t.Errorf("stale job = %+v, want since %v", s, oldClaim)
	}
	if _, ok := byID["job-live"]; ok {
		t.Error("freshly claimed job counted as stuck")
	}
}

func TestSummary_emptyOrg(t *testing.T) {
	r := NewReporter(staticJobs{}, staticDepth{depth: map[int]int{}}, 0)

	got, err := r.Summary(context.Background(), "org-1", time.Hour)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got.SuccessRate != 0 || got.AvgDurationMs != 0 {
		t.Errorf("empty summary rates = %v/%d, want zeros", got.SuccessRate, got.AvgDurationMs)
	}
	if len(got.StuckJobs) != 0 {
		t.Errorf("StuckJobs = %+v", got.StuckJobs)
	}
}

func TestSummary_propagatesErrors(t *testing.T) {
	r := NewReporter(staticJobs{listErr: errors.New("store down")}, staticDepth{}, 0)
	if _, err := r.Summary(context.Background(), "org-1", time.Hour); err == nil {
		t.Error("Summary() error = nil, want job source failure")
	}

	r = NewReporter(staticJobs{}, staticDepth{err: errors.New("queue down")}, 0)
	if _, err := r.Summary(context.Background(), "org-1", time.Hour); err == nil {
		t.Error("Summary() error = nil, want queue depth failure")
	}
}

func TestNewReporter_defaultStuckThreshold(t *testing.T) {
	r := NewReporter(staticJobs{}, staticDepth{}, 0)
	if r.stuckThreshold != 5*time.Minute {
		t.Errorf("stuckThreshold = %v, want 5m", r.stuckThreshold)
	}
}
