package trust

import (
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

func testConfig() Config {
	return Config{
		RaiseStep:    0.05,
		LowerStep:    0.01,
		StreakLength: 5,
		Policies: map[string]model.TrustPolicy{
			"send_email": {Starting: 0.9, Floor: 0.6},
		},
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestThreshold_defaults(t *testing.T) {
	g := NewGate(testConfig())

	if got := g.Threshold("user-1", "send_email"); !approxEqual(got, 0.9) {
		t.Errorf("Threshold(configured type) = %v, want 0.9", got)
	}
	if got := g.Threshold("user-1", "unknown_action"); !approxEqual(got, fallbackThreshold) {
		t.Errorf("Threshold(unknown type) = %v, want fallback %v", got, fallbackThreshold)
	}
}

func TestRecordDecision_rejectionRaises(t *testing.T) {
	g := NewGate(testConfig())

	// Lower the threshold first so a raise is visible below the ceiling.
	for i := 0; i < 5; i++ {
		g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	}
	score, _ := g.Score("user-1", "send_email")
	if !approxEqual(score.AutoThreshold, 0.89) {
		t.Fatalf("threshold after streak = %v, want 0.89", score.AutoThreshold)
	}

	score = g.RecordDecision("user-1", "send_email", model.OutcomeRejected)
	if !approxEqual(score.AutoThreshold, 0.9) {
		t.Errorf("threshold after rejection = %v, want 0.9 (raised, capped at starting)", score.AutoThreshold)
	}
	if score.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", score.Rejected)
	}
	if score.ConsecutiveApprovals != 0 {
		t.Errorf("ConsecutiveApprovals = %d, want 0 after rejection", score.ConsecutiveApprovals)
	}
}

func TestRecordDecision_rejectionCappedAtStarting(t *testing.T) {
	g := NewGate(testConfig())

	// Fresh score sits at the starting ceiling; rejection cannot exceed it.
	score := g.RecordDecision("user-1", "send_email", model.OutcomeRejected)
	if !approxEqual(score.AutoThreshold, 0.9) {
		t.Errorf("threshold = %v, want 0.9 (capped)", score.AutoThreshold)
	}
	// No drift entry beyond the seed when the value did not move.
	if len(score.History) != 1 {
		t.Errorf("History = %d entries, want only the seed", len(score.History))
	}
}

func TestRecordDecision_streakLowers(t *testing.T) {
	g := NewGate(testConfig())

	var score model.TrustScore
	for i := 0; i < 4; i++ {
		score = g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
		if !approxEqual(score.AutoThreshold, 0.9) {
			t.Fatalf("approval %d moved the threshold to %v", i+1, score.AutoThreshold)
		}
	}

	// The fifth clean approval completes the streak and lowers.
	score = g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	if !approxEqual(score.AutoThreshold, 0.89) {
		t.Errorf("threshold after streak = %v, want 0.89", score.AutoThreshold)
	}
	if score.ApprovedNoEdit != 5 {
		t.Errorf("ApprovedNoEdit = %d, want 5", score.ApprovedNoEdit)
	}

	last := score.History[len(score.History)-1]
	if last.Reason != model.DriftReasonConsecutiveApprovals {
		t.Errorf("drift reason = %q, want %q", last.Reason, model.DriftReasonConsecutiveApprovals)
	}
	if !approxEqual(last.From, 0.9) || !approxEqual(last.To, 0.89) {
		t.Errorf("drift = %v -> %v, want 0.9 -> 0.89", last.From, last.To)
	}
}

func TestRecordDecision_flooredAtPolicyFloor(t *testing.T) {
	cfg := testConfig()
	cfg.Policies["send_email"] = model.TrustPolicy{Starting: 0.62, Floor: 0.6}
	g := NewGate(cfg)

	// 0.62 -> 0.61 -> 0.60, then pinned at the floor.
	for i := 0; i < 20; i++ {
		g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	}

	score, _ := g.Score("user-1", "send_email")
	if !approxEqual(score.AutoThreshold, 0.6) {
		t.Errorf("threshold = %v, want floor 0.6", score.AutoThreshold)
	}
}

func TestRecordDecision_editedApprovalIsNeutral(t *testing.T) {
	g := NewGate(testConfig())

	// Three clean approvals, then an edited one mid-streak.
	for i := 0; i < 3; i++ {
		g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	}
	score := g.RecordDecision("user-1", "send_email", model.OutcomeApprovedWithEdit)
	if score.ApprovedWithEdit != 1 {
		t.Errorf("ApprovedWithEdit = %d, want 1", score.ApprovedWithEdit)
	}
	if score.ConsecutiveApprovals != 3 {
		t.Errorf("ConsecutiveApprovals = %d, want 3 (streak survives an edit)", score.ConsecutiveApprovals)
	}
	if !approxEqual(score.AutoThreshold, 0.9) {
		t.Errorf("threshold = %v, want 0.9 (unchanged)", score.AutoThreshold)
	}

	// Two more clean approvals complete the streak of five.
	g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	score = g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	if !approxEqual(score.AutoThreshold, 0.89) {
		t.Errorf("threshold = %v, want 0.89 after completing the streak", score.AutoThreshold)
	}
}

func TestRecordPresented(t *testing.T) {
	g := NewGate(testConfig())

	g.RecordPresented("user-1", "send_email")
	g.RecordPresented("user-1", "send_email")

	score, ok := g.Score("user-1", "send_email")
	if !ok {
		t.Fatal("Score() not found after RecordPresented")
	}
	if score.Presented != 2 {
		t.Errorf("Presented = %d, want 2", score.Presented)
	}
}

func TestScore_lazySeeding(t *testing.T) {
	g := NewGate(testConfig())

	if _, ok := g.Score("user-1", "send_email"); ok {
		t.Fatal("Score() before any interaction should report not found")
	}

	score := g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	if score.UserID != "user-1" || score.ActionType != "send_email" {
		t.Errorf("seeded identity = %s/%s", score.UserID, score.ActionType)
	}
	if len(score.History) == 0 || score.History[0].Reason != model.DriftReasonSeeded {
		t.Errorf("first history entry should be the seed, got %v", score.History)
	}
}

func TestScore_isolatedPerPair(t *testing.T) {
	g := NewGate(testConfig())

	g.RecordDecision("user-1", "send_email", model.OutcomeRejected)
	g.RecordDecision("user-2", "send_email", model.OutcomeApprovedNoEdit)

	s1, _ := g.Score("user-1", "send_email")
	s2, _ := g.Score("user-2", "send_email")
	if s1.Rejected != 1 || s2.Rejected != 0 {
		t.Errorf("scores leaked across users: %+v %+v", s1, s2)
	}
	if _, ok := g.Score("user-1", "other_action"); ok {
		t.Error("different action type should have its own score")
	}
}

func TestGate_concurrentDecisions(t *testing.T) {
	g := NewGate(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
		}()
	}
	wg.Wait()

	score, _ := g.Score("user-1", "send_email")
	if score.ApprovedNoEdit != 50 {
		t.Errorf("ApprovedNoEdit = %d, want 50", score.ApprovedNoEdit)
	}
	// 50 approvals at streak 5 is 10 lowerings: 0.9 -> 0.8.
	if !approxEqual(score.AutoThreshold, 0.8) {
		t.Errorf("threshold = %v, want 0.8", score.AutoThreshold)
	}
}

func TestNewGate_defaultsStreakLength(t *testing.T) {
	g := NewGate(Config{RaiseStep: 0.05, LowerStep: 0.01})
	if g.cfg.StreakLength != 5 {
		t.Errorf("StreakLength = %d, want 5", g.cfg.StreakLength)
	}
}

func TestRecordDecision_recordsDriftMetrics(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	g := NewGate(testConfig())
	g.SetMetrics(m)

	for i := 0; i < 5; i++ {
		g.RecordDecision("user-1", "send_email", model.OutcomeApprovedNoEdit)
	}
	if got := testutil.ToFloat64(m.TrustDriftTotal.WithLabelValues(model.DriftReasonConsecutiveApprovals)); got != 1 {
		t.Errorf("drift{consecutive_approvals} = %v, want 1", got)
	}

	g.RecordDecision("user-1", "send_email", model.OutcomeRejected)
	if got := testutil.ToFloat64(m.TrustDriftTotal.WithLabelValues(model.DriftReasonRejection)); got != 1 {
		t.Errorf("drift{rejection} = %v, want 1", got)
	}

	// An edited approval is drift-neutral.
	g.RecordDecision("user-1", "send_email", model.OutcomeApprovedWithEdit)
	if got := testutil.ToFloat64(m.TrustDriftTotal.WithLabelValues(model.DriftReasonRejection)); got != 1 {
		t.Errorf("drift{rejection} after edit = %v, want 1", got)
	}
}
