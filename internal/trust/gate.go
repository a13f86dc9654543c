// Package trust maintains the per (identity, actionType) autonomy
// thresholds and applies the bounded drift rules fed by approval decisions.
package trust

import (
	"math"
	"sync"
	"time"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// fallbackThreshold applies when an action type has no configured policy.
const fallbackThreshold = 0.85

// Config holds the drift policy constants. The step sizes are deployment
// policy, not fixed law.
type Config struct {
	RaiseStep    float64                      // added to the threshold on rejection
	LowerStep    float64                      // subtracted after a full approval streak
	StreakLength int                          // clean approvals per lowering
	Policies     map[string]model.TrustPolicy // per-actionType bounds
}

// DefaultConfig returns the observed policy constants.
func DefaultConfig() Config {
	return Config{
		RaiseStep:    0.05,
		LowerStep:    0.01,
		StreakLength: 5,
		Policies:     map[string]model.TrustPolicy{},
	}
}

// Gate is the trust gate. Score mutations are serialized per
// (userID, actionType) key; reads share the store lock.
type Gate struct {
	cfg     Config
	metrics *observability.Metrics

	mu     sync.Mutex
	scores map[scoreKey]*model.TrustScore
	locks  map[scoreKey]*sync.Mutex
}

type scoreKey struct {
	userID     string
	actionType string
}

// NewGate creates a Gate with the given drift configuration.
func NewGate(cfg Config) *Gate {
	if cfg.StreakLength <= 0 {
		cfg.StreakLength = 5
	}
	return &Gate{
		cfg:    cfg,
		scores: make(map[scoreKey]*model.TrustScore),
		locks:  make(map[scoreKey]*sync.Mutex),
	}
}

// SetMetrics attaches the Prometheus instruments.
func (g *Gate) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// Threshold returns the autonomy threshold for the pair: the personalized
// score if one exists, else the actionType's starting default, else the
// hardcoded fallback.
func (g *Gate) Threshold(userID, actionType string) float64 {
	g.mu.Lock()
	score, ok := g.scores[scoreKey{userID, actionType}]
	g.mu.Unlock()
	if ok {
		return score.AutoThreshold
	}
	return g.policy(actionType).Starting
}

// RecordPresented bumps the lifetime presented counter when a step is put
// in front of a human.
func (g *Gate) RecordPresented(userID, actionType string) {
	key := scoreKey{userID, actionType}
	lock := g.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	score := g.loadOrSeed(key, actionType)
	score.Presented++
	score.UpdatedAt = time.Now().UTC()
}

// RecordDecision applies one approval outcome to the score and drifts the
// threshold per policy. Rejection raises the threshold by RaiseStep capped
// at the starting ceiling and resets the streak; every StreakLength-th
// clean approval lowers it by LowerStep floored at the policy floor; an
// edited approval counts in the lifetime tallies but is drift-neutral.
func (g *Gate) RecordDecision(userID, actionType, outcome string) model.TrustScore {
	key := scoreKey{userID, actionType}
	lock := g.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	score := g.loadOrSeed(key, actionType)
	policy := g.policy(actionType)
	now := time.Now().UTC()

	switch outcome {
	case model.OutcomeRejected:
		score.Rejected++
		score.ConsecutiveApprovals = 0
		raised := math.Min(score.AutoThreshold+g.cfg.RaiseStep, policy.Starting)
		if raised != score.AutoThreshold {
			score.History = append(score.History, model.ThresholdChange{
				From: score.AutoThreshold, To: raised,
				Reason: model.DriftReasonRejection, At: now,
			})
			score.AutoThreshold = raised
			g.metrics.RecordTrustDrift(model.DriftReasonRejection)
		}

	case model.OutcomeApprovedNoEdit:
		score.ApprovedNoEdit++
		score.ConsecutiveApprovals++
		if score.ConsecutiveApprovals%g.cfg.StreakLength == 0 {
			lowered := math.Max(score.AutoThreshold-g.cfg.LowerStep, policy.Floor)
			if lowered != score.AutoThreshold {
				score.History = append(score.History, model.ThresholdChange{
					From: score.AutoThreshold, To: lowered,
					Reason: model.DriftReasonConsecutiveApprovals, At: now,
				})
				score.AutoThreshold = lowered
				g.metrics.RecordTrustDrift(model.DriftReasonConsecutiveApprovals)
			}
		}

	case model.OutcomeApprovedWithEdit:
		score.ApprovedWithEdit++
		// Neither a clean approval nor a rejection: the streak survives
		// untouched and the threshold holds.
	}

	score.UpdatedAt = now
	return *score
}

// Score returns a copy of the stored score, or false if the pair has never
// been encountered.
func (g *Gate) Score(userID, actionType string) (model.TrustScore, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	score, ok := g.scores[scoreKey{userID, actionType}]
	if !ok {
		return model.TrustScore{}, false
	}
	return *score, true
}

// policy returns the bounds for the action type, falling back to the
// hardcoded default for unrecognized types.
func (g *Gate) policy(actionType string) model.TrustPolicy {
	if p, ok := g.cfg.Policies[actionType]; ok {
		return p
	}
	return model.TrustPolicy{Starting: fallbackThreshold, Floor: fallbackThreshold}
}

// loadOrSeed returns the score for the key, creating it lazily seeded from
// the actionType default. Callers must hold the key lock.
func (g *Gate) loadOrSeed(key scoreKey, actionType string) *model.TrustScore {
	g.mu.Lock()
	defer g.mu.Unlock()

	if score, ok := g.scores[key]; ok {
		return score
	}
	now := time.Now().UTC()
	starting := g.policy(actionType).Starting
	score := &model.TrustScore{
		UserID:        key.userID,
		ActionType:    actionType,
		AutoThreshold: starting,
		History: []model.ThresholdChange{
			{From: starting, To: starting, Reason: model.DriftReasonSeeded, At: now},
		},
		UpdatedAt: now,
	}
	g.scores[key] = score
	return score
}

// keyLock returns the per-key mutex, creating it on first use.
func (g *Gate) keyLock(key scoreKey) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}
