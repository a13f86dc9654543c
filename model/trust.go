package model

import "time"

// Threshold change reason codes recorded in the drift history.
const (
	DriftReasonRejection            = "rejection"
	DriftReasonConsecutiveApprovals = "consecutive_approvals"
	DriftReasonSeeded               = "seeded"
)

// Approval outcomes fed into the trust gate. An edited approval counts as
// neither a clean approval nor a rejection for drift purposes.
const (
	OutcomeApprovedNoEdit   = "approved_no_edit"
	OutcomeApprovedWithEdit = "approved_with_edit"
	OutcomeRejected         = "rejected"
)

// TrustScore is the learned autonomy threshold for one (identity, actionType)
// pair, created lazily on first encounter and seeded from the actionType's
// static default.
type TrustScore struct {
	UserID               string            `json:"user_id"`
	ActionType           string            `json:"action_type"`
	AutoThreshold        float64           `json:"auto_threshold"`
	Presented            int               `json:"presented"`
	ApprovedNoEdit       int               `json:"approved_no_edit"`
	ApprovedWithEdit     int               `json:"approved_with_edit"`
	Rejected             int               `json:"rejected"`
	ConsecutiveApprovals int               `json:"consecutive_approvals"`
	History              []ThresholdChange `json:"history,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// ThresholdChange is one append-only entry in a score's drift history.
type ThresholdChange struct {
	From   float64   `json:"from"`
	To     float64   `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// TrustPolicy bounds how far a threshold can drift for one actionType.
// Thresholds never fall below Floor nor rise above Starting.
type TrustPolicy struct {
	Starting float64 `yaml:"starting" json:"starting"`
	Floor    float64 `yaml:"floor" json:"floor"`
}
