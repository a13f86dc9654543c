package model

import "time"

// Queue item status constants.
const (
	QueueStatusPending    = "pending"
	QueueStatusDone       = "done"
	QueueStatusDeadLetter = "dead_letter"
)

// Priority lanes. Lane 0 is critical and drains first; dequeue order is
// (lane ASC, queuedAt ASC).
const (
	LaneCritical = 0
	LaneHigh     = 1
	LaneNormal   = 2
	LaneLow      = 3
)

// QueueItem is a unit of downstream delivery work admitted to the
// backpressure queue. The claim fields double as the crash-recovery
// mechanism: an item whose ProcessingStartedAt is older than the staleness
// threshold is reclaimable by another worker.
type QueueItem struct {
	ID                  string         `json:"id"`
	OrgID               string         `json:"org_id"`
	JobID               string         `json:"job_id,omitempty"`
	Lane                int            `json:"lane"`
	Payload             map[string]any `json:"payload,omitempty"`
	Status              string         `json:"status"`
	QueuedAt            time.Time      `json:"queued_at"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingAttempts  int            `json:"processing_attempts"`
	ClaimOwner          string         `json:"claim_owner,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
}
