package model

import "time"

// Event sources, recorded on jobs for observability grouping.
const (
	EventSourceSchedule = "schedule"
	EventSourceWebhook  = "webhook"
	EventSourceUser     = "user"
)

// Event is an inbound trigger delivered by a schedule tick, webhook, or
// user action.
type Event struct {
	Type       string         `json:"type"`
	Source     string         `json:"source,omitempty"`
	OrgID      string         `json:"org_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// EventRoute maps an event type to a sequence key. An empty OrgID marks a
// global fallback route, used only when no organization-scoped route exists
// for the same (eventType, sequenceKey) pair. Conditions are expression
// strings evaluated against the event payload; all must hold for the route
// to fire.
type EventRoute struct {
	OrgID       string   `yaml:"org_id,omitempty" json:"org_id,omitempty"`
	EventType   string   `yaml:"event_type" json:"event_type"`
	SequenceKey string   `yaml:"sequence_key" json:"sequence_key"`
	Priority    int      `yaml:"priority" json:"priority"`
	Conditions  []string `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// Dedupe opts this route into the in-flight guard: at most one
	// concurrently running job per (orgID, eventType, sequenceKey).
	Dedupe bool `yaml:"dedupe,omitempty" json:"dedupe,omitempty"`
}

// RouteMatch is one matched (sequenceKey, priority) pair returned by the
// router, ordered by priority.
type RouteMatch struct {
	SequenceKey string `json:"sequence_key"`
	Priority    int    `json:"priority"`
	Dedupe      bool   `json:"-"`
}
