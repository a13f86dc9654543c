package model

import "time"

// Step criticality constants.
const (
	CriticalityCritical   = "critical"
	CriticalityBestEffort = "best_effort"
)

// Definition scope: an empty OrgID means the definition is global and acts
// as the fallback for every organization.

// SequenceDefinition is a named, versioned workflow template expressed as a
// step DAG. Definitions are immutable once published; operational fixes
// create a new version.
type SequenceDefinition struct {
	SequenceKey     string         `yaml:"sequence_key" json:"sequence_key"`
	Version         int            `yaml:"version" json:"version"`
	OrgID           string         `yaml:"org_id,omitempty" json:"org_id,omitempty"`
	Steps           []SequenceStep `yaml:"steps" json:"steps"`
	RequiredContext []string       `yaml:"required_context,omitempty" json:"required_context,omitempty"`
	IsActive        bool           `yaml:"is_active" json:"is_active"`

	// Set by the loader, not part of the published identity.
	Checksum   string `yaml:"-" json:"-"`
	SourceFile string `yaml:"-" json:"-"`
}

// SequenceStep is a single node in a definition's step DAG.
type SequenceStep struct {
	StepKey          string         `yaml:"step_key" json:"step_key"`
	DependsOn        []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Criticality      string         `yaml:"criticality" json:"criticality"`
	Timeout          string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RequiresApproval bool           `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	ActionType       string         `yaml:"action_type" json:"action_type"`
	Confidence       float64        `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	Cost             int64          `yaml:"cost,omitempty" json:"cost,omitempty"`
	Disabled         bool           `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Params           map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// IsCritical reports whether a failure of this step aborts the whole job.
// An unset criticality defaults to critical, the safe interpretation.
func (s SequenceStep) IsCritical() bool {
	return s.Criticality != CriticalityBestEffort
}

// StepTimeout parses the step's timeout, falling back to the given default
// when unset or unparseable.
func (s SequenceStep) StepTimeout(fallback time.Duration) time.Duration {
	if s.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// FindStep returns the step with the given key, or nil if absent.
func (d *SequenceDefinition) FindStep(stepKey string) *SequenceStep {
	for i := range d.Steps {
		if d.Steps[i].StepKey == stepKey {
			return &d.Steps[i]
		}
	}
	return nil
}
