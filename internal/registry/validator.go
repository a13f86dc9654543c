package registry

import (
	"fmt"

	"github.com/sequorhq/sequor/model"
)

// Validator checks sequence definitions structurally and referentially
// before they are published. Execution never sees an invalid graph.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns all problems found in the definition as field errors.
func (v *Validator) Validate(def model.SequenceDefinition) []model.FieldError {
	var errs []model.FieldError

	if def.SequenceKey == "" {
		errs = append(errs, model.FieldError{
			Field: "sequence_key", Code: "REQUIRED", Message: "sequence_key is required",
		})
	}
	if def.Version <= 0 {
		errs = append(errs, model.FieldError{
			Field: "version", Code: "REQUIRED", Message: "version must be a positive integer",
		})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, model.FieldError{
			Field: "steps", Code: "REQUIRED", Message: "at least one step is required",
		})
		return errs
	}

	stepKeys := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		prefix := fmt.Sprintf("steps[%d]", i)
		if step.StepKey == "" {
			errs = append(errs, model.FieldError{
				Field: prefix + ".step_key", Code: "REQUIRED", Message: "step_key is required",
			})
			continue
		}
		if stepKeys[step.StepKey] {
			errs = append(errs, model.FieldError{
				Field: prefix + ".step_key", Code: "DUPLICATE",
				Message: fmt.Sprintf("duplicate step key %q", step.StepKey),
			})
		}
		stepKeys[step.StepKey] = true

		switch step.Criticality {
		case "", model.CriticalityCritical, model.CriticalityBestEffort:
		default:
			errs = append(errs, model.FieldError{
				Field: prefix + ".criticality", Code: "INVALID",
				Message: fmt.Sprintf("unknown criticality %q", step.Criticality),
			})
		}
		if step.ActionType == "" {
			errs = append(errs, model.FieldError{
				Field: prefix + ".action_type", Code: "REQUIRED", Message: "action_type is required",
			})
		}
		if step.Confidence < 0 || step.Confidence > 1 {
			errs = append(errs, model.FieldError{
				Field: prefix + ".confidence", Code: "RANGE",
				Message: "confidence must be within [0, 1]",
			})
		}
		if step.Cost < 0 {
			errs = append(errs, model.FieldError{
				Field: prefix + ".cost", Code: "RANGE", Message: "cost must not be negative",
			})
		}
	}

	// Every depends_on reference must name a step in the same definition.
	for i, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !stepKeys[dep] {
				errs = append(errs, model.FieldError{
					Field: fmt.Sprintf("steps[%d].depends_on", i), Code: "UNKNOWN_REF",
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.StepKey, dep),
				})
			}
			if dep == step.StepKey {
				errs = append(errs, model.FieldError{
					Field: fmt.Sprintf("steps[%d].depends_on", i), Code: "SELF_REF",
					Message: fmt.Sprintf("step %q depends on itself", step.StepKey),
				})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}

	if cycle := findCycle(def.Steps); len(cycle) > 0 {
		errs = append(errs, model.FieldError{
			Field: "steps", Code: "CYCLE",
			Message: fmt.Sprintf("step graph contains a cycle through %v", cycle),
		})
	}

	return errs
}

// findCycle runs Kahn's algorithm over the depends_on edges and returns the
// step keys left unprocessed when a cycle prevents completion.
func findCycle(steps []model.SequenceStep) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, step := range steps {
		indegree[step.StepKey] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.StepKey)
		}
	}

	var queue []string
	for key, deg := range indegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}

	processed := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}

	var remaining []string
	for _, step := range steps {
		if indegree[step.StepKey] > 0 {
			remaining = append(remaining, step.StepKey)
		}
	}
	return remaining
}
