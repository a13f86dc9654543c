// Package handler provides the actionType-keyed registry of step handlers.
// Handlers are registered at startup and are otherwise opaque to the
// orchestrator.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sequorhq/sequor/model"
)

// Registry stores step handlers keyed by action type. It is safe for
// concurrent use after initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]model.StepHandler
}

// NewRegistry creates a new empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]model.StepHandler),
	}
}

// Register adds a handler under its ActionType(). Panics if the action type
// is already registered, since this indicates a wiring mistake at startup.
func (r *Registry) Register(h model.StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actionType := h.ActionType()
	if _, exists := r.handlers[actionType]; exists {
		panic(fmt.Sprintf("handler: action type %q already registered", actionType))
	}
	r.handlers[actionType] = h
}

// Get returns the handler for the given action type, or false if not found.
func (r *Registry) Get(actionType string) (model.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Resolve verifies every step of a definition has a registered handler.
// Called at job-creation time so a job never starts against a capability
// gap discovered halfway through the DAG.
func (r *Registry) Resolve(def model.SequenceDefinition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, step := range def.Steps {
		if step.Disabled {
			continue
		}
		if _, ok := r.handlers[step.ActionType]; !ok {
			return model.NewBadRequestError(
				fmt.Sprintf("no handler registered for action type %q (step %q)", step.ActionType, step.StepKey),
			)
		}
	}
	return nil
}

// ActionTypes returns all registered action types, sorted alphabetically.
func (r *Registry) ActionTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Func adapts a plain function to the StepHandler interface. Useful for
// tests and small in-process capabilities.
type Func struct {
	Type string
	Fn   func(ctx context.Context, req model.StepRequest) (model.StepResult, error)
}

// ActionType returns the adapted action type.
func (f Func) ActionType() string { return f.Type }

// Execute delegates to the wrapped function.
func (f Func) Execute(ctx context.Context, req model.StepRequest) (model.StepResult, error) {
	return f.Fn(ctx, req)
}
