// Package registry loads YAML sequence definitions, validates their step
// graphs at publish time, and provides versioned, immutable-once-published
// resolution with organization scoping.
package registry

import (
	"sort"
	"sync"

	"github.com/sequorhq/sequor/model"
)

// scopeKey identifies a (sequenceKey, organization) publishing scope.
type scopeKey struct {
	sequenceKey string
	orgID       string
}

// Registry is the versioned store of sequence definitions. Publishing is
// append-only; definitions are never mutated after publish.
type Registry struct {
	validator *Validator

	mu     sync.RWMutex
	byScope map[scopeKey][]model.SequenceDefinition // versions ascending
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		validator: NewValidator(),
		byScope:   make(map[scopeKey][]model.SequenceDefinition),
	}
}

// Publish validates the definition and appends it. It returns CONFLICT if
// a definition with the same (sequenceKey, orgID, version) already exists
// and VALIDATION_ERROR for structural problems.
func (r *Registry) Publish(def model.SequenceDefinition) error {
	if verrs := r.validator.Validate(def); len(verrs) > 0 {
		return model.NewValidationError(verrs)
	}

	key := scopeKey{sequenceKey: def.SequenceKey, orgID: def.OrgID}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byScope[key]
	for _, existing := range versions {
		if existing.Version == def.Version {
			return model.NewConflictError(
				"sequence " + def.SequenceKey + " version already published",
			)
		}
	}

	versions = append(versions, def)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version < versions[j].Version
	})
	r.byScope[key] = versions
	return nil
}

// Resolve returns the latest active definition for the key: the
// organization-scoped one if any is active, else the global one, else
// NOT_FOUND.
func (r *Registry) Resolve(sequenceKey, orgID string) (model.SequenceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if orgID != "" {
		if def, ok := latestActive(r.byScope[scopeKey{sequenceKey: sequenceKey, orgID: orgID}]); ok {
			return def, nil
		}
	}
	if def, ok := latestActive(r.byScope[scopeKey{sequenceKey: sequenceKey}]); ok {
		return def, nil
	}
	return model.SequenceDefinition{}, model.NewNotFoundError(
		"sequence " + sequenceKey + " not found",
	)
}

// Get returns the exact version a running job was frozen against. Scope
// resolution mirrors Resolve: org-scoped first, then global.
func (r *Registry) Get(sequenceKey, orgID string, version int) (model.SequenceDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	scopes := []scopeKey{{sequenceKey: sequenceKey, orgID: orgID}}
	if orgID != "" {
		scopes = append(scopes, scopeKey{sequenceKey: sequenceKey})
	}
	for _, key := range scopes {
		for _, def := range r.byScope[key] {
			if def.Version == version {
				return def, nil
			}
		}
	}
	return model.SequenceDefinition{}, model.NewNotFoundError(
		"sequence " + sequenceKey + " version not found",
	)
}

// Has reports whether any version exists for the key in any scope. Used by
// the router to reject routes referencing unknown sequences.
func (r *Registry) Has(sequenceKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key := range r.byScope {
		if key.sequenceKey == sequenceKey {
			return true
		}
	}
	return false
}

// All returns the latest active definition per scope, ordered by key then
// organization. Used by list views and readiness checks.
func (r *Registry) All() []model.SequenceDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.SequenceDefinition, 0, len(r.byScope))
	for _, versions := range r.byScope {
		if def, ok := latestActive(versions); ok {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].SequenceKey != defs[j].SequenceKey {
			return defs[i].SequenceKey < defs[j].SequenceKey
		}
		return defs[i].OrgID < defs[j].OrgID
	})
	return defs
}

// Len returns the number of published scopes. For readiness checks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byScope)
}

func latestActive(versions []model.SequenceDefinition) (model.SequenceDefinition, bool) {
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsActive {
			return versions[i], true
		}
	}
	return model.SequenceDefinition{}, false
}
