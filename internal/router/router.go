// Package router maps inbound events to the sequences they should run,
// honoring organization shadowing, priorities, match conditions, and an
// optional in-flight dedup guard.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// SequenceIndex is the slice of the registry the router needs: enough to
// reject routes that reference sequences nobody published.
type SequenceIndex interface {
	Has(sequenceKey string) bool
}

// Router holds the registered event routes and matches events against them.
// Registration happens at startup; Route is safe for concurrent use.
type Router struct {
	index   SequenceIndex
	guard   InflightGuard
	metrics *observability.Metrics

	mu     sync.RWMutex
	routes []model.EventRoute
}

// New creates a Router validating route targets against the given index.
// A nil guard disables in-flight dedup entirely.
func New(index SequenceIndex, guard InflightGuard) *Router {
	return &Router{index: index, guard: guard}
}

// SetMetrics attaches the Prometheus instruments.
func (r *Router) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// Register adds a route. Routes naming an unpublished sequence are rejected
// so misconfiguration surfaces at startup instead of at event time.
func (r *Router) Register(route model.EventRoute) error {
	if route.EventType == "" {
		return model.NewBadRequestError("route event_type is required")
	}
	if route.SequenceKey == "" {
		return model.NewBadRequestError("route sequence_key is required")
	}
	if r.index != nil && !r.index.Has(route.SequenceKey) {
		return model.NewBadRequestError(
			fmt.Sprintf("route references unknown sequence %q", route.SequenceKey),
		)
	}

	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
	return nil
}

// Route returns the matches for the event, ordered by (priority desc,
// sequenceKey asc). An organization-scoped route fully shadows a global
// route with the same sequence key; the global fallback only fires when no
// org route exists for that key, matching or not.
func (r *Router) Route(ctx context.Context, event model.Event) ([]model.RouteMatch, error) {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	// Keys for which an org-scoped route exists at all; those keys never
	// fall through to the global route.
	orgShadowed := make(map[string]bool)
	if event.OrgID != "" {
		for _, route := range routes {
			if route.OrgID == event.OrgID && route.EventType == event.Type {
				orgShadowed[route.SequenceKey] = true
			}
		}
	}

	var matches []model.RouteMatch
	seen := make(map[string]bool)
	for _, route := range routes {
		if route.EventType != event.Type {
			continue
		}
		switch route.OrgID {
		case event.OrgID:
		case "":
			if orgShadowed[route.SequenceKey] {
				continue
			}
		default:
			continue
		}
		if seen[route.SequenceKey] {
			continue
		}
		if !conditionsHold(route.Conditions, event.Payload) {
			continue
		}

		if route.Dedupe && r.guard != nil {
			acquired, err := r.guard.Acquire(ctx, inflightKey(event.OrgID, event.Type, route.SequenceKey))
			if err != nil {
				return nil, fmt.Errorf("router: in-flight guard: %w", err)
			}
			if !acquired {
				continue
			}
		}

		seen[route.SequenceKey] = true
		matches = append(matches, model.RouteMatch{
			SequenceKey: route.SequenceKey,
			Priority:    route.Priority,
			Dedupe:      route.Dedupe,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].SequenceKey < matches[j].SequenceKey
	})

	matched := make([]string, len(matches))
	for i, m := range matches {
		matched[i] = m.SequenceKey
	}
	r.metrics.RecordEvent(event.Type, event.Source, matched)

	return matches, nil
}

// Release frees the in-flight slot for a deduped route once its job reaches
// a terminal state.
func (r *Router) Release(ctx context.Context, orgID, eventType, sequenceKey string) {
	if r.guard == nil {
		return
	}
	_ = r.guard.Release(ctx, inflightKey(orgID, eventType, sequenceKey))
}

// Routes returns a copy of the registered routes. For list views and tests.
func (r *Router) Routes() []model.EventRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.EventRoute, len(r.routes))
	copy(out, r.routes)
	return out
}

func conditionsHold(conditions []string, payload map[string]any) bool {
	for _, cond := range conditions {
		if !evaluateCondition(cond, payload) {
			return false
		}
	}
	return true
}

func inflightKey(orgID, eventType, sequenceKey string) string {
	return orgID + ":" + eventType + ":" + sequenceKey
}
