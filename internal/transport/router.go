package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sequorhq/sequor/internal/approval"
	"github.com/sequorhq/sequor/internal/budget"
	"github.com/sequorhq/sequor/internal/config"
	"github.com/sequorhq/sequor/internal/insights"
	"github.com/sequorhq/sequor/internal/queue"
	"github.com/sequorhq/sequor/internal/registry"
	"github.com/sequorhq/sequor/internal/router"
	"github.com/sequorhq/sequor/internal/scheduler"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler

	EventRouter *router.Router
	Executor    *scheduler.Executor
	Registry    *registry.Registry
	Approvals   *approval.Gate
	Queue       queue.Store
	Budget      *budget.Guard
	Insights    *insights.Reporter

	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/health", orDefault(deps.HealthHandler, handleHealthFallback))
	r.Get("/ready", orDefault(deps.ReadyHandler, handleHealthFallback))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(RequireOrgScope)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)

		r.Post("/events", handleEventIngest(deps.EventRouter, deps.Executor))

		r.Get("/jobs", handleJobList(deps.Executor))
		r.Get("/jobs/{jobID}", handleJobGet(deps.Executor))
		r.Get("/jobs/{jobID}/steps", handleJobSteps(deps.Executor))
		r.Post("/jobs/{jobID}/cancel", handleJobCancel(deps.Executor))

		r.Get("/sequences", handleSequenceList(deps.Registry))

		r.Get("/approvals", handleApprovalList(deps.Approvals))
		r.Get("/approvals/{requestID}", handleApprovalGet(deps.Approvals))
		r.Post("/approvals/{requestID}/decision", handleApprovalDecision(deps.Approvals))

		r.Post("/queue/claim", handleQueueClaim(deps.Queue))
		r.Post("/queue/{itemID}/complete", handleQueueComplete(deps.Queue))
		r.Post("/queue/{itemID}/fail", handleQueueFail(deps.Queue))

		r.Get("/budget", handleBudgetGet(deps.Budget))

		r.Get("/insights/summary", handleInsightsSummary(deps.Insights))
	})

	return r
}

func orDefault(h, fallback http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return fallback
}

func handleHealthFallback(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
