// Package integration provides a reusable test harness for end-to-end
// integration testing of the sequor server. It starts a full HTTP server
// with in-memory stores, registered step handlers, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sequorhq/sequor/internal/approval"
	"github.com/sequorhq/sequor/internal/budget"
	"github.com/sequorhq/sequor/internal/config"
	"github.com/sequorhq/sequor/internal/handler"
	"github.com/sequorhq/sequor/internal/insights"
	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/internal/queue"
	"github.com/sequorhq/sequor/internal/registry"
	"github.com/sequorhq/sequor/internal/router"
	"github.com/sequorhq/sequor/internal/scheduler"
	"github.com/sequorhq/sequor/internal/transport"
	"github.com/sequorhq/sequor/internal/trust"
	"github.com/sequorhq/sequor/model"
)

// TestHarness encapsulates a fully wired orchestrator instance for
// integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *registry.Registry
	Handlers    *handler.Registry
	EventRouter *router.Router
	JobStore    *scheduler.MemoryJobStore
	QueueStore  *queue.MemoryStore
	Trust       *trust.Gate
	Budget      *budget.Guard
	Approvals   *approval.Gate
	Executor    *scheduler.Executor

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitions    []model.SequenceDefinition
	routes         []model.EventRoute
	handlers       []model.StepHandler
	trustCfg       *trust.Config
	approvalTTL    time.Duration
	dedupeTTL      time.Duration
	queueOpts      queue.Options
	handlerTimeout time.Duration
}

// WithDefinition publishes a sequence definition into the harness registry.
func WithDefinition(def model.SequenceDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.definitions = append(c.definitions, def)
	}
}

// WithRoute registers an event route.
func WithRoute(route model.EventRoute) HarnessOption {
	return func(c *harnessConfig) {
		c.routes = append(c.routes, route)
	}
}

// WithHandler registers a step handler.
func WithHandler(h model.StepHandler) HarnessOption {
	return func(c *harnessConfig) {
		c.handlers = append(c.handlers, h)
	}
}

// WithTrustConfig overrides the trust gate configuration.
func WithTrustConfig(cfg trust.Config) HarnessOption {
	return func(c *harnessConfig) {
		c.trustCfg = &cfg
	}
}

// WithApprovalTTL sets the approval request lifetime.
func WithApprovalTTL(ttl time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.approvalTTL = ttl
	}
}

// WithQueueOptions overrides the delivery queue tuning.
func WithQueueOptions(opts queue.Options) HarnessOption {
	return func(c *harnessConfig) {
		c.queueOpts = opts
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full orchestrator test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		approvalTTL:    1 * time.Hour,
		dedupeTTL:      5 * time.Minute,
		queueOpts:      queue.DefaultOptions(),
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Publish definitions.
	h.Registry = registry.New()
	for _, def := range hc.definitions {
		if err := h.Registry.Publish(def); err != nil {
			t.Fatalf("publish definition %s: %v", def.SequenceKey, err)
		}
	}

	// Step 2: Register step handlers.
	h.Handlers = handler.NewRegistry()
	for _, sh := range hc.handlers {
		h.Handlers.Register(sh)
	}

	// Step 3: Event router with in-memory dedupe guard.
	h.EventRouter = router.New(h.Registry, router.NewMemoryInflightGuard(hc.dedupeTTL))
	for _, route := range hc.routes {
		if err := h.EventRouter.Register(route); err != nil {
			t.Fatalf("register route %s -> %s: %v", route.EventType, route.SequenceKey, err)
		}
	}

	// Step 4: Gates and stores.
	trustCfg := trust.DefaultConfig()
	if hc.trustCfg != nil {
		trustCfg = *hc.trustCfg
	}
	h.Trust = trust.NewGate(trustCfg)
	h.Budget = budget.NewGuard(budget.NewMemoryLedgerStore())
	h.JobStore = scheduler.NewMemoryJobStore()
	h.QueueStore = queue.NewMemoryStore(hc.queueOpts)

	// Step 5: Approval gate and executor. The resumer is wired after
	// construction because the two reference each other.
	h.Approvals = approval.NewGate(
		approval.NewMemoryStore(), nil, h.Trust, nil, zap.NewNop(), hc.approvalTTL)
	h.Executor = scheduler.NewExecutor(
		h.Registry, h.Handlers, h.JobStore, h.Trust, h.Budget,
		h.Approvals, h.QueueStore, h.EventRouter, zap.NewNop(),
		scheduler.DefaultOptions())
	h.Approvals.SetResumer(h.Executor)

	reporter := insights.NewReporter(h.JobStore, h.QueueStore, 5*time.Minute)

	// Step 6: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 7: Config.
	h.cfg = &config.Config{
		Server: config.ServerConfig{
			Port:           0, // unused, httptest picks a port
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			HandlerTimeout: hc.handlerTimeout,
			CORS: config.CORSConfig{
				AllowedOrigins: []string{"http://localhost:3000"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Org-Id",
					"X-Correlation-Id"},
				MaxAge: 86400,
			},
		},
		Identity: config.IdentityConfig{
			Issuer:     h.issuer.Issuer(),
			Audience:   h.issuer.Audience(),
			JWKSURL:    h.issuer.JWKSURL(),
			Algorithms: []string{"RS256"},
		},
	}

	// Step 8: Metrics on a per-harness registry so parallel tests don't
	// collide on collector registration.
	promReg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(promReg)
	h.EventRouter.SetMetrics(metrics)
	h.Trust.SetMetrics(metrics)
	h.Budget.SetMetrics(metrics)
	h.QueueStore.SetMetrics(metrics)
	h.Approvals.SetMetrics(metrics)
	h.Executor.SetMetrics(metrics)

	// Step 9: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	httpRouter := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		EventRouter:  h.EventRouter,
		Executor:     h.Executor,
		Registry:     h.Registry,
		Approvals:    h.Approvals,
		Queue:        h.QueueStore,
		Budget:       h.Budget,
		Insights:     reporter,
		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
		}),
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})

	// Step 10: Start the test server.
	h.server = httptest.NewServer(metrics.MetricsMiddleware(httpRouter))
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GrantCredits funds an organization's budget pool. New pools start empty,
// so any test exercising costed steps must grant first.
func (h *TestHarness) GrantCredits(orgID string, amount int64) {
	h.t.Helper()
	if err := h.Budget.GrantSubscription(context.Background(), orgID, amount, "test-setup"); err != nil {
		h.t.Fatalf("grant credits: %v", err)
	}
}

// WaitForJobStatus polls until the job with the given ID reaches the wanted
// status or the deadline passes. Event ingestion runs jobs asynchronously,
// so tests must wait rather than assert immediately.
func (h *TestHarness) WaitForJobStatus(jobID, orgID, want string, timeout time.Duration) model.SequenceJob {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	var last model.SequenceJob
	for time.Now().Before(deadline) {
		job, err := h.JobStore.GetJob(context.Background(), orgID, jobID)
		if err == nil {
			last = job
			if job.Status == want {
				return job
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.t.Fatalf("job %s never reached status %q, last seen %q (error %q at step %q)",
		jobID, want, last.Status, last.ErrorMessage, last.ErrorStep)
	return model.SequenceJob{}
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// OperatorClaims returns TestClaims for a standard operator user.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		OrgID:     "acme-corp",
		Email:     "operator@acme.example.com",
		Roles:     []string{"operator"},
	}
}

// ApproverClaims returns TestClaims for a user who decides approvals.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		OrgID:     "acme-corp",
		Email:     "approver@acme.example.com",
		Roles:     []string{"approver"},
	}
}

// OutsiderClaims returns TestClaims scoped to a different organization.
func OutsiderClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		OrgID:     "rival-inc",
		Email:     "outsider@rival.example.com",
		Roles:     []string{"operator"},
	}
}

// --- Shared fixtures ---

// orderDefinition returns a three-step fulfilment sequence used across the
// lifecycle tests: validate -> charge -> notify, where notify depends on
// charge and charge depends on validate.
func orderDefinition() model.SequenceDefinition {
	return model.SequenceDefinition{
		SequenceKey: "order_fulfilment",
		Version:     1,
		IsActive:    true,
		RequiredContext: []string{
			"order_id",
		},
		Steps: []model.SequenceStep{
			{
				StepKey:     "validate",
				Criticality: model.CriticalityCritical,
				ActionType:  "validate_order",
			},
			{
				StepKey:     "charge",
				DependsOn:   []string{"validate"},
				Criticality: model.CriticalityCritical,
				ActionType:  "charge_card",
			},
			{
				StepKey:     "notify",
				DependsOn:   []string{"charge"},
				Criticality: model.CriticalityBestEffort,
				ActionType:  "send_notification",
			},
		},
	}
}

// orderRoute maps the order.placed event onto the fulfilment sequence.
func orderRoute() model.EventRoute {
	return model.EventRoute{
		EventType:   "order.placed",
		SequenceKey: "order_fulfilment",
		Priority:    2,
	}
}

// stepFunc builds a handler.Func from a bare function.
func stepFunc(actionType string, fn func(ctx context.Context, req model.StepRequest) (model.StepResult, error)) handler.Func {
	return handler.Func{Type: actionType, Fn: fn}
}

// okStep returns a handler that always succeeds with the given output.
func okStep(actionType string, output map[string]any) handler.Func {
	return stepFunc(actionType, func(_ context.Context, _ model.StepRequest) (model.StepResult, error) {
		return model.StepResult{Status: model.StepStatusSucceeded, Output: output}, nil
	})
}
