// Package integration provides a reusable test harness for end-to-end
// integration testing of the caseflow server. It starts a full HTTP server
// with in-memory stores, a test JWT issuer, and a mock case service that
// receives projected case statuses.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/projector"
	"github.com/pitabwire/caseflow/internal/transport"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// TestHarness encapsulates a fully wired caseflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Templates    *definition.Registry
	Instances    *workflow.MemoryInstanceStore
	Engine       *workflow.Engine
	Idempotency  *idempotency.MemoryStore
	Capabilities *capability.Resolver
	Projector    *projector.Dispatcher
	CaseService  *CaseService
	Metrics      *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	templateDirs   []string
	policyFile     string
	deletionPolicy workflow.DeletionPolicy
	legacyLabels   bool
	handlerTimeout time.Duration
	webhookSecret  string
	retry          config.RetryConfig
}

// WithTemplates sets the template directories to seed from.
func WithTemplates(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.templateDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithDeletionPolicy sets what happens to instances when their case is
// deleted.
func WithDeletionPolicy(p workflow.DeletionPolicy) HarnessOption {
	return func(c *harnessConfig) {
		c.deletionPolicy = p
	}
}

// WithoutLegacyLabels restricts action resolution to transition tables.
func WithoutLegacyLabels() HarnessOption {
	return func(c *harnessConfig) {
		c.legacyLabels = false
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithWebhookSecret sets the secret the projector signs deliveries with.
func WithWebhookSecret(secret string) HarnessOption {
	return func(c *harnessConfig) {
		c.webhookSecret = secret
	}
}

// WithProjectorRetry overrides the projector retry policy.
func WithProjectorRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// NewTestHarness creates and starts a full caseflow test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		legacyLabels:   true,
		deletionPolicy: workflow.DeletionOrphan,
		webhookSecret:  "integration-secret",
		retry: config.RetryConfig{
			MaxAttempts:    3,
			BackoffInitial: 10 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.templateDirs) == 0 {
		hc.templateDirs = []string{filepath.Join(testdataDir, "templates")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policy.yaml")
	}

	ctx := context.Background()
	logger := zap.NewNop()
	h := &TestHarness{
		t:       t,
		issuer:  newTokenIssuer(t),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}

	// Step 1: Seed templates.
	templates, err := definition.NewLoader().LoadAll(hc.templateDirs)
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}
	h.Templates = definition.NewRegistry(nil)
	if _, err := definition.Seed(ctx, h.Templates, templates, logger); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	h.Metrics.SetTemplatesLoaded(h.Templates.Len())

	// Step 2: Capabilities.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	h.Capabilities = capability.NewResolver(evaluator, config.CacheConfig{
		TTL:        time.Minute,
		MaxEntries: 100,
	}, h.Metrics)

	// Step 3: Projector delivering to the mock case service.
	h.CaseService = newCaseService(t, hc.webhookSecret)
	projCfg := config.ProjectorConfig{
		Enabled:   true,
		Driver:    "webhook",
		Timeout:   2 * time.Second,
		QueueSize: 64,
		Workers:   2,
		Retry:     hc.retry,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          300 * time.Millisecond,
		},
	}
	h.Projector = projector.NewDispatcher(
		projector.NewWebhookSink(h.CaseService.URL(), hc.webhookSecret, projCfg.Timeout),
		projCfg,
		projector.WithDispatcherLogger(logger),
		projector.WithDispatcherMetrics(h.Metrics),
	)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Projector.Close(closeCtx)
	})

	// Step 4: Engine and stores.
	h.Instances = workflow.NewMemoryInstanceStore()
	h.Idempotency = idempotency.NewMemoryStore()
	h.Engine = workflow.NewEngine(h.Templates, h.Instances,
		workflow.WithLogger(logger),
		workflow.WithMetrics(h.Metrics),
		workflow.WithNotifier(h.Projector),
		workflow.WithLegacyLabels(hc.legacyLabels),
		workflow.WithDeletionPolicy(hc.deletionPolicy),
	)

	// Step 5: Router behind the real JWT authenticator.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"https://app.caseflow.test"}
	h.cfg.Identity.Issuer = testIssuer
	h.cfg.Identity.Audience = testAudience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Observability.Metrics.Enabled = false

	api, err := openapi.Load(ctx)
	if err != nil {
		t.Fatalf("load API description: %v", err)
	}
	jwks := transport.NewJWKSClient(h.cfg.Identity.JWKSURL, h.cfg.Identity.JWKSCacheTTL, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Metrics:            h.Metrics,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.Capabilities,
		Engine:             h.Engine,
		Templates:          h.Templates,
		Idempotency:        h.Idempotency,
		API:                api,
		Readiness: observability.ReadinessChecks{
			TemplatesLoaded:  func() bool { return h.Templates.Len() > 0 },
			InstanceStore:    h.Instances,
			TemplateStore:    h.Templates,
			IdempotencyStore: h.Idempotency,
			Projector:        h.Projector,
			Identity:         jwks,
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// URL returns the base URL of the test server.
func (h *TestHarness) URL() string {
	return h.server.URL
}

// Config returns the configuration the server runs with.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// GenerateToken creates a valid JWT for the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates an expired JWT for the given claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed by an unpublished key.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP helpers ---

// GET sends an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, token, nil, nil)
}

// POST sends an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path, token string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, token, body, nil)
}

// POSTWithHeaders sends a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, token, body, headers)
}

// DELETE sends an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, token, nil, nil)
}

// Do sends a request with an arbitrary method.
func (h *TestHarness) Do(method, path, token string, body any, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(method, path, token, body, headers)
}

func (h *TestHarness) doRequest(method, path, token string, body any, headers map[string]string) *http.Response {
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

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
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

// AssertError checks the status and error code of a failed request.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body ErrorBody
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message: %s)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// StaffClaims returns TestClaims for a staff member who raises cases.
func StaffClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-staff",
		Username:  "jdoe",
		Roles:     []string{"staff"},
	}
}

// SupervisorClaims returns TestClaims for a reviewing supervisor.
func SupervisorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-supervisor",
		Username:  "msmith",
		Roles:     []string{"supervisor"},
	}
}

// AuditorClaims returns TestClaims for a read-only auditor.
func AuditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-auditor",
		Roles:     []string{"auditor"},
	}
}

// AdminClaims returns TestClaims for a workflow administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Roles:     []string{"workflow_admin"},
	}
}

// --- Response shapes ---

// Instance mirrors the workflow instance JSON.
type Instance struct {
	ID           string `json:"id"`
	CaseID       string `json:"case_id"`
	TemplateName string `json:"template_name"`
	CurrentStep  *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"current_step"`
	Status  string `json:"status"`
	Version int    `json:"version"`
	History []struct {
		StepID      string `json:"step_id"`
		StepName    string `json:"step_name"`
		ActionTaken string `json:"action_taken"`
		ActionBy    string `json:"action_by"`
		Comment     string `json:"comment"`
	} `json:"history"`
}

// StepID returns the current step id, or "" when the instance is concluded.
func (i Instance) StepID() string {
	if i.CurrentStep == nil {
		return ""
	}
	return i.CurrentStep.ID
}

// ErrorBody mirrors the error response JSON.
type ErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
		Details []struct {
			Field   string `json:"field"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"details"`
	} `json:"error"`
}

// --- Workflow helpers ---

// StartCase starts a workflow for caseID and returns the new instance.
func (h *TestHarness) StartCase(t *testing.T, token, caseID, templateName string) Instance {
	t.Helper()
	var inst Instance
	resp := h.POST("/workflows/instances", token, map[string]any{
		"case_id":       caseID,
		"template_name": templateName,
	})
	h.AssertJSON(t, resp, http.StatusCreated, &inst)
	return inst
}

// Act performs action on caseID through the flat action route.
func (h *TestHarness) Act(token, caseID, action, comment string) *http.Response {
	h.t.Helper()
	body := map[string]any{"case_id": caseID, "action": action}
	if comment != "" {
		body["comment"] = comment
	}
	return h.POST("/workflows/actions", token, body)
}

// MustAct performs action and expects it to succeed.
func (h *TestHarness) MustAct(t *testing.T, token, caseID, action string) Instance {
	t.Helper()
	var inst Instance
	h.AssertJSON(t, h.Act(token, caseID, action, ""), http.StatusOK, &inst)
	return inst
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
