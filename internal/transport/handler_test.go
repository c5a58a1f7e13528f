package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// --- Test helpers ---

func leaveTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:       "tmpl-leave",
		Name:     "Leave Approval",
		CaseType: "leave",
		Steps: []model.WorkflowStepDefinition{
			{ID: "initiation", Name: "Initiation", Actions: []string{"Submit"}},
			{ID: "review", Name: "Manager Review", Actions: []string{"Approve", "Reject", "Request Clarification", "Hold"}},
			{ID: "completed", Name: "Completed", Actions: []string{}},
		},
	}
}

// rolePolicy grants capabilities per role for the test authenticator.
var rolePolicy = map[string]model.CapabilitySet{
	"requester": {
		model.CapTemplatesView:  true,
		model.CapInstancesView:  true,
		model.CapInstancesStart: true,
		model.CapActionsPerform: true,
	},
	"viewer": {
		model.CapTemplatesView: true,
		model.CapInstancesView: true,
	},
	"workflow_admin": {"workflow:*": true},
}

type roleResolver struct{}

func (roleResolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	caps := model.CapabilitySet{}
	for _, role := range rctx.Roles {
		for c := range rolePolicy[role] {
			caps[c] = true
		}
	}
	return caps, nil
}

func (roleResolver) Invalidate(string) {}

// headerAuth stands in for JWT verification: the subject and role come
// from test headers.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{}
		if sub := r.Header.Get("X-Test-Subject"); sub != "" {
			claims["sub"] = sub
			claims["preferred_username"] = sub
		}
		if role := r.Header.Get("X-Test-Role"); role != "" {
			claims["roles"] = []any{role}
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

type testServer struct {
	handler  http.Handler
	registry *definition.Registry
	store    *workflow.MemoryInstanceStore
	idem     *idempotency.MemoryStore
	metrics  *observability.Metrics
}

func newTestServer(t *testing.T, validate bool) *testServer {
	t.Helper()
	registry := definition.NewRegistry([]model.WorkflowTemplate{leaveTemplate()})
	store := workflow.NewMemoryInstanceStore()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := workflow.NewEngine(registry, store, workflow.WithMetrics(metrics))
	idem := idempotency.NewMemoryStore()

	deps := testDeps()
	deps.Metrics = metrics
	deps.Authenticate = headerAuth
	deps.CapabilityResolver = roleResolver{}
	deps.Engine = engine
	deps.Templates = registry
	deps.Idempotency = idem
	deps.Config.Server.ValidateRequests = validate
	if validate {
		doc, err := openapi.Load(context.Background())
		if err != nil {
			t.Fatalf("openapi.Load: %v", err)
		}
		deps.API = doc
	}

	return &testServer{
		handler:  NewRouter(deps),
		registry: registry,
		store:    store,
		idem:     idem,
		metrics:  metrics,
	}
}

// call sends a request as a user holding role. An empty role sends no
// identity at all.
func (s *testServer) call(t *testing.T, role, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		req.Header.Set("X-Test-Subject", "user-"+role)
		req.Header.Set("X-Test-Role", role)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) start(t *testing.T, caseID string) model.WorkflowInstance {
	t.Helper()
	w := s.call(t, "requester", "POST", "/workflows/instances",
		`{"case_id":"`+caseID+`","template_name":"Leave Approval"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start %s: status = %d, body = %s", caseID, w.Code, w.Body.String())
	}
	return decodeInstance(t, w)
}

func decodeInstance(t *testing.T, w *httptest.ResponseRecorder) model.WorkflowInstance {
	t.Helper()
	var inst model.WorkflowInstance
	if err := json.Unmarshal(w.Body.Bytes(), &inst); err != nil {
		t.Fatalf("decode instance: %v (body %s)", err, w.Body.String())
	}
	return inst
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error: %v (body %s)", err, w.Body.String())
	}
	return resp.Error
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) model.ErrorEnvelope {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	env := decodeError(t, w)
	if env.Code != code {
		t.Fatalf("code = %q, want %q", env.Code, code)
	}
	return env
}

// --- Start ---

func TestStart(t *testing.T) {
	s := newTestServer(t, true)
	inst := s.start(t, "case-001")

	if inst.Status != model.WorkflowStatusActive {
		t.Errorf("Status = %q, want Active", inst.Status)
	}
	if inst.CurrentStep == nil || inst.CurrentStep.ID != "initiation" {
		t.Errorf("CurrentStep = %+v, want initiation", inst.CurrentStep)
	}
	if inst.Version != 1 || len(inst.History) != 0 {
		t.Errorf("Version = %d, History = %v", inst.Version, inst.History)
	}
	if inst.TemplateName != "Leave Approval" {
		t.Errorf("TemplateName = %q", inst.TemplateName)
	}
}

func TestStart_byCaseType(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "requester", "POST", "/workflows/instances", `{"case_id":"case-002","case_type":"leave"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if inst := decodeInstance(t, w); inst.TemplateName != "Leave Approval" {
		t.Errorf("TemplateName = %q", inst.TemplateName)
	}
}

func TestStart_errors(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-001")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"duplicate case", `{"case_id":"case-001","template_name":"Leave Approval"}`, 409, model.ErrConflict},
		{"unknown template", `{"case_id":"case-009","template_name":"Expense Claim"}`, 404, model.ErrTemplateNotFound},
		{"unknown case type", `{"case_id":"case-009","case_type":"travel"}`, 404, model.ErrTemplateNotFound},
		{"no template or case type", `{"case_id":"case-009"}`, 400, model.ErrBadRequest},
		{"missing case id", `{"template_name":"Leave Approval"}`, 422, model.ErrValidationError},
		{"empty case id", `{"case_id":"","template_name":"Leave Approval"}`, 422, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, s.call(t, "requester", "POST", "/workflows/instances", tt.body), tt.status, tt.code)
		})
	}
}

func TestStart_invalidJSONWithoutSchemaValidation(t *testing.T) {
	s := newTestServer(t, false)
	expectError(t, s.call(t, "requester", "POST", "/workflows/instances", `{"case_id":`), 400, model.ErrBadRequest)
}

func TestStart_forbidden(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "viewer", "POST", "/workflows/instances", `{"case_id":"case-001","template_name":"Leave Approval"}`)
	expectError(t, w, 403, model.ErrForbidden)

	if _, err := s.store.Get(context.Background(), "case-001"); err == nil {
		t.Error("forbidden start must not create an instance")
	}
}

func TestStart_noIdentity(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "", "POST", "/workflows/instances", `{"case_id":"case-001","template_name":"Leave Approval"}`)
	expectError(t, w, 401, model.ErrUnauthorized)
}

// --- Perform ---

func TestPerform_approvalFlow(t *testing.T) {
	s := newTestServer(t, true)
	inst := s.start(t, "case-005")

	w := s.call(t, "requester", "POST", "/workflows/instances/"+inst.ID+"/action", `{"action":"Submit"}`)
	if w.Code != 200 {
		t.Fatalf("Submit: status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeInstance(t, w)
	if got.CurrentStep == nil || got.CurrentStep.ID != "review" {
		t.Fatalf("after Submit CurrentStep = %+v, want review", got.CurrentStep)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	w = s.call(t, "requester", "POST", "/workflows/actions",
		`{"case_id":"case-005","action":"Approve","comment":"enjoy"}`)
	if w.Code != 200 {
		t.Fatalf("Approve: status = %d, body = %s", w.Code, w.Body.String())
	}
	got = decodeInstance(t, w)
	if got.Status != model.WorkflowStatusCompleted {
		t.Errorf("Status = %q, want Completed", got.Status)
	}
	if got.CurrentStep != nil {
		t.Errorf("CurrentStep = %+v, want nil for a concluded workflow", got.CurrentStep)
	}
	if len(got.History) != 2 {
		t.Fatalf("History = %v, want 2 entries", got.History)
	}
	last := got.History[1]
	if last.StepID != "review" || last.ActionTaken != "Approve" || last.ActionBy != "user-requester" || last.Comment != "enjoy" {
		t.Errorf("history entry = %+v", last)
	}
}

func TestPerform_reject(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-006")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-006","action":"Submit"}`)

	w := s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-006","action":"Reject"}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeInstance(t, w); got.Status != model.WorkflowStatusRejected {
		t.Errorf("Status = %q, want Rejected", got.Status)
	}
}

func TestPerform_clarificationReturnsToFirstStep(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-007")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-007","action":"Submit"}`)

	w := s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-007","action":"Request Clarification"}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeInstance(t, w)
	if got.Status != model.WorkflowStatusActive || got.CurrentStep == nil || got.CurrentStep.ID != "initiation" {
		t.Errorf("got status %q step %+v, want Active at initiation", got.Status, got.CurrentStep)
	}
}

func TestPerform_errors(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-010")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-010","action":"Submit"}`)

	s.start(t, "case-011")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-011","action":"Submit"}`)
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-011","action":"Approve"}`)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"action not on step", `{"case_id":"case-010","action":"Submit"}`, 409, model.ErrActionNotAllowed},
		{"label case differs", `{"case_id":"case-010","action":"approve"}`, 409, model.ErrActionNotAllowed},
		{"label resolves nowhere", `{"case_id":"case-010","action":"Hold"}`, 422, model.ErrInvalidAction},
		{"concluded workflow", `{"case_id":"case-011","action":"Approve"}`, 409, model.ErrWorkflowNotActive},
		{"unknown case", `{"case_id":"case-404","action":"Approve"}`, 404, model.ErrInstanceNotFound},
		{"missing action", `{"case_id":"case-010"}`, 422, model.ErrValidationError},
		{"missing case id", `{"action":"Approve"}`, 422, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectError(t, s.call(t, "requester", "POST", "/workflows/actions", tt.body), tt.status, tt.code)
		})
	}

	// Rejected actions leave the instance untouched.
	inst, err := s.store.Get(context.Background(), "case-010")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Version != 2 || len(inst.History) != 1 || inst.CurrentStep.ID != "review" {
		t.Errorf("instance changed by rejected actions: %+v", inst)
	}
}

func TestPerform_unknownInstance(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "requester", "POST", "/workflows/instances/inst-missing/action", `{"action":"Submit"}`)
	expectError(t, w, 404, model.ErrInstanceNotFound)
}

func TestPerform_templateRemovedMidFlight(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-012")

	if w := s.call(t, "workflow_admin", "DELETE", "/workflows/templates/tmpl-leave", ""); w.Code != 204 {
		t.Fatalf("delete template: status = %d", w.Code)
	}

	w := s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-012","action":"Submit"}`)
	expectError(t, w, 404, model.ErrTemplateNotFound)
	if got := testutil.ToFloat64(s.metrics.WorkflowIntegrityErrorsTotal.WithLabelValues(model.ErrTemplateNotFound)); got != 1 {
		t.Errorf("integrity errors = %v, want 1", got)
	}
}

// --- Idempotency ---

func TestPerform_idempotentReplay(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-020")

	body := `{"case_id":"case-020","action":"Submit"}`
	first := s.call(t, "requester", "POST", "/workflows/actions", body, HeaderIdempotencyKey, "retry-1")
	if first.Code != 200 {
		t.Fatalf("first: status = %d, body = %s", first.Code, first.Body.String())
	}
	if first.Header().Get(HeaderIdempotentReplay) != "" {
		t.Error("first response should not be marked as a replay")
	}

	second := s.call(t, "requester", "POST", "/workflows/actions", body, HeaderIdempotencyKey, "retry-1")
	if second.Code != 200 {
		t.Fatalf("replay: status = %d, body = %s", second.Code, second.Body.String())
	}
	if second.Header().Get(HeaderIdempotentReplay) != "true" {
		t.Error("replayed response should carry the replay header")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	inst, _ := s.store.Get(context.Background(), "case-020")
	if len(inst.History) != 1 {
		t.Errorf("History has %d entries, want the action applied once", len(inst.History))
	}
	if got := testutil.ToFloat64(s.metrics.IdempotencyReplaysTotal); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}
}

func TestPerform_idempotencyKeyReusedWithDifferentInput(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-021")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-021","action":"Submit"}`, HeaderIdempotencyKey, "k1")

	w := s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-021","action":"Approve"}`, HeaderIdempotencyKey, "k1")
	expectError(t, w, 409, model.ErrConflict)
}

func TestPerform_idempotencyKeyScopedToCaller(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-022")
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-022","action":"Submit"}`, HeaderIdempotencyKey, "k1")

	// Same client key from another caller is a fresh request.
	w := s.call(t, "workflow_admin", "POST", "/workflows/actions", `{"case_id":"case-022","action":"Approve"}`, HeaderIdempotencyKey, "k1")
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderIdempotentReplay) != "" {
		t.Error("another caller's key must not replay")
	}
}

func TestPerform_idempotentErrorReplayed(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-023")

	body := `{"case_id":"case-023","action":"Approve"}`
	first := s.call(t, "requester", "POST", "/workflows/actions", body, HeaderIdempotencyKey, "k2")
	expectError(t, first, 409, model.ErrActionNotAllowed)

	second := s.call(t, "requester", "POST", "/workflows/actions", body, HeaderIdempotencyKey, "k2")
	expectError(t, second, 409, model.ErrActionNotAllowed)
	if second.Header().Get(HeaderIdempotentReplay) != "true" {
		t.Error("client errors should be replayed")
	}
}

func TestReplayable(t *testing.T) {
	tests := []struct {
		status int
		err    error
		want   bool
	}{
		{200, nil, true},
		{409, model.NewActionNotAllowedError("Approve", "Initiation"), true},
		{409, model.NewConcurrentModificationError("case-1", 2), false},
		{500, model.NewInternalError(), false},
	}
	for _, tt := range tests {
		if got := replayable(tt.status, tt.err); got != tt.want {
			t.Errorf("replayable(%d, %v) = %v, want %v", tt.status, tt.err, got, tt.want)
		}
	}
}

// --- Get / List ---

func TestGet(t *testing.T) {
	s := newTestServer(t, true)
	inst := s.start(t, "case-030")

	for _, id := range []string{inst.ID, "case-030"} {
		w := s.call(t, "viewer", "GET", "/workflows/instances/"+id, "")
		if w.Code != 200 {
			t.Fatalf("GET %s: status = %d", id, w.Code)
		}
		if got := decodeInstance(t, w); got.ID != inst.ID {
			t.Errorf("GET %s: ID = %q, want %q", id, got.ID, inst.ID)
		}
	}

	expectError(t, s.call(t, "viewer", "GET", "/workflows/instances/nope", ""), 404, model.ErrInstanceNotFound)
}

func TestList(t *testing.T) {
	s := newTestServer(t, true)
	for _, id := range []string{"case-041", "case-042", "case-043"} {
		s.start(t, id)
	}
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-042","action":"Submit"}`)
	s.call(t, "requester", "POST", "/workflows/actions", `{"case_id":"case-042","action":"Reject"}`)

	var page workflow.ListResult
	w := s.call(t, "viewer", "GET", "/workflows/instances?page_size=2", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.Total != 3 || len(page.Items) != 2 || page.PageSize != 2 || page.Page != 1 {
		t.Errorf("page = total %d items %d size %d page %d", page.Total, len(page.Items), page.PageSize, page.Page)
	}

	w = s.call(t, "viewer", "GET", "/workflows/instances?status=Rejected", "")
	page = workflow.ListResult{}
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].CaseID != "case-042" {
		t.Errorf("status filter returned %+v", page)
	}

	w = s.call(t, "viewer", "GET", "/workflows/instances?case_id=case-043", "")
	page = workflow.ListResult{}
	json.Unmarshal(w.Body.Bytes(), &page)
	if page.Total != 1 || page.Items[0].CaseID != "case-043" {
		t.Errorf("case filter returned %+v", page)
	}
}

func TestList_invalidQuery(t *testing.T) {
	for _, validate := range []bool{true, false} {
		s := newTestServer(t, validate)
		w := s.call(t, "viewer", "GET", "/workflows/instances?status=Pending", "")
		expectError(t, w, 422, model.ErrValidationError)
	}

	s := newTestServer(t, true)
	expectError(t, s.call(t, "viewer", "GET", "/workflows/instances?page_size=500", ""), 422, model.ErrValidationError)
}

// --- Abort / case deletion ---

func TestAbort(t *testing.T) {
	s := newTestServer(t, true)
	inst := s.start(t, "case-050")

	expectError(t, s.call(t, "requester", "POST", "/workflows/instances/"+inst.ID+"/abort", ""), 403, model.ErrForbidden)

	w := s.call(t, "workflow_admin", "POST", "/workflows/instances/"+inst.ID+"/abort", `{"reason":"withdrawn"}`)
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeInstance(t, w)
	if got.Status != model.WorkflowStatusAborted || got.CurrentStep != nil {
		t.Errorf("got status %q step %+v, want Aborted with no step", got.Status, got.CurrentStep)
	}

	w = s.call(t, "workflow_admin", "POST", "/workflows/instances/"+inst.ID+"/abort", "")
	expectError(t, w, 409, model.ErrWorkflowNotActive)
}

func TestCaseDeleted_orphanByDefault(t *testing.T) {
	s := newTestServer(t, true)
	s.start(t, "case-060")

	w := s.call(t, "workflow_admin", "DELETE", "/workflows/cases/case-060", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res workflow.CaseDeletionResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.CaseID != "case-060" || res.Policy != workflow.DeletionOrphan || res.Applied != "retained" {
		t.Errorf("result = %+v", res)
	}

	inst, err := s.store.Get(context.Background(), "case-060")
	if err != nil || inst.Status != model.WorkflowStatusActive {
		t.Errorf("orphaned instance = %+v, %v; want it retained as Active", inst, err)
	}
}

func TestCaseDeleted_noInstance(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "workflow_admin", "DELETE", "/workflows/cases/case-061", "")
	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res workflow.CaseDeletionResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Applied != "none" {
		t.Errorf("Applied = %q, want none", res.Applied)
	}
}

// --- Templates ---

const expenseTemplate = `{
	"name": "Expense Claim",
	"case_type": "expense",
	"steps": [
		{"id": "draft", "name": "Draft", "actions": ["Submit"]},
		{"id": "finance", "name": "Finance Review", "actions": ["Pay", "Reject"],
		 "transitions": {"Pay": {"terminal": "Completed"}}}
	]
}`

func TestTemplates_crud(t *testing.T) {
	s := newTestServer(t, true)

	w := s.call(t, "workflow_admin", "POST", "/workflows/templates", expenseTemplate)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	var created model.WorkflowTemplate
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" || created.Name != "Expense Claim" || len(created.Steps) != 2 {
		t.Fatalf("created = %+v", created)
	}
	if got := testutil.ToFloat64(s.metrics.TemplatesLoaded); got != 2 {
		t.Errorf("templates gauge = %v, want 2", got)
	}

	expectError(t, s.call(t, "workflow_admin", "POST", "/workflows/templates", expenseTemplate), 409, model.ErrConflict)

	w = s.call(t, "viewer", "GET", "/workflows/templates/Expense%20Claim", "")
	if w.Code != 200 {
		t.Fatalf("get by name: status = %d", w.Code)
	}

	w = s.call(t, "viewer", "GET", "/workflows/templates?case_type=expense", "")
	var list struct {
		Items []model.WorkflowTemplate `json:"items"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Items) != 1 || list.Items[0].ID != created.ID {
		t.Errorf("filtered list = %+v", list.Items)
	}

	w = s.call(t, "workflow_admin", "PATCH", "/workflows/templates/"+created.ID, `{"description":"Reimbursements"}`)
	if w.Code != 200 {
		t.Fatalf("patch: status = %d, body = %s", w.Code, w.Body.String())
	}
	var patched model.WorkflowTemplate
	json.Unmarshal(w.Body.Bytes(), &patched)
	if patched.Description != "Reimbursements" || len(patched.Steps) != 2 || patched.CaseType != "expense" {
		t.Errorf("patch should keep unspecified fields: %+v", patched)
	}

	replacement := strings.Replace(expenseTemplate, `"Finance Review"`, `"Finance Approval"`, 1)
	w = s.call(t, "workflow_admin", "PUT", "/workflows/templates/"+created.ID, replacement)
	if w.Code != 200 {
		t.Fatalf("put: status = %d, body = %s", w.Code, w.Body.String())
	}
	var replaced model.WorkflowTemplate
	json.Unmarshal(w.Body.Bytes(), &replaced)
	if replaced.Steps[1].Name != "Finance Approval" || replaced.Description != "" {
		t.Errorf("put should replace the definition: %+v", replaced)
	}

	if w := s.call(t, "workflow_admin", "DELETE", "/workflows/templates/"+created.ID, ""); w.Code != 204 {
		t.Fatalf("delete: status = %d", w.Code)
	}
	expectError(t, s.call(t, "viewer", "GET", "/workflows/templates/"+created.ID, ""), 404, model.ErrTemplateNotFound)
	expectError(t, s.call(t, "workflow_admin", "DELETE", "/workflows/templates/"+created.ID, ""), 404, model.ErrTemplateNotFound)
}

func TestTemplates_invalidDefinition(t *testing.T) {
	s := newTestServer(t, true)
	body := `{
		"name": "Broken",
		"case_type": "broken",
		"steps": [
			{"id": "a", "name": "A", "actions": ["Go"], "transitions": {"Go": {"next": "missing"}}},
			{"id": "a", "name": "A again", "actions": []}
		]
	}`
	env := expectError(t, s.call(t, "workflow_admin", "POST", "/workflows/templates", body), 422, model.ErrValidationError)

	fields := map[string]bool{}
	for _, d := range env.Details {
		fields[d.Field] = true
	}
	if !fields["template.steps[1].id"] || !fields["template.steps[0].transitions[Go].next"] {
		t.Errorf("details = %+v", env.Details)
	}
	if _, err := s.registry.Get(context.Background(), "Broken"); err == nil {
		t.Error("invalid template must not be stored")
	}
}

func TestTemplates_schemaValidation(t *testing.T) {
	s := newTestServer(t, true)
	// steps is required by the API description.
	env := expectError(t, s.call(t, "workflow_admin", "POST", "/workflows/templates", `{"name":"No Steps"}`), 422, model.ErrValidationError)
	if len(env.Details) == 0 {
		t.Error("schema failures should carry field details")
	}
}

func TestTemplates_manageForbidden(t *testing.T) {
	s := newTestServer(t, true)
	expectError(t, s.call(t, "requester", "POST", "/workflows/templates", expenseTemplate), 403, model.ErrForbidden)
	expectError(t, s.call(t, "viewer", "DELETE", "/workflows/templates/tmpl-leave", ""), 403, model.ErrForbidden)

	if w := s.call(t, "requester", "GET", "/workflows/templates", ""); w.Code != 200 {
		t.Errorf("list: status = %d, want 200", w.Code)
	}
}

func TestTemplates_patchUnknown(t *testing.T) {
	s := newTestServer(t, false)
	expectError(t, s.call(t, "workflow_admin", "PATCH", "/workflows/templates/nope", `{"description":"x"}`), 404, model.ErrTemplateNotFound)
}

// --- Errors carry request identifiers ---

func TestErrorResponse_hasCorrelationID(t *testing.T) {
	s := newTestServer(t, true)
	w := s.call(t, "viewer", "GET", "/workflows/instances/nope", "", "X-Correlation-Id", "corr-77")
	if got := w.Header().Get("X-Correlation-Id"); got != "corr-77" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
	expectError(t, w, 404, model.ErrInstanceNotFound)
}
