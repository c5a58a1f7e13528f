package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// recordSpans installs an always-sampling provider backed by an in-memory
// exporter for the duration of the test.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func onlySpan(t *testing.T, exporter *tracetest.InMemoryExporter) tracetest.SpanStub {
	t.Helper()
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	return spans[0]
}

func attrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

// --- InitTracing ---

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "caseflow", "test")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

// --- Spans ---

func TestStartSpan_nestsUnderParent(t *testing.T) {
	exporter := recordSpans(t)

	ctx, perform := StartSpan(context.Background(), "workflow.Perform",
		AttrCaseID.String("case-9"),
		AttrAction.String("Approve"),
	)
	_, commit := StartSpan(ctx, "workflow.commit")
	commit.End()
	perform.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("commit span is not a child of perform")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("spans do not share a trace")
	}
	a := attrs(parent)
	if a["caseflow.case_id"] != "case-9" || a["caseflow.action"] != "Approve" {
		t.Errorf("attributes = %v", a)
	}
	if len(child.Attributes) != 0 {
		t.Errorf("commit attributes = %v, want none", child.Attributes)
	}
}

func TestEndSpanWithError(t *testing.T) {
	t.Run("workflow error carries its code", func(t *testing.T) {
		exporter := recordSpans(t)
		_, span := StartSpan(context.Background(), "workflow.Perform")
		EndSpanWithError(span, model.NewActionNotAllowedError("Approve", "initiation"))

		s := onlySpan(t, exporter)
		if s.Status.Code != codes.Error {
			t.Errorf("status = %v, want Error", s.Status.Code)
		}
		if got := attrs(s)["caseflow.error_code"]; got != model.ErrActionNotAllowed {
			t.Errorf("error_code = %q", got)
		}
		if len(s.Events) == 0 {
			t.Error("error event not recorded")
		}
	})

	t.Run("plain error has no code", func(t *testing.T) {
		exporter := recordSpans(t)
		_, span := StartSpan(context.Background(), "workflow.commit")
		EndSpanWithError(span, errors.New("connection reset"))

		s := onlySpan(t, exporter)
		if s.Status.Description != "connection reset" {
			t.Errorf("description = %q", s.Status.Description)
		}
		if _, ok := attrs(s)["caseflow.error_code"]; ok {
			t.Error("error_code set for a non-envelope error")
		}
	})

	t.Run("nil error", func(t *testing.T) {
		exporter := recordSpans(t)
		_, span := StartSpan(context.Background(), "workflow.Start")
		EndSpanWithError(span, nil)

		if s := onlySpan(t, exporter); s.Status.Code == codes.Error {
			t.Error("status is Error for a nil error")
		}
	})
}

func TestInstanceAttributes(t *testing.T) {
	active := InstanceAttributes(model.WorkflowInstance{
		ID:           "wf-1",
		TemplateName: "Purchase Order",
		CurrentStep:  &model.WorkflowStepDefinition{ID: "finance"},
		Status:       model.WorkflowStatusActive,
		Version:      3,
	})
	got := map[string]string{}
	for _, kv := range active {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"caseflow.instance_id": "wf-1",
		"caseflow.template":    "Purchase Order",
		"caseflow.status":      "Active",
		"caseflow.version":     "3",
		"caseflow.step_id":     "finance",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	concluded := InstanceAttributes(model.WorkflowInstance{ID: "wf-2", Status: model.WorkflowStatusCompleted})
	for _, kv := range concluded {
		if kv.Key == AttrStepID {
			t.Error("step id set for a concluded instance")
		}
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext(empty) = %q", got)
	}

	ctx, span := StartSpan(context.Background(), "workflow.Abort")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q", got)
	}
}

// --- Middleware ---

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	exporter := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/workflows/instances/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/workflows/instances/case-42", nil))

	s := onlySpan(t, exporter)
	if s.Name != "GET /workflows/instances/{id}" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("kind = %v, want server", s.SpanKind)
	}
	a := attrs(s)
	if a["http.route"] != "/workflows/instances/{id}" {
		t.Errorf("http.route = %q", a["http.route"])
	}
	if a["url.path"] != "/workflows/instances/case-42" {
		t.Errorf("url.path = %q", a["url.path"])
	}
	if a["http.response.status_code"] != "200" {
		t.Errorf("status_code = %q", a["http.response.status_code"])
	}
}

func TestTracingMiddleware_unroutedKeepsPath(t *testing.T) {
	exporter := recordSpans(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/workflows/instances", nil))

	s := onlySpan(t, exporter)
	if s.Name != "POST /workflows/instances" {
		t.Errorf("span name = %q", s.Name)
	}
	if attrs(s)["http.response.status_code"] != "201" {
		t.Errorf("attributes = %v", attrs(s))
	}
}

func TestTracingMiddleware_serverErrorMarksSpan(t *testing.T) {
	exporter := recordSpans(t)

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/workflows/actions", nil))

	if s := onlySpan(t, exporter); s.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status.Code)
	}
}

func TestTracingMiddleware_propagation(t *testing.T) {
	exporter := recordSpans(t)

	const (
		traceID = "0af7651916cd43dd8448eb211c80319c"
		parent  = "b7ad6b7169203331"
	)
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/workflows/templates", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parent+"-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	s := onlySpan(t, exporter)
	if s.SpanContext.TraceID().String() != traceID {
		t.Errorf("trace id = %s, want %s", s.SpanContext.TraceID(), traceID)
	}
	if s.Parent.SpanID().String() != parent {
		t.Errorf("parent = %s, want %s", s.Parent.SpanID(), parent)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response carries no traceparent")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	recordSpans(t)

	ctx, span := StartSpan(context.Background(), "projector.Deliver")
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("Traceparent") == "" {
		t.Error("Traceparent not injected")
	}
}

// --- Sampling ---

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.TracingConfig
		wantForce bool
	}{
		{"default rate", config.TracingConfig{}, false},
		{"always", config.TracingConfig{SamplingRate: 1}, false},
		{"clamped", config.TracingConfig{SamplingRate: 4}, false},
		{"ratio", config.TracingConfig{SamplingRate: 0.25}, false},
		{"force errors", config.TracingConfig{SamplingRate: 0.25, ForceSampleErrors: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSampler(tt.cfg)
			if s.Description() == "" {
				t.Error("empty description")
			}
			if _, ok := s.(*errorForceSampler); ok != tt.wantForce {
				t.Errorf("force sampler = %v, want %v", ok, tt.wantForce)
			}
		})
	}
}

func TestErrorForceSampler_recordsDroppedSpans(t *testing.T) {
	s := newSampler(config.TracingConfig{SamplingRate: 0.000001, ForceSampleErrors: true})
	res := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID: trace.TraceID{
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		},
		Name: "workflow.Perform",
	})
	if res.Decision != sdktrace.RecordOnly {
		t.Errorf("decision = %v, want RecordOnly", res.Decision)
	}
}

func TestErrorSpanProcessor_exportsOnlyFailures(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(&errorForceSampler{delegate: sdktrace.NeverSample()}),
		sdktrace.WithSpanProcessor(&errorSpanProcessor{exporter: exporter}),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := tp.Tracer("test")

	_, ok := tracer.Start(context.Background(), "workflow.Start")
	ok.End()
	_, failed := tracer.Start(context.Background(), "workflow.commit")
	EndSpanWithError(failed, model.NewConcurrentModificationError("case-1", 2))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "workflow.commit" {
		t.Fatalf("exported = %v, want only workflow.commit", spans)
	}
}
