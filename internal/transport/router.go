package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/openapi"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine
	Templates          definition.TemplateStore
	Idempotency        idempotency.Store
	API                *openapi.Document
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the API description
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}
	r.Get("/openapi.yaml", openapi.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	templates := newTemplateHandlers(deps.Templates, deps.Metrics, logger)
	ttl := cfg.Idempotency.TTL
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	actions := &actionPerformer{
		engine:  deps.Engine,
		idem:    deps.Idempotency,
		ttl:     ttl,
		metrics: deps.Metrics,
		logger:  logger,
	}
	engine := deps.Engine

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(RequireIdentity)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.API != nil && cfg.Server.ValidateRequests {
			r.Use(deps.API.Middleware(writeRequestError))
		}

		r.Route("/workflows/templates", func(r chi.Router) {
			r.With(RequireCapability(model.CapTemplatesView)).Get("/", templates.list)
			r.With(RequireCapability(model.CapTemplatesManage)).Post("/", templates.create)
			r.With(RequireCapability(model.CapTemplatesView)).Get("/{templateId}", templates.get)
			r.With(RequireCapability(model.CapTemplatesManage)).Put("/{templateId}", templates.replace)
			r.With(RequireCapability(model.CapTemplatesManage)).Patch("/{templateId}", templates.patch)
			r.With(RequireCapability(model.CapTemplatesManage)).Delete("/{templateId}", templates.delete)
		})

		r.Route("/workflows/instances", func(r chi.Router) {
			r.With(RequireCapability(model.CapInstancesView)).Get("/", handleInstanceList(engine))
			r.With(RequireCapability(model.CapInstancesStart)).Post("/", handleInstanceStart(engine))
			r.With(RequireCapability(model.CapInstancesView)).Get("/{id}", handleInstanceGet(engine))
			r.With(RequireCapability(model.CapActionsPerform)).Post("/{id}/action", actions.byInstance)
			r.With(RequireCapability(model.CapInstancesAbort)).Post("/{id}/abort", handleInstanceAbort(engine))
		})

		r.With(RequireCapability(model.CapActionsPerform)).Post("/workflows/actions", actions.byCase)
		r.With(RequireCapability(model.CapInstancesAbort)).Delete("/workflows/cases/{caseId}", handleCaseDeleted(engine))
	})

	return r
}
