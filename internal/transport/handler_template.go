package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

type templateHandlers struct {
	store     definition.TemplateStore
	validator *definition.Validator
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func newTemplateHandlers(store definition.TemplateStore, metrics *observability.Metrics, logger *zap.Logger) *templateHandlers {
	return &templateHandlers{
		store:     store,
		validator: definition.NewValidator(),
		metrics:   metrics,
		logger:    logger,
	}
}

func (h *templateHandlers) list(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.List(r.Context())
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	if templates == nil {
		templates = []model.WorkflowTemplate{}
	}
	if caseType := r.URL.Query().Get("case_type"); caseType != "" {
		filtered := templates[:0]
		for _, t := range templates {
			if t.CaseType == caseType {
				filtered = append(filtered, t)
			}
		}
		templates = filtered
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": templates})
}

func (h *templateHandlers) get(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.store.Get(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tmpl)
}

func (h *templateHandlers) create(w http.ResponseWriter, r *http.Request) {
	var tmpl model.WorkflowTemplate
	if err := decodeBody(r, &tmpl, false); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if err := definition.AsValidationError(h.validator.Validate(tmpl)); err != nil {
		writeRequestError(w, r, err)
		return
	}

	created, err := h.store.Create(r.Context(), tmpl)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("template created",
		zap.String("template_id", created.ID),
		zap.String("template", created.Name),
	)
	h.refreshGauge(r)
	WriteJSON(w, http.StatusCreated, created)
}

// replace handles PUT: the body is the complete new definition.
func (h *templateHandlers) replace(w http.ResponseWriter, r *http.Request) {
	var tmpl model.WorkflowTemplate
	if err := decodeBody(r, &tmpl, false); err != nil {
		writeRequestError(w, r, err)
		return
	}
	h.update(w, r, tmpl)
}

// patch handles PATCH: fields absent from the body keep their stored value.
func (h *templateHandlers) patch(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.Get(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}

	var body struct {
		Name        *string                         `json:"name"`
		Description *string                         `json:"description"`
		CaseType    *string                         `json:"case_type"`
		Steps       *[]model.WorkflowStepDefinition `json:"steps"`
	}
	if err := decodeBody(r, &body, false); err != nil {
		writeRequestError(w, r, err)
		return
	}

	tmpl := existing.Clone()
	if body.Name != nil {
		tmpl.Name = *body.Name
	}
	if body.Description != nil {
		tmpl.Description = *body.Description
	}
	if body.CaseType != nil {
		tmpl.CaseType = *body.CaseType
	}
	if body.Steps != nil {
		tmpl.Steps = *body.Steps
	}
	h.update(w, r, tmpl)
}

func (h *templateHandlers) update(w http.ResponseWriter, r *http.Request, tmpl model.WorkflowTemplate) {
	if err := definition.AsValidationError(h.validator.Validate(tmpl)); err != nil {
		writeRequestError(w, r, err)
		return
	}
	updated, err := h.store.Update(r.Context(), chi.URLParam(r, "templateId"), tmpl)
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("template updated",
		zap.String("template_id", updated.ID),
		zap.String("template", updated.Name),
	)
	WriteJSON(w, http.StatusOK, updated)
}

// delete removes a template. Instances already running keep their step
// snapshots; their next action fails with TEMPLATE_NOT_FOUND.
func (h *templateHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "templateId")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeRequestError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("template deleted", zap.String("template", id))
	h.refreshGauge(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *templateHandlers) refreshGauge(r *http.Request) {
	if h.metrics == nil {
		return
	}
	if all, err := h.store.List(r.Context()); err == nil {
		h.metrics.SetTemplatesLoaded(len(all))
	}
}
