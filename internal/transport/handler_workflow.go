package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// Idempotency headers for action requests.
const (
	HeaderIdempotencyKey   = "X-Idempotency-Key"
	HeaderIdempotentReplay = "X-Idempotent-Replay"
)

// DefaultIdempotencyTTL applies when the configured TTL is zero.
const DefaultIdempotencyTTL = 24 * time.Hour

func handleInstanceStart(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			CaseID       string `json:"case_id"`
			TemplateName string `json:"template_name"`
			CaseType     string `json:"case_type"`
		}
		if err := decodeBody(r, &body, false); err != nil {
			writeRequestError(w, r, err)
			return
		}
		if body.CaseID == "" {
			writeRequestError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "case_id", Code: "required", Message: "case_id is required"},
			}))
			return
		}

		inst, err := engine.Start(r.Context(), workflow.StartRequest{
			CaseID:       body.CaseID,
			TemplateName: body.TemplateName,
			CaseType:     body.CaseType,
			Actor:        rctx.Actor(),
		})
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := workflow.ListQuery{
			CaseID:       r.URL.Query().Get("case_id"),
			TemplateName: r.URL.Query().Get("template_name"),
			Page:         queryInt(r, "page", 1),
			PageSize:     queryInt(r, "page_size", workflow.DefaultPageSize),
		}
		if raw := r.URL.Query().Get("status"); raw != "" {
			status, ok := model.ParseWorkflowStatus(raw)
			if !ok {
				writeRequestError(w, r, model.NewValidationError([]model.FieldError{
					{Field: "status", Code: "enum", Message: "status must be one of Active, Completed, Rejected, Aborted"},
				}))
				return
			}
			q.Status = status
		}

		res, err := engine.List(r.Context(), q)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleInstanceAbort(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body, true); err != nil {
			writeRequestError(w, r, err)
			return
		}

		current, err := engine.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		inst, err := engine.Abort(r.Context(), current.CaseID, rctx.Actor(), body.Reason)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleCaseDeleted(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		res, err := engine.CaseDeleted(r.Context(), chi.URLParam(r, "caseId"), rctx.Actor())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// actionPerformer serves both action routes: the instance-scoped one takes
// the case from the URL, the flat one from the body.
type actionPerformer struct {
	engine  *workflow.Engine
	idem    idempotency.Store
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

type actionBody struct {
	CaseID  string `json:"case_id"`
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

func (p *actionPerformer) byInstance(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeBody(r, &body, false); err != nil {
		writeRequestError(w, r, err)
		return
	}
	inst, err := p.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeRequestError(w, r, err)
		return
	}
	body.CaseID = inst.CaseID
	p.perform(w, r, body)
}

func (p *actionPerformer) byCase(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeBody(r, &body, false); err != nil {
		writeRequestError(w, r, err)
		return
	}
	if body.CaseID == "" {
		writeRequestError(w, r, model.NewValidationError([]model.FieldError{
			{Field: "case_id", Code: "required", Message: "case_id is required"},
		}))
		return
	}
	p.perform(w, r, body)
}

func (p *actionPerformer) perform(w http.ResponseWriter, r *http.Request, body actionBody) {
	ctx := r.Context()
	rctx := model.RequestContextFrom(ctx)
	logger := observability.LoggerFrom(ctx, p.logger)

	if body.Action == "" {
		writeRequestError(w, r, model.NewValidationError([]model.FieldError{
			{Field: "action", Code: "required", Message: "action is required"},
		}))
		return
	}

	var storeKey, inputHash string
	if key := r.Header.Get(HeaderIdempotencyKey); key != "" && p.idem != nil {
		storeKey = idempotency.FormatKey("perform", rctx.SubjectID, key)
		inputHash = idempotency.HashInput(body.CaseID, body.Action, body.Comment)

		prev, found, err := p.idem.Check(ctx, storeKey, inputHash)
		if err != nil {
			if model.CodeOf(err) == "" {
				logger.Error("idempotency lookup failed", zap.Error(err))
			}
			writeRequestError(w, r, err)
			return
		}
		if found {
			p.metrics.RecordIdempotencyReplay()
			w.Header().Set(HeaderIdempotentReplay, "true")
			writeRaw(w, prev.Status, prev.Body)
			return
		}
	}

	status := http.StatusOK
	var payload any
	inst, err := p.engine.Perform(ctx, workflow.ActionRequest{
		CaseID:  body.CaseID,
		Action:  body.Action,
		Actor:   rctx.Actor(),
		Comment: body.Comment,
	})
	if err != nil {
		ee := envelopeFor(r, err)
		status = StatusFor(ee)
		payload = errorResponse{Error: ee}
	} else {
		payload = inst
	}

	data, mErr := json.Marshal(payload)
	if mErr != nil {
		writeRequestError(w, r, mErr)
		return
	}

	if storeKey != "" && replayable(status, err) {
		resp := idempotency.Response{Status: status, Body: data}
		if sErr := p.idem.Save(ctx, storeKey, inputHash, resp, p.ttl); sErr != nil {
			logger.Warn("idempotency save failed", zap.Error(sErr))
		}
	}
	writeRaw(w, status, data)
}

// replayable reports whether a perform outcome may be served again for the
// same key. Server faults and lost races are left for the client to retry.
func replayable(status int, err error) bool {
	if status >= http.StatusInternalServerError {
		return false
	}
	return !model.HasCode(err, model.ErrConcurrentModification)
}

// --- helpers ---

// decodeBody decodes a JSON request body into v. An empty body is accepted
// only when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	if r.Body == nil {
		if optional {
			return nil
		}
		return model.NewBadRequestError("request body is required")
	}
	err := json.NewDecoder(r.Body).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF) && optional:
		return nil
	case errors.Is(err, io.EOF):
		return model.NewBadRequestError("request body is required")
	default:
		return model.NewBadRequestError("invalid JSON body")
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
