// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/caseflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:             http.StatusBadRequest,
	model.ErrUnauthorized:           http.StatusUnauthorized,
	model.ErrForbidden:              http.StatusForbidden,
	model.ErrNotFound:               http.StatusNotFound,
	model.ErrConflict:               http.StatusConflict,
	model.ErrValidationError:        http.StatusUnprocessableEntity,
	model.ErrInternalError:          http.StatusInternalServerError,
	model.ErrInstanceNotFound:       http.StatusNotFound,
	model.ErrTemplateNotFound:       http.StatusNotFound,
	model.ErrStepNotFound:           http.StatusUnprocessableEntity,
	model.ErrInvalidAction:          http.StatusUnprocessableEntity,
	model.ErrActionNotAllowed:       http.StatusConflict,
	model.ErrWorkflowNotActive:      http.StatusConflict,
	model.ErrConcurrentModification: http.StatusConflict,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status, ok := statusForCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope become a
// generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}

// envelopeFor returns a copy of the envelope carried by err, or a generic
// internal error, with the trace id of r attached.
func envelopeFor(r *http.Request, err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		out := *ee
		ee = &out
	} else {
		ee = model.NewInternalError()
	}
	if rctx := model.RequestContextFrom(r.Context()); rctx != nil && ee.TraceID == "" {
		ee.TraceID = rctx.TraceID
	}
	return ee
}

// writeRequestError is WriteError with the trace id of r attached.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeFor(r, err)
	WriteJSON(w, StatusFor(ee), errorResponse{Error: ee})
}
