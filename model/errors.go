package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrInstanceNotFound       = "INSTANCE_NOT_FOUND"
	ErrTemplateNotFound       = "TEMPLATE_NOT_FOUND"
	ErrStepNotFound           = "STEP_NOT_FOUND"
	ErrActionNotAllowed       = "ACTION_NOT_ALLOWED"
	ErrInvalidAction          = "INVALID_ACTION"
	ErrWorkflowNotActive      = "WORKFLOW_NOT_ACTIVE"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an envelope with the same code, so that
// errors.Is(err, &ErrorEnvelope{Code: ErrStepNotFound}) works on wrapped errors.
func (e *ErrorEnvelope) Is(target error) bool {
	t, ok := target.(*ErrorEnvelope)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeOf returns the envelope code carried by err, or "" if err does not wrap
// an *ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// HasCode reports whether err wraps an *ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsIntegrityError reports whether err signals referential corruption between
// instances, templates and steps.
func IsIntegrityError(err error) bool {
	switch CodeOf(err) {
	case ErrInstanceNotFound, ErrTemplateNotFound, ErrStepNotFound:
		return true
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInstanceNotFoundError returns an INSTANCE_NOT_FOUND error for the given
// case or instance identifier.
func NewInstanceNotFoundError(id string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotFound,
		Message: fmt.Sprintf("workflow instance for %q not found", id),
	}
}

// NewTemplateNotFoundError returns a TEMPLATE_NOT_FOUND error.
func NewTemplateNotFoundError(nameOrID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTemplateNotFound,
		Message: fmt.Sprintf("workflow template %q not found", nameOrID),
	}
}

// NewStepNotFoundError returns a STEP_NOT_FOUND error.
func NewStepNotFoundError(stepID, templateName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepNotFound,
		Message: fmt.Sprintf("step %q not found in template %q", stepID, templateName),
	}
}

// NewActionNotAllowedError returns an ACTION_NOT_ALLOWED error.
func NewActionNotAllowedError(action, stepName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrActionNotAllowed,
		Message: fmt.Sprintf("action %q is not available at step %q", action, stepName),
	}
}

// NewInvalidActionError returns an INVALID_ACTION error.
func NewInvalidActionError(action, stepName string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidAction,
		Message: fmt.Sprintf("action %q at step %q has no transition rule", action, stepName),
	}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(caseID string, status WorkflowStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotActive,
		Message: fmt.Sprintf("workflow for case %q has already concluded (%s)", caseID, status),
	}
}

// NewConcurrentModificationError returns a CONCURRENT_MODIFICATION error.
func NewConcurrentModificationError(caseID string, expected int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrConcurrentModification,
		Message: fmt.Sprintf("workflow for case %q was modified concurrently (expected version %d)", caseID, expected),
	}
}
