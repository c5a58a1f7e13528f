package definition

import (
	"fmt"
	"strings"

	"github.com/pitabwire/caseflow/model"
)

// VError describes a single validation error in a template.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks templates structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAll checks a batch of templates, including name uniqueness across
// the batch.
func (v *Validator) ValidateAll(templates []model.WorkflowTemplate) []VError {
	var errs []VError
	seen := make(map[string]int, len(templates))
	for i, tmpl := range templates {
		prefix := fmt.Sprintf("templates[%d]", i)
		errs = append(errs, v.validateTemplate(prefix, tmpl)...)
		if tmpl.Name == "" {
			continue
		}
		if first, dup := seen[tmpl.Name]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".name",
				Code:    "DUPLICATE",
				Message: fmt.Sprintf("template name %q already used by templates[%d]", tmpl.Name, first),
			})
			continue
		}
		seen[tmpl.Name] = i
	}
	return errs
}

// Validate checks a single template.
func (v *Validator) Validate(tmpl model.WorkflowTemplate) []VError {
	return v.validateTemplate("template", tmpl)
}

func (v *Validator) validateTemplate(prefix string, tmpl model.WorkflowTemplate) []VError {
	var errs []VError

	if strings.TrimSpace(tmpl.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	}
	if strings.TrimSpace(tmpl.CaseType) == "" {
		errs = append(errs, VError{Path: prefix + ".case_type", Code: "REQUIRED", Message: "case_type is required"})
	}
	if len(tmpl.Steps) == 0 {
		errs = append(errs, VError{Path: prefix + ".steps", Code: "REQUIRED", Message: "at least one step is required"})
		return errs
	}

	stepIDs := make(map[string]bool, len(tmpl.Steps))
	for i, s := range tmpl.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "step id is required"})
			continue
		}
		if stepIDs[s.ID] {
			errs = append(errs, VError{
				Path: sp + ".id", Code: "DUPLICATE",
				Message: fmt.Sprintf("step id %q is not unique within the template", s.ID),
			})
		}
		stepIDs[s.ID] = true
	}

	for i, s := range tmpl.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", prefix, i)
		errs = append(errs, v.validateStep(sp, s, stepIDs)...)
	}
	return errs
}

func (v *Validator) validateStep(prefix string, s model.WorkflowStepDefinition, stepIDs map[string]bool) []VError {
	var errs []VError

	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "step name is required"})
	}

	actions := make(map[string]bool, len(s.Actions))
	for j, a := range s.Actions {
		ap := fmt.Sprintf("%s.actions[%d]", prefix, j)
		if strings.TrimSpace(a) == "" {
			errs = append(errs, VError{Path: ap, Code: "REQUIRED", Message: "action label must not be empty"})
			continue
		}
		if actions[a] {
			errs = append(errs, VError{
				Path: ap, Code: "DUPLICATE",
				Message: fmt.Sprintf("action %q is listed more than once", a),
			})
		}
		actions[a] = true
	}

	for action, tr := range s.Transitions {
		tp := fmt.Sprintf("%s.transitions[%s]", prefix, action)
		if !actions[action] {
			errs = append(errs, VError{
				Path: tp, Code: "UNKNOWN_ACTION",
				Message: fmt.Sprintf("transition for %q which is not one of the step's actions", action),
			})
		}
		switch {
		case tr.Next != "" && tr.Terminal != "":
			errs = append(errs, VError{Path: tp, Code: "AMBIGUOUS", Message: "set either next or terminal, not both"})
		case tr.Next == "" && tr.Terminal == "":
			errs = append(errs, VError{Path: tp, Code: "REQUIRED", Message: "one of next or terminal is required"})
		case tr.Next != "" && !stepIDs[tr.Next]:
			errs = append(errs, VError{
				Path: tp + ".next", Code: "INVALID_REF",
				Message: fmt.Sprintf("next step %q is not a step of this template", tr.Next),
			})
		case tr.Terminal != "" && !tr.Terminal.IsTerminal():
			errs = append(errs, VError{
				Path: tp + ".terminal", Code: "INVALID_VALUE",
				Message: fmt.Sprintf("terminal %q must be one of Completed, Rejected, Aborted", tr.Terminal),
			})
		}
	}
	return errs
}

// AsValidationError converts validation errors into a VALIDATION_ERROR
// envelope, or returns nil when errs is empty.
func AsValidationError(errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	details := make([]model.FieldError, len(errs))
	for i, e := range errs {
		details[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return model.NewValidationError(details)
}
