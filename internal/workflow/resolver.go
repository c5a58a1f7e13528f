package workflow

import (
	"strings"

	"github.com/pitabwire/caseflow/model"
)

// Outcome is the result of resolving one action at one step. Exactly one of
// Next and Terminal is set.
type Outcome struct {
	Next     *model.WorkflowStepDefinition
	Terminal model.WorkflowStatus
}

// IsTerminal reports whether the outcome ends the workflow.
func (o Outcome) IsTerminal() bool {
	return o.Terminal != ""
}

// Status returns the instance status implied by the outcome.
func (o Outcome) Status() model.WorkflowStatus {
	if o.IsTerminal() {
		return o.Terminal
	}
	return model.WorkflowStatusActive
}

// Resolver computes transitions. It performs no I/O and is safe for
// concurrent use.
type Resolver struct {
	legacyLabels bool
}

// NewResolver creates a resolver. When legacyLabels is true, actions that
// have no transition table entry are resolved by matching keywords in their
// label.
func NewResolver(legacyLabels bool) *Resolver {
	return &Resolver{legacyLabels: legacyLabels}
}

// Resolve determines where action leads from the step currentStepID of tmpl.
//
// Errors, in order of evaluation:
//   - STEP_NOT_FOUND when currentStepID (or a transition target) is not a
//     step of the template
//   - ACTION_NOT_ALLOWED when the step does not list action
//   - INVALID_ACTION when no rule matches
func (r *Resolver) Resolve(tmpl model.WorkflowTemplate, currentStepID, action string) (Outcome, error) {
	idx := tmpl.StepIndex(currentStepID)
	if idx < 0 {
		return Outcome{}, model.NewStepNotFoundError(currentStepID, tmpl.Name)
	}
	current := tmpl.Steps[idx]

	if !current.Allows(action) {
		return Outcome{}, model.NewActionNotAllowedError(action, current.Name)
	}

	if tr, ok := current.Transitions[action]; ok {
		if tr.Terminal != "" {
			return Outcome{Terminal: tr.Terminal}, nil
		}
		next, ok := tmpl.Step(tr.Next)
		if !ok {
			return Outcome{}, model.NewStepNotFoundError(tr.Next, tmpl.Name)
		}
		return advanceTo(next), nil
	}

	if r.legacyLabels {
		if out, ok := resolveByLabel(tmpl.Steps, idx, action); ok {
			return out, nil
		}
	}
	return Outcome{}, model.NewInvalidActionError(action, current.Name)
}

// resolveByLabel applies the keyword rules to the lowercased label.
func resolveByLabel(steps []model.WorkflowStepDefinition, idx int, action string) (Outcome, bool) {
	label := strings.ToLower(action)
	switch {
	case containsAny(label, "approve", "forward", "submit"):
		return advanceFrom(steps, idx), true
	case strings.Contains(label, "reject"):
		return Outcome{Terminal: model.WorkflowStatusRejected}, true
	case containsAny(label, "clarification", "revisions"):
		return advanceTo(steps[0]), true
	case label == "complete":
		return Outcome{Terminal: model.WorkflowStatusCompleted}, true
	}
	return Outcome{}, false
}

// advanceFrom moves to the step after idx. Running off the end, reaching a
// step named Completed, or reaching a final step with no actions completes
// the workflow instead.
func advanceFrom(steps []model.WorkflowStepDefinition, idx int) Outcome {
	n := idx + 1
	if n >= len(steps) {
		return Outcome{Terminal: model.WorkflowStatusCompleted}
	}
	next := steps[n]
	if strings.EqualFold(next.Name, string(model.WorkflowStatusCompleted)) {
		return Outcome{Terminal: model.WorkflowStatusCompleted}
	}
	if n == len(steps)-1 && len(next.Actions) == 0 {
		return Outcome{Terminal: model.WorkflowStatusCompleted}
	}
	return advanceTo(next)
}

func advanceTo(step model.WorkflowStepDefinition) Outcome {
	s := step.Clone()
	return Outcome{Next: &s}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
