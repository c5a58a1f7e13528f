package definition

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/model"
)

// TemplateStore persists workflow templates. The engine only reads through
// Get; the remaining methods back the administrative surface.
type TemplateStore interface {
	// Get returns the template whose id or name equals nameOrID.
	// Returns TEMPLATE_NOT_FOUND if there is none.
	Get(ctx context.Context, nameOrID string) (model.WorkflowTemplate, error)

	// List returns all templates ordered by name.
	List(ctx context.Context) ([]model.WorkflowTemplate, error)

	// ForCaseType returns the template tagged with caseType. When several
	// match, the one with the lexically smallest name wins.
	ForCaseType(ctx context.Context, caseType string) (model.WorkflowTemplate, error)

	// Create stores a new template, assigning an id and timestamps. Returns
	// CONFLICT if the name is already taken.
	Create(ctx context.Context, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error)

	// Update replaces the template identified by nameOrID. The id and
	// creation time are preserved. Returns TEMPLATE_NOT_FOUND or CONFLICT.
	Update(ctx context.Context, nameOrID string, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error)

	// Delete removes the template identified by nameOrID.
	Delete(ctx context.Context, nameOrID string) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}

// SeedResult counts what Seed did.
type SeedResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// Seed validates templates and writes them into store: missing names are
// created, existing ones are replaced when their steps differ.
func Seed(ctx context.Context, store TemplateStore, templates []model.WorkflowTemplate, logger *zap.Logger) (SeedResult, error) {
	var res SeedResult
	if logger == nil {
		logger = zap.NewNop()
	}

	if errs := NewValidator().ValidateAll(templates); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return res, fmt.Errorf("invalid seed templates: %s", strings.Join(msgs, "; "))
	}

	for _, tmpl := range templates {
		existing, err := store.Get(ctx, tmpl.Name)
		switch {
		case model.HasCode(err, model.ErrTemplateNotFound):
			if _, err := store.Create(ctx, tmpl); err != nil {
				return res, fmt.Errorf("seed template %q: %w", tmpl.Name, err)
			}
			res.Created++
			logger.Info("template seeded", zap.String("template", tmpl.Name), zap.String("source", tmpl.SourceFile))
		case err != nil:
			return res, fmt.Errorf("seed template %q: %w", tmpl.Name, err)
		case sameDefinition(existing, tmpl):
			res.Unchanged++
		default:
			if _, err := store.Update(ctx, existing.ID, tmpl); err != nil {
				return res, fmt.Errorf("seed template %q: %w", tmpl.Name, err)
			}
			res.Updated++
			logger.Info("template updated from seed", zap.String("template", tmpl.Name), zap.String("source", tmpl.SourceFile))
		}
	}
	return res, nil
}

func sameDefinition(a, b model.WorkflowTemplate) bool {
	if a.Name != b.Name || a.CaseType != b.CaseType || a.Description != b.Description || len(a.Steps) != len(b.Steps) {
		return false
	}
	for i := range a.Steps {
		if !sameStep(a.Steps[i], b.Steps[i]) {
			return false
		}
	}
	return true
}

func sameStep(a, b model.WorkflowStepDefinition) bool {
	if a.ID != b.ID || a.Name != b.Name || a.ResponsibleRole != b.ResponsibleRole ||
		a.ResponsibleDepartment != b.ResponsibleDepartment || len(a.Actions) != len(b.Actions) ||
		len(a.Transitions) != len(b.Transitions) {
		return false
	}
	for i := range a.Actions {
		if a.Actions[i] != b.Actions[i] {
			return false
		}
	}
	for k, v := range a.Transitions {
		if b.Transitions[k] != v {
			return false
		}
	}
	return true
}
