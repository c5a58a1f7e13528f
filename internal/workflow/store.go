package workflow

import (
	"context"

	"github.com/pitabwire/caseflow/model"
)

// InstanceStore persists workflow instances. It is the only component that
// mutates stored instances, and every implementation serializes commits for
// a given case.
type InstanceStore interface {
	// Get retrieves the instance attached to a case.
	// Returns INSTANCE_NOT_FOUND if the case has none.
	Get(ctx context.Context, caseID string) (model.WorkflowInstance, error)

	// GetByID retrieves an instance by its own identifier.
	// Returns INSTANCE_NOT_FOUND if it does not exist.
	GetByID(ctx context.Context, instanceID string) (model.WorkflowInstance, error)

	// Create persists a new instance. Returns CONFLICT if the case already
	// has an instance.
	Create(ctx context.Context, instance model.WorkflowInstance) (model.WorkflowInstance, error)

	// CompareAndSet replaces the mutable fields of the case's instance
	// (current step, status, history, updated_at) only when its stored
	// version equals expectedVersion. The stored instance is returned with
	// version expectedVersion+1. Returns CONCURRENT_MODIFICATION when the
	// version has moved and INSTANCE_NOT_FOUND when the instance is gone.
	CompareAndSet(ctx context.Context, caseID string, expectedVersion int, next model.WorkflowInstance) (model.WorkflowInstance, error)

	// List returns instances matching filter ordered newest first, together
	// with the number of matches before pagination.
	List(ctx context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, int, error)

	// Delete removes the case's instance.
	Delete(ctx context.Context, caseID string) error

	// HealthCheck reports whether the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}
