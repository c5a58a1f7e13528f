package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore. Commits are serialized
// by a single mutex.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: case ID
	byID      map[string]string                 // instance ID -> case ID
}

// NewMemoryInstanceStore creates a new in-memory instance store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		byID:      make(map[string]string),
	}
}

// Get retrieves the instance attached to a case.
func (s *MemoryInstanceStore) Get(_ context.Context, caseID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[caseID]
	if !exists {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(caseID)
	}
	return inst.Clone(), nil
}

// GetByID retrieves an instance by its own identifier.
func (s *MemoryInstanceStore) GetByID(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caseID, exists := s.byID[instanceID]
	if !exists {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(instanceID)
	}
	return s.instances[caseID].Clone(), nil
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.CaseID]; exists {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("case %q already has a workflow instance", inst.CaseID),
		)
	}
	if _, exists := s.byID[inst.ID]; exists {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q already exists", inst.ID),
		)
	}

	stored := inst.Clone()
	s.instances[inst.CaseID] = stored
	s.byID[inst.ID] = inst.CaseID
	return stored.Clone(), nil
}

// CompareAndSet commits next when the stored version matches.
func (s *MemoryInstanceStore) CompareAndSet(_ context.Context, caseID string, expectedVersion int, next model.WorkflowInstance) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[caseID]
	if !exists {
		return model.WorkflowInstance{}, model.NewInstanceNotFoundError(caseID)
	}

	// Optimistic lock check.
	if existing.Version != expectedVersion {
		return model.WorkflowInstance{}, model.NewConcurrentModificationError(caseID, expectedVersion)
	}

	stored := existing
	stored.CurrentStep = next.Clone().CurrentStep
	stored.Status = next.Status
	stored.History = next.Clone().History
	stored.UpdatedAt = next.UpdatedAt
	stored.Version = expectedVersion + 1
	s.instances[caseID] = stored
	return stored.Clone(), nil
}

// List returns matching instances ordered newest first.
func (s *MemoryInstanceStore) List(_ context.Context, filter model.InstanceFilter) ([]model.WorkflowInstance, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if filter.Matches(inst) {
			result = append(result, inst.Clone())
		}
	}

	// Sort by created_at descending, id for a stable order.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	total := len(result)

	// Apply offset and limit.
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []model.WorkflowInstance{}, total, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	if result == nil {
		result = []model.WorkflowInstance{}
	}
	return result, total, nil
}

// Delete removes the case's instance.
func (s *MemoryInstanceStore) Delete(_ context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, exists := s.instances[caseID]
	if !exists {
		return model.NewInstanceNotFoundError(caseID)
	}
	delete(s.instances, caseID)
	delete(s.byID, inst.ID)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryInstanceStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}
