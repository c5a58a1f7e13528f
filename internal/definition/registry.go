package definition

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/model"
)

// snapshot is an immutable collection of templates indexed by id and name.
type snapshot struct {
	byID     map[string]model.WorkflowTemplate
	byName   map[string]string // name -> id
	checksum string
}

// Registry is an in-memory TemplateStore. Reads load an immutable snapshot
// through an atomic pointer and never lock; writers serialize on a mutex and
// publish a new snapshot.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

// NewRegistry creates a Registry holding the given templates.
func NewRegistry(templates []model.WorkflowTemplate) *Registry {
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	r.Replace(templates)
	return r
}

// Replace atomically swaps the registry contents. Templates without an id are
// assigned one.
func (r *Registry) Replace(templates []model.WorkflowTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := make(map[string]model.WorkflowTemplate, len(templates))
	now := r.now()
	for _, t := range templates {
		t = t.Clone()
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = t.CreatedAt
		}
		byID[t.ID] = t
	}
	r.publish(byID)
}

// publish builds and stores a snapshot. Callers hold r.mu.
func (r *Registry) publish(byID map[string]model.WorkflowTemplate) {
	s := &snapshot{
		byID:   byID,
		byName: make(map[string]string, len(byID)),
	}
	names := make([]string, 0, len(byID))
	for id, t := range byID {
		s.byName[t.Name] = id
		names = append(names, t.Name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		data, _ := json.Marshal(byID[s.byName[name]].Steps)
		h.Write([]byte(name))
		h.Write(data)
	}
	s.checksum = fmt.Sprintf("%x", h.Sum(nil))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

func (s *snapshot) lookup(nameOrID string) (model.WorkflowTemplate, bool) {
	if t, ok := s.byID[nameOrID]; ok {
		return t, true
	}
	if id, ok := s.byName[nameOrID]; ok {
		return s.byID[id], true
	}
	return model.WorkflowTemplate{}, false
}

// Get returns the template whose id or name equals nameOrID.
func (r *Registry) Get(_ context.Context, nameOrID string) (model.WorkflowTemplate, error) {
	t, ok := r.current().lookup(nameOrID)
	if !ok {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(nameOrID)
	}
	return t.Clone(), nil
}

// List returns all templates ordered by name.
func (r *Registry) List(_ context.Context) ([]model.WorkflowTemplate, error) {
	s := r.current()
	out := make([]model.WorkflowTemplate, 0, len(s.byID))
	for _, t := range s.byID {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ForCaseType returns the first template, by name, tagged with caseType.
func (r *Registry) ForCaseType(ctx context.Context, caseType string) (model.WorkflowTemplate, error) {
	all, _ := r.List(ctx)
	for _, t := range all {
		if t.CaseType == caseType {
			return t, nil
		}
	}
	return model.WorkflowTemplate{}, model.NewTemplateNotFoundError("case_type=" + caseType)
}

// Create stores a new template.
func (r *Registry) Create(_ context.Context, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current()
	if _, taken := s.byName[tmpl.Name]; taken {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template %q already exists", tmpl.Name),
		)
	}
	tmpl = tmpl.Clone()
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	if _, taken := s.byID[tmpl.ID]; taken {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template id %q already exists", tmpl.ID),
		)
	}
	now := r.now()
	tmpl.CreatedAt, tmpl.UpdatedAt = now, now

	next := copyTemplates(s.byID)
	next[tmpl.ID] = tmpl
	r.publish(next)
	return tmpl.Clone(), nil
}

// Update replaces the template identified by nameOrID.
func (r *Registry) Update(_ context.Context, nameOrID string, tmpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current()
	existing, ok := s.lookup(nameOrID)
	if !ok {
		return model.WorkflowTemplate{}, model.NewTemplateNotFoundError(nameOrID)
	}
	if id, taken := s.byName[tmpl.Name]; taken && id != existing.ID {
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("workflow template %q already exists", tmpl.Name),
		)
	}

	tmpl = tmpl.Clone()
	tmpl.ID = existing.ID
	tmpl.CreatedAt = existing.CreatedAt
	tmpl.UpdatedAt = r.now()

	next := copyTemplates(s.byID)
	next[tmpl.ID] = tmpl
	r.publish(next)
	return tmpl.Clone(), nil
}

// Delete removes the template identified by nameOrID.
func (r *Registry) Delete(_ context.Context, nameOrID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.current()
	existing, ok := s.lookup(nameOrID)
	if !ok {
		return model.NewTemplateNotFoundError(nameOrID)
	}
	next := copyTemplates(s.byID)
	delete(next, existing.ID)
	r.publish(next)
	return nil
}

// HealthCheck always succeeds for the in-memory registry.
func (r *Registry) HealthCheck(_ context.Context) error {
	return nil
}

// Len returns the number of templates.
func (r *Registry) Len() int {
	return len(r.current().byID)
}

// Checksum returns a digest over all template names and steps. It changes
// whenever a template's structure changes.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

func copyTemplates(in map[string]model.WorkflowTemplate) map[string]model.WorkflowTemplate {
	out := make(map[string]model.WorkflowTemplate, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
