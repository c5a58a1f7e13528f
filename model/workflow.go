package model

import (
	"strings"
	"time"
)

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

// Workflow instance status constants.
const (
	WorkflowStatusActive    WorkflowStatus = "Active"
	WorkflowStatusCompleted WorkflowStatus = "Completed"
	WorkflowStatusRejected  WorkflowStatus = "Rejected"
	WorkflowStatusAborted   WorkflowStatus = "Aborted"
)

// IsTerminal reports whether no further actions are accepted in this status.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusRejected, WorkflowStatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s WorkflowStatus) Valid() bool {
	return s == WorkflowStatusActive || s.IsTerminal()
}

// ParseWorkflowStatus matches a status case-insensitively.
func ParseWorkflowStatus(v string) (WorkflowStatus, bool) {
	for _, s := range []WorkflowStatus{
		WorkflowStatusActive, WorkflowStatusCompleted, WorkflowStatusRejected, WorkflowStatusAborted,
	} {
		if strings.EqualFold(string(s), v) {
			return s, true
		}
	}
	return "", false
}

// CaseStatus is the status projected onto the owning case when its workflow
// reaches a terminal outcome.
type CaseStatus string

// Case status projections.
const (
	CaseStatusApproved CaseStatus = "Approved"
	CaseStatusRejected CaseStatus = "Rejected"
	CaseStatusAborted  CaseStatus = "Aborted"
)

// CaseStatusFor maps a terminal workflow status to the case status it
// projects. The boolean is false for Active.
func CaseStatusFor(s WorkflowStatus) (CaseStatus, bool) {
	switch s {
	case WorkflowStatusCompleted:
		return CaseStatusApproved, true
	case WorkflowStatusRejected:
		return CaseStatusRejected, true
	case WorkflowStatusAborted:
		return CaseStatusAborted, true
	}
	return "", false
}

// StepTransition is one entry of a step's transition table. Exactly one of
// Next and Terminal is set.
type StepTransition struct {
	Next     string         `json:"next,omitempty" yaml:"next,omitempty"`
	Terminal WorkflowStatus `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// WorkflowStepDefinition is one stage of a workflow template.
type WorkflowStepDefinition struct {
	ID                    string                    `json:"id" yaml:"id"`
	Name                  string                    `json:"name" yaml:"name"`
	ResponsibleRole       string                    `json:"responsible_role,omitempty" yaml:"responsible_role,omitempty"`
	ResponsibleDepartment string                    `json:"responsible_department,omitempty" yaml:"responsible_department,omitempty"`
	Actions               []string                  `json:"actions" yaml:"actions"`
	Transitions           map[string]StepTransition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Allows reports whether action is one of the step's legal actions. Labels
// are compared exactly.
func (s WorkflowStepDefinition) Allows(action string) bool {
	for _, a := range s.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the step.
func (s WorkflowStepDefinition) Clone() WorkflowStepDefinition {
	out := s
	if s.Actions != nil {
		out.Actions = append([]string(nil), s.Actions...)
	}
	if s.Transitions != nil {
		out.Transitions = make(map[string]StepTransition, len(s.Transitions))
		for k, v := range s.Transitions {
			out.Transitions[k] = v
		}
	}
	return out
}

// WorkflowTemplate is a named, ordered list of steps for one case type.
type WorkflowTemplate struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description,omitempty" yaml:"description,omitempty"`
	CaseType    string                   `json:"case_type" yaml:"case_type"`
	Steps       []WorkflowStepDefinition `json:"steps" yaml:"steps"`
	CreatedAt   time.Time                `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time                `json:"updated_at" yaml:"-"`

	// Checksum and SourceFile are set for templates seeded from YAML files.
	Checksum   string `json:"-" yaml:"-"`
	SourceFile string `json:"-" yaml:"-"`
}

// Step returns the step with the given id.
func (t WorkflowTemplate) Step(id string) (WorkflowStepDefinition, bool) {
	if i := t.StepIndex(id); i >= 0 {
		return t.Steps[i], true
	}
	return WorkflowStepDefinition{}, false
}

// StepIndex returns the position of the step with the given id, or -1.
func (t WorkflowTemplate) StepIndex(id string) int {
	return stepIndex(t.Steps, id)
}

// Clone returns a deep copy of the template.
func (t WorkflowTemplate) Clone() WorkflowTemplate {
	out := t
	if t.Steps != nil {
		out.Steps = make([]WorkflowStepDefinition, len(t.Steps))
		for i, s := range t.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Matches reports whether nameOrID identifies this template.
func (t WorkflowTemplate) Matches(nameOrID string) bool {
	return nameOrID != "" && (t.ID == nameOrID || t.Name == nameOrID)
}

func stepIndex(steps []WorkflowStepDefinition, id string) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

// WorkflowHistoryEntry is an append-only record of one action taken against
// an instance. StepID and StepName are snapshotted when the action happens.
type WorkflowHistoryEntry struct {
	StepID      string    `json:"step_id"`
	StepName    string    `json:"step_name"`
	ActionTaken string    `json:"action_taken"`
	ActionBy    string    `json:"action_by"`
	Timestamp   time.Time `json:"timestamp"`
	Comment     string    `json:"comment,omitempty"`
}

// WorkflowInstance is the live or concluded run of a template against one
// case. CurrentStep is nil exactly when Status is terminal.
type WorkflowInstance struct {
	ID           string                  `json:"id"`
	CaseID       string                  `json:"case_id"`
	TemplateName string                  `json:"template_name"`
	CurrentStep  *WorkflowStepDefinition `json:"current_step"`
	Status       WorkflowStatus          `json:"status"`
	History      []WorkflowHistoryEntry  `json:"history"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	Version      int                     `json:"version"`
}

// IsActive reports whether the instance still accepts actions.
func (i WorkflowInstance) IsActive() bool {
	return i.Status == WorkflowStatusActive
}

// Consistent reports whether Status and CurrentStep agree.
func (i WorkflowInstance) Consistent() bool {
	return (i.Status == WorkflowStatusActive) == (i.CurrentStep != nil)
}

// Clone returns a deep copy so callers never share history slices or step
// snapshots with a store.
func (i WorkflowInstance) Clone() WorkflowInstance {
	out := i
	if i.CurrentStep != nil {
		step := i.CurrentStep.Clone()
		out.CurrentStep = &step
	}
	out.History = make([]WorkflowHistoryEntry, len(i.History))
	copy(out.History, i.History)
	return out
}

// InstanceFilter narrows instance listings. Zero values match everything.
type InstanceFilter struct {
	CaseID       string
	TemplateName string
	Status       WorkflowStatus
	Limit        int
	Offset       int
}

// Matches reports whether inst satisfies the non-pagination filters.
func (f InstanceFilter) Matches(inst WorkflowInstance) bool {
	if f.CaseID != "" && inst.CaseID != f.CaseID {
		return false
	}
	if f.TemplateName != "" && inst.TemplateName != f.TemplateName {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return true
}
