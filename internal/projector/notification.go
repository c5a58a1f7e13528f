// Package projector delivers terminal workflow outcomes to the system that
// owns case status. Delivery is asynchronous and best-effort: the workflow
// instance is the source of truth and a lost notification can be repaired
// by replaying it from the instance.
package projector

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// Notification reports that a case's workflow reached a terminal outcome.
type Notification struct {
	DeliveryID   string               `json:"delivery_id"`
	CaseID       string               `json:"case_id"`
	InstanceID   string               `json:"instance_id"`
	TemplateName string               `json:"template_name"`
	Outcome      model.WorkflowStatus `json:"outcome"`
	CaseStatus   model.CaseStatus     `json:"case_status"`
	Actor        string               `json:"actor,omitempty"`
	OccurredAt   time.Time            `json:"occurred_at"`
}

// NewNotification builds the notification for a concluded instance. The
// boolean is false when the instance is still active.
func NewNotification(inst model.WorkflowInstance, actor string) (Notification, bool) {
	cs, ok := model.CaseStatusFor(inst.Status)
	if !ok {
		return Notification{}, false
	}
	return Notification{
		CaseID:       inst.CaseID,
		InstanceID:   inst.ID,
		TemplateName: inst.TemplateName,
		Outcome:      inst.Status,
		CaseStatus:   cs,
		Actor:        actor,
		OccurredAt:   inst.UpdatedAt,
	}, true
}

// Sink performs one delivery attempt.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver sends n once. A returned error makes the attempt eligible for
	// retry.
	Deliver(ctx context.Context, n Notification) error
}
