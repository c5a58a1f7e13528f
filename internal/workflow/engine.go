package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/projector"
	"github.com/pitabwire/caseflow/model"
)

// AbortAction is the history label recorded when an instance is aborted.
const AbortAction = "Abort"

// Paging defaults for List.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// DeletionPolicy decides what happens to a workflow instance when its case
// is deleted.
type DeletionPolicy string

// Case deletion policies.
const (
	DeletionOrphan  DeletionPolicy = "orphan"
	DeletionAbort   DeletionPolicy = "abort"
	DeletionArchive DeletionPolicy = "archive"
	DeletionDelete  DeletionPolicy = "delete"
)

// Notifier receives terminal outcomes. Notify must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, n projector.Notification)
}

// Archiver copies an instance to long-term storage before it is removed.
type Archiver interface {
	Archive(ctx context.Context, inst model.WorkflowInstance) error
}

// StartRequest identifies the case and the template to run. TemplateName
// takes precedence over CaseType.
type StartRequest struct {
	CaseID       string
	TemplateName string
	CaseType     string
	Actor        string
}

// ActionRequest is one user action against a case's workflow. Actor
// defaults to the identity carried by the context.
type ActionRequest struct {
	CaseID  string
	Action  string
	Actor   string
	Comment string
}

// ListQuery filters and pages instance listings. Page is 1-based.
type ListQuery struct {
	CaseID       string
	TemplateName string
	Status       model.WorkflowStatus
	Page         int
	PageSize     int
}

// ListResult is one page of instances.
type ListResult struct {
	Items    []model.WorkflowInstance `json:"items"`
	Total    int                      `json:"total"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
}

// CaseDeletionResult reports what CaseDeleted did.
type CaseDeletionResult struct {
	CaseID   string                  `json:"case_id"`
	Policy   DeletionPolicy          `json:"policy"`
	Applied  string                  `json:"applied"`
	Instance *model.WorkflowInstance `json:"instance,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the case status projector.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAuditSink sets the audit trail sink.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.audit = s }
}

// WithArchiver sets the archiver used by the archive deletion policy.
func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source for history entries and timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLegacyLabels toggles keyword-based resolution for actions that have no
// transition table entry.
func WithLegacyLabels(enabled bool) Option {
	return func(e *Engine) { e.resolver = NewResolver(enabled) }
}

// WithDeletionPolicy sets the case deletion policy.
func WithDeletionPolicy(p DeletionPolicy) Option {
	return func(e *Engine) { e.deletion = p }
}

// Engine runs workflow instances through their templates.
type Engine struct {
	templates definition.TemplateStore
	store     InstanceStore
	resolver  *Resolver
	notifier  Notifier
	audit     audit.Sink
	archiver  Archiver
	deletion  DeletionPolicy
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(templates definition.TemplateStore, store InstanceStore, opts ...Option) *Engine {
	e := &Engine{
		templates: templates,
		store:     store,
		resolver:  NewResolver(true),
		audit:     audit.NopSink{},
		deletion:  DeletionOrphan,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates the Active instance for a case at the template's first step.
func (e *Engine) Start(ctx context.Context, req StartRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Start",
		observability.AttrCaseID.String(req.CaseID),
		observability.AttrTemplate.String(req.TemplateName),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Validate request.
	if strings.TrimSpace(req.CaseID) == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("case_id is required")
	}

	// 2. Resolve template.
	var tmpl model.WorkflowTemplate
	switch {
	case req.TemplateName != "":
		tmpl, err = e.templates.Get(ctx, req.TemplateName)
	case req.CaseType != "":
		tmpl, err = e.templates.ForCaseType(ctx, req.CaseType)
	default:
		return model.WorkflowInstance{}, model.NewBadRequestError("template_name or case_type is required")
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(tmpl.Steps) == 0 {
		return model.WorkflowInstance{}, model.NewValidationError([]model.FieldError{{
			Field: "template.steps", Code: "REQUIRED", Message: fmt.Sprintf("template %q has no steps", tmpl.Name),
		}})
	}

	// 3. Create instance at the first step.
	now := e.now()
	first := tmpl.Steps[0].Clone()
	inst = model.WorkflowInstance{
		ID:           uuid.New().String(),
		CaseID:       req.CaseID,
		TemplateName: tmpl.Name,
		CurrentStep:  &first,
		Status:       model.WorkflowStatusActive,
		History:      []model.WorkflowHistoryEntry{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}

	// 4. Persist instance.
	inst, err = e.store.Create(ctx, inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	actor := e.actor(ctx, req.Actor)
	e.metrics.RecordWorkflowStart(inst.TemplateName)
	span.SetAttributes(observability.InstanceAttributes(inst)...)
	e.log(ctx).Info("workflow started", observability.InstanceFields(inst)...)
	e.record(ctx, audit.EventWorkflowStarted, actor, inst, map[string]any{
		"step_id":   first.ID,
		"step_name": first.Name,
	})
	return inst, nil
}

// Perform applies one action to the case's active workflow and commits the
// result atomically. Every rejection leaves the stored instance untouched.
func (e *Engine) Perform(ctx context.Context, req ActionRequest) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Perform",
		observability.AttrCaseID.String(req.CaseID),
		observability.AttrAction.String(req.Action),
	)
	start := time.Now()
	templateName := ""
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = model.CodeOf(err)
			if outcome == "" {
				outcome = model.ErrInternalError
			}
		}
		e.metrics.RecordWorkflowAction(templateName, outcome, time.Since(start))
		span.SetAttributes(attribute.String("workflow.outcome", outcome))
		observability.EndSpanWithError(span, err)
	}()

	if strings.TrimSpace(req.CaseID) == "" {
		return model.WorkflowInstance{}, model.NewBadRequestError("case_id is required")
	}
	actor := e.actor(ctx, req.Actor)
	logger := e.log(ctx).With(zap.String("case_id", req.CaseID), zap.String("action", req.Action))

	// 1. Load instance.
	current, err := e.store.Get(ctx, req.CaseID)
	if err != nil {
		e.logIntegrity(logger, err)
		return model.WorkflowInstance{}, err
	}
	templateName = current.TemplateName

	// 2. Only active instances accept actions.
	if !current.IsActive() {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(current.CaseID, current.Status)
	}
	if current.CurrentStep == nil {
		err := model.NewStepNotFoundError("", current.TemplateName)
		e.logIntegrity(logger, err)
		return model.WorkflowInstance{}, err
	}

	// 3. Load the template as it is now.
	tmpl, err := e.templates.Get(ctx, current.TemplateName)
	if err != nil {
		e.logIntegrity(logger, err)
		return model.WorkflowInstance{}, err
	}

	// 4. Resolve the transition.
	out, err := e.resolver.Resolve(tmpl, current.CurrentStep.ID, req.Action)
	if err != nil {
		e.logIntegrity(logger, err)
		return model.WorkflowInstance{}, err
	}

	// 5-6. Record history and compute the next state.
	now := e.now()
	next := current.Clone()
	next.History = append(next.History, model.WorkflowHistoryEntry{
		StepID:      current.CurrentStep.ID,
		StepName:    current.CurrentStep.Name,
		ActionTaken: req.Action,
		ActionBy:    actor,
		Timestamp:   now,
		Comment:     req.Comment,
	})
	next.CurrentStep = out.Next
	next.Status = out.Status()
	next.UpdatedAt = now

	// An abandoned call must not commit.
	if err := ctx.Err(); err != nil {
		return model.WorkflowInstance{}, err
	}

	// 7. Commit against the version that was read.
	inst, err = e.commit(ctx, logger, current, next)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	span.SetAttributes(observability.InstanceAttributes(inst)...)
	e.log(ctx).Info("workflow action performed",
		append(observability.InstanceFields(inst), zap.String("from_step", current.CurrentStep.ID))...)

	// 8. Project terminal outcomes and record the audit entry.
	e.concluded(ctx, inst, actor)
	e.record(ctx, audit.EventActionPerformed, actor, inst, map[string]any{
		"step_id":   current.CurrentStep.ID,
		"step_name": current.CurrentStep.Name,
		"action":    req.Action,
		"status":    string(inst.Status),
		"comment":   req.Comment,
	})
	return inst, nil
}

// Abort administratively concludes an active instance with status Aborted.
func (e *Engine) Abort(ctx context.Context, caseID, actor, reason string) (inst model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Abort", observability.AttrCaseID.String(caseID))
	defer func() { observability.EndSpanWithError(span, err) }()

	actor = e.actor(ctx, actor)
	logger := e.log(ctx).With(zap.String("case_id", caseID))

	current, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !current.IsActive() {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(current.CaseID, current.Status)
	}

	now := e.now()
	next := current.Clone()
	entry := model.WorkflowHistoryEntry{
		ActionTaken: AbortAction,
		ActionBy:    actor,
		Timestamp:   now,
		Comment:     reason,
	}
	if current.CurrentStep != nil {
		entry.StepID = current.CurrentStep.ID
		entry.StepName = current.CurrentStep.Name
	}
	next.History = append(next.History, entry)
	next.CurrentStep = nil
	next.Status = model.WorkflowStatusAborted
	next.UpdatedAt = now

	inst, err = e.commit(ctx, logger, current, next)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	span.SetAttributes(observability.InstanceAttributes(inst)...)
	e.log(ctx).Info("workflow aborted", append(observability.InstanceFields(inst), zap.String("reason", reason))...)
	e.concluded(ctx, inst, actor)
	e.record(ctx, audit.EventWorkflowAborted, actor, inst, map[string]any{
		"step_id":   entry.StepID,
		"step_name": entry.StepName,
		"reason":    reason,
	})
	return inst, nil
}

// CaseDeleted applies the configured deletion policy to the case's
// instance. A case without an instance is not an error.
func (e *Engine) CaseDeleted(ctx context.Context, caseID, actor string) (CaseDeletionResult, error) {
	res := CaseDeletionResult{CaseID: caseID, Policy: e.deletion, Applied: "none"}
	actor = e.actor(ctx, actor)

	inst, err := e.store.Get(ctx, caseID)
	if model.HasCode(err, model.ErrInstanceNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	switch e.deletion {
	case DeletionAbort:
		if inst.IsActive() {
			inst, err = e.Abort(ctx, caseID, actor, "case deleted")
			if err != nil {
				return res, err
			}
			res.Applied = "aborted"
		} else {
			res.Applied = "retained"
		}

	case DeletionArchive:
		if e.archiver == nil {
			return res, fmt.Errorf("archive deletion policy requires an archiver")
		}
		if err := e.archiver.Archive(ctx, inst); err != nil {
			return res, fmt.Errorf("archive workflow instance: %w", err)
		}
		if err := e.store.Delete(ctx, caseID); err != nil {
			return res, err
		}
		res.Applied = "archived"
		e.record(ctx, audit.EventWorkflowArchived, actor, inst, nil)

	case DeletionDelete:
		if err := e.store.Delete(ctx, caseID); err != nil {
			return res, err
		}
		res.Applied = "deleted"
		e.record(ctx, audit.EventWorkflowRemoved, actor, inst, nil)

	default:
		res.Applied = "retained"
	}

	e.log(ctx).Info("case deletion applied",
		zap.String("case_id", caseID),
		zap.String("policy", string(e.deletion)),
		zap.String("applied", res.Applied),
	)
	res.Instance = &inst
	return res, nil
}

// Get returns the instance for a case id, falling back to the instance id.
func (e *Engine) Get(ctx context.Context, caseOrInstanceID string) (model.WorkflowInstance, error) {
	inst, err := e.store.Get(ctx, caseOrInstanceID)
	if model.HasCode(err, model.ErrInstanceNotFound) {
		return e.store.GetByID(ctx, caseOrInstanceID)
	}
	return inst, err
}

// List returns one page of instances, newest first.
func (e *Engine) List(ctx context.Context, q ListQuery) (ListResult, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	items, total, err := e.store.List(ctx, model.InstanceFilter{
		CaseID:       q.CaseID,
		TemplateName: q.TemplateName,
		Status:       q.Status,
		Limit:        size,
		Offset:       (page - 1) * size,
	})
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total, Page: page, PageSize: size}, nil
}

// commit writes next over current with a version check.
func (e *Engine) commit(ctx context.Context, logger *zap.Logger, current, next model.WorkflowInstance) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.commit",
		attribute.Int("workflow.expected_version", current.Version),
	)
	inst, err := e.store.CompareAndSet(ctx, current.CaseID, current.Version, next)
	observability.EndSpanWithError(span, err)

	if model.HasCode(err, model.ErrConcurrentModification) {
		e.metrics.RecordWorkflowConflict(current.TemplateName)
		logger.Warn("workflow commit lost to a concurrent update", zap.Int("expected_version", current.Version))
	}
	return inst, err
}

// concluded notifies the projector when inst has reached a terminal status.
func (e *Engine) concluded(ctx context.Context, inst model.WorkflowInstance, actor string) {
	n, ok := projector.NewNotification(inst, actor)
	if !ok {
		return
	}
	e.metrics.RecordWorkflowTerminal(inst.TemplateName, string(inst.Status))
	if e.notifier != nil {
		e.notifier.Notify(ctx, n)
	}
}

func (e *Engine) record(ctx context.Context, eventType, actor string, inst model.WorkflowInstance, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["instance_id"] = inst.ID
	details["template_name"] = inst.TemplateName
	if _, ok := details["status"]; !ok {
		details["status"] = string(inst.Status)
	}

	rec := audit.Record{
		EventType:     eventType,
		ActorUserID:   actor,
		ResourceType:  audit.ResourceTypeCase,
		ResourceID:    inst.CaseID,
		Details:       details,
		CorrelationID: model.CorrelationIDFrom(ctx),
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		rec.ActorUsername = rctx.Username
	}
	if err := e.audit.Record(ctx, rec); err != nil {
		e.metrics.RecordAuditFailure("engine")
		e.log(ctx).Warn("audit record failed",
			zap.String("case_id", inst.CaseID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

func (e *Engine) logIntegrity(logger *zap.Logger, err error) {
	if !model.IsIntegrityError(err) {
		return
	}
	e.metrics.RecordIntegrityError(model.CodeOf(err))
	logger.Error("workflow integrity anomaly", zap.String("code", model.CodeOf(err)), zap.Error(err))
}

func (e *Engine) actor(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return model.ActorFrom(ctx)
}

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, e.logger)
}
