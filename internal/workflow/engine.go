// Package workflow runs workflow instances through their template's stage
// machine: starting instances, committing transitions, running transition
// actions and applying step and SLA deadlines.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/assignee"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/entity"
	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/gate"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/sla"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/model"
)

// RoleResolver returns the roles an actor holds in its tenant.
type RoleResolver interface {
	Roles(rctx *model.RequestContext) (model.RoleSet, error)
}

// AssigneeResolver resolves a step's assignee strategy. Release returns what
// a resolved assignment consumed when the write carrying it did not commit.
type AssigneeResolver interface {
	Resolve(ctx context.Context, strategy model.AssigneeStrategy, req assignee.Request) (assignee.Assignment, error)
	Release(ctx context.Context, a assignee.Assignment) error
}

// Options configures an Engine. Registry, Store and Gates are required.
type Options struct {
	Registry  *definition.Registry
	Store     InstanceStore
	Gates     *gate.Evaluator
	Assignees AssigneeResolver
	// Roles resolves actor roles; nil uses the roles carried on the request.
	Roles    RoleResolver
	Entities entity.Provider
	Writer   entity.Writer
	Notifier activity.Notifier
	Webhooks *webhook.Client
	Activity activity.Recorder
	Clock    sla.Clock
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	// ActionTimeout bounds each transition action.
	ActionTimeout time.Duration
	// SweepBatchSize caps how many due instances one deadline sweep loads.
	SweepBatchSize int
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	opts Options
}

// NewEngine creates a workflow engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = sla.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Nop
	}
	if opts.Notifier == nil {
		opts.Notifier = activity.NewLogNotifier(opts.Logger)
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 500
	}
	return &Engine{opts: opts}
}

// StartInstance creates an instance governing one entity. An empty templateID
// selects the tenant's default template for entityType. Only one active or
// paused instance may govern an entity at a time.
func (e *Engine) StartInstance(
	ctx context.Context,
	rctx *model.RequestContext,
	entityType, entityID, templateID string,
) (_ model.WorkflowInstance, err error) {
	if err := rctx.Validate(); err != nil {
		return model.WorkflowInstance{}, model.NewBadRequestError(err.Error())
	}
	ctx, span := observability.StartSpan(ctx, "workflow.StartInstance",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrTemplateID.String(templateID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, e.opts.Logger, rctx)

	wf, err := e.opts.Registry.ResolveWorkflow(rctx.TenantID, entityType, templateID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	tmpl := wf.Template

	existing, err := e.opts.Store.FindByEntity(ctx, rctx.TenantID, entityType, entityID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	for _, inst := range existing {
		if inst.Status == model.InstanceStatusActive || inst.Status == model.InstanceStatusPaused {
			return model.WorkflowInstance{}, model.NewConflictError(
				fmt.Sprintf("%s %q is already governed by workflow instance %q", entityType, entityID, inst.ID),
			)
		}
	}

	stage, ok := tmpl.Stage(tmpl.InitialStage)
	if !ok {
		return model.WorkflowInstance{}, model.NewInternalError()
	}

	now := e.opts.Clock.Now()
	inst := model.WorkflowInstance{
		ID:              uuid.New().String(),
		TenantID:        rctx.TenantID,
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		EntityType:      entityType,
		EntityID:        entityID,
		Status:          model.InstanceStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	snap, err := e.snapshot(ctx, &inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	events := []model.WorkflowEvent{e.event(&inst, model.EventStarted, rctx.SubjectID, now, map[string]any{
		"template_version": tmpl.Version,
	}, "")}
	entered, _, assigned := e.enterStage(ctx, tmpl, &inst, stage, snap, rctx.SubjectID, now)
	events = append(events, entered...)
	inst.NextDeadlineAt = sla.NextDeadline(&inst)

	if err := e.opts.Store.Create(ctx, inst, events...); err != nil {
		e.releaseAssignments(ctx, assigned)
		return model.WorkflowInstance{}, err
	}

	e.opts.Metrics.RecordWorkflowStart(tmpl.ID)
	e.record(ctx, &inst, activity.WorkflowStarted, rctx.SubjectID, map[string]any{
		"template_id":      tmpl.ID,
		"template_version": tmpl.Version,
		"stage":            inst.CurrentStage,
	})
	logger.Info("workflow instance started",
		zap.String("instance_id", inst.ID),
		zap.String("template_id", tmpl.ID),
		zap.Int("template_version", tmpl.Version),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	)
	return inst, nil
}

// Transition moves an active instance to toStage. The stage change, step
// reset and assignee resolution commit together under the instance version;
// transition actions run afterwards and never undo the commit.
func (e *Engine) Transition(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, toStage, reason string,
) (_ model.TransitionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Transition",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrInstanceID.String(instanceID),
		observability.AttrToStage.String(toStage),
	)
	defer func() { observability.EndSpanWithError(span, err) }()
	logger := observability.RequestLogger(ctx, e.opts.Logger, rctx)
	start := time.Now()

	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return model.TransitionResult{}, err
	}
	tmpl := wf.Template
	span.SetAttributes(
		observability.AttrTemplateID.String(tmpl.ID),
		observability.AttrFromStage.String(inst.CurrentStage),
	)
	defer func() {
		result := "success"
		if err != nil {
			result = model.ErrorCode(err)
		}
		e.opts.Metrics.RecordTransition(tmpl.ID, toStage, result, time.Since(start))
	}()

	// 1. Only active instances move.
	if inst.Status != model.InstanceStatusActive {
		return model.TransitionResult{}, model.NewWorkflowNotActiveError(inst.ID, inst.Status)
	}

	// 2. Match an explicit or wildcard edge.
	tr, ok := wf.Machine.Match(inst.CurrentStage, toStage)
	if !ok {
		return model.TransitionResult{}, model.NewNoSuchTransitionError(inst.CurrentStage, toStage)
	}

	// 3. Role allow-list.
	if len(tr.AllowedRoles) > 0 {
		roles, err := e.roles(rctx)
		if err != nil {
			return model.TransitionResult{}, err
		}
		if !roles.HasAny(tr.AllowedRoles...) {
			return model.TransitionResult{}, model.NewForbiddenError(
				fmt.Sprintf("transition %s -> %s is not permitted for this actor", inst.CurrentStage, toStage),
			)
		}
	}

	// 4. Reason.
	if tr.RequiresReason && reason == "" {
		return model.TransitionResult{}, model.NewReasonRequiredError(
			fmt.Sprintf("transition %s -> %s requires a reason", inst.CurrentStage, toStage),
		)
	}

	now := e.opts.Clock.Now()
	snap, err := e.snapshot(ctx, &inst)
	if err != nil {
		return model.TransitionResult{}, err
	}
	in := gate.Input{Instance: &inst, Entity: snap, Now: now}

	// 5. Every exit gate of the current stage; all failures are reported.
	from, _ := tmpl.Stage(inst.CurrentStage)
	if from != nil && len(from.Gates) > 0 {
		if failures := e.opts.Gates.EvaluateAll(ctx, from.Gates, in); len(failures) > 0 {
			for _, f := range failures {
				e.opts.Metrics.RecordGateFailure(tmpl.ID, from.ID, f.Code)
			}
			logger.Debug("exit gates failed",
				zap.String("instance_id", inst.ID),
				zap.String("stage", from.ID),
				zap.Int("failures", len(failures)),
			)
			return model.TransitionResult{}, model.NewGateFailedError(from.ID, failures)
		}
	}

	// 6. Transition conditions, first failure wins.
	if err := e.opts.Gates.CheckConditions(ctx, tr.Conditions, in); err != nil {
		return model.TransitionResult{}, err
	}

	// 7. Commit.
	target, ok := tmpl.Stage(toStage)
	if !ok {
		return model.TransitionResult{}, model.NewInternalError()
	}
	fromStage := inst.CurrentStage
	inst.PreviousStage = fromStage
	inst.UpdatedAt = now

	events := []model.WorkflowEvent{e.event(&inst, model.EventTransitioned, rctx.SubjectID, now, map[string]any{
		"from": fromStage,
		"to":   toStage,
	}, reason)}
	entered, warnings, assigned := e.enterStage(ctx, tmpl, &inst, target, snap, rctx.SubjectID, now)
	events = append(events, entered...)
	inst.NextDeadlineAt = sla.NextDeadline(&inst)

	if err := e.opts.Store.Update(ctx, inst, events...); err != nil {
		e.releaseAssignments(ctx, assigned)
		return model.TransitionResult{}, err
	}
	inst.Version++

	e.record(ctx, &inst, activity.WorkflowTransitioned, rctx.SubjectID, map[string]any{
		"from":   fromStage,
		"to":     toStage,
		"reason": reason,
	})
	if inst.Status == model.InstanceStatusCompleted {
		e.opts.Metrics.RecordWorkflowCompletion(tmpl.ID, inst.Status)
		e.record(ctx, &inst, activity.WorkflowCompleted, rctx.SubjectID, map[string]any{"outcome": inst.Outcome})
	}
	logger.Info("workflow transitioned",
		zap.String("instance_id", inst.ID),
		zap.String("from", fromStage),
		zap.String("to", toStage),
		zap.String("status", inst.Status),
	)

	// 8. Side effects.
	results, actionWarnings := e.runActions(ctx, rctx, tmpl, &inst, tr, fromStage, reason, snap)
	warnings = append(warnings, actionWarnings...)

	return model.TransitionResult{
		Instance:        inst,
		ExecutedActions: results,
		Warnings:        warnings,
	}, nil
}

// AllowedTransitions lists the transitions the actor may take from the
// instance's current stage. Instances that are not active have none.
func (e *Engine) AllowedTransitions(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) ([]model.AllowedTransition, error) {
	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != model.InstanceStatusActive {
		return []model.AllowedTransition{}, nil
	}
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return nil, err
	}

	var roles model.RoleSet
	out := []model.AllowedTransition{}
	for _, p := range wf.Machine.Permitted(inst.CurrentStage) {
		if len(p.Transition.AllowedRoles) > 0 {
			if roles == nil {
				if roles, err = e.roles(rctx); err != nil {
					return nil, err
				}
			}
			if !roles.HasAny(p.Transition.AllowedRoles...) {
				continue
			}
		}
		label := p.Transition.Label
		if label == "" {
			if st, ok := wf.Template.Stage(p.To); ok && st.Name != "" {
				label = st.Name
			} else {
				label = p.To
			}
		}
		out = append(out, model.AllowedTransition{
			To:             p.To,
			Label:          label,
			RequiresReason: p.Transition.RequiresReason,
		})
	}
	return out, nil
}

// Get returns an instance, scoped to the caller's tenant.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, instanceID string) (model.WorkflowInstance, error) {
	return e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
}

// FindByEntity returns the instances that have governed an entity, newest first.
func (e *Engine) FindByEntity(ctx context.Context, rctx *model.RequestContext, entityType, entityID string) ([]model.WorkflowInstance, error) {
	return e.opts.Store.FindByEntity(ctx, rctx.TenantID, entityType, entityID)
}

// SLAStatus derives the instance's SLA status at the engine clock's now.
func (e *Engine) SLAStatus(ctx context.Context, rctx *model.RequestContext, instanceID string) (string, error) {
	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return "", err
	}
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return "", err
	}
	return sla.InstanceStatus(wf.Template, &inst, e.opts.Clock.Now()), nil
}

// History returns the instance's event log in order.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.WorkflowEvent, error) {
	return e.opts.Store.GetEvents(ctx, rctx.TenantID, instanceID)
}

// Cancel moves an active or paused instance to cancelled.
func (e *Engine) Cancel(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, reason string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Cancel",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusActive && inst.Status != model.InstanceStatusPaused {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(inst.ID, inst.Status)
	}

	now := e.opts.Clock.Now()
	inst.Status = model.InstanceStatusCancelled
	inst.CompletedAt = &now
	inst.NextDeadlineAt = nil
	inst.UpdatedAt = now

	evt := e.event(&inst, model.EventCancelled, rctx.SubjectID, now, nil, reason)
	if err := e.opts.Store.Update(ctx, inst, evt); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	e.opts.Metrics.RecordWorkflowCompletion(inst.TemplateID, inst.Status)
	e.record(ctx, &inst, activity.WorkflowCancelled, rctx.SubjectID, map[string]any{"reason": reason})
	observability.RequestLogger(ctx, e.opts.Logger, rctx).Info("workflow instance cancelled",
		zap.String("instance_id", inst.ID),
		zap.String("stage", inst.CurrentStage),
	)
	return inst, nil
}

// Resume reactivates a paused instance. Pending step timeouts restart from now.
func (e *Engine) Resume(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.Resume",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusPaused {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q is %s, not paused", inst.ID, inst.Status),
		)
	}
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.opts.Clock.Now()
	if stage, ok := wf.Template.Stage(inst.CurrentStage); ok {
		for i := range stage.Steps {
			step := &stage.Steps[i]
			st, ok := inst.StepStates[step.ID]
			if !ok || st.Status != model.StepStatusPending {
				continue
			}
			st.DueAt = sla.StepDueAt(step, now)
			inst.StepStates[step.ID] = st
		}
	}
	inst.Status = model.InstanceStatusActive
	inst.NextDeadlineAt = sla.NextDeadline(&inst)
	inst.UpdatedAt = now

	evt := e.event(&inst, model.EventResumed, rctx.SubjectID, now, nil, "")
	if err := e.opts.Store.Update(ctx, inst, evt); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	e.record(ctx, &inst, activity.WorkflowResumed, rctx.SubjectID, nil)
	return inst, nil
}

// CompleteStep marks a step of the current stage completed and advances the
// instance's current step to the next unresolved one. Completing an already
// completed step is a no-op.
func (e *Engine) CompleteStep(
	ctx context.Context,
	rctx *model.RequestContext,
	instanceID, stepID, result string,
) (_ model.WorkflowInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.CompleteStep",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	inst, err := e.opts.Store.Get(ctx, rctx.TenantID, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusActive {
		return model.WorkflowInstance{}, model.NewWorkflowNotActiveError(inst.ID, inst.Status)
	}
	st, ok := inst.StepStates[stepID]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("step %q is not part of stage %q", stepID, inst.CurrentStage),
		)
	}
	if st.Status == model.StepStatusCompleted {
		return inst, nil
	}
	if st.Status == model.StepStatusSkipped {
		return model.WorkflowInstance{}, model.NewConflictError(fmt.Sprintf("step %q was skipped", stepID))
	}
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.opts.Clock.Now()
	st.Status = model.StepStatusCompleted
	st.CompletedAt = &now
	st.CompletedBy = rctx.SubjectID
	st.Result = result
	inst.StepStates[stepID] = st
	if stage, ok := wf.Template.Stage(inst.CurrentStage); ok {
		inst.CurrentStep = nextOpenStep(stage, inst.StepStates)
	}
	inst.NextDeadlineAt = sla.NextDeadline(&inst)
	inst.UpdatedAt = now

	evt := e.event(&inst, model.EventStepCompleted, rctx.SubjectID, now, map[string]any{"result": result}, "")
	evt.StepID = stepID
	if err := e.opts.Store.Update(ctx, inst, evt); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	e.record(ctx, &inst, activity.WorkflowStepCompleted, rctx.SubjectID, map[string]any{
		"step_id": stepID,
		"result":  result,
	})
	return inst, nil
}

// enterStage places inst in stage at now: it resets step state, stamps step
// deadlines, resolves assignees and recomputes the due date. Assignee
// failures become step warnings. Entering a terminal stage completes the
// instance with the stage id as its outcome and leaves nothing due.
func (e *Engine) enterStage(
	ctx context.Context,
	tmpl *model.WorkflowTemplate,
	inst *model.WorkflowInstance,
	stage *model.Stage,
	snap expression.Entity,
	actorID string,
	now time.Time,
) ([]model.WorkflowEvent, []string, []assignee.Assignment) {
	inst.CurrentStage = stage.ID
	inst.StageEnteredAt = now
	inst.DueDate = sla.DueDate(tmpl, stage, now)
	inst.SLABreachedAt = nil
	inst.StepStates = make(map[string]model.StepState, len(stage.Steps))

	var events []model.WorkflowEvent
	var warnings []string
	var assigned []assignee.Assignment
	for i := range stage.Steps {
		step := &stage.Steps[i]
		st := model.StepState{Status: model.StepStatusPending}
		if !stage.IsTerminal {
			st.DueAt = sla.StepDueAt(step, now)
		}
		if step.Assignee != nil && e.opts.Assignees != nil {
			a, err := e.opts.Assignees.Resolve(ctx, *step.Assignee, assignee.Request{
				TenantID:   inst.TenantID,
				TemplateID: tmpl.ID,
				StepID:     step.ID,
				Entity:     snap,
			})
			if err != nil {
				st.Warning = err.Error()
				warnings = append(warnings, fmt.Sprintf("step %s: %s", step.ID, err.Error()))
				evt := e.event(inst, model.EventAssignFailed, actorID, now, map[string]any{"error": err.Error()}, "")
				evt.StepID = step.ID
				events = append(events, evt)
				observability.LoggerFrom(ctx, e.opts.Logger).Warn("step left unassigned",
					zap.String("instance_id", inst.ID),
					zap.String("step_id", step.ID),
					zap.Error(err),
				)
			} else {
				assigned = append(assigned, a)
				st.AssigneeID = a.AssigneeID
				st.AssigneeType = a.AssigneeType
				evt := e.event(inst, model.EventAssigned, actorID, now, map[string]any{
					"assignee_id":   a.AssigneeID,
					"assignee_type": a.AssigneeType,
				}, "")
				evt.StepID = step.ID
				events = append(events, evt)
			}
		}
		inst.StepStates[step.ID] = st
	}
	inst.CurrentStep = nextOpenStep(stage, inst.StepStates)

	if stage.IsTerminal {
		inst.Status = model.InstanceStatusCompleted
		inst.CompletedAt = &now
		inst.Outcome = stage.ID
	}
	return events, warnings, assigned
}

// releaseAssignments hands back assignments resolved for a write that did not
// commit.
func (e *Engine) releaseAssignments(ctx context.Context, assigned []assignee.Assignment) {
	for i := len(assigned) - 1; i >= 0; i-- {
		if err := e.opts.Assignees.Release(ctx, assigned[i]); err != nil {
			observability.LoggerFrom(ctx, e.opts.Logger).Warn("could not release assignment",
				zap.String("assignee_id", assigned[i].AssigneeID),
				zap.Error(err),
			)
		}
	}
}

// nextOpenStep returns the first step of stage, in template order, that is
// neither completed nor skipped.
func nextOpenStep(stage *model.Stage, states map[string]model.StepState) string {
	for _, step := range stage.Steps {
		st := states[step.ID]
		if st.Status != model.StepStatusCompleted && st.Status != model.StepStatusSkipped {
			return step.ID
		}
	}
	return ""
}

// snapshot reads the governed entity. A missing entity evaluates as empty.
func (e *Engine) snapshot(ctx context.Context, inst *model.WorkflowInstance) (expression.Entity, error) {
	if e.opts.Entities == nil {
		return expression.Entity{}, nil
	}
	snap, err := e.opts.Entities.Snapshot(ctx, entity.Ref{
		TenantID: inst.TenantID,
		Type:     inst.EntityType,
		ID:       inst.EntityID,
	})
	if model.IsErrorCode(err, model.ErrNotFound) {
		return expression.Entity{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entity snapshot: %w", err)
	}
	return snap, nil
}

func (e *Engine) roles(rctx *model.RequestContext) (model.RoleSet, error) {
	if e.opts.Roles == nil {
		return model.NewRoleSet(rctx.Roles...), nil
	}
	roles, err := e.opts.Roles.Roles(rctx)
	if err != nil {
		var env *model.ErrorEnvelope
		if errors.As(err, &env) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve roles: %w", err)
	}
	return roles, nil
}

func (e *Engine) event(
	inst *model.WorkflowInstance,
	name, actorID string,
	at time.Time,
	data map[string]any,
	comment string,
) model.WorkflowEvent {
	return model.WorkflowEvent{
		ID:                 uuid.New().String(),
		WorkflowInstanceID: inst.ID,
		StageID:            inst.CurrentStage,
		Event:              name,
		ActorID:            actorID,
		Data:               data,
		Comment:            comment,
		Timestamp:          at,
	}
}

func (e *Engine) record(ctx context.Context, inst *model.WorkflowInstance, action, actorID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["instance_id"] = inst.ID
	data["stage"] = inst.CurrentStage
	e.opts.Activity.Record(ctx, model.ActivityEvent{
		ID:         uuid.New().String(),
		TenantID:   inst.TenantID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Action:     action,
		ActorID:    actorID,
		Data:       data,
		Timestamp:  e.opts.Clock.Now(),
	})
}
