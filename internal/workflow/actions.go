package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/assignee"
	"github.com/pitabwire/caseflow/internal/entity"
	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/model"
)

var (
	errNoWriter   = errors.New("no entity writer configured")
	errNoWebhooks = errors.New("no webhook client configured")
	errNoResolver = errors.New("no assignee resolver configured")
)

// runActions executes the transition's actions in order against the already
// committed instance. Failures are reported per action and never returned.
// Assignment actions write the new step state back under the instance
// version; a lost race there becomes a warning.
func (e *Engine) runActions(
	ctx context.Context,
	rctx *model.RequestContext,
	tmpl *model.WorkflowTemplate,
	inst *model.WorkflowInstance,
	tr *model.Transition,
	fromStage, reason string,
	snap expression.Entity,
) ([]model.ActionResult, []string) {
	results := make([]model.ActionResult, 0, len(tr.Actions))
	if len(tr.Actions) == 0 {
		return results, nil
	}
	logger := observability.RequestLogger(ctx, e.opts.Logger, rctx)

	var events []model.WorkflowEvent
	var warnings []string
	var assigned []assignee.Assignment
	dirty := false
	committed := cloneInstance(*inst)

	for i, action := range tr.Actions {
		kind := action.Spec.ActionKind()
		actx, span := observability.StartSpan(ctx, "workflow.action",
			observability.AttrInstanceID.String(inst.ID),
			observability.AttrActionType.String(kind),
		)
		actx, cancel := context.WithTimeout(actx, e.opts.ActionTimeout)

		var err error
		switch spec := action.Spec.(type) {
		case model.NotificationAction:
			err = e.opts.Notifier.Notify(actx, activity.Notification{
				TenantID:   inst.TenantID,
				Recipients: spec.Recipients,
				Template:   spec.Template,
				Data:       transitionPayload(inst, fromStage, rctx.SubjectID, reason),
			})
		case model.AssignmentAction:
			var evt model.WorkflowEvent
			var a assignee.Assignment
			evt, a, err = e.assignStep(actx, tmpl, inst, spec, snap, rctx.SubjectID)
			if err == nil {
				events = append(events, evt)
				assigned = append(assigned, a)
				dirty = true
			}
		case model.FieldUpdateAction:
			if e.opts.Writer == nil {
				err = errNoWriter
				break
			}
			err = e.opts.Writer.SetField(actx, entity.Ref{
				TenantID: inst.TenantID,
				Type:     inst.EntityType,
				ID:       inst.EntityID,
			}, spec.Field, spec.Value)
		case model.WebhookAction:
			if e.opts.Webhooks == nil {
				err = errNoWebhooks
				break
			}
			err = e.opts.Webhooks.Deliver(actx, webhook.Request{
				URL:     spec.URL,
				Method:  spec.Method,
				Headers: spec.Headers,
				Body:    transitionPayload(inst, fromStage, rctx.SubjectID, reason),
			})
		default:
			err = fmt.Errorf("unsupported action %T", action.Spec)
		}
		cancel()
		observability.EndSpanWithError(span, err)
		e.opts.Metrics.RecordAction(kind, err == nil)

		res := model.ActionResult{Type: kind, Success: err == nil}
		data := map[string]any{"type": kind, "index": i}
		name := model.EventActionExecuted
		if err != nil {
			res.Error = err.Error()
			data["error"] = err.Error()
			name = model.EventActionFailed
			warnings = append(warnings, fmt.Sprintf("%s action failed: %s", kind, err.Error()))
			logger.Warn("transition action failed",
				zap.String("instance_id", inst.ID),
				zap.String("action", kind),
				zap.Int("index", i),
				zap.Error(err),
			)
		}
		results = append(results, res)
		events = append(events, e.event(inst, name, rctx.SubjectID, e.opts.Clock.Now(), data, ""))
	}

	if dirty {
		inst.UpdatedAt = e.opts.Clock.Now()
		err := e.opts.Store.Update(ctx, *inst, events...)
		if err == nil {
			inst.Version++
			return results, warnings
		}
		logger.Warn("could not store action assignments",
			zap.String("instance_id", inst.ID),
			zap.Error(err),
		)
		warnings = append(warnings, "action assignments were not stored: "+err.Error())
		e.releaseAssignments(ctx, assigned)
		*inst = committed
	}

	for _, evt := range events {
		if evt.Event == model.EventAssigned {
			continue
		}
		if err := e.opts.Store.AppendEvent(ctx, evt); err != nil {
			logger.Warn("could not append action event",
				zap.String("instance_id", inst.ID),
				zap.String("event", evt.Event),
				zap.Error(err),
			)
		}
	}
	return results, warnings
}

// assignStep resolves an assignment action's strategy onto a step of the
// stage the instance just entered.
func (e *Engine) assignStep(
	ctx context.Context,
	tmpl *model.WorkflowTemplate,
	inst *model.WorkflowInstance,
	spec model.AssignmentAction,
	snap expression.Entity,
	actorID string,
) (model.WorkflowEvent, assignee.Assignment, error) {
	if e.opts.Assignees == nil {
		return model.WorkflowEvent{}, assignee.Assignment{}, errNoResolver
	}
	st, ok := inst.StepStates[spec.StepID]
	if !ok {
		return model.WorkflowEvent{}, assignee.Assignment{}, fmt.Errorf("step %q is not part of stage %q", spec.StepID, inst.CurrentStage)
	}
	a, err := e.opts.Assignees.Resolve(ctx, spec.Strategy, assignee.Request{
		TenantID:   inst.TenantID,
		TemplateID: tmpl.ID,
		StepID:     spec.StepID,
		Entity:     snap,
	})
	if err != nil {
		return model.WorkflowEvent{}, assignee.Assignment{}, err
	}

	st.AssigneeID = a.AssigneeID
	st.AssigneeType = a.AssigneeType
	st.Warning = ""
	inst.StepStates[spec.StepID] = st

	evt := e.event(inst, model.EventAssigned, actorID, e.opts.Clock.Now(), map[string]any{
		"assignee_id":   a.AssigneeID,
		"assignee_type": a.AssigneeType,
	}, "")
	evt.StepID = spec.StepID
	return evt, a, nil
}

// transitionPayload is the data sent to notification and webhook actions.
func transitionPayload(inst *model.WorkflowInstance, fromStage, actorID, reason string) map[string]any {
	payload := map[string]any{
		"instance_id":      inst.ID,
		"tenant_id":        inst.TenantID,
		"template_id":      inst.TemplateID,
		"template_version": inst.TemplateVersion,
		"entity_type":      inst.EntityType,
		"entity_id":        inst.EntityID,
		"from":             fromStage,
		"to":               inst.CurrentStage,
		"status":           inst.Status,
		"actor_id":         actorID,
		"timestamp":        inst.UpdatedAt,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return payload
}
