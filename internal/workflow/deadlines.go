package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/sla"
	"github.com/pitabwire/caseflow/model"
)

// ProcessDeadlines applies every step timeout and SLA breach that is due at
// now, across all tenants, and returns how many instances it changed.
// Instances that another writer moved in the meantime are skipped; the next
// sweep picks them up again if they are still due.
func (e *Engine) ProcessDeadlines(ctx context.Context, now time.Time) (processed int, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.ProcessDeadlines")
	start := time.Now()
	defer func() {
		span.SetAttributes(observability.AttrSweepResult.Int(processed))
		observability.EndSpanWithError(span, err)
		e.opts.Metrics.RecordSweep(time.Since(start))
	}()

	due, err := e.opts.Store.FindDue(ctx, now, e.opts.SweepBatchSize)
	if err != nil {
		return 0, err
	}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		ok, err := e.processDue(ctx, &due[i], now)
		if err != nil {
			if model.IsErrorCode(err, model.ErrConcurrentModification) {
				e.opts.Logger.Debug("deadline sweep lost race",
					zap.String("instance_id", due[i].ID),
				)
				continue
			}
			e.opts.Logger.Error("deadline sweep failed for instance",
				zap.String("tenant_id", due[i].TenantID),
				zap.String("instance_id", due[i].ID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			processed++
		}
	}

	if len(due) > 0 {
		e.opts.Logger.Info("deadline sweep finished",
			zap.Int("due", len(due)),
			zap.Int("processed", processed),
		)
	}
	return processed, nil
}

type deadlineOutcome struct {
	action string
	data   map[string]any
	notify bool
}

// processDue applies the deadlines of one instance and stores the result.
func (e *Engine) processDue(ctx context.Context, inst *model.WorkflowInstance, now time.Time) (bool, error) {
	wf, err := e.opts.Registry.Workflow(inst.Ref())
	if err != nil {
		return false, err
	}
	tmpl := wf.Template
	stage, ok := tmpl.Stage(inst.CurrentStage)
	if !ok {
		return false, model.NewInternalError()
	}
	logger := e.opts.Logger.With(
		zap.String("tenant_id", inst.TenantID),
		zap.String("instance_id", inst.ID),
	)

	var events []model.WorkflowEvent
	var outcomes []deadlineOutcome

	for i := range stage.Steps {
		step := &stage.Steps[i]
		st, ok := inst.StepStates[step.ID]
		if !ok || st.Status != model.StepStatusPending || st.DueAt == nil || now.Before(*st.DueAt) {
			continue
		}

		policy := step.OnTimeout
		if policy == "" {
			policy = model.OnTimeoutEscalate
		}
		evt := e.event(inst, model.EventStepTimedOut, model.SystemActor, now, map[string]any{
			"policy": policy,
			"due_at": *st.DueAt,
		}, "")
		evt.StepID = step.ID
		events = append(events, evt)
		e.opts.Metrics.RecordStepTimeout(tmpl.ID, policy)

		data := map[string]any{"step_id": step.ID, "policy": policy}
		switch policy {
		case model.OnTimeoutPause:
			inst.Status = model.InstanceStatusPaused
			outcomes = append(outcomes, deadlineOutcome{action: activity.WorkflowPaused, data: data})
		case model.OnTimeoutSkip:
			st.Status = model.StepStatusSkipped
			outcomes = append(outcomes, deadlineOutcome{action: activity.WorkflowStepTimedOut, data: data})
		default:
			st.Status = model.StepStatusEscalated
			data["escalation_targets"] = tmpl.SLA.EscalationTargets
			outcomes = append(outcomes, deadlineOutcome{action: activity.WorkflowStepEscalated, data: data, notify: true})
		}
		inst.StepStates[step.ID] = st
		logger.Info("step timed out",
			zap.String("step_id", step.ID),
			zap.String("policy", policy),
		)

		if inst.Status == model.InstanceStatusPaused {
			break
		}
	}
	inst.CurrentStep = nextOpenStep(stage, inst.StepStates)

	if tmpl.SLA.Enabled && inst.SLABreachedAt == nil && sla.Status(inst.DueDate, tmpl.SLA.WarningThresholdHours, now) == model.SLAStatusOverdue {
		inst.SLABreachedAt = &now
		events = append(events, e.event(inst, model.EventSLABreached, model.SystemActor, now, map[string]any{
			"due_date": *inst.DueDate,
		}, ""))
		e.opts.Metrics.RecordSLABreach(tmpl.ID)
		outcomes = append(outcomes, deadlineOutcome{action: activity.WorkflowSLABreached, data: map[string]any{
			"due_date":           *inst.DueDate,
			"escalation_targets": tmpl.SLA.EscalationTargets,
		}})
		logger.Warn("stage SLA breached",
			zap.String("stage", inst.CurrentStage),
			zap.Time("due_date", *inst.DueDate),
		)
	}

	if !tmpl.SLA.Enabled {
		inst.DueDate = nil
	}
	inst.NextDeadlineAt = sla.NextDeadline(inst)
	inst.UpdatedAt = now
	if err := e.opts.Store.Update(ctx, *inst, events...); err != nil {
		return false, err
	}
	inst.Version++

	for _, o := range outcomes {
		e.record(ctx, inst, o.action, model.SystemActor, o.data)
		if o.notify && len(tmpl.SLA.EscalationTargets) > 0 {
			err := e.opts.Notifier.Notify(ctx, activity.Notification{
				TenantID:   inst.TenantID,
				Recipients: tmpl.SLA.EscalationTargets,
				Template:   "step_escalated",
				Data: map[string]any{
					"instance_id": inst.ID,
					"entity_type": inst.EntityType,
					"entity_id":   inst.EntityID,
					"stage":       inst.CurrentStage,
					"step_id":     o.data["step_id"],
				},
			})
			if err != nil {
				logger.Warn("escalation notification failed", zap.Error(err))
			}
		}
	}
	return len(events) > 0, nil
}
