// Package activity delivers fire-and-forget activity records and
// notifications produced by workflow and checklist operations.
package activity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Activity action names.
const (
	WorkflowStarted       = "workflow.started"
	WorkflowTransitioned  = "workflow.transitioned"
	WorkflowCompleted     = "workflow.completed"
	WorkflowCancelled     = "workflow.cancelled"
	WorkflowResumed       = "workflow.resumed"
	WorkflowPaused        = "workflow.paused"
	WorkflowStepCompleted = "workflow.step_completed"
	WorkflowStepTimedOut  = "workflow.step_timed_out"
	WorkflowStepEscalated = "workflow.step_escalated"
	WorkflowSLABreached   = "workflow.sla_breached"

	ChecklistApplied          = "checklist.applied"
	ChecklistTemplateReplaced = "checklist_template_replaced"
	ChecklistItemCompleted    = "checklist.item_completed"
	ChecklistItemSkipped      = "checklist.item_skipped"
	ChecklistItemUncompleted  = "checklist.item_uncompleted"
	ChecklistCustomItemAdded  = "checklist.custom_item_added"
	ChecklistCompleted        = "checklist.completed"
)

// Recorder receives activity records. Record must not block the caller for
// long and never fails the operation that produced the record.
type Recorder interface {
	Record(ctx context.Context, ev model.ActivityEvent)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, ev model.ActivityEvent)

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, ev model.ActivityEvent) { f(ctx, ev) }

// Nop discards every record.
var Nop Recorder = RecorderFunc(func(context.Context, model.ActivityEvent) {})

// LogRecorder writes activity records to the structured log.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder that logs at info level.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, ev model.ActivityEvent) {
	observability.LoggerFrom(ctx, r.logger).Info("activity",
		zap.String("activity_id", ev.ID),
		zap.String("action", ev.Action),
		zap.String("tenant_id", ev.TenantID),
		zap.String("entity_type", ev.EntityType),
		zap.String("entity_id", ev.EntityID),
		zap.String("actor_id", ev.ActorID),
		zap.Any("data", ev.Data),
		zap.Time("timestamp", ev.Timestamp),
	)
}

// FanOut forwards every record to each recorder in order.
type FanOut []Recorder

// Record implements Recorder.
func (f FanOut) Record(ctx context.Context, ev model.ActivityEvent) {
	for _, r := range f {
		if r != nil {
			r.Record(ctx, ev)
		}
	}
}

// MemoryRecorder keeps records in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []model.ActivityEvent
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(_ context.Context, ev model.ActivityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *MemoryRecorder) Events() []model.ActivityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ActivityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Actions returns the action names recorded, in order.
func (r *MemoryRecorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}
