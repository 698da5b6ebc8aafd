package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusActive    = "active"
	InstanceStatusCompleted = "completed"
	InstanceStatusCancelled = "cancelled"
	InstanceStatusPaused    = "paused"
)

// Workflow step status constants.
const (
	StepStatusPending   = "pending"
	StepStatusCompleted = "completed"
	StepStatusSkipped   = "skipped"
	StepStatusEscalated = "escalated"
)

// Assignee kinds recorded on a step.
const (
	AssigneeUser = "user"
	AssigneeTeam = "team"
)

// SLA status values. The status is derived from the due date on read.
const (
	SLAStatusNone    = "NONE"
	SLAStatusOnTrack = "ON_TRACK"
	SLAStatusWarning = "WARNING"
	SLAStatusOverdue = "OVERDUE"
)

// WorkflowInstance is a running execution of a template attached to one
// business entity.
type WorkflowInstance struct {
	ID              string               `json:"id"`
	TenantID        string               `json:"tenant_id"`
	TemplateID      string               `json:"template_id"`
	TemplateVersion int                  `json:"template_version"`
	EntityType      string               `json:"entity_type"`
	EntityID        string               `json:"entity_id"`
	CurrentStage    string               `json:"current_stage"`
	PreviousStage   string               `json:"previous_stage,omitempty"`
	CurrentStep     string               `json:"current_step,omitempty"`
	Status          string               `json:"status"`
	StepStates      map[string]StepState `json:"step_states,omitempty"`
	StageEnteredAt  time.Time            `json:"stage_entered_at"`
	DueDate         *time.Time           `json:"due_date,omitempty"`
	SLABreachedAt   *time.Time           `json:"sla_breached_at,omitempty"`
	NextDeadlineAt  *time.Time           `json:"next_deadline_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	Outcome         string               `json:"outcome,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
	Version         int                  `json:"version"`
}

// Ref returns the template reference the instance is pinned to.
func (w *WorkflowInstance) Ref() TemplateRef {
	return TemplateRef{TenantID: w.TenantID, ID: w.TemplateID, Version: w.TemplateVersion}
}

// StepState is the per-step state for the current stage.
type StepState struct {
	Status       string     `json:"status"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	AssigneeType string     `json:"assignee_type,omitempty"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CompletedBy  string     `json:"completed_by,omitempty"`
	Result       string     `json:"result,omitempty"`
	Warning      string     `json:"warning,omitempty"`
}

// Workflow event names.
const (
	EventStarted        = "started"
	EventTransitioned   = "transitioned"
	EventCancelled      = "cancelled"
	EventResumed        = "resumed"
	EventActionExecuted = "action_executed"
	EventActionFailed   = "action_failed"
	EventAssigned       = "assigned"
	EventAssignFailed   = "assignment_failed"
	EventStepCompleted  = "step_completed"
	EventStepTimedOut   = "step_timed_out"
	EventSLABreached    = "sla_breached"
)

// WorkflowEvent records an entry in an instance's immutable history.
type WorkflowEvent struct {
	ID                 string         `json:"id"`
	WorkflowInstanceID string         `json:"workflow_instance_id"`
	StageID            string         `json:"stage_id"`
	StepID             string         `json:"step_id,omitempty"`
	Event              string         `json:"event"`
	ActorID            string         `json:"actor_id"`
	Data               map[string]any `json:"data,omitempty"`
	Comment            string         `json:"comment,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
}

// AllowedTransition is one transition available from an instance's current stage.
type AllowedTransition struct {
	To             string `json:"to"`
	Label          string `json:"label"`
	RequiresReason bool   `json:"requires_reason"`
}

// ActionResult reports the outcome of one transition action.
type ActionResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransitionResult is the outcome of a committed transition.
type TransitionResult struct {
	Instance        WorkflowInstance `json:"instance"`
	ExecutedActions []ActionResult   `json:"executed_actions"`
	Warnings        []string         `json:"warnings,omitempty"`
}
