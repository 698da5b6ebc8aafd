// Package sla derives due dates and SLA status from stage configuration.
// Every function is pure; the current time is always passed in.
package sla

import (
	"time"

	"github.com/pitabwire/caseflow/model"
)

const day = 24 * time.Hour

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// StageDays returns the SLA length in days for a stage, falling back to the
// template default when the stage does not override it.
func StageDays(tmpl *model.WorkflowTemplate, stage *model.Stage) int {
	if stage != nil && stage.SLADays != nil {
		return *stage.SLADays
	}
	return tmpl.DefaultSLADays
}

// DueDate returns the due date for a stage entered at enteredAt, or nil when
// the stage carries no SLA. Terminal stages and templates with SLA tracking
// disabled never have one.
func DueDate(tmpl *model.WorkflowTemplate, stage *model.Stage, enteredAt time.Time) *time.Time {
	if !tmpl.SLA.Enabled || (stage != nil && stage.IsTerminal) {
		return nil
	}
	days := StageDays(tmpl, stage)
	if days <= 0 {
		return nil
	}
	due := enteredAt.Add(time.Duration(days) * day)
	return &due
}

// Status derives the SLA status of a due date at now.
//
//	now <  due - warning         ON_TRACK
//	due - warning <= now < due   WARNING
//	now >= due                   OVERDUE
func Status(due *time.Time, warningThresholdHours int, now time.Time) string {
	if due == nil {
		return model.SLAStatusNone
	}
	if !now.Before(*due) {
		return model.SLAStatusOverdue
	}
	warnAt := due.Add(-time.Duration(warningThresholdHours) * time.Hour)
	if !now.Before(warnAt) {
		return model.SLAStatusWarning
	}
	return model.SLAStatusOnTrack
}

// InstanceStatus derives the SLA status of an instance. Instances that are no
// longer active, or whose template disables SLA tracking, carry no SLA.
func InstanceStatus(tmpl *model.WorkflowTemplate, inst *model.WorkflowInstance, now time.Time) string {
	if !tmpl.SLA.Enabled || inst.Status != model.InstanceStatusActive {
		return model.SLAStatusNone
	}
	return Status(inst.DueDate, tmpl.SLA.WarningThresholdHours, now)
}

// StepDueAt returns when a step entered at enteredAt times out, or nil when
// the step has no timeout.
func StepDueAt(step *model.Step, enteredAt time.Time) *time.Time {
	if step.TimeoutHours <= 0 {
		return nil
	}
	due := enteredAt.Add(time.Duration(step.TimeoutHours) * time.Hour)
	return &due
}

// NextDeadline returns the earliest pending deadline on an instance: the
// stage due date until it has been recorded as breached, and every pending
// step timeout. Nil means nothing is due.
func NextDeadline(inst *model.WorkflowInstance) *time.Time {
	var next *time.Time
	consider := func(t *time.Time) {
		if t == nil {
			return
		}
		if next == nil || t.Before(*next) {
			v := *t
			next = &v
		}
	}
	if inst.SLABreachedAt == nil {
		consider(inst.DueDate)
	}
	for _, st := range inst.StepStates {
		if st.Status == model.StepStatusPending {
			consider(st.DueAt)
		}
	}
	return next
}
