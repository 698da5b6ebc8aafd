package sla

import (
	"testing"
	"time"

	"github.com/pitabwire/caseflow/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func testTemplate() *model.WorkflowTemplate {
	return &model.WorkflowTemplate{
		ID:             "case-flow",
		DefaultSLADays: 5,
		SLA:            model.SLAConfig{Enabled: true, WarningThresholdHours: 24},
		Stages: []model.Stage{
			{ID: "NEW"},
			{ID: "INVESTIGATING", SLADays: intPtr(10)},
			{ID: "ON_HOLD", SLADays: intPtr(0)},
		},
	}
}

// --- DueDate ---

func TestDueDate_templateDefault(t *testing.T) {
	tmpl := testTemplate()
	stage, _ := tmpl.Stage("NEW")
	due := DueDate(tmpl, stage, t0)
	if due == nil {
		t.Fatal("DueDate() = nil, want a due date")
	}
	if want := t0.Add(5 * 24 * time.Hour); !due.Equal(want) {
		t.Errorf("DueDate() = %v, want %v", due, want)
	}
}

func TestDueDate_stageOverride(t *testing.T) {
	tmpl := testTemplate()
	stage, _ := tmpl.Stage("INVESTIGATING")
	due := DueDate(tmpl, stage, t0)
	if want := t0.Add(10 * 24 * time.Hour); due == nil || !due.Equal(want) {
		t.Errorf("DueDate() = %v, want %v", due, want)
	}
}

func TestDueDate_zeroOverrideMeansNoSLA(t *testing.T) {
	tmpl := testTemplate()
	stage, _ := tmpl.Stage("ON_HOLD")
	if due := DueDate(tmpl, stage, t0); due != nil {
		t.Errorf("DueDate() = %v, want nil", due)
	}
}

func TestDueDate_slaDisabled(t *testing.T) {
	tmpl := testTemplate()
	tmpl.SLA.Enabled = false
	stage, _ := tmpl.Stage("INVESTIGATING")
	if due := DueDate(tmpl, stage, t0); due != nil {
		t.Errorf("DueDate() = %v, want nil", due)
	}
}

func TestDueDate_terminalStage(t *testing.T) {
	tmpl := testTemplate()
	tmpl.Stages = append(tmpl.Stages, model.Stage{ID: "CLOSED", IsTerminal: true, SLADays: intPtr(3)})
	stage, _ := tmpl.Stage("CLOSED")
	if due := DueDate(tmpl, stage, t0); due != nil {
		t.Errorf("DueDate() = %v, want nil", due)
	}
}

// --- Status ---

func TestStatus_boundaries(t *testing.T) {
	due := t0.Add(48 * time.Hour)
	tests := []struct {
		name string
		now  time.Time
		want string
	}{
		{"well before warning", t0, model.SLAStatusOnTrack},
		{"just before warning", due.Add(-24*time.Hour - time.Second), model.SLAStatusOnTrack},
		{"at warning threshold", due.Add(-24 * time.Hour), model.SLAStatusWarning},
		{"just before due", due.Add(-time.Second), model.SLAStatusWarning},
		{"at due", due, model.SLAStatusOverdue},
		{"after due", due.Add(time.Hour), model.SLAStatusOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(&due, 24, tt.now); got != tt.want {
				t.Errorf("Status() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus_noDueDate(t *testing.T) {
	if got := Status(nil, 24, t0); got != model.SLAStatusNone {
		t.Errorf("Status(nil) = %q, want %q", got, model.SLAStatusNone)
	}
}

func TestInstanceStatus_inactiveHasNoSLA(t *testing.T) {
	due := t0.Add(-time.Hour)
	inst := &model.WorkflowInstance{Status: model.InstanceStatusCompleted, DueDate: &due}
	if got := InstanceStatus(testTemplate(), inst, t0); got != model.SLAStatusNone {
		t.Errorf("InstanceStatus() = %q, want %q", got, model.SLAStatusNone)
	}
	inst.Status = model.InstanceStatusActive
	if got := InstanceStatus(testTemplate(), inst, t0); got != model.SLAStatusOverdue {
		t.Errorf("InstanceStatus() = %q, want %q", got, model.SLAStatusOverdue)
	}
}

// --- Step deadlines ---

func TestStepDueAt(t *testing.T) {
	step := &model.Step{ID: "triage", TimeoutHours: 4}
	due := StepDueAt(step, t0)
	if due == nil || !due.Equal(t0.Add(4*time.Hour)) {
		t.Errorf("StepDueAt() = %v", due)
	}
	if StepDueAt(&model.Step{ID: "x"}, t0) != nil {
		t.Error("StepDueAt() without timeout should be nil")
	}
}

func TestNextDeadline(t *testing.T) {
	due := t0.Add(72 * time.Hour)
	stepDue := t0.Add(4 * time.Hour)
	doneDue := t0.Add(time.Hour)
	inst := &model.WorkflowInstance{
		DueDate: &due,
		StepStates: map[string]model.StepState{
			"triage": {Status: model.StepStatusPending, DueAt: &stepDue},
			"intake": {Status: model.StepStatusCompleted, DueAt: &doneDue},
		},
	}
	next := NextDeadline(inst)
	if next == nil || !next.Equal(stepDue) {
		t.Errorf("NextDeadline() = %v, want %v", next, stepDue)
	}

	delete(inst.StepStates, "triage")
	next = NextDeadline(inst)
	if next == nil || !next.Equal(due) {
		t.Errorf("NextDeadline() = %v, want %v", next, due)
	}

	breached := due
	inst.SLABreachedAt = &breached
	if next := NextDeadline(inst); next != nil {
		t.Errorf("NextDeadline() after breach = %v, want nil", next)
	}
}

func TestInstanceStatus_slaDisabled(t *testing.T) {
	tmpl := testTemplate()
	tmpl.SLA.Enabled = false
	due := t0.Add(24 * time.Hour)
	inst := &model.WorkflowInstance{Status: model.InstanceStatusActive, DueDate: &due}
	if got := InstanceStatus(tmpl, inst, t0.Add(48*time.Hour)); got != model.SLAStatusNone {
		t.Errorf("InstanceStatus() = %q, want %q", got, model.SLAStatusNone)
	}
}
