package definition

import (
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func loadCaseWorkflow(t *testing.T) *model.WorkflowTemplate {
	t.Helper()
	f, err := NewLoader().LoadFile("testdata/acme/case.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	return &f.Workflows[0]
}

func TestStageMachine_Match(t *testing.T) {
	m := CompileStageMachine(loadCaseWorkflow(t))

	tests := []struct {
		from, to string
		want     bool
	}{
		{"NEW", "ASSIGNED", true},
		{"ASSIGNED", "INVESTIGATING", true},
		{"PENDING_REVIEW", "CLOSED", true},
		{"NEW", "CLOSED", false},
		{"INVESTIGATING", "NEW", false},
		{"NEW", "NEW", false},
		{"UNKNOWN", "ASSIGNED", false},
	}
	for _, tt := range tests {
		tr, ok := m.Match(tt.from, tt.to)
		if ok != tt.want {
			t.Errorf("Match(%s, %s) = %v, want %v", tt.from, tt.to, ok, tt.want)
			continue
		}
		if ok && tr.To != tt.to {
			t.Errorf("Match(%s, %s).To = %s", tt.from, tt.to, tr.To)
		}
	}
}

func TestStageMachine_wildcard(t *testing.T) {
	m := CompileStageMachine(loadCaseWorkflow(t))

	for _, from := range []string{"NEW", "ASSIGNED", "INVESTIGATING", "PENDING_REVIEW"} {
		tr, ok := m.Match(from, "ON_HOLD")
		if !ok {
			t.Errorf("Match(%s, ON_HOLD) = false, want true", from)
			continue
		}
		if !tr.IsWildcard() || !tr.RequiresReason {
			t.Errorf("Match(%s, ON_HOLD) = %+v, want the wildcard transition", from, tr)
		}
	}

	if _, ok := m.Match("ON_HOLD", "ON_HOLD"); ok {
		t.Error("wildcard must not produce a self-transition")
	}
	if _, ok := m.Match("CLOSED", "ON_HOLD"); ok {
		t.Error("terminal stage must have no exits")
	}
}

func TestStageMachine_explicitBeatsWildcard(t *testing.T) {
	tmpl := &model.WorkflowTemplate{
		ID:           "wf",
		InitialStage: "A",
		Stages:       []model.Stage{{ID: "A"}, {ID: "B"}},
		Transitions: []model.Transition{
			{From: "*", To: "B", Label: "any"},
			{From: "A", To: "B", Label: "explicit", AllowedRoles: []string{"lead"}},
		},
	}
	m := CompileStageMachine(tmpl)

	tr, ok := m.Match("A", "B")
	if !ok {
		t.Fatal("Match(A, B) = false")
	}
	if tr.Label != "explicit" {
		t.Errorf("Label = %q, want explicit", tr.Label)
	}
}

func TestStageMachine_Permitted(t *testing.T) {
	m := CompileStageMachine(loadCaseWorkflow(t))

	got := m.Permitted("PENDING_REVIEW")
	if len(got) != 2 {
		t.Fatalf("Permitted(PENDING_REVIEW) len = %d, want 2", len(got))
	}
	if got[0].To != "CLOSED" || got[1].To != "ON_HOLD" {
		t.Errorf("order = [%s %s], want [CLOSED ON_HOLD]", got[0].To, got[1].To)
	}

	onHold := m.Permitted("ON_HOLD")
	if len(onHold) != 1 || onHold[0].To != "INVESTIGATING" {
		t.Errorf("Permitted(ON_HOLD) = %+v, want only INVESTIGATING", onHold)
	}

	if closed := m.Permitted("CLOSED"); len(closed) != 0 {
		t.Errorf("Permitted(CLOSED) = %+v, want none", closed)
	}
}
