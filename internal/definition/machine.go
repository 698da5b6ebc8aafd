package definition

import (
	"context"
	"errors"
	"sort"

	"github.com/qmuntal/stateless"

	"github.com/pitabwire/caseflow/model"
)

type stageKey struct{}

// StageMachine is a workflow template compiled into a state machine whose
// states are stage ids and whose triggers are target stage ids. The current
// stage is read from the context, so one machine serves every instance of
// the template.
type StageMachine struct {
	sm *stateless.StateMachine

	// edges holds the transition chosen for each (from, to) pair. Explicit
	// transitions win over wildcard ones.
	edges map[edge]int
	tmpl  *model.WorkflowTemplate
}

type edge struct{ from, to string }

// CompileStageMachine builds the machine for tmpl. Self-transitions are never
// configured, including wildcard ones, and terminal stages get no exits.
func CompileStageMachine(tmpl *model.WorkflowTemplate) *StageMachine {
	m := &StageMachine{
		edges: make(map[edge]int),
		tmpl:  tmpl,
	}
	m.sm = stateless.NewStateMachineWithExternalStorage(
		func(ctx context.Context) (stateless.State, error) {
			stage, ok := ctx.Value(stageKey{}).(string)
			if !ok {
				return nil, errors.New("no current stage in context")
			}
			return stage, nil
		},
		func(context.Context, stateless.State) error { return nil },
		stateless.FiringQueued,
	)

	terminal := make(map[string]bool, len(tmpl.Stages))
	for _, s := range tmpl.Stages {
		terminal[s.ID] = s.IsTerminal
		m.sm.Configure(s.ID)
	}

	add := func(from, to string, idx int) {
		if from == to || terminal[from] {
			return
		}
		m.edges[edge{from, to}] = idx
	}

	// Explicit edges first so wildcards never displace them.
	for i, t := range tmpl.Transitions {
		if !t.IsWildcard() {
			add(t.From, t.To, i)
		}
	}
	for i, t := range tmpl.Transitions {
		if !t.IsWildcard() {
			continue
		}
		for _, s := range tmpl.Stages {
			if _, taken := m.edges[edge{s.ID, t.To}]; !taken {
				add(s.ID, t.To, i)
			}
		}
	}

	for e := range m.edges {
		m.sm.Configure(e.from).Permit(e.to, e.to)
	}
	return m
}

func (m *StageMachine) withStage(stage string) context.Context {
	return context.WithValue(context.Background(), stageKey{}, stage)
}

// Match returns the transition that moves from to to.
func (m *StageMachine) Match(from, to string) (*model.Transition, bool) {
	if from == to {
		return nil, false
	}
	ok, err := m.sm.CanFireCtx(m.withStage(from), to)
	if err != nil || !ok {
		return nil, false
	}
	idx, ok := m.edges[edge{from, to}]
	if !ok {
		return nil, false
	}
	return &m.tmpl.Transitions[idx], true
}

// Permitted returns the transitions leaving stage, in template order.
func (m *StageMachine) Permitted(stage string) []PermittedTransition {
	triggers, err := m.sm.PermittedTriggersCtx(m.withStage(stage))
	if err != nil {
		return nil
	}

	out := make([]PermittedTransition, 0, len(triggers))
	for _, trig := range triggers {
		to, _ := trig.(string)
		idx, ok := m.edges[edge{stage, to}]
		if !ok {
			continue
		}
		out = append(out, PermittedTransition{To: to, index: idx, Transition: &m.tmpl.Transitions[idx]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// PermittedTransition is one exit from a stage.
type PermittedTransition struct {
	To         string
	Transition *model.Transition
	index      int
}
