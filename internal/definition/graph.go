package definition

import (
	"sort"

	"github.com/pitabwire/caseflow/model"
)

// DependencyGraph is the item dependency DAG of one checklist template.
// Edges point from an item to the items it depends on. Dependencies may
// cross sections.
type DependencyGraph struct {
	deps     map[string][]string
	sections map[string][]string
	order    []string
}

// BuildDependencyGraph indexes tmpl's item dependencies. It does not check
// for cycles; FindCycle does.
func BuildDependencyGraph(tmpl *model.ChecklistTemplate) *DependencyGraph {
	g := &DependencyGraph{
		deps:     make(map[string][]string),
		sections: make(map[string][]string, len(tmpl.Sections)),
	}
	for _, sec := range tmpl.Sections {
		for _, item := range sec.Items {
			g.deps[item.ID] = append([]string(nil), item.Dependencies...)
			g.sections[sec.ID] = append(g.sections[sec.ID], item.ID)
			g.order = append(g.order, item.ID)
		}
	}
	return g
}

// Dependencies returns the direct prerequisites of itemID.
func (g *DependencyGraph) Dependencies(itemID string) []string {
	return g.deps[itemID]
}

// SectionItems returns the template item ids of a section in order.
func (g *DependencyGraph) SectionItems(sectionID string) []string {
	return g.sections[sectionID]
}

// Dependents returns the items that directly depend on itemID, sorted.
func (g *DependencyGraph) Dependents(itemID string) []string {
	var out []string
	for id, deps := range g.deps {
		for _, d := range deps {
			if d == itemID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// FindCycle returns one dependency cycle as a path that starts and ends on
// the same item, or nil when the graph is acyclic. Self-dependencies are
// ignored here.
func (g *DependencyGraph) FindCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.deps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if dep == id {
				continue
			}
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case white:
				if _, known := g.deps[dep]; !known {
					continue
				}
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
