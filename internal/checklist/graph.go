package checklist

import (
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/model"
)

// IsLocked reports whether any direct dependency of itemID is not completed.
// A skipped dependency does not satisfy the lock.
func IsLocked(g *definition.DependencyGraph, itemID string, states map[string]model.ItemState) bool {
	for _, dep := range g.Dependencies(itemID) {
		if states[dep].Status != model.ItemStatusCompleted {
			return true
		}
	}
	return false
}

// BlockedBy returns the direct dependencies of itemID that are not completed,
// in declaration order.
func BlockedBy(g *definition.DependencyGraph, itemID string, states map[string]model.ItemState) []string {
	var out []string
	for _, dep := range g.Dependencies(itemID) {
		if states[dep].Status != model.ItemStatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}
