package model

import "strings"

// RoleSet is the set of roles held by an actor. A role may be scoped with a
// colon ("compliance:lead") and a set entry ending in ":*" grants every role
// under that scope. "*" grants every role.
type RoleSet map[string]bool

// NewRoleSet builds a set from role names.
func NewRoleSet(roles ...string) RoleSet {
	rs := make(RoleSet, len(roles))
	for _, r := range roles {
		rs[r] = true
	}
	return rs
}

// Has returns true if the set contains the exact role or a wildcard that
// matches it.
func (rs RoleSet) Has(role string) bool {
	if rs[role] {
		return true
	}
	for pattern := range rs {
		if matchWildcard(pattern, role) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given roles.
func (rs RoleSet) HasAny(roles ...string) bool {
	for _, r := range roles {
		if rs.Has(r) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches role.
//
//	"*"            matches anything
//	"compliance:*" matches "compliance:lead"
//	"compliance"   does NOT match "compliance:lead"
func matchWildcard(pattern, role string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(role, pattern[:len(pattern)-1])
}

// RoleResolver resolves the roles held by the actor of a request.
type RoleResolver interface {
	// Roles returns the actor's roles within the request's tenant.
	Roles(rctx *RequestContext) (RoleSet, error)

	// Invalidate clears cached roles for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// Member is one user in a team, with the attributes assignment strategies
// filter on.
type Member struct {
	UserID string   `yaml:"user_id" json:"user_id"`
	Skills []string `yaml:"skills" json:"skills,omitempty"`
	Region string   `yaml:"region" json:"region,omitempty"`
}

// HasSkill reports whether the member lists the given skill.
func (m Member) HasSkill(skill string) bool {
	for _, s := range m.Skills {
		if s == skill {
			return true
		}
	}
	return false
}
