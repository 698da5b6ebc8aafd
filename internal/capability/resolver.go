// Package capability resolves the roles held by an actor and serves the
// static user/team directory used by assignment strategies.
package capability

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// RoleSource looks up the roles a directory grants a user.
type RoleSource interface {
	RolesFor(ctx context.Context, tenantID, subjectID string) ([]string, error)
}

// Resolver implements model.RoleResolver. Directory roles are cached per
// (subject, tenant) and merged with the roles carried on the request.
type Resolver struct {
	source  RoleSource
	cache   *cache.Cache
	metrics *observability.Metrics
}

// NewResolver creates a Resolver with the given cache TTL. metrics may be nil.
func NewResolver(source RoleSource, ttl time.Duration, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:  source,
		cache:   cache.New(ttl, 2*ttl),
		metrics: metrics,
	}
}

func cacheKey(subjectID, tenantID string) string {
	return subjectID + ":" + tenantID
}

// Roles returns the union of the request's roles and the directory roles.
func (r *Resolver) Roles(rctx *model.RequestContext) (model.RoleSet, error) {
	roles := model.NewRoleSet(rctx.Roles...)
	if r.source == nil {
		return roles, nil
	}

	key := cacheKey(rctx.SubjectID, rctx.TenantID)
	var granted []string
	if v, ok := r.cache.Get(key); ok {
		r.metrics.RecordRoleCacheHit()
		granted = v.([]string)
	} else {
		r.metrics.RecordRoleCacheMiss()
		var err error
		granted, err = r.source.RolesFor(context.Background(), rctx.TenantID, rctx.SubjectID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(key, granted, cache.DefaultExpiration)
	}

	for _, role := range granted {
		roles[role] = true
	}
	return roles, nil
}

// Invalidate clears cached roles for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	r.cache.Delete(cacheKey(subjectID, tenantID))
}
