// Package assignee resolves the concrete assignee of a workflow step from its
// declared strategy.
package assignee

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// TeamDirectory lists the members of a team.
type TeamDirectory interface {
	Members(ctx context.Context, tenantID, teamID string) ([]model.Member, error)
}

// LoadProvider reports open assignment counts per team member.
type LoadProvider interface {
	CurrentLoad(ctx context.Context, tenantID, teamID string) (map[string]int, error)
}

// OrgChart looks up reporting lines.
type OrgChart interface {
	ManagerOf(ctx context.Context, tenantID, userID string) (string, error)
}

// Request carries what a strategy may need to resolve one step.
type Request struct {
	TenantID   string
	TemplateID string
	StepID     string
	Entity     expression.Entity
}

// Assignment is a resolved assignee.
type Assignment struct {
	AssigneeID   string
	AssigneeType string

	// advance is the round-robin cursor move that produced this assignment.
	advance *cursorAdvance
}

type cursorAdvance struct {
	key      CursorKey
	revision int64 // revision written by the advance
	previous int
}

// Options configures a Resolver.
type Options struct {
	Teams   TeamDirectory
	Load    LoadProvider
	Org     OrgChart
	Cursors CursorStore

	// Timeout bounds each resolution, including collaborator calls.
	Timeout time.Duration
	// CursorRetries bounds round-robin compare-and-swap attempts.
	CursorRetries uint64

	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Resolver resolves assignee strategies.
type Resolver struct {
	opts Options
}

// NewResolver creates a Resolver. A missing cursor store defaults to memory.
func NewResolver(opts Options) *Resolver {
	if opts.Cursors == nil {
		opts.Cursors = NewMemoryCursorStore()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.CursorRetries == 0 {
		opts.CursorRetries = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Resolver{opts: opts}
}

// Resolve returns the assignee for strategy. Failures are reported as
// UNRESOLVABLE_ASSIGNEE envelopes.
func (r *Resolver) Resolve(ctx context.Context, strategy model.AssigneeStrategy, req Request) (Assignment, error) {
	if strategy.Spec == nil {
		return Assignment{}, model.NewUnresolvableAssigneeError("none", "no strategy configured")
	}
	kind := strategy.Spec.StrategyKind()

	ctx, span := observability.StartSpan(ctx, "assignee.Resolve",
		observability.AttrStrategy.String(kind),
		observability.AttrTemplateID.String(req.TemplateID),
	)
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	a, err := r.resolve(ctx, strategy.Spec, req)
	if err != nil {
		var env *model.ErrorEnvelope
		if !errors.As(err, &env) {
			err = model.NewUnresolvableAssigneeError(kind, err.Error())
		}
	}
	observability.EndSpanWithError(span, err)
	r.opts.Metrics.RecordAssigneeResolution(kind, err == nil)
	return a, err
}

func (r *Resolver) resolve(ctx context.Context, spec model.StrategySpec, req Request) (Assignment, error) {
	switch s := spec.(type) {
	case model.SpecificUserStrategy:
		if s.UserID == "" {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(), "user_id is empty")
		}
		return user(s.UserID), nil

	case model.RoundRobinStrategy:
		return r.roundRobin(ctx, s, req)

	case model.LeastLoadedStrategy:
		members, err := r.members(ctx, s.StrategyKind(), req.TenantID, s.TeamID)
		if err != nil {
			return Assignment{}, err
		}
		return r.leastLoaded(ctx, s.StrategyKind(), req.TenantID, s.TeamID, members)

	case model.ManagerOfStrategy:
		return r.managerOf(ctx, s, req)

	case model.TeamQueueStrategy:
		if s.TeamID == "" {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(), "team_id is empty")
		}
		return Assignment{AssigneeID: s.TeamID, AssigneeType: model.AssigneeTeam}, nil

	case model.SkillBasedStrategy:
		members, err := r.members(ctx, s.StrategyKind(), req.TenantID, s.TeamID)
		if err != nil {
			return Assignment{}, err
		}
		var matched []model.Member
		for _, m := range members {
			if m.HasSkill(s.Skill) {
				matched = append(matched, m)
			}
		}
		if len(matched) == 0 {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(),
				fmt.Sprintf("no member of team %q has skill %q", s.TeamID, s.Skill))
		}
		return r.leastLoaded(ctx, s.StrategyKind(), req.TenantID, s.TeamID, matched)

	case model.GeographicStrategy:
		region := s.Region
		if s.RegionField != "" {
			if v, ok := req.Entity.Field(s.RegionField).(string); ok && v != "" {
				region = v
			}
		}
		if region == "" {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(), "no region configured or present on entity")
		}
		members, err := r.members(ctx, s.StrategyKind(), req.TenantID, s.TeamID)
		if err != nil {
			return Assignment{}, err
		}
		var matched []model.Member
		for _, m := range members {
			if m.Region == region {
				matched = append(matched, m)
			}
		}
		if len(matched) == 0 {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(),
				fmt.Sprintf("no member of team %q in region %q", s.TeamID, region))
		}
		return r.leastLoaded(ctx, s.StrategyKind(), req.TenantID, s.TeamID, matched)
	}
	return Assignment{}, model.NewUnresolvableAssigneeError(spec.StrategyKind(), "unsupported strategy")
}

func user(id string) Assignment {
	return Assignment{AssigneeID: id, AssigneeType: model.AssigneeUser}
}

// members returns the team ordered by user id; an empty team is unresolvable.
func (r *Resolver) members(ctx context.Context, kind, tenantID, teamID string) ([]model.Member, error) {
	if r.opts.Teams == nil {
		return nil, model.NewUnresolvableAssigneeError(kind, "no team directory configured")
	}
	members, err := r.opts.Teams.Members(ctx, tenantID, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing team %q: %w", teamID, err)
	}
	if len(members) == 0 {
		return nil, model.NewUnresolvableAssigneeError(kind, fmt.Sprintf("team %q has no members", teamID))
	}
	sorted := append([]model.Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].UserID < sorted[j].UserID })
	return sorted, nil
}

// leastLoaded picks the candidate with the fewest open assignments. Ties go
// to the lowest user id since candidates arrive sorted.
func (r *Resolver) leastLoaded(ctx context.Context, kind, tenantID, teamID string, candidates []model.Member) (Assignment, error) {
	if r.opts.Load == nil {
		return Assignment{}, model.NewUnresolvableAssigneeError(kind, "no load provider configured")
	}
	load, err := r.opts.Load.CurrentLoad(ctx, tenantID, teamID)
	if err != nil {
		return Assignment{}, fmt.Errorf("loading team %q: %w", teamID, err)
	}
	best := candidates[0]
	for _, m := range candidates[1:] {
		if load[m.UserID] < load[best.UserID] {
			best = m
		}
	}
	return user(best.UserID), nil
}

func (r *Resolver) managerOf(ctx context.Context, s model.ManagerOfStrategy, req Request) (Assignment, error) {
	subject, _ := req.Entity.Field(s.Field).(string)
	if subject == "" {
		return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(),
			fmt.Sprintf("entity field %q does not hold a user id", s.Field))
	}
	if r.opts.Org == nil {
		return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(), "no org chart configured")
	}
	mgr, err := r.opts.Org.ManagerOf(ctx, req.TenantID, subject)
	if err != nil {
		return Assignment{}, fmt.Errorf("manager of %q: %w", subject, err)
	}
	if mgr == "" {
		return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(),
			fmt.Sprintf("user %q has no manager", subject))
	}
	return user(mgr), nil
}

// roundRobin advances the persisted cursor exactly once per successful call.
// Lost compare-and-swap races are retried against the fresh cursor.
func (r *Resolver) roundRobin(ctx context.Context, s model.RoundRobinStrategy, req Request) (Assignment, error) {
	members, err := r.members(ctx, s.StrategyKind(), req.TenantID, s.TeamID)
	if err != nil {
		return Assignment{}, err
	}
	key := CursorKey{TenantID: req.TenantID, TemplateID: req.TemplateID, StepID: req.StepID, TeamID: s.TeamID}

	var picked model.Member
	var advance *cursorAdvance
	backoff := retry.WithMaxRetries(r.opts.CursorRetries, retry.NewConstant(5*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := r.opts.Cursors.Get(ctx, key)
		if err != nil {
			return err
		}
		next := (cur.Last + 1) % len(members)
		if next < 0 {
			next = 0
		}
		ok, err := r.opts.Cursors.CompareAndSwap(ctx, key, cur.Revision, next)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(model.NewConcurrentModificationError("cursor", key.String(), int(cur.Revision)))
		}
		picked = members[next]
		advance = &cursorAdvance{key: key, revision: cur.Revision + 1, previous: cur.Last}
		r.opts.Logger.Debug("round robin cursor advanced",
			zap.String("cursor", key.String()),
			zap.Int("index", next),
			zap.String("assignee_id", picked.UserID),
		)
		return nil
	})
	if err != nil {
		if model.IsErrorCode(err, model.ErrConcurrentModification) {
			return Assignment{}, model.NewUnresolvableAssigneeError(s.StrategyKind(), "round robin cursor contention")
		}
		return Assignment{}, err
	}
	a := user(picked.UserID)
	a.advance = advance
	return a, nil
}

// Release hands back the round-robin slot an assignment consumed, for use
// when the write that carried the assignment did not commit. The cursor is
// only moved back if nothing advanced it since; other assignments are a
// no-op.
func (r *Resolver) Release(ctx context.Context, a Assignment) error {
	if a.advance == nil {
		return nil
	}
	adv := a.advance
	ok, err := r.opts.Cursors.CompareAndSwap(ctx, adv.key, adv.revision, adv.previous)
	if err != nil {
		return fmt.Errorf("release cursor %s: %w", adv.key, err)
	}
	r.opts.Logger.Debug("round robin cursor released",
		zap.String("cursor", adv.key.String()),
		zap.Bool("rewound", ok),
	)
	return nil
}
