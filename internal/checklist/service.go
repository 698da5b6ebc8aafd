// Package checklist tracks per-investigation checklist progress: dependency
// locking between template items, item operations and the section and
// overall aggregates derived from them.
package checklist

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/sla"
	"github.com/pitabwire/caseflow/model"
)

// Options configures a Service. Registry and Store are required.
type Options struct {
	Registry *definition.Registry
	Store    ProgressStore
	Activity activity.Recorder
	Clock    sla.Clock
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Service applies checklist templates to investigations and mutates their
// progress with version-checked writes.
type Service struct {
	opts Options
}

// NewService creates a checklist service.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = sla.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Activity == nil {
		opts.Activity = activity.Nop
	}
	return &Service{opts: opts}
}

// mutation changes p in place. It reports whether anything changed and may
// return a skip log entry to append with the write.
type mutation func(cl *definition.Checklist, p *model.ChecklistProgress, now time.Time) (changed bool, skip *model.SkipEntry, err error)

// ApplyTemplate applies the newest version of templateID to an investigation.
// An investigation keeps one progress record: applying the template it
// already carries returns the record unchanged, applying a different one
// resets it in place.
func (s *Service) ApplyTemplate(
	ctx context.Context,
	rctx *model.RequestContext,
	investigationID, templateID string,
) (_ model.ChecklistProgress, err error) {
	if err := rctx.Validate(); err != nil {
		return model.ChecklistProgress{}, model.NewBadRequestError(err.Error())
	}
	ctx, span := observability.StartSpan(ctx, "checklist.ApplyTemplate",
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrTemplateID.String(templateID),
	)
	result := "success"
	defer func() {
		if err != nil {
			result = model.ErrorCode(err)
		}
		s.opts.Metrics.RecordChecklistOperation(opApply, result)
		observability.EndSpanWithError(span, err)
	}()
	logger := observability.RequestLogger(ctx, s.opts.Logger, rctx)

	cl, err := s.opts.Registry.LatestChecklist(rctx.TenantID, templateID)
	if err != nil {
		return model.ChecklistProgress{}, err
	}
	now := s.opts.Clock.Now()

	existing, err := s.opts.Store.GetByInvestigation(ctx, rctx.TenantID, investigationID)
	switch {
	case model.IsErrorCode(err, model.ErrNotFound):
		p := newProgress(cl, rctx.TenantID, investigationID, now)
		if err := s.opts.Store.Create(ctx, p); err != nil {
			return model.ChecklistProgress{}, err
		}
		span.SetAttributes(observability.AttrProgressID.String(p.ID))
		s.record(ctx, &p, activity.ChecklistApplied, rctx.SubjectID, map[string]any{
			"template_id":      p.TemplateID,
			"template_version": p.TemplateVersion,
		})
		logger.Info("checklist applied",
			zap.String("progress_id", p.ID),
			zap.String("investigation_id", investigationID),
			zap.String("template_id", p.TemplateID),
			zap.Int("template_version", p.TemplateVersion),
		)
		return p, nil
	case err != nil:
		return model.ChecklistProgress{}, err
	}

	span.SetAttributes(observability.AttrProgressID.String(existing.ID))
	if existing.TemplateID == cl.Template.ID {
		result = "noop"
		return s.hydrate(ctx, existing)
	}

	prev := existing.Ref()
	p := existing
	resetItems(cl, &p)
	recompute(cl, &p, now)
	p.UpdatedAt = now
	if err := s.opts.Store.Update(ctx, p); err != nil {
		return model.ChecklistProgress{}, err
	}
	p.Version++

	s.record(ctx, &p, activity.ChecklistTemplateReplaced, rctx.SubjectID, map[string]any{
		"previous_template_id":      prev.ID,
		"previous_template_version": prev.Version,
		"template_id":               p.TemplateID,
		"template_version":          p.TemplateVersion,
	})
	logger.Info("checklist template replaced",
		zap.String("progress_id", p.ID),
		zap.String("previous_template_id", prev.ID),
		zap.String("template_id", p.TemplateID),
	)
	return s.hydrate(ctx, p)
}

// Get returns a progress record with its skip log.
func (s *Service) Get(ctx context.Context, rctx *model.RequestContext, progressID string) (model.ChecklistProgress, error) {
	if err := rctx.Validate(); err != nil {
		return model.ChecklistProgress{}, model.NewBadRequestError(err.Error())
	}
	p, err := s.opts.Store.Get(ctx, rctx.TenantID, progressID)
	if err != nil {
		return model.ChecklistProgress{}, err
	}
	return s.hydrate(ctx, p)
}

// GetByInvestigation returns the progress record of an investigation.
func (s *Service) GetByInvestigation(ctx context.Context, rctx *model.RequestContext, investigationID string) (model.ChecklistProgress, error) {
	if err := rctx.Validate(); err != nil {
		return model.ChecklistProgress{}, model.NewBadRequestError(err.Error())
	}
	p, err := s.opts.Store.GetByInvestigation(ctx, rctx.TenantID, investigationID)
	if err != nil {
		return model.ChecklistProgress{}, err
	}
	return s.hydrate(ctx, p)
}

// LockedItems lists the template items that cannot be completed yet, in
// template order, with the dependencies still blocking each one.
func (s *Service) LockedItems(ctx context.Context, rctx *model.RequestContext, progressID string) (map[string][]string, error) {
	if err := rctx.Validate(); err != nil {
		return nil, model.NewBadRequestError(err.Error())
	}
	p, err := s.opts.Store.Get(ctx, rctx.TenantID, progressID)
	if err != nil {
		return nil, err
	}
	cl, err := s.opts.Registry.Checklist(p.Ref())
	if err != nil {
		return nil, err
	}
	locked := make(map[string][]string)
	for _, sec := range cl.Template.Sections {
		for _, item := range sec.Items {
			if p.ItemStates[item.ID].Status == model.ItemStatusCompleted {
				continue
			}
			if blocked := BlockedBy(cl.Graph, item.ID, p.ItemStates); len(blocked) > 0 {
				locked[item.ID] = blocked
			}
		}
	}
	return locked, nil
}

// CompleteItem marks an item completed. Completing a completed item returns
// the progress unchanged.
func (s *Service) CompleteItem(
	ctx context.Context,
	rctx *model.RequestContext,
	progressID, itemID string,
	in model.CompleteItemInput,
) (model.ChecklistProgress, error) {
	return s.mutate(ctx, rctx, opComplete, progressID, itemID,
		func(cl *definition.Checklist, p *model.ChecklistProgress, now time.Time) (bool, *model.SkipEntry, error) {
			changed, err := completeItem(cl, p, itemID, rctx.SubjectID, in, now)
			return changed, nil, err
		})
}

// SkipItem marks an optional item skipped and appends a skip log entry.
func (s *Service) SkipItem(
	ctx context.Context,
	rctx *model.RequestContext,
	progressID, itemID, reason string,
) (model.ChecklistProgress, error) {
	return s.mutate(ctx, rctx, opSkip, progressID, itemID,
		func(cl *definition.Checklist, p *model.ChecklistProgress, now time.Time) (bool, *model.SkipEntry, error) {
			entry, err := skipItem(cl, p, itemID, reason, rctx.SubjectID, now)
			return entry != nil, entry, err
		})
}

// UncompleteItem returns a completed or skipped item to pending. The skip
// log keeps its history.
func (s *Service) UncompleteItem(
	ctx context.Context,
	rctx *model.RequestContext,
	progressID, itemID string,
) (model.ChecklistProgress, error) {
	return s.mutate(ctx, rctx, opUncomplete, progressID, itemID,
		func(cl *definition.Checklist, p *model.ChecklistProgress, _ time.Time) (bool, *model.SkipEntry, error) {
			changed, err := uncompleteItem(cl, p, itemID)
			return changed, nil, err
		})
}

// AddCustomItem appends a custom item to a section and returns the updated
// progress together with the new item.
func (s *Service) AddCustomItem(
	ctx context.Context,
	rctx *model.RequestContext,
	progressID string,
	in model.CustomItemInput,
) (model.ChecklistProgress, model.CustomItem, error) {
	var added model.CustomItem
	p, err := s.mutate(ctx, rctx, opAddCustom, progressID, "",
		func(cl *definition.Checklist, p *model.ChecklistProgress, now time.Time) (bool, *model.SkipEntry, error) {
			item, err := addCustomItem(cl, p, in, rctx.SubjectID, now)
			if err != nil {
				return false, nil, err
			}
			added = item
			return true, nil, nil
		})
	return p, added, err
}

func (s *Service) mutate(
	ctx context.Context,
	rctx *model.RequestContext,
	op, progressID, itemID string,
	fn mutation,
) (_ model.ChecklistProgress, err error) {
	if err := rctx.Validate(); err != nil {
		return model.ChecklistProgress{}, model.NewBadRequestError(err.Error())
	}
	ctx, span := observability.StartSpan(ctx, "checklist."+op,
		observability.AttrTenantID.String(rctx.TenantID),
		observability.AttrSubjectID.String(rctx.SubjectID),
		observability.AttrProgressID.String(progressID),
		observability.AttrItemID.String(itemID),
	)
	result := "success"
	defer func() {
		if err != nil {
			result = model.ErrorCode(err)
		}
		s.opts.Metrics.RecordChecklistOperation(op, result)
		observability.EndSpanWithError(span, err)
	}()
	logger := observability.RequestLogger(ctx, s.opts.Logger, rctx)

	p, err := s.opts.Store.Get(ctx, rctx.TenantID, progressID)
	if err != nil {
		return model.ChecklistProgress{}, err
	}
	cl, err := s.opts.Registry.Checklist(p.Ref())
	if err != nil {
		return model.ChecklistProgress{}, err
	}

	now := s.opts.Clock.Now()
	changed, skip, err := fn(cl, &p, now)
	if err != nil {
		logger.Debug("checklist operation rejected",
			zap.String("operation", op),
			zap.String("progress_id", progressID),
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		return model.ChecklistProgress{}, err
	}
	if !changed {
		result = "noop"
		return s.hydrate(ctx, p)
	}

	completedNow := recompute(cl, &p, now)
	p.UpdatedAt = now
	var skips []model.SkipEntry
	if skip != nil {
		skips = append(skips, *skip)
	}
	if err := s.opts.Store.Update(ctx, p, skips...); err != nil {
		return model.ChecklistProgress{}, err
	}
	p.Version++

	data := map[string]any{"percent": p.ProgressPercent()}
	if itemID != "" {
		data["item_id"] = itemID
	}
	if skip != nil {
		data["reason"] = skip.Reason
	}
	s.record(ctx, &p, operationAction[op], rctx.SubjectID, data)
	if completedNow {
		s.record(ctx, &p, activity.ChecklistCompleted, rctx.SubjectID, nil)
		logger.Info("checklist completed",
			zap.String("progress_id", p.ID),
			zap.String("investigation_id", p.InvestigationID),
		)
	}
	return s.hydrate(ctx, p)
}

func (s *Service) hydrate(ctx context.Context, p model.ChecklistProgress) (model.ChecklistProgress, error) {
	skips, err := s.opts.Store.Skips(ctx, p.TenantID, p.ID)
	if err != nil {
		return model.ChecklistProgress{}, err
	}
	p.SkippedItems = skips
	return p, nil
}

func (s *Service) record(ctx context.Context, p *model.ChecklistProgress, action, actorID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["progress_id"] = p.ID
	s.opts.Activity.Record(ctx, model.ActivityEvent{
		ID:         uuid.New().String(),
		TenantID:   p.TenantID,
		EntityType: model.EntityInvestigation,
		EntityID:   p.InvestigationID,
		Action:     action,
		ActorID:    actorID,
		Data:       data,
		Timestamp:  s.opts.Clock.Now(),
	})
}
