package checklist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/sla"
	"github.com/pitabwire/caseflow/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// investigationTemplate has A <- B inside "evidence", B <- C across sections
// and one optional item D.
func investigationTemplate() model.ChecklistTemplate {
	return model.ChecklistTemplate{
		ID:       "investigation-basic",
		TenantID: "acme",
		Name:     "Basic investigation",
		IsActive: true,
		Sections: []model.ChecklistSection{
			{ID: "evidence", Name: "Evidence Collection", Items: []model.TemplateItem{
				{ID: "A", Text: "Collect documents", Required: true},
				{ID: "B", Text: "Review documents", Required: true, Dependencies: []string{"A"}},
			}},
			{ID: "interviews", Name: "Interviews", Items: []model.TemplateItem{
				{ID: "C", Text: "Interview reporter", EvidenceRequired: true, Dependencies: []string{"B"}},
				{ID: "D", Text: "Interview witnesses"},
			}},
		},
	}
}

func altTemplate() model.ChecklistTemplate {
	return model.ChecklistTemplate{
		ID:       "whistleblower",
		TenantID: "acme",
		IsActive: true,
		Sections: []model.ChecklistSection{
			{ID: "intake", Items: []model.TemplateItem{
				{ID: "ack", Text: "Acknowledge reporter", Required: true},
			}},
		},
	}
}

type fixture struct {
	svc      *Service
	store    *MemoryProgressStore
	registry *definition.Registry
	activity *activity.MemoryRecorder
	mu       sync.Mutex
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := definition.NewRegistry()
	_, err := reg.PublishChecklist(investigationTemplate())
	require.NoError(t, err)
	_, err = reg.PublishChecklist(altTemplate())
	require.NoError(t, err)

	f := &fixture{
		store:    NewMemoryProgressStore(),
		registry: reg,
		activity: activity.NewMemoryRecorder(),
		now:      t0,
	}
	f.svc = NewService(Options{
		Registry: reg,
		Store:    f.store,
		Activity: f.activity,
		Clock: sla.ClockFunc(func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		}),
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func rctx() *model.RequestContext {
	return &model.RequestContext{SubjectID: "alice", TenantID: "acme"}
}

func (f *fixture) apply(t *testing.T) model.ChecklistProgress {
	t.Helper()
	p, err := f.svc.ApplyTemplate(context.Background(), rctx(), "inv-1", "investigation-basic")
	require.NoError(t, err)
	return p
}

// --- ApplyTemplate ---

func TestApplyTemplate_createsPendingProgress(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)

	assert.Equal(t, "inv-1", p.InvestigationID)
	assert.Equal(t, 1, p.TemplateVersion)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, 4, p.TotalItems)
	assert.Zero(t, p.CompletedItems)
	assert.Nil(t, p.CompletedAt)
	for id, st := range p.ItemStates {
		assert.Equal(t, model.ItemStatusPending, st.Status, id)
	}
	assert.Equal(t, model.SectionState{Status: model.SectionStatusPending, TotalItems: 2}, p.SectionStates["evidence"])
	assert.Equal(t, []string{activity.ChecklistApplied}, f.activity.Actions())

	ev := f.activity.Events()[0]
	assert.Equal(t, model.EntityInvestigation, ev.EntityType)
	assert.Equal(t, "inv-1", ev.EntityID)
}

func TestApplyTemplate_sameTemplateIsNoop(t *testing.T) {
	f := newFixture(t)
	first := f.apply(t)

	_, err := f.svc.CompleteItem(context.Background(), rctx(), first.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)

	// A newer version does not move an investigation already pinned to the template.
	_, err = f.registry.PublishChecklist(investigationTemplate())
	require.NoError(t, err)

	again := f.apply(t)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, again.TemplateVersion)
	assert.Equal(t, model.ItemStatusCompleted, again.ItemStates["A"].Status)
}

func TestApplyTemplate_differentTemplateResetsInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	_, err := f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	_, _, err = f.svc.AddCustomItem(ctx, rctx(), p.ID, model.CustomItemInput{SectionID: "evidence", Text: "Extra"})
	require.NoError(t, err)

	replaced, err := f.svc.ApplyTemplate(ctx, rctx(), "inv-1", "whistleblower")
	require.NoError(t, err)

	assert.Equal(t, p.ID, replaced.ID)
	assert.Equal(t, "whistleblower", replaced.TemplateID)
	assert.Equal(t, 4, replaced.Version)
	assert.Empty(t, replaced.CustomItems)
	assert.Equal(t, map[string]model.ItemState{"ack": {Status: model.ItemStatusPending}}, replaced.ItemStates)
	assert.Equal(t, 1, replaced.TotalItems)

	evs := f.activity.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, activity.ChecklistTemplateReplaced, last.Action)
	assert.Equal(t, "investigation-basic", last.Data["previous_template_id"])
	assert.Equal(t, 1, last.Data["previous_template_version"])
}

func TestApplyTemplate_unknownTemplate(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyTemplate(context.Background(), rctx(), "inv-1", "missing")
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound), "got %v", err)
}

func TestApplyTemplate_invalidContext(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyTemplate(context.Background(), &model.RequestContext{TenantID: "acme"}, "inv-1", "investigation-basic")
	assert.True(t, model.IsErrorCode(err, model.ErrBadRequest), "got %v", err)
}

// --- CompleteItem ---

func TestCompleteItem_dependencyLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	_, err := f.svc.CompleteItem(ctx, rctx(), p.ID, "B", model.CompleteItemInput{})
	require.True(t, model.IsErrorCode(err, model.ErrItemLocked), "got %v", err)

	p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, p.SectionStates["evidence"].CompletedItems)
	assert.Equal(t, model.SectionStatusInProgress, p.SectionStates["evidence"].Status)

	p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "B", model.CompleteItemInput{Notes: "reviewed"})
	require.NoError(t, err)
	assert.Equal(t, model.SectionState{Status: model.SectionStatusCompleted, CompletedItems: 2, TotalItems: 2}, p.SectionStates["evidence"])
	assert.Equal(t, 50, p.ProgressPercent())

	b := p.ItemStates["B"]
	assert.Equal(t, "alice", b.CompletedBy)
	assert.Equal(t, "reviewed", b.CompletionNotes)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, t0, *b.CompletedAt)
}

func TestCompleteItem_lockedErrorListsBlockers(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)

	_, err := f.svc.CompleteItem(context.Background(), rctx(), p.ID, "C", model.CompleteItemInput{Notes: "n"})
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	require.Len(t, env.Details, 1)
	assert.Equal(t, "B", env.Details[0].Field)
}

func TestCompleteItem_evidenceRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)
	for _, id := range []string{"A", "B"} {
		_, err := f.svc.CompleteItem(ctx, rctx(), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
	}

	_, err := f.svc.CompleteItem(ctx, rctx(), p.ID, "C", model.CompleteItemInput{Notes: "   "})
	assert.True(t, model.IsErrorCode(err, model.ErrEvidenceRequired), "got %v", err)

	p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "C", model.CompleteItemInput{AttachmentIDs: []string{"att-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"att-1"}, p.ItemStates["C"].AttachmentIDs)
}

func TestCompleteItem_twiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	first, err := f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	f.advance(time.Hour)
	second, err := f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{Notes: "again"})
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.ItemStates["A"], second.ItemStates["A"])
	assert.Len(t, f.activity.Actions(), 2)
}

func TestCompleteItem_unknownItem(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)
	_, err := f.svc.CompleteItem(context.Background(), rctx(), p.ID, "Z", model.CompleteItemInput{})
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound), "got %v", err)
}

func TestCompleteItem_otherTenantCannotSee(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)
	other := &model.RequestContext{SubjectID: "mallory", TenantID: "globex"}
	_, err := f.svc.CompleteItem(context.Background(), other, p.ID, "A", model.CompleteItemInput{})
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound), "got %v", err)
}

// --- SkipItem ---

func TestSkipItem_requiredCannotBeSkipped(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)
	_, err := f.svc.SkipItem(context.Background(), rctx(), p.ID, "A", "not needed")
	assert.True(t, model.IsErrorCode(err, model.ErrRequiredItemCannotBeSkipped), "got %v", err)
}

func TestSkipItem_reasonRequired(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)
	_, err := f.svc.SkipItem(context.Background(), rctx(), p.ID, "D", " ")
	assert.True(t, model.IsErrorCode(err, model.ErrReasonRequired), "got %v", err)
}

func TestSkipItem_appendsAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	p, err := f.svc.SkipItem(ctx, rctx(), p.ID, "D", "witness unavailable")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusSkipped, p.ItemStates["D"].Status)
	require.Len(t, p.SkippedItems, 1)
	assert.Equal(t, model.SkipEntry{
		ProgressID: p.ID, ItemID: "D", Reason: "witness unavailable", SkippedBy: "alice", SkippedAt: t0,
	}, p.SkippedItems[0])

	// Skipping again changes nothing and writes no second entry.
	again, err := f.svc.SkipItem(ctx, rctx(), p.ID, "D", "still unavailable")
	require.NoError(t, err)
	assert.Equal(t, p.Version, again.Version)
	assert.Len(t, again.SkippedItems, 1)
}

func TestSkipItem_skippedDependencyKeepsDependentLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tmpl := model.ChecklistTemplate{
		ID: "optional-chain", TenantID: "acme", IsActive: true,
		Sections: []model.ChecklistSection{{ID: "s", Items: []model.TemplateItem{
			{ID: "first", Text: "First"},
			{ID: "second", Text: "Second", Dependencies: []string{"first"}},
		}}},
	}
	_, err := f.registry.PublishChecklist(tmpl)
	require.NoError(t, err)
	p, err := f.svc.ApplyTemplate(ctx, rctx(), "inv-2", "optional-chain")
	require.NoError(t, err)

	_, err = f.svc.SkipItem(ctx, rctx(), p.ID, "first", "n/a")
	require.NoError(t, err)

	_, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "second", model.CompleteItemInput{})
	assert.True(t, model.IsErrorCode(err, model.ErrItemLocked), "got %v", err)

	// The dependent may still be skipped itself.
	p, err = f.svc.SkipItem(ctx, rctx(), p.ID, "second", "n/a")
	require.NoError(t, err)
	assert.NotNil(t, p.CompletedAt)
	assert.Zero(t, p.CompletedItems)
}

// --- UncompleteItem ---

func TestUncompleteItem_roundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.apply(t)

	_, err := f.svc.CompleteItem(ctx, rctx(), before.ID, "A", model.CompleteItemInput{Notes: "done"})
	require.NoError(t, err)
	after, err := f.svc.UncompleteItem(ctx, rctx(), before.ID, "A")
	require.NoError(t, err)

	assert.Equal(t, before.ItemStates, after.ItemStates)
	assert.Equal(t, before.SectionStates, after.SectionStates)
	assert.Equal(t, before.CompletedItems, after.CompletedItems)
	assert.Equal(t, before.Version+2, after.Version)

	// Pending items are already uncompleted.
	again, err := f.svc.UncompleteItem(ctx, rctx(), before.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, after.Version, again.Version)
}

func TestUncompleteItem_keepsSkipHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	_, err := f.svc.SkipItem(ctx, rctx(), p.ID, "D", "later")
	require.NoError(t, err)
	p, err = f.svc.UncompleteItem(ctx, rctx(), p.ID, "D")
	require.NoError(t, err)

	assert.Equal(t, model.ItemStatusPending, p.ItemStates["D"].Status)
	assert.Len(t, p.SkippedItems, 1)
}

func TestUncompleteItem_doesNotCascade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)
	for _, id := range []string{"A", "B"} {
		_, err := f.svc.CompleteItem(ctx, rctx(), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
	}

	p, err := f.svc.UncompleteItem(ctx, rctx(), p.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, p.ItemStates["B"].Status)
}

// --- Completion ---

func TestCompletion_setAndCleared(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	for _, id := range []string{"A", "B"} {
		p2, err := f.svc.CompleteItem(ctx, rctx(), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
		p = p2
	}
	// Only A and B are required.
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, t0, *p.CompletedAt)
	assert.Contains(t, f.activity.Actions(), activity.ChecklistCompleted)

	// Further edits keep the first completion timestamp.
	f.advance(time.Hour)
	p, err := f.svc.SkipItem(ctx, rctx(), p.ID, "D", "not needed")
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, t0, *p.CompletedAt)

	p, err = f.svc.UncompleteItem(ctx, rctx(), p.ID, "B")
	require.NoError(t, err)
	assert.Nil(t, p.CompletedAt)
}

func TestCompletion_requiredCustomItemCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	p, item, err := f.svc.AddCustomItem(ctx, rctx(), p.ID, model.CustomItemInput{
		SectionID: "interviews", Text: "Interview manager", Required: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, p.TotalItems)
	assert.Equal(t, 3, p.SectionStates["interviews"].TotalItems)

	for _, id := range []string{"A", "B"} {
		p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
	}
	assert.Nil(t, p.CompletedAt)

	p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, item.ID, model.CompleteItemInput{})
	require.NoError(t, err)
	assert.NotNil(t, p.CompletedAt)
	assert.Equal(t, 60, p.ProgressPercent())
}

// --- AddCustomItem ---

func TestAddCustomItem_validation(t *testing.T) {
	f := newFixture(t)
	p := f.apply(t)

	_, _, err := f.svc.AddCustomItem(context.Background(), rctx(), p.ID, model.CustomItemInput{SectionID: "nope"})
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, model.ErrValidationError, env.Code)
	assert.Len(t, env.Details, 2)
}

func TestAddCustomItem_neverLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	p, item, err := f.svc.AddCustomItem(ctx, rctx(), p.ID, model.CustomItemInput{
		SectionID: "interviews", Text: "Call HR", EvidenceRequired: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", item.AddedBy)
	assert.Equal(t, model.ItemStatusPending, p.ItemStates[item.ID].Status)

	_, err = f.svc.CompleteItem(ctx, rctx(), p.ID, item.ID, model.CompleteItemInput{})
	assert.True(t, model.IsErrorCode(err, model.ErrEvidenceRequired), "got %v", err)

	p, err = f.svc.CompleteItem(ctx, rctx(), p.ID, item.ID, model.CompleteItemInput{Notes: "called"})
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusCompleted, p.ItemStates[item.ID].Status)
}

// --- LockedItems ---

func TestLockedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	locked, err := f.svc.LockedItems(ctx, rctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"B": {"A"}, "C": {"B"}}, locked)

	_, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	locked, err = f.svc.LockedItems(ctx, rctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"C": {"B"}}, locked)
}

// --- Concurrency ---

func TestConcurrentWriters_oneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	stale, err := f.store.Get(ctx, "acme", p.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteItem(ctx, rctx(), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)

	stale.ItemStates["D"] = model.ItemState{Status: model.ItemStatusCompleted}
	err = f.store.Update(ctx, stale)
	assert.True(t, model.IsErrorCode(err, model.ErrConcurrentModification), "got %v", err)

	got, err := f.svc.Get(ctx, rctx(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusPending, got.ItemStates["D"].Status)
}

func TestConcurrentWriters_parallelCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.apply(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"A", "D"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.svc.CompleteItem(ctx, rctx(), p.ID, id, model.CompleteItemInput{})
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.True(t, model.IsErrorCode(err, model.ErrConcurrentModification), "got %v", err)
		}
	}
	got, err := f.svc.GetByInvestigation(ctx, rctx(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, got.CompletedItems+1, got.Version)
}
