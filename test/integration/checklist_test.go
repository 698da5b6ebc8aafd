package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/model"
)

func applyBasic(t *testing.T, h *TestHarness, investigationID string) model.ChecklistProgress {
	t.Helper()
	p, err := h.App.Checklists.ApplyTemplate(context.Background(), As("bob"), investigationID, "investigation-basic")
	require.NoError(t, err)
	return p
}

func TestChecklist_DependencyLocksAndSectionProgress(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	p := applyBasic(t, h, "inv-1")

	assert.Equal(t, 4, p.TotalItems)
	assert.Equal(t, 0, p.CompletedItems)
	evidence := p.SectionStates["evidence"]
	assert.Equal(t, 0, evidence.CompletedItems)
	assert.Equal(t, 2, evidence.TotalItems)

	_, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "B", model.CompleteItemInput{})
	require.True(t, model.IsErrorCode(err, model.ErrItemLocked), "error = %v", err)

	p, err = h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	p, err = h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "B", model.CompleteItemInput{Notes: "reviewed"})
	require.NoError(t, err)

	evidence = p.SectionStates["evidence"]
	assert.Equal(t, 2, evidence.CompletedItems)
	assert.Equal(t, model.SectionStatusCompleted, evidence.Status)
	assert.Equal(t, 50, p.ProgressPercent())
	assert.Equal(t, "bob", p.ItemStates["B"].CompletedBy)
	assert.True(t, p.ItemStates["B"].CompletedAt.Equal(T0))

	assert.Contains(t, h.Activity.Actions(), activity.ChecklistApplied)
	assert.Contains(t, h.Activity.Actions(), activity.ChecklistItemCompleted)
}

func TestChecklist_EvidenceRequired(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	p := applyBasic(t, h, "inv-1")
	for _, id := range []string{"A", "B"} {
		_, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
	}

	_, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "C", model.CompleteItemInput{Notes: "   "})
	assert.True(t, model.IsErrorCode(err, model.ErrEvidenceRequired), "error = %v", err)

	p, err = h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "C", model.CompleteItemInput{AttachmentIDs: []string{"att-1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"att-1"}, p.ItemStates["C"].AttachmentIDs)
}

func TestChecklist_SkipRules(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	p := applyBasic(t, h, "inv-1")

	_, err := h.App.Checklists.SkipItem(ctx, As("bob"), p.ID, "A", "not needed")
	assert.True(t, model.IsErrorCode(err, model.ErrRequiredItemCannotBeSkipped), "error = %v", err)

	_, err = h.App.Checklists.SkipItem(ctx, As("bob"), p.ID, "D", "")
	assert.True(t, model.IsErrorCode(err, model.ErrReasonRequired), "error = %v", err)

	h.Clock.Advance(2 * time.Hour)
	p, err = h.App.Checklists.SkipItem(ctx, As("carol"), p.ID, "D", "not applicable")
	require.NoError(t, err)
	assert.Equal(t, model.ItemStatusSkipped, p.ItemStates["D"].Status)

	require.Len(t, p.SkippedItems, 1)
	skip := p.SkippedItems[0]
	assert.Equal(t, "D", skip.ItemID)
	assert.Equal(t, "not applicable", skip.Reason)
	assert.Equal(t, "carol", skip.SkippedBy)
	assert.True(t, skip.SkippedAt.Equal(T0.Add(2*time.Hour)))

	// Skips are not completions.
	assert.Equal(t, 0, p.CompletedItems)

	reread, err := h.App.Checklists.GetByInvestigation(ctx, As("alice"), "inv-1")
	require.NoError(t, err)
	assert.Len(t, reread.SkippedItems, 1)
}

func TestChecklist_RoundTripAndIdempotence(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	p := applyBasic(t, h, "inv-1")

	done, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)

	again, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "A", model.CompleteItemInput{})
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version, "completing twice is a no-op")
	assert.Equal(t, done.CompletedItems, again.CompletedItems)

	undone, err := h.App.Checklists.UncompleteItem(ctx, As("bob"), p.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, p.ItemStates["A"], undone.ItemStates["A"])
	assert.Equal(t, p.CompletedItems, undone.CompletedItems)
	assert.Equal(t, p.SectionStates, undone.SectionStates)
}

func TestChecklist_CompletionAndReplace(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()
	p := applyBasic(t, h, "inv-1")

	for _, id := range []string{"A", "B"} {
		var err error
		p, err = h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, id, model.CompleteItemInput{})
		require.NoError(t, err)
	}
	p, err := h.App.Checklists.CompleteItem(ctx, As("bob"), p.ID, "C", model.CompleteItemInput{Notes: "interview recorded"})
	require.NoError(t, err)
	require.NotNil(t, p.CompletedAt, "every required item is resolved")
	assert.Contains(t, h.Activity.Actions(), activity.ChecklistCompleted)

	same, err := h.App.Checklists.ApplyTemplate(ctx, As("bob"), "inv-1", "investigation-basic")
	require.NoError(t, err)
	assert.Equal(t, p.Version, same.Version)

	replaced, err := h.App.Checklists.ApplyTemplate(ctx, As("bob"), "inv-1", "whistleblower")
	require.NoError(t, err)
	assert.Equal(t, p.ID, replaced.ID)
	assert.Equal(t, "whistleblower", replaced.TemplateID)
	assert.Equal(t, 1, replaced.TotalItems)
	assert.Nil(t, replaced.CompletedAt)
	assert.Contains(t, h.Activity.Actions(), activity.ChecklistTemplateReplaced)
}

func TestChecklist_TenantScoped(t *testing.T) {
	h := NewTestHarness(t)
	p := applyBasic(t, h, "inv-1")

	other := &model.RequestContext{SubjectID: "erin", TenantID: "globex"}
	_, err := h.App.Checklists.CompleteItem(context.Background(), other, p.ID, "A", model.CompleteItemInput{})
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound), "error = %v", err)

	_, err = h.App.Checklists.ApplyTemplate(context.Background(), other, "inv-1", "investigation-basic")
	assert.True(t, model.IsErrorCode(err, model.ErrNotFound), "error = %v", err)
}
