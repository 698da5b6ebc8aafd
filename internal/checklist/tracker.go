package checklist

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/model"
)

// itemInfo is what the tracker needs to know about a template or custom item.
type itemInfo struct {
	sectionID        string
	required         bool
	evidenceRequired bool
	custom           bool
}

func lookupItem(cl *definition.Checklist, p *model.ChecklistProgress, itemID string) (itemInfo, error) {
	if item, sectionID, ok := cl.Template.Item(itemID); ok {
		return itemInfo{
			sectionID:        sectionID,
			required:         item.Required,
			evidenceRequired: item.EvidenceRequired,
		}, nil
	}
	if ci, ok := p.CustomItem(itemID); ok {
		return itemInfo{
			sectionID:        ci.SectionID,
			required:         ci.Required,
			evidenceRequired: ci.EvidenceRequired,
			custom:           true,
		}, nil
	}
	return itemInfo{}, model.NewNotFoundError(fmt.Sprintf("checklist item %q not found", itemID))
}

// newProgress builds a fresh progress record with every template item pending.
func newProgress(cl *definition.Checklist, tenantID, investigationID string, now time.Time) model.ChecklistProgress {
	p := model.ChecklistProgress{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		InvestigationID: investigationID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	resetItems(cl, &p)
	recompute(cl, &p, now)
	return p
}

// resetItems pins p to cl and puts every template item back to pending.
// Custom items belong to the previous template and are dropped.
func resetItems(cl *definition.Checklist, p *model.ChecklistProgress) {
	p.TemplateID = cl.Template.ID
	p.TemplateVersion = cl.Template.Version
	p.CustomItems = nil
	p.CompletedAt = nil
	p.ItemStates = make(map[string]model.ItemState)
	for _, sec := range cl.Template.Sections {
		for _, item := range sec.Items {
			p.ItemStates[item.ID] = model.ItemState{Status: model.ItemStatusPending}
		}
	}
}

// completeItem marks itemID completed. It reports false when the item was
// already completed.
func completeItem(
	cl *definition.Checklist,
	p *model.ChecklistProgress,
	itemID, actorID string,
	in model.CompleteItemInput,
	now time.Time,
) (bool, error) {
	info, err := lookupItem(cl, p, itemID)
	if err != nil {
		return false, err
	}
	if p.ItemStates[itemID].Status == model.ItemStatusCompleted {
		return false, nil
	}
	if !info.custom {
		if blocked := BlockedBy(cl.Graph, itemID, p.ItemStates); len(blocked) > 0 {
			return false, model.NewItemLockedError(itemID, blocked)
		}
	}
	if info.evidenceRequired && strings.TrimSpace(in.Notes) == "" && len(in.AttachmentIDs) == 0 {
		return false, model.NewEvidenceRequiredError(itemID)
	}

	p.ItemStates[itemID] = model.ItemState{
		Status:             model.ItemStatusCompleted,
		CompletedAt:        &now,
		CompletedBy:        actorID,
		CompletionNotes:    in.Notes,
		AttachmentIDs:      append([]string(nil), in.AttachmentIDs...),
		LinkedInterviewIDs: append([]string(nil), in.LinkedInterviewIDs...),
	}
	return true, nil
}

// skipItem marks an optional item skipped and returns the audit entry, or
// nil when the item was already skipped.
func skipItem(
	cl *definition.Checklist,
	p *model.ChecklistProgress,
	itemID, reason, actorID string,
	now time.Time,
) (*model.SkipEntry, error) {
	info, err := lookupItem(cl, p, itemID)
	if err != nil {
		return nil, err
	}
	if p.ItemStates[itemID].Status == model.ItemStatusSkipped {
		return nil, nil
	}
	if info.required {
		return nil, model.NewRequiredItemCannotBeSkippedError(itemID)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.NewReasonRequiredError(fmt.Sprintf("skipping item %q requires a reason", itemID))
	}

	p.ItemStates[itemID] = model.ItemState{Status: model.ItemStatusSkipped}
	return &model.SkipEntry{
		ProgressID: p.ID,
		ItemID:     itemID,
		Reason:     reason,
		SkippedBy:  actorID,
		SkippedAt:  now,
	}, nil
}

// uncompleteItem returns a completed or skipped item to pending. It reports
// false when the item was already pending. Dependents stay as they are.
func uncompleteItem(cl *definition.Checklist, p *model.ChecklistProgress, itemID string) (bool, error) {
	if _, err := lookupItem(cl, p, itemID); err != nil {
		return false, err
	}
	if st := p.ItemStates[itemID]; st.Status == "" || st.Status == model.ItemStatusPending {
		return false, nil
	}
	p.ItemStates[itemID] = model.ItemState{Status: model.ItemStatusPending}
	return true, nil
}

// addCustomItem appends a custom item to a section of the applied template.
func addCustomItem(
	cl *definition.Checklist,
	p *model.ChecklistProgress,
	in model.CustomItemInput,
	actorID string,
	now time.Time,
) (model.CustomItem, error) {
	var details []model.FieldError
	if !cl.Template.HasSection(in.SectionID) {
		details = append(details, model.FieldError{Field: "section_id", Code: "unknown", Message: fmt.Sprintf("section %q is not part of the checklist", in.SectionID)})
	}
	if strings.TrimSpace(in.Text) == "" {
		details = append(details, model.FieldError{Field: "text", Code: "required", Message: "text is required"})
	}
	if len(details) > 0 {
		return model.CustomItem{}, model.NewValidationError(details)
	}

	item := model.CustomItem{
		ID:               "custom-" + uuid.New().String(),
		SectionID:        in.SectionID,
		Text:             strings.TrimSpace(in.Text),
		Required:         in.Required,
		EvidenceRequired: in.EvidenceRequired,
		AddedBy:          actorID,
		AddedAt:          now,
	}
	p.CustomItems = append(p.CustomItems, item)
	p.ItemStates[item.ID] = model.ItemState{Status: model.ItemStatusPending}
	return item, nil
}

// recompute refreshes the section aggregates, the overall counts and
// CompletedAt. It reports whether this call completed the checklist.
//
// CompletedItems counts completed items only; a section is completed once
// every item in it is completed or skipped. The checklist completes when
// every required item is resolved, or every item when none is required.
func recompute(cl *definition.Checklist, p *model.ChecklistProgress, now time.Time) bool {
	sections := make(map[string]model.SectionState, len(cl.Template.Sections))
	resolved := make(map[string]int, len(cl.Template.Sections))
	var completed, total, required, requiredResolved, allResolved int

	count := func(sectionID, itemID string, isRequired bool) {
		st := p.ItemStates[itemID].Status
		sec := sections[sectionID]
		sec.TotalItems++
		total++
		if st == model.ItemStatusCompleted {
			sec.CompletedItems++
			completed++
		}
		done := st == model.ItemStatusCompleted || st == model.ItemStatusSkipped
		if done {
			resolved[sectionID]++
			allResolved++
		}
		if isRequired {
			required++
			if done {
				requiredResolved++
			}
		}
		sections[sectionID] = sec
	}

	for _, sec := range cl.Template.Sections {
		sections[sec.ID] = model.SectionState{}
		for _, item := range sec.Items {
			count(sec.ID, item.ID, item.Required)
		}
	}
	for _, ci := range p.CustomItems {
		count(ci.SectionID, ci.ID, ci.Required)
	}

	for id, sec := range sections {
		switch {
		case sec.TotalItems > 0 && resolved[id] == sec.TotalItems:
			sec.Status = model.SectionStatusCompleted
		case resolved[id] > 0:
			sec.Status = model.SectionStatusInProgress
		default:
			sec.Status = model.SectionStatusPending
		}
		sections[id] = sec
	}

	p.SectionStates = sections
	p.CompletedItems = completed
	p.TotalItems = total

	done := allResolved == total
	if required > 0 {
		done = requiredResolved == required
	}
	if !done {
		p.CompletedAt = nil
		return false
	}
	if p.CompletedAt != nil {
		return false
	}
	p.CompletedAt = &now
	return true
}

// operationAction maps a tracker operation to its activity action name.
var operationAction = map[string]string{
	opComplete:   activity.ChecklistItemCompleted,
	opSkip:       activity.ChecklistItemSkipped,
	opUncomplete: activity.ChecklistItemUncompleted,
	opAddCustom:  activity.ChecklistCustomItemAdded,
}

// Tracker operation names, used for metrics and activity records.
const (
	opApply      = "apply"
	opComplete   = "complete"
	opSkip       = "skip"
	opUncomplete = "uncomplete"
	opAddCustom  = "add_custom_item"
)
