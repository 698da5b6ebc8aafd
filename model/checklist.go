package model

import (
	"math"
	"time"
)

// Checklist item status constants.
const (
	ItemStatusPending   = "pending"
	ItemStatusCompleted = "completed"
	ItemStatusSkipped   = "skipped"
)

// Checklist section status constants.
const (
	SectionStatusPending    = "pending"
	SectionStatusInProgress = "in_progress"
	SectionStatusCompleted  = "completed"
)

// ChecklistProgress is the completion state of a checklist template applied
// to one investigation.
type ChecklistProgress struct {
	ID              string                  `json:"id"`
	TenantID        string                  `json:"tenant_id"`
	InvestigationID string                  `json:"investigation_id"`
	TemplateID      string                  `json:"template_id"`
	TemplateVersion int                     `json:"template_version"`
	ItemStates      map[string]ItemState    `json:"item_states"`
	SectionStates   map[string]SectionState `json:"section_states"`
	CustomItems     []CustomItem            `json:"custom_items,omitempty"`
	CompletedItems  int                     `json:"completed_items"`
	TotalItems      int                     `json:"total_items"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	Version         int                     `json:"version"`

	// SkippedItems is hydrated from the append-only skip log on read.
	SkippedItems []SkipEntry `json:"skipped_items,omitempty"`
}

// Ref returns the template reference the progress is pinned to.
func (p *ChecklistProgress) Ref() TemplateRef {
	return TemplateRef{TenantID: p.TenantID, ID: p.TemplateID, Version: p.TemplateVersion}
}

// ProgressPercent returns completed/total as a whole percentage.
func (p *ChecklistProgress) ProgressPercent() int {
	if p.TotalItems == 0 {
		return 0
	}
	return int(math.Round(float64(p.CompletedItems) * 100 / float64(p.TotalItems)))
}

// CustomItem returns the custom item with the given id.
func (p *ChecklistProgress) CustomItem(id string) (*CustomItem, bool) {
	for i := range p.CustomItems {
		if p.CustomItems[i].ID == id {
			return &p.CustomItems[i], true
		}
	}
	return nil, false
}

// ItemState is the current state of one checklist item.
type ItemState struct {
	Status             string     `json:"status"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CompletedBy        string     `json:"completed_by,omitempty"`
	CompletionNotes    string     `json:"completion_notes,omitempty"`
	AttachmentIDs      []string   `json:"attachment_ids,omitempty"`
	LinkedInterviewIDs []string   `json:"linked_interview_ids,omitempty"`
}

// SectionState caches per-section aggregates.
type SectionState struct {
	Status         string `json:"status"`
	CompletedItems int    `json:"completed_items"`
	TotalItems     int    `json:"total_items"`
}

// CustomItem is an item added to one progress record outside the template.
type CustomItem struct {
	ID               string    `json:"id"`
	SectionID        string    `json:"section_id"`
	Text             string    `json:"text"`
	Required         bool      `json:"required"`
	EvidenceRequired bool      `json:"evidence_required"`
	AddedBy          string    `json:"added_by"`
	AddedAt          time.Time `json:"added_at"`
}

// SkipEntry is one append-only skip audit record.
type SkipEntry struct {
	ProgressID string    `json:"progress_id"`
	ItemID     string    `json:"item_id"`
	Reason     string    `json:"reason"`
	SkippedBy  string    `json:"skipped_by"`
	SkippedAt  time.Time `json:"skipped_at"`
}

// CompleteItemInput carries the evidence supplied when completing an item.
type CompleteItemInput struct {
	Notes              string
	AttachmentIDs      []string
	LinkedInterviewIDs []string
}

// CustomItemInput describes a custom item to add.
type CustomItemInput struct {
	SectionID        string
	Text             string
	Required         bool
	EvidenceRequired bool
}
