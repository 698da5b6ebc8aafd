package checklist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/caseflow/model"
)

// ProgressStore persists checklist progress and its skip log. There is at
// most one progress record per investigation.
type ProgressStore interface {
	// Create persists a new progress record. Returns CONFLICT when the
	// investigation already has one.
	Create(ctx context.Context, p model.ChecklistProgress) error

	// Get retrieves a progress record by ID, scoped to a tenant.
	Get(ctx context.Context, tenantID, progressID string) (model.ChecklistProgress, error)

	// GetByInvestigation retrieves the progress record of an investigation.
	GetByInvestigation(ctx context.Context, tenantID, investigationID string) (model.ChecklistProgress, error)

	// Update writes p when the stored version still equals p.Version,
	// storing it as p.Version+1, and appends skips in the same unit of
	// work. Returns CONCURRENT_MODIFICATION when the version has moved.
	Update(ctx context.Context, p model.ChecklistProgress, skips ...model.SkipEntry) error

	// Skips returns the skip log of a progress record in append order.
	Skips(ctx context.Context, tenantID, progressID string) ([]model.SkipEntry, error)
}

type investigationKey struct{ tenant, investigation string }

// MemoryProgressStore is an in-memory ProgressStore.
type MemoryProgressStore struct {
	mu              sync.RWMutex
	progress        map[string]model.ChecklistProgress // key: progress ID
	byInvestigation map[investigationKey]string
	skips           map[string][]model.SkipEntry // key: progress ID
}

// NewMemoryProgressStore creates an empty in-memory store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		progress:        make(map[string]model.ChecklistProgress),
		byInvestigation: make(map[investigationKey]string),
		skips:           make(map[string][]model.SkipEntry),
	}
}

// Create implements ProgressStore.
func (s *MemoryProgressStore) Create(_ context.Context, p model.ChecklistProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := investigationKey{p.TenantID, p.InvestigationID}
	if _, exists := s.byInvestigation[key]; exists {
		return model.NewConflictError(fmt.Sprintf("investigation %q already has a checklist", p.InvestigationID))
	}
	if _, exists := s.progress[p.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("checklist progress %q already exists", p.ID))
	}
	s.progress[p.ID] = cloneProgress(p)
	s.byInvestigation[key] = p.ID
	return nil
}

// Get implements ProgressStore.
func (s *MemoryProgressStore) Get(_ context.Context, tenantID, progressID string) (model.ChecklistProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[progressID]
	if !ok || p.TenantID != tenantID {
		return model.ChecklistProgress{}, model.NewNotFoundError(fmt.Sprintf("checklist progress %q not found", progressID))
	}
	return cloneProgress(p), nil
}

// GetByInvestigation implements ProgressStore.
func (s *MemoryProgressStore) GetByInvestigation(_ context.Context, tenantID, investigationID string) (model.ChecklistProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInvestigation[investigationKey{tenantID, investigationID}]
	if !ok {
		return model.ChecklistProgress{}, model.NewNotFoundError(fmt.Sprintf("investigation %q has no checklist", investigationID))
	}
	return cloneProgress(s.progress[id]), nil
}

// Update implements ProgressStore.
func (s *MemoryProgressStore) Update(_ context.Context, p model.ChecklistProgress, skips ...model.SkipEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.progress[p.ID]
	if !ok || existing.TenantID != p.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("checklist progress %q not found", p.ID))
	}
	if existing.Version != p.Version {
		return model.NewConcurrentModificationError("checklist progress", p.ID, p.Version)
	}

	stored := cloneProgress(p)
	stored.Version++
	stored.SkippedItems = nil
	s.progress[p.ID] = stored
	s.skips[p.ID] = append(s.skips[p.ID], skips...)
	return nil
}

// Skips implements ProgressStore.
func (s *MemoryProgressStore) Skips(_ context.Context, tenantID, progressID string) ([]model.SkipEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[progressID]
	if !ok || p.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("checklist progress %q not found", progressID))
	}
	out := make([]model.SkipEntry, len(s.skips[progressID]))
	copy(out, s.skips[progressID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].SkippedAt.Before(out[j].SkippedAt) })
	return out, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryProgressStore) HealthCheck(context.Context) error { return nil }

// cloneProgress copies the maps and slices of p so the store never shares
// them with callers.
func cloneProgress(p model.ChecklistProgress) model.ChecklistProgress {
	if p.ItemStates != nil {
		items := make(map[string]model.ItemState, len(p.ItemStates))
		for k, v := range p.ItemStates {
			v.AttachmentIDs = append([]string(nil), v.AttachmentIDs...)
			v.LinkedInterviewIDs = append([]string(nil), v.LinkedInterviewIDs...)
			items[k] = v
		}
		p.ItemStates = items
	}
	if p.SectionStates != nil {
		sections := make(map[string]model.SectionState, len(p.SectionStates))
		for k, v := range p.SectionStates {
			sections[k] = v
		}
		p.SectionStates = sections
	}
	p.CustomItems = append([]model.CustomItem(nil), p.CustomItems...)
	p.SkippedItems = append([]model.SkipEntry(nil), p.SkippedItems...)
	return p
}
