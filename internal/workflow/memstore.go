package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// MemoryInstanceStore is an in-memory InstanceStore.
type MemoryInstanceStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance // key: instance ID
	events    map[string][]model.WorkflowEvent  // key: instance ID
}

// NewMemoryInstanceStore creates an empty in-memory store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		instances: make(map[string]model.WorkflowInstance),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// Create persists a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = cloneInstance(inst)
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *MemoryInstanceStore) Get(_ context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	return cloneInstance(inst), nil
}

// Update persists an updated instance with optimistic locking.
func (s *MemoryInstanceStore) Update(_ context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists || existing.TenantID != inst.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConcurrentModificationError("workflow instance", inst.ID, inst.Version)
	}

	stored := cloneInstance(inst)
	stored.Version++
	s.instances[inst.ID] = stored
	s.events[inst.ID] = append(s.events[inst.ID], events...)
	return nil
}

// AppendEvent adds an event to an instance's history.
func (s *MemoryInstanceStore) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[event.WorkflowInstanceID]; !exists {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", event.WorkflowInstanceID))
	}
	s.events[event.WorkflowInstanceID] = append(s.events[event.WorkflowInstanceID], event)
	return nil
}

// GetEvents returns an instance's history in append order.
func (s *MemoryInstanceStore) GetEvents(_ context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[instanceID]
	if !exists || inst.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	events := s.events[instanceID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindByEntity returns the instances governing one entity, newest first.
func (s *MemoryInstanceStore) FindByEntity(_ context.Context, tenantID, entityType, entityID string) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && inst.EntityType == entityType && inst.EntityID == entityID {
			result = append(result, cloneInstance(inst))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// FindDue returns active instances with a deadline at or before cutoff.
func (s *MemoryInstanceStore) FindDue(_ context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status != model.InstanceStatusActive {
			continue
		}
		if inst.NextDeadlineAt == nil || inst.NextDeadlineAt.After(cutoff) {
			continue
		}
		result = append(result, cloneInstance(inst))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextDeadlineAt.Before(*result[j].NextDeadlineAt)
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryInstanceStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of stored instances.
func (s *MemoryInstanceStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// cloneInstance copies the step state map so callers never share it with
// the store.
func cloneInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.StepStates != nil {
		steps := make(map[string]model.StepState, len(inst.StepStates))
		for k, v := range inst.StepStates {
			steps[k] = v
		}
		inst.StepStates = steps
	}
	return inst
}
