// Package entity gives the engine read and write access to the business
// entities its workflows govern, and to the approval records gates check.
package entity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/gate"
	"github.com/pitabwire/caseflow/model"
)

// Ref identifies one governed entity.
type Ref struct {
	TenantID string
	Type     string
	ID       string
}

func (r Ref) String() string {
	return r.TenantID + "/" + r.Type + "/" + r.ID
}

// Provider reads entity snapshots. A missing entity is reported as NOT_FOUND.
type Provider interface {
	Snapshot(ctx context.Context, ref Ref) (expression.Entity, error)
}

// Writer updates a single field on an entity.
type Writer interface {
	SetField(ctx context.Context, ref Ref, path string, value any) error
}

// Approval status values.
const (
	ApprovalApproved = "APPROVED"
	ApprovalPending  = "PENDING"
	ApprovalRejected = "REJECTED"
)

type approvalKey struct {
	tenant, entityType, entityID, stage, approvalType string
}

// MemoryStore keeps entity snapshots and approvals in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	entities  map[Ref]map[string]any
	approvals map[approvalKey]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[Ref]map[string]any),
		approvals: make(map[approvalKey]string),
	}
}

// Put replaces the snapshot of an entity.
func (s *MemoryStore) Put(ref Ref, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[ref] = deepCopy(fields)
}

// Snapshot implements Provider.
func (s *MemoryStore) Snapshot(_ context.Context, ref Ref) (expression.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.entities[ref]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity %s not found", ref))
	}
	return expression.Entity(deepCopy(fields)), nil
}

// SetField implements Writer. Intermediate maps along a dotted path are
// created as needed; the entity itself must exist.
func (s *MemoryStore) SetField(_ context.Context, ref Ref, path string, value any) error {
	if path == "" {
		return model.NewBadRequestError("field path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fields, ok := s.entities[ref]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("entity %s not found", ref))
	}

	parts := strings.Split(path, ".")
	cur := fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
	return nil
}

// SetApproval records the status of an approval for a stage.
func (s *MemoryStore) SetApproval(ref Ref, stageID, approvalType, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[approvalKey{ref.TenantID, ref.Type, ref.ID, stageID, approvalType}] = status
}

// HasApproval implements gate.ApprovalSource.
func (s *MemoryStore) HasApproval(_ context.Context, q gate.ApprovalQuery) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := s.approvals[approvalKey{q.TenantID, q.EntityType, q.EntityID, q.StageID, q.ApprovalType}]
	return status == ApprovalApproved, nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}
