package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/caseflow/model"
)

// InstanceStore persists workflow instances and their event history.
type InstanceStore interface {
	// Create persists a new instance together with its first events.
	Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error

	// Get retrieves an instance by ID, scoped to a tenant. Returns NOT_FOUND
	// if the instance doesn't exist or belongs to a different tenant.
	Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error)

	// Update writes inst when the stored version still equals inst.Version,
	// storing it as inst.Version+1, and appends events in the same unit of
	// work. Returns CONCURRENT_MODIFICATION when the version has moved.
	Update(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error

	// AppendEvent adds an event to an instance's history.
	AppendEvent(ctx context.Context, event model.WorkflowEvent) error

	// GetEvents returns an instance's history in order, scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error)

	// FindByEntity returns the instances governing one entity, newest first.
	FindByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]model.WorkflowInstance, error)

	// FindDue returns active instances whose next deadline is at or before
	// cutoff, earliest first, across all tenants.
	FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error)
}
