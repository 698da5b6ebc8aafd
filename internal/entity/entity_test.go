package entity

import (
	"context"
	"testing"

	"github.com/pitabwire/caseflow/internal/gate"
	"github.com/pitabwire/caseflow/model"
)

var caseRef = Ref{TenantID: "acme", Type: model.EntityCase, ID: "case-1"}

func TestMemoryStore_Snapshot(t *testing.T) {
	s := NewMemoryStore()
	s.Put(caseRef, map[string]any{"outcome": "substantiated", "subject": map[string]any{"region": "eu"}})

	snap, err := s.Snapshot(context.Background(), caseRef)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Field("subject.region") != "eu" {
		t.Errorf("subject.region = %v", snap.Field("subject.region"))
	}

	// Mutating the snapshot must not leak into the store.
	snap["outcome"] = "changed"
	snap["subject"].(map[string]any)["region"] = "us"
	again, _ := s.Snapshot(context.Background(), caseRef)
	if again.Field("outcome") != "substantiated" || again.Field("subject.region") != "eu" {
		t.Errorf("store was mutated through a snapshot: %v", again)
	}
}

func TestMemoryStore_Snapshot_notFound(t *testing.T) {
	_, err := NewMemoryStore().Snapshot(context.Background(), caseRef)
	if !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want %s", err, model.ErrNotFound)
	}
}

func TestMemoryStore_Snapshot_tenantScoped(t *testing.T) {
	s := NewMemoryStore()
	s.Put(caseRef, map[string]any{"a": 1})

	other := caseRef
	other.TenantID = "globex"
	if _, err := s.Snapshot(context.Background(), other); !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("err = %v, want %s", err, model.ErrNotFound)
	}
}

func TestMemoryStore_SetField(t *testing.T) {
	s := NewMemoryStore()
	s.Put(caseRef, map[string]any{})
	ctx := context.Background()

	if err := s.SetField(ctx, caseRef, "status", "closed"); err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if err := s.SetField(ctx, caseRef, "review.owner", "bob"); err != nil {
		t.Fatalf("SetField(nested) error = %v", err)
	}

	snap, _ := s.Snapshot(ctx, caseRef)
	if snap.Field("status") != "closed" {
		t.Errorf("status = %v", snap.Field("status"))
	}
	if snap.Field("review.owner") != "bob" {
		t.Errorf("review.owner = %v", snap.Field("review.owner"))
	}
}

func TestMemoryStore_SetField_errors(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetField(ctx, caseRef, "status", "x"); !model.IsErrorCode(err, model.ErrNotFound) {
		t.Errorf("missing entity: err = %v, want %s", err, model.ErrNotFound)
	}
	s.Put(caseRef, nil)
	if err := s.SetField(ctx, caseRef, "", "x"); !model.IsErrorCode(err, model.ErrBadRequest) {
		t.Errorf("empty path: err = %v, want %s", err, model.ErrBadRequest)
	}
}

func TestMemoryStore_HasApproval(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	q := gate.ApprovalQuery{
		TenantID:     "acme",
		EntityType:   model.EntityCase,
		EntityID:     "case-1",
		StageID:      "PENDING_REVIEW",
		ApprovalType: "legal",
	}

	if ok, _ := s.HasApproval(ctx, q); ok {
		t.Error("HasApproval() = true before any decision")
	}
	s.SetApproval(caseRef, "PENDING_REVIEW", "legal", ApprovalPending)
	if ok, _ := s.HasApproval(ctx, q); ok {
		t.Error("HasApproval() = true for a pending approval")
	}
	s.SetApproval(caseRef, "PENDING_REVIEW", "legal", ApprovalApproved)
	if ok, _ := s.HasApproval(ctx, q); !ok {
		t.Error("HasApproval() = false after approval")
	}

	q.StageID = "INVESTIGATING"
	if ok, _ := s.HasApproval(ctx, q); ok {
		t.Error("approval leaked to another stage")
	}
}
