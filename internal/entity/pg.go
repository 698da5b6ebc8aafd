package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/gate"
	"github.com/pitabwire/caseflow/model"
)

const entitySchema = `
CREATE TABLE IF NOT EXISTS entity_snapshots (
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tenant_id, entity_type, entity_id)
);
CREATE TABLE IF NOT EXISTS approvals (
	tenant_id     TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	stage_id      TEXT NOT NULL,
	approval_type TEXT NOT NULL,
	status        TEXT NOT NULL,
	decided_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS approvals_lookup_idx ON approvals (tenant_id, entity_type, entity_id, stage_id, approval_type);
`

// PgStore reads entity snapshots and approvals from PostgreSQL tables kept
// in sync by the owning services.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL-backed entity store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the snapshot and approval tables when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, entitySchema); err != nil {
		return fmt.Errorf("create entity schema: %w", err)
	}
	return nil
}

// Snapshot implements Provider.
func (s *PgStore) Snapshot(ctx context.Context, ref Ref) (expression.Entity, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT fields FROM entity_snapshots
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		ref.TenantID, ref.Type, ref.ID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("entity %s not found", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("query entity snapshot: %w", err)
	}

	fields := expression.Entity{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal entity snapshot: %w", err)
	}
	return fields, nil
}

// SetField implements Writer.
func (s *PgStore) SetField(ctx context.Context, ref Ref, path string, value any) error {
	if path == "" {
		return model.NewBadRequestError("field path is required")
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal field value: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE entity_snapshots
		SET fields = jsonb_set(fields, $4::text[], $5::jsonb, true), updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3`,
		ref.TenantID, ref.Type, ref.ID, strings.Split(path, "."), valueJSON,
	)
	if err != nil {
		return fmt.Errorf("update entity field: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("entity %s not found", ref))
	}
	return nil
}

// HasApproval implements gate.ApprovalSource. The most recent decision wins.
func (s *PgStore) HasApproval(ctx context.Context, q gate.ApprovalQuery) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM approvals
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND stage_id = $4 AND approval_type = $5
		ORDER BY decided_at DESC
		LIMIT 1`,
		q.TenantID, q.EntityType, q.EntityID, q.StageID, q.ApprovalType,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query approval: %w", err)
	}
	return status == ApprovalApproved, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
