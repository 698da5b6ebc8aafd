package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

const instanceSchema = `
CREATE TABLE IF NOT EXISTS workflow_instances (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	template_id      TEXT NOT NULL,
	template_version INT NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	current_stage    TEXT NOT NULL,
	previous_stage   TEXT NOT NULL DEFAULT '',
	current_step     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	step_states      JSONB,
	stage_entered_at TIMESTAMPTZ NOT NULL,
	due_date         TIMESTAMPTZ,
	sla_breached_at  TIMESTAMPTZ,
	next_deadline_at TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	outcome          TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	version          INT NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_entity_idx ON workflow_instances (tenant_id, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS workflow_instances_due_idx ON workflow_instances (next_deadline_at) WHERE status = 'active';
CREATE TABLE IF NOT EXISTS workflow_events (
	id                   TEXT PRIMARY KEY,
	workflow_instance_id TEXT NOT NULL REFERENCES workflow_instances (id),
	seq                  BIGSERIAL,
	stage_id             TEXT NOT NULL DEFAULT '',
	step_id              TEXT NOT NULL DEFAULT '',
	event                TEXT NOT NULL,
	actor_id             TEXT NOT NULL DEFAULT '',
	data                 JSONB,
	comment              TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_events_instance_idx ON workflow_events (workflow_instance_id, seq);
`

const instanceColumns = `id, tenant_id, template_id, template_version, entity_type, entity_id,
	current_stage, previous_stage, current_step, status, step_states,
	stage_entered_at, due_date, sla_breached_at, next_deadline_at, completed_at, outcome,
	created_at, updated_at, version`

// PgInstanceStore is a PostgreSQL-backed InstanceStore using pgx/v5.
type PgInstanceStore struct {
	pool *pgxpool.Pool
}

// NewPgInstanceStore creates a PostgreSQL instance store.
func NewPgInstanceStore(pool *pgxpool.Pool) *PgInstanceStore {
	return &PgInstanceStore{pool: pool}
}

// EnsureSchema creates the instance and event tables when missing.
func (s *PgInstanceStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, instanceSchema); err != nil {
		return fmt.Errorf("create workflow schema: %w", err)
	}
	return nil
}

// Create inserts a new instance and its first events in one transaction.
func (s *PgInstanceStore) Create(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
			inst.ID, inst.TenantID, inst.TemplateID, inst.TemplateVersion, inst.EntityType, inst.EntityID,
			inst.CurrentStage, inst.PreviousStage, inst.CurrentStep, inst.Status, stepsJSON,
			inst.StageEnteredAt, inst.DueDate, inst.SLABreachedAt, inst.NextDeadlineAt, inst.CompletedAt, inst.Outcome,
			inst.CreatedAt, inst.UpdatedAt, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return insertEvents(ctx, tx, events)
	})
}

// Get retrieves an instance by ID, scoped to tenant.
func (s *PgInstanceStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", instanceID))
	}
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	return inst, nil
}

// Update writes inst with a version check and appends events atomically.
func (s *PgInstanceStore) Update(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	stepsJSON, err := json.Marshal(inst.StepStates)
	if err != nil {
		return fmt.Errorf("marshal step states: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances SET
				current_stage = $1,
				previous_stage = $2,
				current_step = $3,
				status = $4,
				step_states = $5,
				stage_entered_at = $6,
				due_date = $7,
				sla_breached_at = $8,
				next_deadline_at = $9,
				completed_at = $10,
				outcome = $11,
				updated_at = $12,
				version = $13
			WHERE id = $14 AND tenant_id = $15 AND version = $16`,
			inst.CurrentStage, inst.PreviousStage, inst.CurrentStep, inst.Status, stepsJSON,
			inst.StageEnteredAt, inst.DueDate, inst.SLABreachedAt, inst.NextDeadlineAt,
			inst.CompletedAt, inst.Outcome, inst.UpdatedAt, inst.Version+1,
			inst.ID, inst.TenantID, inst.Version,
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1 AND tenant_id = $2)`,
				inst.ID, inst.TenantID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check workflow instance: %w", err)
			}
			if !exists {
				return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
			}
			return model.NewConcurrentModificationError("workflow instance", inst.ID, inst.Version)
		}
		return insertEvents(ctx, tx, events)
	})
}

// AppendEvent adds an event to an instance's history.
func (s *PgInstanceStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	return insertEvents(ctx, s.pool, []model.WorkflowEvent{event})
}

// GetEvents returns an instance's history in append order.
func (s *PgInstanceStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	if _, err := s.Get(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_instance_id, stage_id, step_id, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE workflow_instance_id = $1
		ORDER BY created_at ASC, seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowInstanceID, &evt.StageID, &evt.StepID, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &evt.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindByEntity returns the instances governing one entity, newest first.
func (s *PgInstanceStore) FindByEntity(ctx context.Context, tenantID, entityType, entityID string) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY created_at DESC`,
		tenantID, entityType, entityID,
	)
}

// FindDue returns active instances with a deadline at or before cutoff.
func (s *PgInstanceStore) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'active' AND next_deadline_at IS NOT NULL AND next_deadline_at <= $1
		ORDER BY next_deadline_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return s.queryInstances(ctx, query, args...)
}

// HealthCheck pings the database.
func (s *PgInstanceStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgInstanceStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvents(ctx context.Context, db execer, events []model.WorkflowEvent) error {
	for _, evt := range events {
		var dataJSON []byte
		if evt.Data != nil {
			b, err := json.Marshal(evt.Data)
			if err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
			dataJSON = b
		}
		_, err := db.Exec(ctx, `
			INSERT INTO workflow_events (id, workflow_instance_id, stage_id, step_id, event, actor_id, data, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			evt.ID, evt.WorkflowInstanceID, evt.StageID, evt.StepID, evt.Event,
			evt.ActorID, dataJSON, evt.Comment, evt.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert workflow event: %w", err)
		}
	}
	return nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var stepsJSON []byte
	err := row.Scan(
		&inst.ID, &inst.TenantID, &inst.TemplateID, &inst.TemplateVersion, &inst.EntityType, &inst.EntityID,
		&inst.CurrentStage, &inst.PreviousStage, &inst.CurrentStep, &inst.Status, &stepsJSON,
		&inst.StageEnteredAt, &inst.DueDate, &inst.SLABreachedAt, &inst.NextDeadlineAt, &inst.CompletedAt, &inst.Outcome,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inst, err
		}
		return inst, fmt.Errorf("scan workflow instance: %w", err)
	}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &inst.StepStates); err != nil {
			return inst, fmt.Errorf("unmarshal step states: %w", err)
		}
	}
	return inst, nil
}
