package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const activitySchema = `
CREATE TABLE IF NOT EXISTS activity_log (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	data        JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_entity_idx ON activity_log (tenant_id, entity_type, entity_id, created_at);
`

// PgRecorder appends activity records to a PostgreSQL table. Write failures
// are logged and dropped.
type PgRecorder struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgRecorder creates a PostgreSQL-backed recorder.
func NewPgRecorder(pool *pgxpool.Pool, logger *zap.Logger) *PgRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgRecorder{pool: pool, logger: logger}
}

// EnsureSchema creates the activity table when missing.
func (r *PgRecorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, activitySchema); err != nil {
		return fmt.Errorf("create activity schema: %w", err)
	}
	return nil
}

// Record implements Recorder.
func (r *PgRecorder) Record(ctx context.Context, ev model.ActivityEvent) {
	if err := r.insert(ctx, ev); err != nil {
		observability.LoggerFrom(ctx, r.logger).Warn("activity record dropped",
			zap.String("action", ev.Action),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err),
		)
	}
}

func (r *PgRecorder) insert(ctx context.Context, ev model.ActivityEvent) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal activity data: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO activity_log (id, tenant_id, entity_type, entity_id, action, actor_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.TenantID, ev.EntityType, ev.EntityID, ev.Action, ev.ActorID, dataJSON, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (r *PgRecorder) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
