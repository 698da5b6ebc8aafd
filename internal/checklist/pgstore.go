package checklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

const progressSchema = `
CREATE TABLE IF NOT EXISTS checklist_progress (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	investigation_id TEXT NOT NULL,
	template_id      TEXT NOT NULL,
	template_version INT NOT NULL,
	item_states      JSONB NOT NULL,
	section_states   JSONB NOT NULL,
	custom_items     JSONB,
	completed_items  INT NOT NULL,
	total_items      INT NOT NULL,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	version          INT NOT NULL,
	UNIQUE (tenant_id, investigation_id)
);
CREATE TABLE IF NOT EXISTS checklist_skips (
	seq         BIGSERIAL PRIMARY KEY,
	progress_id TEXT NOT NULL REFERENCES checklist_progress (id),
	item_id     TEXT NOT NULL,
	reason      TEXT NOT NULL,
	skipped_by  TEXT NOT NULL,
	skipped_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS checklist_skips_progress_idx ON checklist_skips (progress_id, seq);
`

const progressColumns = `id, tenant_id, investigation_id, template_id, template_version,
	item_states, section_states, custom_items, completed_items, total_items,
	completed_at, created_at, updated_at, version`

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PgProgressStore is a PostgreSQL-backed ProgressStore using pgx/v5.
type PgProgressStore struct {
	pool *pgxpool.Pool
}

// NewPgProgressStore creates a PostgreSQL progress store.
func NewPgProgressStore(pool *pgxpool.Pool) *PgProgressStore {
	return &PgProgressStore{pool: pool}
}

// EnsureSchema creates the progress and skip log tables when missing.
func (s *PgProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, progressSchema); err != nil {
		return fmt.Errorf("create checklist schema: %w", err)
	}
	return nil
}

// Create implements ProgressStore.
func (s *PgProgressStore) Create(ctx context.Context, p model.ChecklistProgress) error {
	cols, err := marshalProgress(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checklist_progress (`+progressColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.TenantID, p.InvestigationID, p.TemplateID, p.TemplateVersion,
		cols.items, cols.sections, cols.custom, p.CompletedItems, p.TotalItems,
		p.CompletedAt, p.CreatedAt, p.UpdatedAt, p.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return model.NewConflictError(fmt.Sprintf("investigation %q already has a checklist", p.InvestigationID))
	}
	if err != nil {
		return fmt.Errorf("insert checklist progress: %w", err)
	}
	return nil
}

// Get implements ProgressStore.
func (s *PgProgressStore) Get(ctx context.Context, tenantID, progressID string) (model.ChecklistProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM checklist_progress
		WHERE id = $1 AND tenant_id = $2`,
		progressID, tenantID,
	)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChecklistProgress{}, model.NewNotFoundError(fmt.Sprintf("checklist progress %q not found", progressID))
	}
	return p, err
}

// GetByInvestigation implements ProgressStore.
func (s *PgProgressStore) GetByInvestigation(ctx context.Context, tenantID, investigationID string) (model.ChecklistProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+progressColumns+`
		FROM checklist_progress
		WHERE tenant_id = $1 AND investigation_id = $2`,
		tenantID, investigationID,
	)
	p, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ChecklistProgress{}, model.NewNotFoundError(fmt.Sprintf("investigation %q has no checklist", investigationID))
	}
	return p, err
}

// Update implements ProgressStore.
func (s *PgProgressStore) Update(ctx context.Context, p model.ChecklistProgress, skips ...model.SkipEntry) error {
	cols, err := marshalProgress(p)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE checklist_progress SET
				template_id = $1,
				template_version = $2,
				item_states = $3,
				section_states = $4,
				custom_items = $5,
				completed_items = $6,
				total_items = $7,
				completed_at = $8,
				updated_at = $9,
				version = $10
			WHERE id = $11 AND tenant_id = $12 AND version = $13`,
			p.TemplateID, p.TemplateVersion, cols.items, cols.sections, cols.custom,
			p.CompletedItems, p.TotalItems, p.CompletedAt, p.UpdatedAt, p.Version+1,
			p.ID, p.TenantID, p.Version,
		)
		if err != nil {
			return fmt.Errorf("update checklist progress: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM checklist_progress WHERE id = $1 AND tenant_id = $2)`,
				p.ID, p.TenantID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check checklist progress: %w", err)
			}
			if !exists {
				return model.NewNotFoundError(fmt.Sprintf("checklist progress %q not found", p.ID))
			}
			return model.NewConcurrentModificationError("checklist progress", p.ID, p.Version)
		}

		for _, sk := range skips {
			if _, err := tx.Exec(ctx, `
				INSERT INTO checklist_skips (progress_id, item_id, reason, skipped_by, skipped_at)
				VALUES ($1, $2, $3, $4, $5)`,
				sk.ProgressID, sk.ItemID, sk.Reason, sk.SkippedBy, sk.SkippedAt,
			); err != nil {
				return fmt.Errorf("insert checklist skip: %w", err)
			}
		}
		return nil
	})
}

// Skips implements ProgressStore.
func (s *PgProgressStore) Skips(ctx context.Context, tenantID, progressID string) ([]model.SkipEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.progress_id, k.item_id, k.reason, k.skipped_by, k.skipped_at
		FROM checklist_skips k
		JOIN checklist_progress p ON p.id = k.progress_id
		WHERE k.progress_id = $1 AND p.tenant_id = $2
		ORDER BY k.skipped_at ASC, k.seq ASC`,
		progressID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query checklist skips: %w", err)
	}
	defer rows.Close()

	var out []model.SkipEntry
	for rows.Next() {
		var sk model.SkipEntry
		if err := rows.Scan(&sk.ProgressID, &sk.ItemID, &sk.Reason, &sk.SkippedBy, &sk.SkippedAt); err != nil {
			return nil, fmt.Errorf("scan checklist skip: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *PgProgressStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type progressJSON struct {
	items, sections, custom []byte
}

func marshalProgress(p model.ChecklistProgress) (progressJSON, error) {
	var out progressJSON
	var err error
	if out.items, err = json.Marshal(p.ItemStates); err != nil {
		return out, fmt.Errorf("marshal item states: %w", err)
	}
	if out.sections, err = json.Marshal(p.SectionStates); err != nil {
		return out, fmt.Errorf("marshal section states: %w", err)
	}
	if out.custom, err = json.Marshal(p.CustomItems); err != nil {
		return out, fmt.Errorf("marshal custom items: %w", err)
	}
	return out, nil
}

func scanProgress(row pgx.Row) (model.ChecklistProgress, error) {
	var p model.ChecklistProgress
	var items, sections, custom []byte
	err := row.Scan(
		&p.ID, &p.TenantID, &p.InvestigationID, &p.TemplateID, &p.TemplateVersion,
		&items, &sections, &custom, &p.CompletedItems, &p.TotalItems,
		&p.CompletedAt, &p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan checklist progress: %w", err)
	}
	if err := json.Unmarshal(items, &p.ItemStates); err != nil {
		return p, fmt.Errorf("unmarshal item states: %w", err)
	}
	if err := json.Unmarshal(sections, &p.SectionStates); err != nil {
		return p, fmt.Errorf("unmarshal section states: %w", err)
	}
	if custom != nil {
		if err := json.Unmarshal(custom, &p.CustomItems); err != nil {
			return p, fmt.Errorf("unmarshal custom items: %w", err)
		}
	}
	return p, nil
}
