package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/assignee"
	"github.com/pitabwire/caseflow/internal/checklist"
	"github.com/pitabwire/caseflow/internal/entity"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// openStores creates instance, progress, entity and activity persistence for
// the configured driver and returns the activity recorder to use.
func (a *App) openStores(ctx context.Context) (activity.Recorder, error) {
	cfg := a.Config.Store
	logRecorder := activity.NewLogRecorder(a.logger)

	switch cfg.Driver {
	case "memory":
		a.logger.Info("using in-memory stores")
		instances := workflow.NewMemoryInstanceStore()
		progress := checklist.NewMemoryProgressStore()
		entities := entity.NewMemoryStore()

		a.instances, a.progress, a.Entities = instances, progress, entities
		a.Health["instance_store"] = instances
		a.Health["progress_store"] = progress
		a.Health["entity_store"] = entities
		return logRecorder, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		instances := workflow.NewPgInstanceStore(pool)
		progress := checklist.NewPgProgressStore(pool)
		entities := entity.NewPgStore(pool)
		recorder := activity.NewPgRecorder(pool, a.logger)

		schemas := []struct {
			name   string
			ensure func(context.Context) error
		}{
			{"instances", instances.EnsureSchema},
			{"checklists", progress.EnsureSchema},
			{"entities", entities.EnsureSchema},
			{"activity", recorder.EnsureSchema},
		}
		for _, s := range schemas {
			if err := s.ensure(ctx); err != nil {
				return nil, fmt.Errorf("store: %s schema: %w", s.name, err)
			}
		}

		a.logger.Info("using postgres stores", zap.Int32("max_conns", poolCfg.MaxConns))
		a.instances, a.progress, a.Entities = instances, progress, entities
		a.Health["instance_store"] = instances
		a.Health["progress_store"] = progress
		a.Health["entity_store"] = entities
		return activity.FanOut{recorder, logRecorder}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// openCursors creates the round-robin cursor store for the configured driver.
func (a *App) openCursors(ctx context.Context) (assignee.CursorStore, error) {
	cfg := a.Config.Cursor

	var store cursorStore
	switch cfg.Driver {
	case "memory":
		a.logger.Info("using in-memory cursor store")
		store = assignee.NewMemoryCursorStore()
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("cursor store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("cursor store: ping: %w", err)
		}
		a.logger.Info("using redis cursor store", zap.String("addr", addr), zap.Int("db", cfg.DB))
		store = assignee.NewRedisCursorStore(client, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unsupported cursor store driver: %q", cfg.Driver)
	}

	a.Health["cursor_store"] = store
	return store, nil
}
