// Package app assembles the engine from configuration: definitions,
// persistence, directory, assignee resolution, the workflow engine and the
// checklist service.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/assignee"
	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/checklist"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/definition"
	"github.com/pitabwire/caseflow/internal/entity"
	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/gate"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/sla"
	"github.com/pitabwire/caseflow/internal/webhook"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// EntityStore is what both entity store implementations provide.
type EntityStore interface {
	entity.Provider
	entity.Writer
	gate.ApprovalSource
	observability.HealthChecker
}

type cursorStore interface {
	assignee.CursorStore
	observability.HealthChecker
}

// Overrides replaces collaborators normally built from configuration.
// Zero fields keep the configured ones.
type Overrides struct {
	Clock     sla.Clock
	Notifier  activity.Notifier
	Activity  activity.Recorder
	Directory *capability.StaticDirectory
}

// App is a fully wired engine.
type App struct {
	Config     *config.Config
	Registry   *definition.Registry
	Directory  *capability.StaticDirectory
	Entities   EntityStore
	Workflows  *workflow.Engine
	Checklists *checklist.Service

	// Health holds a readiness checker per backing store.
	Health map[string]observability.HealthChecker

	instances workflow.InstanceStore
	progress  checklist.ProgressStore

	loader  *definition.Loader
	metrics *observability.Metrics
	logger  *zap.Logger
	closers []func()
}

// New builds an App. Definitions are loaded from cfg.Definitions before the
// stores are opened; a definition error aborts startup.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:   cfg,
		Registry: definition.NewRegistry(),
		Health:   make(map[string]observability.HealthChecker),
		loader:   definition.NewLoader(),
		metrics:  metrics,
		logger:   logger,
	}

	if err := a.ReloadDefinitions(); err != nil {
		return nil, err
	}

	recorder, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if ov.Activity != nil {
		recorder = ov.Activity
	}

	cursors, err := a.openCursors(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Directory = ov.Directory
	if a.Directory == nil {
		a.Directory, err = capability.NewStaticDirectory(cfg.Roles.DirectoryFile)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	notifier := ov.Notifier
	if notifier == nil {
		notifier = activity.NewLogNotifier(logger)
	}

	assignees := assignee.NewResolver(assignee.Options{
		Teams:         a.Directory,
		Load:          a.Directory,
		Org:           a.Directory,
		Cursors:       cursors,
		Timeout:       cfg.Engine.AssigneeTimeout,
		CursorRetries: uint64(cfg.Engine.CursorRetries),
		Metrics:       metrics,
		Logger:        logger,
	})
	webhooks := webhook.NewClient(webhook.Options{
		MaxAttempts:      cfg.Engine.Webhook.MaxAttempts,
		Backoff:          cfg.Engine.Webhook.Backoff,
		Timeout:          cfg.Engine.Webhook.Timeout,
		FailureThreshold: cfg.Engine.Webhook.FailureThreshold,
		Cooldown:         cfg.Engine.Webhook.Cooldown,
		Logger:           logger,
	})

	a.Workflows = workflow.NewEngine(workflow.Options{
		Registry:       a.Registry,
		Store:          a.instances,
		Gates:          gate.NewEvaluator(a.Entities, expression.NewTengoEvaluator(cfg.Engine.ExpressionTimeout), logger),
		Assignees:      assignees,
		Roles:          capability.NewResolver(a.Directory, cfg.Roles.CacheTTL, metrics),
		Entities:       a.Entities,
		Writer:         a.Entities,
		Notifier:       notifier,
		Webhooks:       webhooks,
		Activity:       recorder,
		Clock:          ov.Clock,
		Metrics:        metrics,
		Logger:         logger,
		ActionTimeout:  cfg.Engine.ActionTimeout,
		SweepBatchSize: cfg.SLA.BatchSize,
	})
	a.Checklists = checklist.NewService(checklist.Options{
		Registry: a.Registry,
		Store:    a.progress,
		Activity: recorder,
		Clock:    ov.Clock,
		Metrics:  metrics,
		Logger:   logger,
	})
	return a, nil
}

// ReloadDefinitions reads every template file and swaps them into the
// registry. On failure the registry keeps its previous contents.
func (a *App) ReloadDefinitions() error {
	files, err := a.loader.LoadAll(a.Config.Definitions.Directories)
	if err == nil {
		err = a.Registry.Load(files)
	}
	if err != nil {
		a.metrics.RecordDefinitionReload("failure")
		return fmt.Errorf("definitions: %w", err)
	}
	a.metrics.RecordDefinitionReload("success")
	a.metrics.SetDefinitionsLoaded(float64(a.Registry.Count()))
	a.logger.Info("definitions loaded",
		zap.Int("templates", a.Registry.Count()),
		zap.String("checksum", a.Registry.Checksum()),
	)
	return nil
}

// Ready reports whether any template is loaded.
func (a *App) Ready() bool {
	return a.Registry.Count() > 0
}

// Close releases store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
