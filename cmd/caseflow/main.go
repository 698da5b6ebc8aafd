// Package main is the entry point for the caseflow engine process. It runs
// the deadline sweeper and serves health, readiness and metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/app"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Optional .env file, then CLI flags.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, ".env error: %v\n", err)
		return 1
	}
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Definitions, stores, engine and checklist service.
	a, err := app.New(ctx, cfg, metrics, logger, app.Overrides{})
	if err != nil {
		logger.Error("engine initialization failed", zap.Error(err))
		return 1
	}
	defer a.Close()

	// Step 5: Deadline and SLA sweep.
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})))
	if _, err := scheduler.AddFunc(cfg.SLA.SweepSchedule, func() {
		processed, err := a.Workflows.ProcessDeadlines(ctx, time.Now().UTC())
		if err != nil {
			logger.Error("deadline sweep failed", zap.Error(err))
			return
		}
		logger.Info("deadline sweep finished", zap.Int("processed", processed))
	}); err != nil {
		logger.Error("invalid sweep schedule", zap.String("schedule", cfg.SLA.SweepSchedule), zap.Error(err))
		return 1
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Step 6: SIGHUP reloads definitions and the directory.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				if err := a.ReloadDefinitions(); err != nil {
					logger.Error("definition reload failed, keeping previous definitions", zap.Error(err))
				}
				if err := a.Directory.Sync(); err != nil {
					logger.Error("directory reload failed", zap.Error(err))
				}
			}
		}
	}()

	// Step 7: Operational HTTP server.
	router := transport.NewRouter(transport.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: a.Ready,
			Stores:            a.Health,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("cursor_store", cfg.Cursor.Driver),
		zap.String("sweep_schedule", cfg.SLA.SweepSchedule),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
