package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger writing to stdout. Format "console" selects
// the human-readable encoder; anything else logs JSON.
//
// Log level usage conventions:
//   - error: Infrastructure failures (store down, cursor store unreachable)
//   - warn:  Degraded operation (unresolved assignee, failed action, SLA breach)
//   - info:  Instance start/transition/cancel, checklist changes, sweeps, definition load
//   - debug: Gate evaluation details, cursor advances, role cache operations
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "caseflow"},
	}

	return zapCfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) tagged with the
// caller's tenant and subject. A nil rctx falls back to the RequestContext
// carried by ctx, if any.
func RequestLogger(ctx context.Context, fallback *zap.Logger, rctx *model.RequestContext) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	if rctx == nil {
		rctx = model.RequestContextFrom(ctx)
	}
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}

	return logger.With(fields...)
}
