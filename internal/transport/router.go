package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// Dependencies holds everything the operational router needs.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router serving liveness, readiness and, when
// enabled, Prometheus metrics. The engine has no business HTTP API.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID(logger))
	r.Use(SecurityHeaders)
	r.Use(RequestLogging(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))

	metricsCfg := deps.Config.Observability.Metrics
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewNotFoundError("no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return r
}
