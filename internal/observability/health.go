package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the checkers for the readiness endpoint.
type ReadinessChecks struct {
	// DefinitionsLoaded is required. A nil func counts as not ready.
	DefinitionsLoaded func() bool

	// Stores maps a check name ("instance_store", "cursor_store", ...) to its
	// checker. Nil entries are skipped.
	Stores map[string]HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady returns an HTTP handler for the readiness endpoint. Store checks
// run concurrently, each bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(checks.Stores)+1)

		start := time.Now()
		if checks.DefinitionsLoaded != nil && checks.DefinitionsLoaded() {
			results["definitions"] = CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
		} else {
			results["definitions"] = CheckResult{
				Status:    "error",
				LatencyMs: time.Since(start).Milliseconds(),
				Error:     "no definitions loaded",
			}
		}

		names := make([]string, 0, len(checks.Stores))
		for name, checker := range checks.Stores {
			if checker != nil {
				names = append(names, name)
			}
		}
		sort.Strings(names)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, name := range names {
			wg.Add(1)
			go func(name string, checker HealthChecker) {
				defer wg.Done()
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
			}(name, checks.Stores[name])
		}
		wg.Wait()

		status := "ready"
		httpStatus := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, httpStatus, ReadinessResponse{Status: status, Checks: results})
	}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: "ok", LatencyMs: latency}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
