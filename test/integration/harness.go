// Package integration drives a fully wired engine, built the same way the
// server builds it, through end-to-end compliance scenarios. Stores are
// in-memory; the clock, notifier and activity recorder are captured so tests
// can assert on them.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/caseflow/internal/activity"
	"github.com/pitabwire/caseflow/internal/app"
	"github.com/pitabwire/caseflow/internal/capability"
	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/entity"
	"github.com/pitabwire/caseflow/model"
)

// T0 is the wall-clock time every harness starts at.
var T0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// Clock is a settable clock shared by the engine and the checklist service.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current test time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestHarness encapsulates a wired App plus the captured collaborators.
type TestHarness struct {
	App      *app.App
	Clock    *Clock
	Notifier *activity.MemoryNotifier
	Activity *activity.MemoryRecorder
	Entities *entity.MemoryStore
	Config   *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*config.Config)

// WithDefinitions replaces the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *config.Config) {
		c.Definitions.Directories = dirs
	}
}

// NewTestHarness builds an App over the testdata definitions and directory.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	cfg := config.Defaults()
	cfg.Definitions.Directories = []string{filepath.Join(testdataDir(), "definitions")}
	for _, opt := range opts {
		opt(cfg)
	}

	data, err := os.ReadFile(filepath.Join(testdataDir(), "directory.yaml"))
	if err != nil {
		t.Fatalf("reading directory: %v", err)
	}
	dir, err := capability.NewStaticDirectoryFromBytes(data)
	if err != nil {
		t.Fatalf("parsing directory: %v", err)
	}

	h := &TestHarness{
		Clock:    &Clock{now: T0},
		Notifier: &activity.MemoryNotifier{},
		Activity: activity.NewMemoryRecorder(),
		Config:   cfg,
	}
	a, err := app.New(context.Background(), cfg, nil, nil, app.Overrides{
		Clock:     h.Clock,
		Notifier:  h.Notifier,
		Activity:  h.Activity,
		Directory: dir,
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(a.Close)

	entities, ok := a.Entities.(*entity.MemoryStore)
	if !ok {
		t.Fatalf("entity store is %T, want memory store", a.Entities)
	}
	h.App = a
	h.Entities = entities
	return h
}

// As returns a request context for subject in tenant acme.
func As(subject string) *model.RequestContext {
	return &model.RequestContext{
		SubjectID:     subject,
		TenantID:      "acme",
		CorrelationID: "corr-" + subject,
	}
}

// CaseRef returns the entity reference of an acme case.
func CaseRef(id string) entity.Ref {
	return entity.Ref{TenantID: "acme", Type: model.EntityCase, ID: id}
}

// OpenCase seeds a case entity and starts the default workflow for it.
func (h *TestHarness) OpenCase(t *testing.T, id string, fields map[string]any) model.WorkflowInstance {
	t.Helper()
	h.Entities.Put(CaseRef(id), fields)
	inst, err := h.App.Workflows.StartInstance(context.Background(), As("alice"), model.EntityCase, id, "")
	if err != nil {
		t.Fatalf("StartInstance(%s) error = %v", id, err)
	}
	return inst
}

// Move transitions an instance and fails the test on error.
func (h *TestHarness) Move(t *testing.T, instanceID, to, reason string) model.TransitionResult {
	t.Helper()
	res, err := h.App.Workflows.Transition(context.Background(), As("alice"), instanceID, to, reason)
	if err != nil {
		t.Fatalf("Transition(%s) error = %v", to, err)
	}
	return res
}

// Instance returns the stored instance.
func (h *TestHarness) Instance(t *testing.T, id string) model.WorkflowInstance {
	t.Helper()
	inst, err := h.App.Workflows.Get(context.Background(), As("alice"), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return inst
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
