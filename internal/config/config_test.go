package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
server:
  port: 9090
  read_timeout: 15s
definitions:
  directories: [/etc/caseflow/templates]
store:
  driver: postgres
  dsn_env: CASEFLOW_TEST_DSN
cursor:
  driver: redis
  addr_env: CASEFLOW_TEST_REDIS
  db: 2
roles:
  directory_file: /etc/caseflow/directory.yaml
  cache_ttl: 1m
engine:
  assignee_timeout: 500ms
  webhook:
    max_attempts: 5
sla:
  sweep_schedule: "*/5 * * * *"
observability:
  log_level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 10s", cfg.Server.WriteTimeout)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSNEnv != "CASEFLOW_TEST_DSN" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Cursor.Driver != "redis" || cfg.Cursor.DB != 2 {
		t.Errorf("Cursor = %+v", cfg.Cursor)
	}
	if cfg.Cursor.KeyPrefix != "caseflow:rr:" {
		t.Errorf("Cursor.KeyPrefix = %q, want default", cfg.Cursor.KeyPrefix)
	}
	if cfg.Roles.CacheTTL != time.Minute {
		t.Errorf("Roles.CacheTTL = %v, want 1m", cfg.Roles.CacheTTL)
	}
	if cfg.Engine.AssigneeTimeout != 500*time.Millisecond {
		t.Errorf("Engine.AssigneeTimeout = %v, want 500ms", cfg.Engine.AssigneeTimeout)
	}
	if cfg.Engine.Webhook.MaxAttempts != 5 {
		t.Errorf("Engine.Webhook.MaxAttempts = %d, want 5", cfg.Engine.Webhook.MaxAttempts)
	}
	if cfg.Engine.Webhook.Backoff != 500*time.Millisecond {
		t.Errorf("Engine.Webhook.Backoff = %v, want default", cfg.Engine.Webhook.Backoff)
	}
	if cfg.SLA.SweepSchedule != "*/5 * * * *" {
		t.Errorf("SLA.SweepSchedule = %q", cfg.SLA.SweepSchedule)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Observability.LogLevel)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_malformed(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated"))
	if err == nil {
		t.Fatal("Load() with malformed YAML should return error")
	}
}

func TestLoad_unknown_store_driver(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: mongo\n"))
	if err == nil {
		t.Fatal("Load() with unknown store driver should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Roles.CacheTTL != 5*time.Minute {
		t.Errorf("default Roles.CacheTTL = %v, want 5m", cfg.Roles.CacheTTL)
	}
	if cfg.Store.Driver != "memory" || cfg.Cursor.Driver != "memory" {
		t.Errorf("default drivers = %q/%q, want memory/memory", cfg.Store.Driver, cfg.Cursor.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() error = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASEFLOW_SERVER_PORT", "3000")
	t.Setenv("CASEFLOW_STORE_DRIVER", "memory")
	t.Setenv("CASEFLOW_DEFINITIONS_DIRS", "/a,/b")
	t.Setenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if len(cfg.Definitions.Directories) != 2 {
		t.Errorf("Definitions.Directories = %v, want 2 entries", cfg.Definitions.Directories)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_redis_needs_addr(t *testing.T) {
	cfg := Defaults()
	cfg.Cursor.Driver = "redis"
	cfg.Cursor.AddrEnv = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with redis and no addr_env should return error")
	}
}
