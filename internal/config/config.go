// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Cursor        CursorConfig        `yaml:"cursor"`
	Roles         RolesConfig         `yaml:"roles"`
	Engine        EngineConfig        `yaml:"engine"`
	SLA           SLAConfig           `yaml:"sla"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operational HTTP server (health, readiness, metrics).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find template YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig describes instance and progress persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CursorConfig describes where round-robin cursors are kept.
type CursorConfig struct {
	Driver    string `yaml:"driver"`
	AddrEnv   string `yaml:"addr_env"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RolesConfig describes the static user directory and role cache.
type RolesConfig struct {
	DirectoryFile string        `yaml:"directory_file"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// EngineConfig bounds the engine's calls to external collaborators.
type EngineConfig struct {
	AssigneeTimeout   time.Duration `yaml:"assignee_timeout"`
	ExpressionTimeout time.Duration `yaml:"expression_timeout"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	Webhook           WebhookConfig `yaml:"webhook"`
	CursorRetries     int           `yaml:"cursor_retries"`
}

// WebhookConfig describes webhook action delivery.
type WebhookConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	Backoff          time.Duration `yaml:"backoff"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// SLAConfig describes the background deadline sweep.
type SLAConfig struct {
	SweepSchedule string `yaml:"sweep_schedule"`
	BatchSize     int    `yaml:"batch_size"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cursor: CursorConfig{
			Driver:    "memory",
			AddrEnv:   "CASEFLOW_REDIS_ADDR",
			KeyPrefix: "caseflow:rr:",
		},
		Roles: RolesConfig{
			CacheTTL: 5 * time.Minute,
		},
		Engine: EngineConfig{
			AssigneeTimeout:   2 * time.Second,
			ExpressionTimeout: time.Second,
			ActionTimeout:     10 * time.Second,
			CursorRetries:     5,
			Webhook: WebhookConfig{
				MaxAttempts:      3,
				Backoff:          500 * time.Millisecond,
				Timeout:          5 * time.Second,
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		SLA: SLAConfig{
			SweepSchedule: "@every 1m",
			BatchSize:     500,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	switch c.Cursor.Driver {
	case "memory":
	case "redis":
		if c.Cursor.AddrEnv == "" {
			errs = append(errs, "cursor.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("cursor.driver %q is not one of memory, redis", c.Cursor.Driver))
	}
	if c.SLA.SweepSchedule == "" {
		errs = append(errs, "sla.sweep_schedule is required")
	}
	if c.Engine.Webhook.MaxAttempts < 1 {
		errs = append(errs, "engine.webhook.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads CASEFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CASEFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEFLOW_CURSOR_DRIVER"); v != "" {
		cfg.Cursor.Driver = v
	}
	if v := os.Getenv("CASEFLOW_DEFINITIONS_DIRS"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv("CASEFLOW_ROLES_DIRECTORY_FILE"); v != "" {
		cfg.Roles.DirectoryFile = v
	}
	if v := os.Getenv("CASEFLOW_SLA_SWEEP_SCHEDULE"); v != "" {
		cfg.SLA.SweepSchedule = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
