// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Templates     TemplatesConfig     `yaml:"templates"`
	Store         StoreConfig         `yaml:"store"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Projector     ProjectorConfig     `yaml:"projector"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Redis         RedisConfig         `yaml:"redis"`
	Audit         AuditConfig         `yaml:"audit"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ValidateRequests bool          `yaml:"validate_requests"`
	CORS             CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// TemplatesConfig describes where seed template files live.
type TemplatesConfig struct {
	Directories []string `yaml:"directories"`
	SeedOnStart bool     `yaml:"seed_on_start"`
}

// StoreConfig describes persistence for instances and templates.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// WorkflowConfig describes workflow engine behavior.
type WorkflowConfig struct {
	LegacyLabelMatching bool   `yaml:"legacy_label_matching"`
	CaseDeletionPolicy  string `yaml:"case_deletion_policy"`
}

// ProjectorConfig describes delivery of terminal outcomes to the case
// aggregate.
type ProjectorConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Driver         string               `yaml:"driver"`
	URL            string               `yaml:"url"`
	SecretEnv      string               `yaml:"secret_env"`
	Channel        string               `yaml:"channel"`
	Timeout        time.Duration        `yaml:"timeout"`
	QueueSize      int                  `yaml:"queue_size"`
	Workers        int                  `yaml:"workers"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig describes retry settings for outbound deliveries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	TTL     time.Duration `yaml:"ttl"`
}

// RedisConfig describes the shared Redis connection.
type RedisConfig struct {
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
}

// AuditConfig selects the audit sinks.
type AuditConfig struct {
	Sinks       []string `yaml:"sinks"`
	ServiceName string   `yaml:"service_name"`
}

// ArchiveConfig describes the object storage target for archived instances.
type ArchiveConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	LogOutput string        `yaml:"log_output"` // stdout, stderr or a file path
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Case deletion policies.
const (
	DeletionOrphan  = "orphan"
	DeletionAbort   = "abort"
	DeletionArchive = "archive"
	DeletionDelete  = "delete"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			HandlerTimeout:   25 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			ValidateRequests: true,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"username":   "preferred_username",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Templates: TemplatesConfig{
			Directories: []string{"/templates"},
			SeedOnStart: true,
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "CASEFLOW_DATABASE_URL",
			SQLitePath:      "caseflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrateOnStart:  true,
		},
		Workflow: WorkflowConfig{
			LegacyLabelMatching: true,
			CaseDeletionPolicy:  DeletionOrphan,
		},
		Projector: ProjectorConfig{
			Driver:    "log",
			Channel:   "caseflow.case-status",
			Timeout:   5 * time.Second,
			QueueSize: 1024,
			Workers:   4,
			Retry: RetryConfig{
				MaxAttempts:    5,
				BackoffInitial: 200 * time.Millisecond,
				BackoffMax:     10 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    60 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     24 * time.Hour,
		},
		Redis: RedisConfig{
			AddrEnv: "CASEFLOW_REDIS_ADDR",
		},
		Audit: AuditConfig{
			Sinks:       []string{"log"},
			ServiceName: "caseflow",
		},
		Archive: ArchiveConfig{
			Prefix: "workflow-instances/",
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LogOutput: "stdout",
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

var (
	storeDrivers       = map[string]bool{"memory": true, "postgres": true, "sqlite": true}
	projectorDrivers   = map[string]bool{"webhook": true, "redis": true, "log": true}
	idempotencyDrivers = map[string]bool{"memory": true, "redis": true}
	auditSinks         = map[string]bool{"log": true, "postgres": true}
	deletionPolicies   = map[string]bool{
		DeletionOrphan: true, DeletionAbort: true, DeletionArchive: true, DeletionDelete: true,
	}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, postgres, sqlite", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		errs = append(errs, "store.sqlite_path is required for the sqlite driver")
	}
	if !deletionPolicies[c.Workflow.CaseDeletionPolicy] {
		errs = append(errs, fmt.Sprintf("workflow.case_deletion_policy %q must be one of orphan, abort, archive, delete",
			c.Workflow.CaseDeletionPolicy))
	}
	if c.Workflow.CaseDeletionPolicy == DeletionArchive && c.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required for the archive deletion policy")
	}
	if c.Projector.Enabled {
		if !projectorDrivers[c.Projector.Driver] {
			errs = append(errs, fmt.Sprintf("projector.driver %q must be one of webhook, redis, log", c.Projector.Driver))
		}
		if c.Projector.Driver == "webhook" && c.Projector.URL == "" {
			errs = append(errs, "projector.url is required for the webhook driver")
		}
		if c.Projector.QueueSize < 1 {
			errs = append(errs, "projector.queue_size must be positive")
		}
		if c.Projector.Workers < 1 {
			errs = append(errs, "projector.workers must be positive")
		}
	}
	if c.Idempotency.Enabled && !idempotencyDrivers[c.Idempotency.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q must be one of memory, redis", c.Idempotency.Driver))
	}
	if f := c.Observability.LogFormat; f != "" && f != "json" && f != "console" {
		errs = append(errs, fmt.Sprintf("observability.log_format %q must be json or console", f))
	}
	for _, s := range c.Audit.Sinks {
		if !auditSinks[s] {
			errs = append(errs, fmt.Sprintf("audit.sinks: unknown sink %q", s))
			continue
		}
		if s == "postgres" && c.Store.Driver != "postgres" {
			errs = append(errs, "audit.sinks: postgres sink requires store.driver postgres")
		}
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
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("CASEFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("CASEFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("CASEFLOW_WORKFLOW_CASE_DELETION_POLICY"); v != "" {
		cfg.Workflow.CaseDeletionPolicy = v
	}
	if v := os.Getenv("CASEFLOW_WORKFLOW_LEGACY_LABEL_MATCHING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Workflow.LegacyLabelMatching = b
		}
	}
	if v := os.Getenv("CASEFLOW_PROJECTOR_URL"); v != "" {
		cfg.Projector.URL = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CASEFLOW_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
