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
	Server        ServerConfig      `yaml:"server"`
	Identity      IdentityConfig    `yaml:"identity"`
	Definitions   DefinitionsConfig `yaml:"definitions"`
	Scheduler     SchedulerConfig   `yaml:"scheduler"`
	Approval      ApprovalConfig    `yaml:"approval"`
	Trust         TrustConfig       `yaml:"trust"`
	Budget        BudgetConfig      `yaml:"budget"`
	Queue         QueueConfig       `yaml:"queue"`
	JobStore      JobStoreConfig    `yaml:"job_store"`
	Dedup         DedupConfig       `yaml:"dedup"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
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

// DefinitionsConfig describes where to find sequence definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
	HotReload   bool     `yaml:"hot_reload"`
}

// SchedulerConfig describes job execution settings.
type SchedulerConfig struct {
	StepConcurrency    int           `yaml:"step_concurrency"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	ClaimStaleness     time.Duration `yaml:"claim_staleness"`
	RequeueInterval    time.Duration `yaml:"requeue_interval"`
}

// ApprovalConfig describes approval gate settings.
type ApprovalConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TrustConfig describes the autonomy threshold drift policy.
type TrustConfig struct {
	RaiseStep    float64                      `yaml:"raise_step"`
	LowerStep    float64                      `yaml:"lower_step"`
	StreakLength int                          `yaml:"streak_length"`
	Policies     map[string]TrustPolicyConfig `yaml:"policies"`
}

// TrustPolicyConfig bounds the threshold for one action type.
type TrustPolicyConfig struct {
	Starting float64 `yaml:"starting"`
	Floor    float64 `yaml:"floor"`
}

// BudgetConfig describes credit ledger settings.
type BudgetConfig struct {
	CapResetInterval time.Duration `yaml:"cap_reset_interval"`
}

// QueueConfig describes delivery queue settings.
type QueueConfig struct {
	Staleness   time.Duration `yaml:"staleness"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// JobStoreConfig describes job persistence settings.
type JobStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DedupConfig describes event dedupe guard settings.
type DedupConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
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
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Org-Id",
					"X-Correlation-Id", "X-Dedupe-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"org_id":     "org_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Scheduler: SchedulerConfig{
			StepConcurrency:    4,
			DefaultStepTimeout: 30 * time.Second,
			ClaimStaleness:     2 * time.Minute,
			RequeueInterval:    60 * time.Second,
		},
		Approval: ApprovalConfig{
			TTL:           24 * time.Hour,
			SweepInterval: 60 * time.Second,
		},
		Trust: TrustConfig{
			RaiseStep:    0.05,
			LowerStep:    0.01,
			StreakLength: 5,
		},
		Budget: BudgetConfig{
			CapResetInterval: 60 * time.Second,
		},
		Queue: QueueConfig{
			Staleness:   5 * time.Minute,
			MaxAttempts: 3,
		},
		JobStore: JobStoreConfig{
			Driver:          "memory",
			DSNEnv:          "SEQUOR_JOB_STORE_DSN",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Dedup: DedupConfig{
			Driver:  "memory",
			AddrEnv: "SEQUOR_REDIS_ADDR",
			TTL:     10 * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	switch c.JobStore.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, "job_store.driver must be memory or postgres")
	}
	switch c.Dedup.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, "dedup.driver must be memory or redis")
	}
	if c.Scheduler.StepConcurrency < 1 {
		errs = append(errs, "scheduler.step_concurrency must be at least 1")
	}
	for actionType, policy := range c.Trust.Policies {
		if policy.Floor > policy.Starting {
			errs = append(errs, fmt.Sprintf("trust.policies.%s: floor must not exceed starting", actionType))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SEQUOR_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEQUOR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SEQUOR_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SEQUOR_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SEQUOR_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SEQUOR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SEQUOR_JOB_STORE_DRIVER"); v != "" {
		cfg.JobStore.Driver = v
	}
	if v := os.Getenv("SEQUOR_DEDUP_DRIVER"); v != "" {
		cfg.Dedup.Driver = v
	}
}
