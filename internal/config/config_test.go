package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "sequor-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if !cfg.Definitions.HotReload {
		t.Error("Definitions.HotReload = false, want true")
	}
	if cfg.Scheduler.StepConcurrency != 8 {
		t.Errorf("Scheduler.StepConcurrency = %d, want 8", cfg.Scheduler.StepConcurrency)
	}
	if cfg.Scheduler.ClaimStaleness != 90*time.Second {
		t.Errorf("Scheduler.ClaimStaleness = %v, want 90s", cfg.Scheduler.ClaimStaleness)
	}
	if cfg.Approval.TTL != 12*time.Hour {
		t.Errorf("Approval.TTL = %v, want 12h", cfg.Approval.TTL)
	}
	if cfg.Trust.StreakLength != 3 {
		t.Errorf("Trust.StreakLength = %d, want 3", cfg.Trust.StreakLength)
	}

	policy, ok := cfg.Trust.Policies["send_email"]
	if !ok {
		t.Fatal("Trust.Policies[send_email] not found")
	}
	if policy.Starting != 0.9 || policy.Floor != 0.6 {
		t.Errorf("send_email policy = %+v, want starting 0.9 floor 0.6", policy)
	}

	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("Queue.MaxAttempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.JobStore.Driver != "postgres" {
		t.Errorf("JobStore.Driver = %q, want postgres", cfg.JobStore.Driver)
	}
	if cfg.Dedup.Driver != "redis" {
		t.Errorf("Dedup.Driver = %q, want redis", cfg.Dedup.Driver)
	}
	if cfg.Dedup.TTL != 30*time.Minute {
		t.Errorf("Dedup.TTL = %v, want 30m", cfg.Dedup.TTL)
	}
	if cfg.Observability.Tracing.SamplingRate != 0.5 {
		t.Errorf("Tracing.SamplingRate = %v, want 0.5", cfg.Observability.Tracing.SamplingRate)
	}
	// Unset sections keep their defaults.
	if cfg.Budget.CapResetInterval != 60*time.Second {
		t.Errorf("Budget.CapResetInterval = %v, want default 60s", cfg.Budget.CapResetInterval)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.StepConcurrency != 4 {
		t.Errorf("default Scheduler.StepConcurrency = %d, want 4", cfg.Scheduler.StepConcurrency)
	}
	if cfg.Approval.TTL != 24*time.Hour {
		t.Errorf("default Approval.TTL = %v, want 24h", cfg.Approval.TTL)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("default Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.JobStore.Driver != "memory" {
		t.Errorf("default JobStore.Driver = %q, want memory", cfg.JobStore.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEQUOR_SERVER_PORT", "3000")
	t.Setenv("SEQUOR_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("SEQUOR_IDENTITY_JWKS_URL", "https://env-issuer.com/.well-known/jwks.json")
	t.Setenv("SEQUOR_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("SEQUOR_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("SEQUOR_JOB_STORE_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.JobStore.Driver != "memory" {
		t.Errorf("JobStore.Driver = %q, want memory (env override)", cfg.JobStore.Driver)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "sequor-api"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_bad_drivers(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "sequor-api"
	cfg.JobStore.Driver = "sqlite"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with unknown job store driver should return error")
	}

	cfg.JobStore.Driver = "memory"
	cfg.Dedup.Driver = "memcached"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with unknown dedup driver should return error")
	}
}

func TestValidate_trust_policy_bounds(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Identity.Audience = "sequor-api"
	cfg.Trust.Policies = map[string]TrustPolicyConfig{
		"delete_record": {Starting: 0.5, Floor: 0.8},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with floor above starting should return error")
	}
}
