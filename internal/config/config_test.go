package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	// Run from an empty directory so no stray config file is picked up.
	t.Chdir(t.TempDir())

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestration.MaxConcurrent != 3 {
		t.Errorf("expected default concurrency 3, got %d", cfg.Orchestration.MaxConcurrent)
	}
	if cfg.Orchestration.OnUpstreamFailure != "skip" {
		t.Errorf("expected default skip policy, got %q", cfg.Orchestration.OnUpstreamFailure)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected default 3 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected default 500ms base delay, got %s", cfg.Retry.BaseDelay)
	}
	if cfg.Agent.InvokeTimeout != 300*time.Second {
		t.Errorf("expected default 300s invoke timeout, got %s", cfg.Agent.InvokeTimeout)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbor.yaml")
	data := []byte(`
orchestration:
  max_concurrent: 5
  on_upstream_failure: hold
retry:
  max_attempts: 2
worktree:
  base_branch: develop
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestration.MaxConcurrent != 5 {
		t.Errorf("expected concurrency 5, got %d", cfg.Orchestration.MaxConcurrent)
	}
	if cfg.Orchestration.OnUpstreamFailure != "hold" {
		t.Errorf("expected hold policy, got %q", cfg.Orchestration.OnUpstreamFailure)
	}
	if cfg.Retry.MaxAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Worktree.BaseBranch != "develop" {
		t.Errorf("expected develop, got %q", cfg.Worktree.BaseBranch)
	}
	// Untouched keys keep their defaults.
	if cfg.Agent.MaxTokens != 4096 {
		t.Errorf("expected default max tokens, got %d", cfg.Agent.MaxTokens)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ARBOR_ORCHESTRATION_MAX_CONCURRENT", "7")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Orchestration.MaxConcurrent != 7 {
		t.Errorf("expected concurrency 7 from env, got %d", cfg.Orchestration.MaxConcurrent)
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arbor.yaml")
	os.WriteFile(path, []byte("orchestration:\n  on_upstream_failure: explode\n"), 0o644)

	if _, _, err := Load(path); err == nil {
		t.Error("expected validation error for unknown policy")
	}
}

func TestValidate_Ranges(t *testing.T) {
	base := func() *Config {
		return &Config{
			Orchestration: OrchestrationConfig{MaxConcurrent: 1, OnUpstreamFailure: "skip"},
			Retry:         RetryConfig{MaxAttempts: 1, Multiplier: 2, Jitter: 0.5},
			Agent:         AgentConfig{MaxTokens: 100},
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.Retry.Jitter = 1.5
	if err := c.Validate(); err == nil {
		t.Error("expected error for jitter > 1")
	}

	c = base()
	c.Retry.Multiplier = 0.5
	if err := c.Validate(); err == nil {
		t.Error("expected error for multiplier < 1")
	}

	c = base()
	c.Orchestration.MaxConcurrent = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero concurrency")
	}
}
