// Package config loads arbor settings from file, environment, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full arbor configuration.
type Config struct {
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Worktree      WorktreeConfig      `mapstructure:"worktree"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
}

// OrchestrationConfig controls the run loop.
type OrchestrationConfig struct {
	// MaxConcurrent is the context pool size.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// AcquireTimeout bounds how long a dispatch waits for a free slot.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// OnUpstreamFailure is "skip" or "hold".
	OnUpstreamFailure string `mapstructure:"on_upstream_failure"`
	// ShutdownGrace is the drain window on cancellation.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// RetryConfig controls transient-failure backoff.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
}

// AgentConfig controls agent handles and the model backend.
type AgentConfig struct {
	StartupAttempts   int           `mapstructure:"startup_attempts"`
	InvokeTimeout     time.Duration `mapstructure:"invoke_timeout"`
	DegradedThreshold int           `mapstructure:"degraded_threshold"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int64         `mapstructure:"max_tokens"`
	// APIKey is normally left empty and taken from ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
}

// WorktreeConfig controls isolation checkouts.
type WorktreeConfig struct {
	// BaseDir is where worktrees are created. Defaults to
	// .arbor/worktrees under the repository root.
	BaseDir string `mapstructure:"base_dir"`
	// BaseBranch is the ref new worktrees are cut from.
	BaseBranch string `mapstructure:"base_branch"`
}

// DatabaseConfig locates the session store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig locates the debug log.
type LogConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestration.max_concurrent", 3)
	v.SetDefault("orchestration.acquire_timeout", 30*time.Second)
	v.SetDefault("orchestration.on_upstream_failure", "skip")
	v.SetDefault("orchestration.shutdown_grace", 10*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", 0.5)

	v.SetDefault("agent.startup_attempts", 3)
	v.SetDefault("agent.invoke_timeout", 300*time.Second)
	v.SetDefault("agent.degraded_threshold", 3)
	v.SetDefault("agent.model", "claude-sonnet-4-5")
	v.SetDefault("agent.max_tokens", 4096)

	v.SetDefault("worktree.base_dir", ".arbor/worktrees")
	v.SetDefault("worktree.base_branch", "main")

	v.SetDefault("database.path", ".arbor/state.db")
	v.SetDefault("log.path", ".arbor/debug.log")
}

// Load reads the config file at path (optional, empty means defaults
// and environment only) and returns the merged configuration.
// Environment variables use the ARBOR_ prefix with underscores, e.g.
// ARBOR_ORCHESTRATION_MAX_CONCURRENT.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("arbor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".arbor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Orchestration.MaxConcurrent < 1 {
		return fmt.Errorf("orchestration.max_concurrent must be at least 1, got %d", c.Orchestration.MaxConcurrent)
	}
	switch c.Orchestration.OnUpstreamFailure {
	case "skip", "hold":
	default:
		return fmt.Errorf("orchestration.on_upstream_failure must be skip or hold, got %q", c.Orchestration.OnUpstreamFailure)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be between 0 and 1, got %g", c.Retry.Jitter)
	}
	if c.Agent.MaxTokens < 1 {
		return fmt.Errorf("agent.max_tokens must be positive, got %d", c.Agent.MaxTokens)
	}
	return nil
}
