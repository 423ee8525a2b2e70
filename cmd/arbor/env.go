package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/config"
	"github.com/arbor-sh/arbor/internal/git"
	"github.com/arbor-sh/arbor/internal/orchestrator"
	"github.com/arbor-sh/arbor/internal/scheduler"
	"github.com/arbor-sh/arbor/internal/state"
	"github.com/arbor-sh/arbor/internal/worktree"
)

// env bundles everything a command needs to run sessions.
type env struct {
	orch      *orchestrator.Orchestrator
	store     *state.DB
	worktrees *worktree.Manager
	logger    *orchestrator.DebugLogger
}

// buildEnv wires the orchestrator against the current git repository.
func buildEnv(cfg *config.Config) (*env, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	runner := git.NewCLIRunner(cwd, nil)
	root, err := runner.RepoRoot(context.Background())
	if err != nil {
		return nil, fmt.Errorf("arbor must run inside a git repository: %w", err)
	}

	baseDir := cfg.Worktree.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(root, baseDir)
	}
	worktrees := worktree.NewManager(git.NewCLIRunner(root, nil), baseDir)

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	store, err := state.Open(dbPath)
	if err != nil {
		return nil, err
	}

	logPath := cfg.Log.Path
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(root, logPath)
	}
	logger, err := orchestrator.NewDebugLogger(logPath)
	if err != nil {
		store.Close()
		return nil, err
	}

	invokerFactory := func(id string) agent.Invoker {
		return agent.NewClaudeInvoker(agent.ClaudeConfig{
			APIKey:    cfg.Agent.APIKey,
			Model:     cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		})
	}

	handleCfg := agent.HandleConfig{
		StartupAttempts:   cfg.Agent.StartupAttempts,
		InvokeTimeout:     cfg.Agent.InvokeTimeout,
		DegradedThreshold: cfg.Agent.DegradedThreshold,
		Retry: agent.RetryConfig{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay,
			Jitter:      cfg.Retry.Jitter,
		},
	}

	policy := scheduler.Policy{OnUpstreamFailure: scheduler.SkipDependents}
	if cfg.Orchestration.OnUpstreamFailure == "hold" {
		policy.OnUpstreamFailure = scheduler.HoldDependents
	}

	orch, err := orchestrator.New(
		orchestrator.Config{
			Concurrency: cfg.Orchestration.MaxConcurrent,
			BaseBranch:  cfg.Worktree.BaseBranch,
		},
		store, worktrees, invokerFactory,
		orchestrator.WithPolicy(policy),
		orchestrator.WithHandleConfig(handleCfg),
		orchestrator.WithAcquireTimeout(cfg.Orchestration.AcquireTimeout),
		orchestrator.WithShutdownGrace(cfg.Orchestration.ShutdownGrace),
		orchestrator.WithLogger(logger),
	)
	if err != nil {
		logger.Close()
		store.Close()
		return nil, err
	}

	return &env{orch: orch, store: store, worktrees: worktrees, logger: logger}, nil
}

func (e *env) Close() {
	e.orch.Close()
	e.logger.Close()
	e.store.Close()
}

// resolveDBPath locates the state database the same way buildEnv does:
// relative paths are anchored at the git repository root, so commands
// agree on one store no matter which subdirectory they run from.
func resolveDBPath(cfg *config.Config) (string, error) {
	dbPath := cfg.Database.Path
	if filepath.IsAbs(dbPath) {
		return dbPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	root, err := git.NewCLIRunner(cwd, nil).RepoRoot(context.Background())
	if err != nil {
		return "", fmt.Errorf("arbor must run inside a git repository: %w", err)
	}
	return filepath.Join(root, dbPath), nil
}
