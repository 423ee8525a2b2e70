// Package git wraps the git operations needed for worktree isolation.
package git

import (
	"context"
	"fmt"
	"strings"

	cmdexec "github.com/arbor-sh/arbor/internal/exec"
)

// Runner executes git operations against a repository.
type Runner interface {
	// RepoRoot returns the absolute path of the repository root.
	RepoRoot(ctx context.Context) (string, error)
	// CurrentBranch returns the checked-out branch name.
	CurrentBranch(ctx context.Context) (string, error)
	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, branch string) (bool, error)
	// WorktreeAdd creates a worktree at path on a new branch cut from base.
	WorktreeAdd(ctx context.Context, path, branch, base string) error
	// WorktreeRemove removes a worktree. Force discards local changes.
	WorktreeRemove(ctx context.Context, path string, force bool) error
	// WorktreeList returns the porcelain worktree listing.
	WorktreeList(ctx context.Context) (string, error)
	// WorktreePrune removes stale worktree bookkeeping.
	WorktreePrune(ctx context.Context) error
	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, branch string) error
}

// CLIRunner shells out to the git binary.
type CLIRunner struct {
	repoDir string
	runner  cmdexec.CommandRunner
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner creates a runner rooted at repoDir.
func NewCLIRunner(repoDir string, runner cmdexec.CommandRunner) *CLIRunner {
	if runner == nil {
		runner = cmdexec.NewExecRunner()
	}
	return &CLIRunner{repoDir: repoDir, runner: runner}
}

func (g *CLIRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, g.repoDir, "git", args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (g *CLIRunner) RepoRoot(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--show-toplevel")
}

func (g *CLIRunner) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

func (g *CLIRunner) BranchExists(ctx context.Context, branch string) (bool, error) {
	_, err := g.runner.Run(ctx, g.repoDir, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err != nil {
		// show-ref exits nonzero when the ref is absent.
		return false, nil
	}
	return true, nil
}

func (g *CLIRunner) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

func (g *CLIRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	_, err := g.run(ctx, args...)
	return err
}

func (g *CLIRunner) WorktreeList(ctx context.Context) (string, error) {
	return g.run(ctx, "worktree", "list", "--porcelain")
}

func (g *CLIRunner) WorktreePrune(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

func (g *CLIRunner) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "branch", "-D", branch)
	return err
}
