package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/git"
	"github.com/arbor-sh/arbor/internal/state"
	"github.com/arbor-sh/arbor/internal/worktree"
	"github.com/arbor-sh/arbor/pkg/models"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees",
	Long: `Remove worktrees left behind by interrupted sessions and prune
stale git bookkeeping. Worktrees referenced by an active session's
bindings are kept.

Use this after a crash or an interrupted run.

Examples:
  arbor cleanup
  arbor cleanup --dry-run`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	runner := git.NewCLIRunner(cwd, nil)
	ctx := context.Background()
	root, err := runner.RepoRoot(ctx)
	if err != nil {
		return fmt.Errorf("arbor must run inside a git repository: %w", err)
	}

	baseDir := cfg.Worktree.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(root, baseDir)
	}
	manager := worktree.NewManager(git.NewCLIRunner(root, nil), baseDir)

	keep, err := activeBindings(root)
	if err != nil {
		return err
	}

	if cleanupDryRun {
		existing, err := manager.List(ctx)
		if err != nil {
			return err
		}
		count := 0
		for _, wt := range existing {
			if keep[wt.Name] {
				continue
			}
			fmt.Printf("would remove %s (%s)\n", wt.Name, wt.Path)
			count++
		}
		if count == 0 {
			fmt.Println("Nothing to clean up.")
		}
		return nil
	}

	removed, err := manager.CleanupOrphans(ctx, keep)
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to clean up.")
		return nil
	}
	for _, name := range removed {
		color.New(color.FgYellow).Printf("removed %s\n", name)
	}
	fmt.Printf("%d worktree(s) removed\n", len(removed))
	return nil
}

// activeBindings collects worktree names still referenced by active
// sessions, so cleanup does not pull a checkout out from under a run.
func activeBindings(root string) (map[string]bool, error) {
	keep := make(map[string]bool)

	dbPath := cfg.Database.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(root, dbPath)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return keep, nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sessions, err := db.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Status != models.SessionStatusActive {
			continue
		}
		bindings, err := db.ListBindings(s.ID)
		if err != nil {
			return nil, err
		}
		for _, b := range bindings {
			keep[b.WorktreeName] = true
		}
	}
	return keep, nil
}
