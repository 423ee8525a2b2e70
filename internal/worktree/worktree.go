// Package worktree manages isolated git worktrees for agent contexts.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/arbor-sh/arbor/internal/git"
)

var (
	// ErrAlreadyExists is returned when a worktree with the same name exists.
	ErrAlreadyExists = errors.New("worktree already exists")
	// ErrNotFound is returned when a named worktree does not exist.
	ErrNotFound = errors.New("worktree not found")
)

// Worktree describes one isolated checkout.
type Worktree struct {
	Name   string
	Path   string
	Branch string
	Head   string
}

// Provider creates and removes isolated worktrees.
type Provider interface {
	Create(ctx context.Context, name, baseRef string) (*Worktree, error)
	Remove(ctx context.Context, name string, force bool) error
	List(ctx context.Context) ([]*Worktree, error)
}

// Manager implements Provider on top of a git repository. Worktrees are
// created under baseDir, each on its own branch prefixed with "arbor/".
type Manager struct {
	git     git.Runner
	baseDir string
}

var _ Provider = (*Manager)(nil)

// NewManager creates a manager placing worktrees under baseDir.
func NewManager(runner git.Runner, baseDir string) *Manager {
	return &Manager{git: runner, baseDir: baseDir}
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.baseDir, name)
}

func branchFor(name string) string {
	return "arbor/" + name
}

// Create adds a worktree named name on a fresh branch cut from baseRef.
func (m *Manager) Create(ctx context.Context, name, baseRef string) (*Worktree, error) {
	existing, err := m.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("create worktree %s: %w", name, err)
	}
	for _, wt := range existing {
		if wt.Name == name {
			return nil, fmt.Errorf("create worktree %s: %w", name, ErrAlreadyExists)
		}
	}

	path := m.path(name)
	branch := branchFor(name)
	if err := m.git.WorktreeAdd(ctx, path, branch, baseRef); err != nil {
		return nil, fmt.Errorf("create worktree %s: %w", name, err)
	}
	return &Worktree{Name: name, Path: path, Branch: branch}, nil
}

// Remove deletes the named worktree and its branch.
func (m *Manager) Remove(ctx context.Context, name string, force bool) error {
	existing, err := m.List(ctx)
	if err != nil {
		return fmt.Errorf("remove worktree %s: %w", name, err)
	}
	var found *Worktree
	for _, wt := range existing {
		if wt.Name == name {
			found = wt
			break
		}
	}
	if found == nil {
		return fmt.Errorf("remove worktree %s: %w", name, ErrNotFound)
	}

	if err := m.git.WorktreeRemove(ctx, found.Path, force); err != nil {
		return fmt.Errorf("remove worktree %s: %w", name, err)
	}
	if found.Branch != "" {
		// Branch deletion is best effort.
		_ = m.git.DeleteBranch(ctx, found.Branch)
	}
	return nil
}

// List returns the worktrees this manager owns, identified by base
// directory and branch prefix. The main checkout is excluded.
func (m *Manager) List(ctx context.Context) ([]*Worktree, error) {
	out, err := m.git.WorktreeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var result []*Worktree
	for _, wt := range parsePorcelain(out) {
		if !strings.HasPrefix(wt.Branch, "arbor/") {
			continue
		}
		wt.Name = filepath.Base(wt.Path)
		result = append(result, wt)
	}
	return result, nil
}

// CleanupOrphans removes every managed worktree whose name is not in
// keep, then prunes stale bookkeeping. Returns the removed names.
func (m *Manager) CleanupOrphans(ctx context.Context, keep map[string]bool) ([]string, error) {
	existing, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, wt := range existing {
		if keep[wt.Name] {
			continue
		}
		if err := m.Remove(ctx, wt.Name, true); err != nil {
			return removed, err
		}
		removed = append(removed, wt.Name)
	}
	if err := m.git.WorktreePrune(ctx); err != nil {
		return removed, fmt.Errorf("prune worktrees: %w", err)
	}
	return removed, nil
}

// parsePorcelain parses `git worktree list --porcelain` output. Entries
// are separated by blank lines.
func parsePorcelain(out string) []*Worktree {
	var result []*Worktree
	var current *Worktree
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current != nil {
				result = append(result, current)
				current = nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && current != nil:
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		result = append(result, current)
	}
	return result
}
