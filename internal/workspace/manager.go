// Package workspace composes the Worktree Manager across every repo
// participating in a task attempt, giving the Execution Engine a single
// create/ensure/cleanup surface keyed by workspace rather than by
// individual repo path.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"forgeloop/internal/store"
	"forgeloop/internal/worktree"
)

// RepoTarget names one repo participating in a workspace and the branch its
// worktree should be created from/merged toward.
type RepoTarget struct {
	Repo         *store.Repo
	TargetBranch string
}

// PartialCreationError identifies which repo failed during Create, after
// any already-created worktrees were rolled back.
type PartialCreationError struct {
	RepoName string
	Err      error
}

func (e *PartialCreationError) Error() string {
	return fmt.Sprintf("workspace: partial creation, failed on repo %q: %v", e.RepoName, e.Err)
}

func (e *PartialCreationError) Unwrap() error { return e.Err }

// Manager drives worktree lifecycle for whole workspaces.
type Manager struct {
	wt *worktree.Manager
}

func NewManager(wt *worktree.Manager) *Manager {
	return &Manager{wt: wt}
}

// WorktreePath is the on-disk convention for where a repo's worktree lives
// within a workspace directory.
func WorktreePath(workspaceDir string, repo *store.Repo) string {
	return filepath.Join(workspaceDir, repo.Name)
}

// Create materializes workspaceDir and a worktree per target, in input
// order, on branchName. On the first failure it rolls back every
// already-created worktree (best-effort) and removes workspaceDir if it
// ended up empty, surfacing a PartialCreationError naming the offending
// repo.
func (m *Manager) Create(ctx context.Context, workspaceDir, branchName string, targets []RepoTarget) error {
	if len(targets) == 0 {
		return fmt.Errorf("workspace: cannot create with no repos")
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("workspace: creating %s: %w", workspaceDir, err)
	}

	var created []RepoTarget
	for _, t := range targets {
		path := WorktreePath(workspaceDir, t.Repo)
		if err := m.wt.Create(ctx, t.Repo.Path, branchName, t.TargetBranch, path, true); err != nil {
			for _, c := range created {
				_ = m.wt.Cleanup(ctx, WorktreePath(workspaceDir, c.Repo), c.Repo.Path)
			}
			m.removeIfEmpty(workspaceDir)
			return &PartialCreationError{RepoName: t.Repo.Name, Err: err}
		}
		created = append(created, t)
	}
	return nil
}

func (m *Manager) removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

// Ensure verifies every target's worktree is present and consistent for a
// cold start, migrating the legacy single-worktree-per-workspace layout
// first when exactly one repo participates and that layout is detected.
func (m *Manager) Ensure(ctx context.Context, workspaceDir, branchName string, targets []RepoTarget) error {
	if len(targets) == 1 {
		if err := m.wt.MigrateLegacy(ctx, workspaceDir, targets[0].Repo.Name); err != nil {
			return fmt.Errorf("workspace: migrating legacy layout: %w", err)
		}
	}
	for _, t := range targets {
		path := WorktreePath(workspaceDir, t.Repo)
		if err := m.wt.Ensure(ctx, t.Repo.Path, branchName, t.TargetBranch, path); err != nil {
			return fmt.Errorf("workspace: ensuring %s: %w", t.Repo.Name, err)
		}
	}
	return nil
}

// Cleanup removes every target's worktree and the workspace directory
// itself.
func (m *Manager) Cleanup(ctx context.Context, workspaceDir string, targets []RepoTarget) error {
	var firstErr error
	for _, t := range targets {
		path := WorktreePath(workspaceDir, t.Repo)
		if err := m.wt.Cleanup(ctx, path, t.Repo.Path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(workspaceDir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("workspace: removing %s: %w", workspaceDir, err)
	}
	return firstErr
}

// OrphanSweep delegates to the Worktree Manager, scoped to the root
// directory all workspace directories live under.
func (m *Manager) OrphanSweep(ctx context.Context, workspacesRoot string, knownContainerRefs map[string]bool) error {
	return m.wt.OrphanSweep(ctx, workspacesRoot, knownContainerRefs)
}
