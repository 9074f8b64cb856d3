// Package worktree owns per-path-serialized creation, verification and
// removal of git worktrees, generalizing the simple create/list/remove
// cycle of a one-shot task runner into the ensure/migrate/orphan-sweep
// lifecycle a long-running, restart-surviving orchestrator needs.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"forgeloop/internal/gitutil"
)

// Manager serializes all operations against a given worktree path: two
// concurrent calls for the same path run one after another, but calls for
// different paths run fully in parallel.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	return l
}

// Create creates branch (optionally new, from base) and registers a
// worktree for it at worktreePath. On any failure, partially created state
// is cleaned up before returning.
func (m *Manager) Create(ctx context.Context, repoPath, branch, base, worktreePath string, createBranch bool) error {
	lock := m.lockFor(worktreePath)
	lock.Lock()
	defer lock.Unlock()

	repo := gitutil.New(repoPath)

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return fmt.Errorf("worktree: preparing parent dir: %w", err)
	}

	if err := repo.WorktreeAdd(ctx, worktreePath, branch, base, createBranch); err != nil {
		_ = repo.WorktreeRemove(ctx, worktreePath)
		_ = os.RemoveAll(worktreePath)
		return fmt.Errorf("worktree: creating %s: %w", worktreePath, err)
	}

	wt := gitutil.New(worktreePath)
	if err := wt.SparseCheckoutReapply(ctx); err != nil {
		slog.Warn("worktree: reapplying sparse-checkout failed", "path", worktreePath, "err", err)
	}

	return nil
}

// Ensure verifies that worktreePath both exists on disk and is registered
// with the repo's git metadata pointing at exactly that path. If either is
// missing or inconsistent, the worktree is fully recreated.
func (m *Manager) Ensure(ctx context.Context, repoPath, branch, base, worktreePath string) error {
	lock := m.lockFor(worktreePath)
	lock.Lock()
	consistent := m.isConsistentLocked(ctx, repoPath, worktreePath)
	lock.Unlock()

	if consistent {
		return nil
	}

	// The path may be registered under stale metadata, or the directory may
	// have been deleted out from under git. Force-clean whatever is there
	// before recreating.
	if err := m.Cleanup(ctx, worktreePath, repoPath); err != nil {
		return fmt.Errorf("worktree: cleaning up before re-ensure: %w", err)
	}
	return m.Create(ctx, repoPath, branch, base, worktreePath, false)
}

func (m *Manager) isConsistentLocked(ctx context.Context, repoPath, worktreePath string) bool {
	info, err := os.Stat(worktreePath)
	if err != nil || !info.IsDir() {
		return false
	}

	repo := gitutil.New(repoPath)
	entries, err := repo.WorktreeList(ctx)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if samePath(e.Path, worktreePath) {
			return true
		}
	}
	return false
}

func samePath(a, b string) bool {
	aAbs, errA := filepath.Abs(a)
	bAbs, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return aAbs == bAbs
}

// Cleanup force-removes a worktree's git registration and its filesystem
// path. If repoPath is empty, it is inferred from the worktree's own
// git-common-dir; if that also fails, the directory is removed without
// attempting git metadata cleanup.
func (m *Manager) Cleanup(ctx context.Context, worktreePath, repoPath string) error {
	lock := m.lockFor(worktreePath)
	lock.Lock()
	defer lock.Unlock()

	if repoPath == "" {
		if inferred, err := inferRepoPath(ctx, worktreePath); err == nil {
			repoPath = inferred
		}
	}

	if repoPath == "" {
		return os.RemoveAll(worktreePath)
	}

	repo := gitutil.New(repoPath)
	return m.forceCleanupLocked(ctx, repo, worktreePath)
}

func (m *Manager) forceCleanupLocked(ctx context.Context, repo *gitutil.Repo, worktreePath string) error {
	_ = repo.WorktreeRemove(ctx, worktreePath)
	_ = repo.WorktreePrune(ctx)
	if err := os.RemoveAll(worktreePath); err != nil {
		return fmt.Errorf("worktree: removing %s: %w", worktreePath, err)
	}
	return nil
}

func inferRepoPath(ctx context.Context, worktreePath string) (string, error) {
	wt := gitutil.New(worktreePath)
	commonDir, err := wt.GitCommonDir(ctx)
	if err != nil {
		return "", err
	}
	// commonDir for a linked worktree is <main repo>/.git; the repo root is
	// its parent unless the main repo is itself bare.
	if filepath.Base(commonDir) == ".git" {
		return filepath.Dir(commonDir), nil
	}
	return commonDir, nil
}

// MigrateLegacy relocates the old single-worktree layout — where
// workspaceDir itself was the worktree for the project's sole repo — to
// the current layout of workspaceDir/<repoName>.
func (m *Manager) MigrateLegacy(ctx context.Context, workspaceDir, repoName string) error {
	legacyGit := filepath.Join(workspaceDir, ".git")
	if _, err := os.Stat(legacyGit); err != nil {
		return nil // not a legacy layout, nothing to do
	}

	target := filepath.Join(workspaceDir, repoName)
	lock := m.lockFor(target)
	lock.Lock()
	defer lock.Unlock()

	tmp := workspaceDir + ".migrating"
	if err := os.Rename(workspaceDir, tmp); err != nil {
		return fmt.Errorf("worktree: staging legacy layout: %w", err)
	}
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return fmt.Errorf("worktree: recreating workspace dir: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("worktree: relocating legacy worktree into %s: %w", target, err)
	}
	return nil
}

// OrphanSweep removes every first-level entry of workspacesRoot that is not
// a known container ref. Entries matching a current container_ref are never
// touched, guarding against concurrent use by a live session.
func (m *Manager) OrphanSweep(ctx context.Context, workspacesRoot string, knownContainerRefs map[string]bool) error {
	entries, err := os.ReadDir(workspacesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("worktree: reading workspaces root: %w", err)
	}

	var errs []string
	for _, e := range entries {
		if knownContainerRefs[e.Name()] {
			continue
		}
		path := filepath.Join(workspacesRoot, e.Name())
		if err := m.Cleanup(ctx, path, ""); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("worktree: orphan sweep: %s", strings.Join(errs, "; "))
	}
	return nil
}
