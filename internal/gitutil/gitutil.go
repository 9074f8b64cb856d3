// Package gitutil wraps the git CLI with retry-on-transient-lock semantics
// and the worktree/commit operations the orchestrator needs.
package gitutil

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	retryInitialDelay = 200 * time.Millisecond
	retryMaxAttempts  = 6
	retryMultiplier   = 2
)

// transientPatterns are error substrings indicating a retryable git failure,
// almost always caused by a concurrent git process holding a lock file.
var transientPatterns = []string{
	"index file open failed",
	"index.lock",
	"cannot lock ref",
	"unable to create",
}

func isTransient(msg string) bool {
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

var sleepFunc = time.Sleep

// Repo wraps git operations rooted at Dir, which may be the main repository
// checkout or one of its worktrees.
type Repo struct {
	Dir string
}

func New(dir string) *Repo { return &Repo{Dir: dir} }

// Run executes git with args, retrying transient lock failures with
// exponential backoff.
func (r *Repo) Run(ctx context.Context, args ...string) (string, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = r.Dir
		out, err := cmd.CombinedOutput()
		if err == nil {
			return strings.TrimSpace(string(out)), nil
		}
		msg := strings.TrimSpace(string(out))
		lastErr = fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), msg, err)
		if !isTransient(msg) || attempt == retryMaxAttempts-1 {
			return "", lastErr
		}
		sleepFunc(delay)
		delay *= retryMultiplier
	}
	return "", lastErr
}

// HeadCommit returns the SHA that HEAD resolves to.
func (r *Repo) HeadCommit(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "HEAD")
}

// RevParse resolves an arbitrary ref.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	return r.Run(ctx, "rev-parse", ref)
}

// BranchExists reports whether ref names a valid commit-ish.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.Run(ctx, "rev-parse", "--verify", branch)
	return err == nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// WorktreeAdd creates a worktree at path on a new branch `branch` based on
// `base`. If createBranch is false, branch must already exist and is merely
// checked out into the new worktree.
func (r *Repo) WorktreeAdd(ctx context.Context, path, branch, base string, createBranch bool) error {
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", branch, path, base)
	} else {
		args = append(args, path, branch)
	}
	_, err := r.Run(ctx, args...)
	return err
}

// WorktreeRemove force-removes a worktree registration together with its
// working directory, discarding any uncommitted changes in it.
func (r *Repo) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.Run(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune removes stale worktree administrative entries.
func (r *Repo) WorktreePrune(ctx context.Context) error {
	_, err := r.Run(ctx, "worktree", "prune")
	return err
}

// WorktreeEntry is one entry of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	Head   string
	Branch string
	Bare   bool
}

// WorktreeList parses `git worktree list --porcelain`.
func (r *Repo) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := r.Run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur WorktreeEntry
	flush := func() {
		if cur.Path != "" {
			entries = append(entries, cur)
		}
		cur = WorktreeEntry{}
	}
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare":
			cur.Bare = true
		}
	}
	flush()
	return entries
}

// SparseCheckoutReapply re-applies sparse-checkout rules after a worktree
// add, which git does not always propagate automatically. Failure is
// non-fatal: callers should log and continue.
func (r *Repo) SparseCheckoutReapply(ctx context.Context) error {
	_, err := r.Run(ctx, "sparse-checkout", "reapply")
	return err
}

// HasChanges reports whether the worktree has uncommitted modifications.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// StageAll stages all changes, including untracked files.
func (r *Repo) StageAll(ctx context.Context) error {
	_, err := r.Run(ctx, "add", "-A")
	return err
}

// Commit creates a commit with the given message under a default identity
// fallback. Returns nil without creating a commit when there is nothing
// staged.
func (r *Repo) Commit(ctx context.Context, message string) error {
	dirty, err := r.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	if err := r.StageAll(ctx); err != nil {
		return err
	}
	if _, err := r.Run(ctx, "config", "user.name"); err != nil {
		_, _ = r.Run(ctx, "config", "user.name", "forgeloop")
	}
	if _, err := r.Run(ctx, "config", "user.email"); err != nil {
		_, _ = r.Run(ctx, "config", "user.email", "forgeloop@localhost")
	}
	_, err = r.Run(ctx, "commit", "--no-verify", "-m", message)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return nil
	}
	return err
}

// ResetHard hard-resets the worktree to ref, discarding local changes.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.Run(ctx, "reset", "--hard", ref)
	return err
}

// Merge performs a no-fast-forward merge of branch into the checked-out
// branch. On conflict it aborts the merge and returns ErrMergeConflict.
func (r *Repo) Merge(ctx context.Context, branch, message string) error {
	_, err := r.Run(ctx, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		_, _ = r.Run(ctx, "merge", "--abort")
		return fmt.Errorf("%w: %s", ErrMergeConflict, err)
	}
	return nil
}

// ErrMergeConflict indicates a merge was aborted due to conflicting changes.
var ErrMergeConflict = errors.New("merge conflict")

// DiffNumstat returns raw `git diff --numstat` output between two refs.
func (r *Repo) DiffNumstat(ctx context.Context, from, to string) (string, error) {
	return r.Run(ctx, "diff", "--numstat", from+".."+to)
}

// GitCommonDir resolves the shared `.git` directory for this worktree,
// used to find a worktree's owning repository when it is not already
// known.
func (r *Repo) GitCommonDir(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--git-common-dir")
}
