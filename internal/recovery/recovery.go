// Package recovery runs the startup reconciliation pass the Execution
// Engine relies on before it can trust the row store: no running process
// can possibly have a live child after a restart, commit lineage may be
// missing a before-commit, and the workspaces directory may hold entries
// abandoned by a previous, unclean shutdown.
package recovery

import (
	"context"
	"log/slog"

	"forgeloop/internal/store"
	"forgeloop/internal/workspace"
)

type Recovery struct {
	db    *store.DB
	wsMgr *workspace.Manager
}

func New(db *store.DB, wsMgr *workspace.Manager) *Recovery {
	return &Recovery{db: db, wsMgr: wsMgr}
}

// Run performs, in order: reclassifying stale running processes as killed,
// back-filling missing before_head_commit lineage, and, unless
// skipOrphanSweep is set (WORKTREE_CLEANUP_DISABLE), sweeping orphaned
// worktree directories. It must complete before the server accepts
// external requests.
func (r *Recovery) Run(ctx context.Context, workspacesRoot string, skipOrphanSweep bool) error {
	if err := r.reclassifyRunning(ctx); err != nil {
		return err
	}
	if err := r.backfillLineage(ctx); err != nil {
		return err
	}
	if skipOrphanSweep {
		slog.Info("recovery: orphan sweep disabled")
		return nil
	}
	return r.sweepOrphans(ctx, workspacesRoot)
}

func (r *Recovery) reclassifyRunning(ctx context.Context) error {
	ids, err := r.db.RunningProcessIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.db.ForceKillRunning(ctx, id); err != nil {
			slog.Warn("recovery: reclassifying running process failed", "process_id", id, "err", err)
		}
	}
	if len(ids) > 0 {
		slog.Info("recovery: reclassified stale running processes", "count", len(ids))
	}
	return nil
}

func (r *Recovery) backfillLineage(ctx context.Context) error {
	states, err := r.db.ProcessesMissingBeforeCommit(ctx)
	if err != nil {
		return err
	}
	backfilled := 0
	for _, s := range states {
		proc, err := r.db.GetExecutionProcess(ctx, s.ExecutionProcessID)
		if err != nil {
			continue
		}
		sessionID, err := r.db.SessionIDForProcess(ctx, s.ExecutionProcessID)
		if err != nil {
			continue
		}
		prev, err := r.db.LastAfterCommitForRepo(ctx, sessionID, s.RepoID, proc.CreatedAt)
		if err != nil || prev == nil {
			continue
		}
		if err := r.db.BackfillBeforeCommit(ctx, s.ID, *prev); err != nil {
			slog.Warn("recovery: backfilling before-commit failed", "repo_state_id", s.ID, "err", err)
			continue
		}
		backfilled++
	}
	if backfilled > 0 {
		slog.Info("recovery: backfilled before_head_commit lineage", "count", backfilled)
	}
	return nil
}

func (r *Recovery) sweepOrphans(ctx context.Context, workspacesRoot string) error {
	refs, err := r.db.AllContainerRefs(ctx)
	if err != nil {
		return err
	}
	if err := r.wsMgr.OrphanSweep(ctx, workspacesRoot, refs); err != nil {
		slog.Warn("recovery: orphan sweep reported errors", "err", err)
	}
	return nil
}
