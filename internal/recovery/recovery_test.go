package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"forgeloop/internal/recovery"
	"forgeloop/internal/store"
	"forgeloop/internal/workspace"
	"forgeloop/internal/worktree"
)

func TestReclassifiesStaleRunningProcesses(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	project, _ := db.CreateProject(ctx, "p")
	task, _ := db.CreateTask(ctx, &store.Task{ProjectID: project.ID, Title: "t"})
	ws, _ := db.CreateWorkspace(ctx, &store.Workspace{TaskID: task.ID, Branch: "b"})
	session, err := db.CreateSession(ctx, ws.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	proc, err := db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID:      session.ID,
		RunReason:      store.RunCodingAgent,
		ExecutorAction: []byte(`{}`),
		Status:         store.ProcessRunning,
	})
	if err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}

	wsMgr := workspace.NewManager(worktree.NewManager())
	rec := recovery.New(db, wsMgr)
	workspacesRoot := t.TempDir()
	if err := rec.Run(ctx, workspacesRoot, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := db.GetExecutionProcess(ctx, proc.ID)
	if err != nil {
		t.Fatalf("GetExecutionProcess: %v", err)
	}
	if got.Status != store.ProcessKilled {
		t.Fatalf("Status = %q, want killed", got.Status)
	}
}

func TestBackfillsMissingBeforeCommitFromPriorProcess(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	project, _ := db.CreateProject(ctx, "p")
	repo, _ := db.CreateRepo(ctx, &store.Repo{Path: "/tmp/r", Name: "r"})
	task, _ := db.CreateTask(ctx, &store.Task{ProjectID: project.ID, Title: "t"})
	ws, _ := db.CreateWorkspace(ctx, &store.Workspace{TaskID: task.ID, Branch: "b"})
	session, _ := db.CreateSession(ctx, ws.ID)

	proc1, err := db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID: session.ID, RunReason: store.RunCodingAgent, ExecutorAction: []byte(`{}`), Status: store.ProcessCompleted,
	})
	if err != nil {
		t.Fatalf("CreateExecutionProcess 1: %v", err)
	}
	if err := db.PutRepoStateBefore(ctx, proc1.ID, repo.ID, "commit-0"); err != nil {
		t.Fatalf("PutRepoStateBefore: %v", err)
	}
	if err := db.PutRepoStateAfter(ctx, proc1.ID, repo.ID, "commit-a"); err != nil {
		t.Fatalf("PutRepoStateAfter: %v", err)
	}

	proc2, err := db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID: session.ID, RunReason: store.RunCodingAgent, ExecutorAction: []byte(`{}`), Status: store.ProcessCompleted,
	})
	if err != nil {
		t.Fatalf("CreateExecutionProcess 2: %v", err)
	}
	// Simulate a crash between starting proc2 and recording its before-commit:
	// only after_head_commit got written before the restart, leaving
	// before_head_commit NULL — the gap Recovery is meant to fix.
	if _, err := db.Conn().ExecContext(ctx, `INSERT INTO execution_process_repo_states
		(id, execution_process_id, repo_id, before_head_commit, after_head_commit) VALUES (?, ?, ?, NULL, ?)`,
		"seed-state-1", proc2.ID, repo.ID, "commit-b"); err != nil {
		t.Fatalf("seeding repo state row: %v", err)
	}

	wsMgr := workspace.NewManager(worktree.NewManager())
	rec := recovery.New(db, wsMgr)
	if err := rec.Run(ctx, t.TempDir(), true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := db.RepoStatesForProcess(ctx, proc2.ID)
	if err != nil || len(got) != 1 {
		t.Fatalf("RepoStatesForProcess after recovery: %v, %+v", err, got)
	}
	if got[0].BeforeHeadCommit == nil || *got[0].BeforeHeadCommit != "commit-a" {
		t.Fatalf("BeforeHeadCommit = %v, want commit-a (backfilled from proc1's after-commit)", got[0].BeforeHeadCommit)
	}
}

func TestOrphanSweepRemovesUnknownDirsAndKeepsKnown(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	root := t.TempDir()
	known := filepath.Join(root, "ws-known")
	orphan := filepath.Join(root, "ws-orphan")
	for _, dir := range []string{known, orphan} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	project, _ := db.CreateProject(ctx, "p")
	task, _ := db.CreateTask(ctx, &store.Task{ProjectID: project.ID, Title: "t"})
	ref := "ws-known"
	if _, err := db.CreateWorkspace(ctx, &store.Workspace{TaskID: task.ID, Branch: "b", ContainerRef: &ref}); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	wsMgr := workspace.NewManager(worktree.NewManager())
	rec := recovery.New(db, wsMgr)
	if err := rec.Run(ctx, root, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(known); err != nil {
		t.Fatalf("known workspace dir should survive the sweep: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("orphan workspace dir should have been removed, stat err = %v", err)
	}
}

func TestSkipOrphanSweepLeavesDirectoriesAlone(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	root := t.TempDir()
	orphan := filepath.Join(root, "ws-orphan")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	wsMgr := workspace.NewManager(worktree.NewManager())
	rec := recovery.New(db, wsMgr)
	if err := rec.Run(ctx, root, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(orphan); err != nil {
		t.Fatalf("orphan dir should survive when skipOrphanSweep is true: %v", err)
	}
}
