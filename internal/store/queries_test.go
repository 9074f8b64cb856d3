package store_test

import (
	"context"
	"testing"

	"forgeloop/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateAndGetProject(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p, err := db.CreateProject(ctx, "widgets")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected a generated ID")
	}

	got, err := db.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "widgets" {
		t.Fatalf("Name = %q, want widgets", got.Name)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetProject(context.Background(), "missing"); err != store.ErrNotFound {
		t.Fatalf("err = %v, want store.ErrNotFound", err)
	}
}

func TestWorkspaceLifecycleAndRepoLinking(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	repo, err := db.CreateRepo(ctx, &store.Repo{Path: "/tmp/repo", Name: "repo", DefaultTargetBranch: "main"})
	if err != nil {
		t.Fatalf("CreateRepo: %v", err)
	}
	project, err := db.CreateProject(ctx, "proj")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	task, err := db.CreateTask(ctx, &store.Task{ProjectID: project.ID, Title: "task"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Status != store.TaskTodo {
		t.Fatalf("default status = %q, want todo", task.Status)
	}

	ws, err := db.CreateWorkspace(ctx, &store.Workspace{TaskID: task.ID, Branch: "feature/x"})
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if _, err := db.AddWorkspaceRepo(ctx, &store.WorkspaceRepo{WorkspaceID: ws.ID, RepoID: repo.ID, TargetBranch: "main"}); err != nil {
		t.Fatalf("AddWorkspaceRepo: %v", err)
	}
	if err := db.SetWorktreePath(ctx, ws.ID, repo.ID, "/tmp/worktrees/x"); err != nil {
		t.Fatalf("SetWorktreePath: %v", err)
	}

	wrepos, err := db.WorkspaceRepos(ctx, ws.ID)
	if err != nil {
		t.Fatalf("WorkspaceRepos: %v", err)
	}
	if len(wrepos) != 1 || wrepos[0].WorktreePath == nil || *wrepos[0].WorktreePath != "/tmp/worktrees/x" {
		t.Fatalf("unexpected workspace repos: %+v", wrepos)
	}

	if err := db.DeleteWorkspace(ctx, ws.ID); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, err := db.GetWorkspace(ctx, ws.ID); err != store.ErrNotFound {
		t.Fatalf("GetWorkspace after delete = %v, want ErrNotFound", err)
	}
}

func TestSubscribePublishesOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	ch, cancel := db.Subscribe()
	defer cancel()

	p, err := db.CreateProject(ctx, "events")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Table != "projects" || ev.Op != "insert" || ev.ID != p.ID {
			t.Fatalf("got %+v, want insert event for project %s", ev, p.ID)
		}
	default:
		t.Fatal("expected a buffered event after a committed insert")
	}
}

func TestRunningProcessReclassification(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

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

	ids, err := db.RunningProcessIDs(ctx)
	if err != nil {
		t.Fatalf("RunningProcessIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != proc.ID {
		t.Fatalf("RunningProcessIDs = %v, want [%s]", ids, proc.ID)
	}

	if err := db.ForceKillRunning(ctx, proc.ID); err != nil {
		t.Fatalf("ForceKillRunning: %v", err)
	}
	got, err := db.GetExecutionProcess(ctx, proc.ID)
	if err != nil {
		t.Fatalf("GetExecutionProcess: %v", err)
	}
	if got.Status != store.ProcessKilled {
		t.Fatalf("Status = %q, want killed", got.Status)
	}
}
