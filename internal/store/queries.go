package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

const timeLayout = time.RFC3339Nano

func newID() string { return uuid.NewString() }

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func fromNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// --- Projects ---

func (db *DB) CreateProject(ctx context.Context, name string) (*Project, error) {
	p := &Project{ID: newID(), Name: name, CreatedAt: time.Now()}
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
			p.ID, p.Name, fmtTime(p.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "projects", Op: "insert", ID: p.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (db *DB) GetProject(ctx context.Context, id string) (*Project, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, name, created_at FROM projects WHERE id = ?`, id)
	var p Project
	var created string
	if err := row.Scan(&p.ID, &p.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// --- Repos ---

func (db *DB) CreateRepo(ctx context.Context, r *Repo) (*Repo, error) {
	r.ID = newID()
	r.CreatedAt = time.Now()
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO repos
			(id, path, name, setup_script, cleanup_script, archive_script, dev_server_script,
			 parallel_setup_script, default_target_branch, default_working_dir, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Path, r.Name, r.SetupScript, r.CleanupScript, r.ArchiveScript, r.DevServerScript,
			boolToInt(r.ParallelSetupScript), r.DefaultTargetBranch, r.DefaultWorkingDir, fmtTime(r.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "repos", Op: "insert", ID: r.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (db *DB) GetRepo(ctx context.Context, id string) (*Repo, error) {
	return scanRepo(db.conn.QueryRowContext(ctx, repoSelect+` WHERE id = ?`, id))
}

const repoSelect = `SELECT id, path, name, setup_script, cleanup_script, archive_script, dev_server_script,
	parallel_setup_script, default_target_branch, default_working_dir, created_at FROM repos`

func scanRepo(row *sql.Row) (*Repo, error) {
	var r Repo
	var parallel int
	var created string
	if err := row.Scan(&r.ID, &r.Path, &r.Name, &r.SetupScript, &r.CleanupScript, &r.ArchiveScript,
		&r.DevServerScript, &parallel, &r.DefaultTargetBranch, &r.DefaultWorkingDir, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.ParallelSetupScript = parallel != 0
	r.CreatedAt = parseTime(created)
	return &r, nil
}

// ReposForWorkspace returns the repos participating in a workspace in
// workspace_repos insertion order.
func (db *DB) ReposForWorkspace(ctx context.Context, workspaceID string) ([]*Repo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.id, r.path, r.name, r.setup_script, r.cleanup_script, r.archive_script, r.dev_server_script,
		       r.parallel_setup_script, r.default_target_branch, r.default_working_dir, r.created_at
		FROM workspace_repos wr JOIN repos r ON r.id = wr.repo_id
		WHERE wr.workspace_id = ? ORDER BY wr.rowid`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Repo
	for rows.Next() {
		var r Repo
		var parallel int
		var created string
		if err := rows.Scan(&r.ID, &r.Path, &r.Name, &r.SetupScript, &r.CleanupScript, &r.ArchiveScript,
			&r.DevServerScript, &parallel, &r.DefaultTargetBranch, &r.DefaultWorkingDir, &created); err != nil {
			return nil, err
		}
		r.ParallelSetupScript = parallel != 0
		r.CreatedAt = parseTime(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Tasks ---

func (db *DB) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	t.ID = newID()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = TaskTodo
	}
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks
			(id, project_id, title, description, status, parent_workspace_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), t.ParentWorkspaceID,
			fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "tasks", Op: "insert", ID: t.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, project_id, title, description, status, parent_workspace_id, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	var t Task
	var status, created, updated string
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &status, &t.ParentWorkspaceID, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// SetTaskStatus transitions a task's status, used by the engine to move
// inprogress<->inreview and to finalize done/cancelled.
func (db *DB) SetTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), fmtTime(time.Now()), id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "tasks", Op: "update", ID: id}}, nil
	})
}

// --- Workspaces ---

func (db *DB) CreateWorkspace(ctx context.Context, w *Workspace) (*Workspace, error) {
	w.ID = newID()
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO workspaces
			(id, task_id, container_ref, branch, agent_working_dir, name, setup_completed_at, archived, pinned, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.TaskID, w.ContainerRef, w.Branch, w.AgentWorkingDir, w.Name,
			nullableTime(w.SetupCompletedAt), boolToInt(w.Archived), boolToInt(w.Pinned),
			fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspaces", Op: "insert", ID: w.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

const workspaceSelect = `SELECT id, task_id, container_ref, branch, agent_working_dir, name, setup_completed_at,
	archived, pinned, created_at, updated_at FROM workspaces`

func scanWorkspace(scan func(dest ...any) error) (*Workspace, error) {
	var w Workspace
	var archived, pinned int
	var created, updated string
	var setupCompleted sql.NullString
	if err := scan(&w.ID, &w.TaskID, &w.ContainerRef, &w.Branch, &w.AgentWorkingDir, &w.Name,
		&setupCompleted, &archived, &pinned, &created, &updated); err != nil {
		return nil, err
	}
	w.Archived = archived != 0
	w.Pinned = pinned != 0
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	w.SetupCompletedAt = fromNullableTime(setupCompleted)
	return &w, nil
}

func (db *DB) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := db.conn.QueryRowContext(ctx, workspaceSelect+` WHERE id = ?`, id)
	w, err := scanWorkspace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (db *DB) ListWorkspaces(ctx context.Context, taskID string, includeArchived bool) ([]*Workspace, error) {
	q := workspaceSelect
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
		if !includeArchived {
			q += ` AND archived = 0`
		}
	} else if !includeArchived {
		q += ` WHERE archived = 0`
	}
	q += ` ORDER BY created_at`
	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// AllContainerRefs returns every non-null container_ref, used by orphan
// sweep to know which on-disk directories are legitimately owned.
func (db *DB) AllContainerRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT container_ref FROM workspaces WHERE container_ref IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		out[ref] = true
	}
	return out, rows.Err()
}

func (db *DB) SetWorkspaceContainerRef(ctx context.Context, id, containerRef string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE workspaces SET container_ref = ?, updated_at = ? WHERE id = ?`,
			containerRef, fmtTime(time.Now()), id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspaces", Op: "update", ID: id}}, nil
	})
}

func (db *DB) SetWorkspaceArchived(ctx context.Context, id string, archived bool) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE workspaces SET archived = ?, updated_at = ? WHERE id = ?`,
			boolToInt(archived), fmtTime(time.Now()), id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspaces", Op: "update", ID: id}}, nil
	})
}

func (db *DB) DeleteWorkspace(ctx context.Context, id string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspaces", Op: "delete", ID: id}}, nil
	})
}

// --- WorkspaceRepos ---

func (db *DB) AddWorkspaceRepo(ctx context.Context, wr *WorkspaceRepo) (*WorkspaceRepo, error) {
	wr.ID = newID()
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO workspace_repos (id, workspace_id, repo_id, target_branch, worktree_path)
			VALUES (?, ?, ?, ?, ?)`, wr.ID, wr.WorkspaceID, wr.RepoID, wr.TargetBranch, wr.WorktreePath)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspace_repos", Op: "insert", ID: wr.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return wr, nil
}

func (db *DB) SetWorktreePath(ctx context.Context, workspaceID, repoID, path string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE workspace_repos SET worktree_path = ? WHERE workspace_id = ? AND repo_id = ?`,
			path, workspaceID, repoID)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "workspace_repos", Op: "update", ID: workspaceID}}, nil
	})
}

func (db *DB) WorkspaceRepos(ctx context.Context, workspaceID string) ([]*WorkspaceRepo, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, workspace_id, repo_id, target_branch, worktree_path
		FROM workspace_repos WHERE workspace_id = ? ORDER BY rowid`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkspaceRepo
	for rows.Next() {
		var wr WorkspaceRepo
		if err := rows.Scan(&wr.ID, &wr.WorkspaceID, &wr.RepoID, &wr.TargetBranch, &wr.WorktreePath); err != nil {
			return nil, err
		}
		out = append(out, &wr)
	}
	return out, rows.Err()
}

// --- Sessions ---

func (db *DB) CreateSession(ctx context.Context, workspaceID string) (*Session, error) {
	s := &Session{ID: newID(), WorkspaceID: workspaceID, CreatedAt: time.Now()}
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, workspace_id, executor, created_at) VALUES (?, ?, ?, ?)`,
			s.ID, s.WorkspaceID, s.Executor, fmtTime(s.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "sessions", Op: "insert", ID: s.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, workspace_id, executor, created_at FROM sessions WHERE id = ?`, id)
	var s Session
	var created string
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.Executor, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = parseTime(created)
	return &s, nil
}

func (db *DB) SetSessionExecutor(ctx context.Context, id, executor string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET executor = ? WHERE id = ?`, executor, id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "sessions", Op: "update", ID: id}}, nil
	})
}

func (db *DB) LatestSessionForWorkspace(ctx context.Context, workspaceID string) (*Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT id, workspace_id, executor, created_at FROM sessions
		WHERE workspace_id = ? ORDER BY created_at DESC LIMIT 1`, workspaceID)
	var s Session
	var created string
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.Executor, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.CreatedAt = parseTime(created)
	return &s, nil
}

// --- Execution Processes ---

func (db *DB) CreateExecutionProcess(ctx context.Context, p *ExecutionProcess) (*ExecutionProcess, error) {
	p.ID = newID()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	if p.Status == "" {
		p.Status = ProcessRunning
	}
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO execution_processes
			(id, session_id, run_reason, executor_action, status, exit_code, dropped, started_at, completed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, string(p.RunReason), p.ExecutorAction, string(p.Status), p.ExitCode,
			boolToInt(p.Dropped), nullableTime(p.StartedAt), nullableTime(p.CompletedAt),
			fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_processes", Op: "insert", ID: p.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

const execProcessSelect = `SELECT id, session_id, run_reason, executor_action, status, exit_code, dropped,
	started_at, completed_at, created_at, updated_at FROM execution_processes`

func scanExecProcess(scan func(dest ...any) error) (*ExecutionProcess, error) {
	var p ExecutionProcess
	var runReason, status string
	var dropped int
	var started, completed sql.NullString
	var created, updated string
	if err := scan(&p.ID, &p.SessionID, &runReason, &p.ExecutorAction, &status, &p.ExitCode, &dropped,
		&started, &completed, &created, &updated); err != nil {
		return nil, err
	}
	p.RunReason = RunReason(runReason)
	p.Status = ProcessStatus(status)
	p.Dropped = dropped != 0
	p.StartedAt = fromNullableTime(started)
	p.CompletedAt = fromNullableTime(completed)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func (db *DB) GetExecutionProcess(ctx context.Context, id string) (*ExecutionProcess, error) {
	row := db.conn.QueryRowContext(ctx, execProcessSelect+` WHERE id = ?`, id)
	p, err := scanExecProcess(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// LatestNonDroppedProcess returns the most recently created non-dropped
// execution process in a session, or ErrNotFound if the session has none.
func (db *DB) LatestNonDroppedProcess(ctx context.Context, sessionID string) (*ExecutionProcess, error) {
	row := db.conn.QueryRowContext(ctx, execProcessSelect+`
		WHERE session_id = ? AND dropped = 0 ORDER BY created_at DESC LIMIT 1`, sessionID)
	p, err := scanExecProcess(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ProcessesForSession returns every process in a session ordered by
// creation, optionally including dropped rows.
func (db *DB) ProcessesForSession(ctx context.Context, sessionID string, includeDropped bool) ([]*ExecutionProcess, error) {
	q := execProcessSelect + ` WHERE session_id = ?`
	if !includeDropped {
		q += ` AND dropped = 0`
	}
	q += ` ORDER BY created_at`
	rows, err := db.conn.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ExecutionProcess
	for rows.Next() {
		p, err := scanExecProcess(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunningProcessIDs returns every process currently marked running,
// used at startup by Recovery.
func (db *DB) RunningProcessIDs(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM execution_processes WHERE status = ?`, string(ProcessRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (db *DB) MarkProcessStarted(ctx context.Context, id string) error {
	now := time.Now()
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE execution_processes SET started_at = ?, updated_at = ? WHERE id = ?`,
			fmtTime(now), fmtTime(now), id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_processes", Op: "update", ID: id}}, nil
	})
}

// CompleteProcess performs the P2-guarded terminal transition: it only
// writes when the row is currently running, so a racing stop_execution and
// exit-monitor conclusion can never double-apply.
func (db *DB) CompleteProcess(ctx context.Context, id string, status ProcessStatus, exitCode *int) (bool, error) {
	now := time.Now()
	applied := false
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		res, err := tx.ExecContext(ctx, `UPDATE execution_processes
			SET status = ?, exit_code = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(status), exitCode, fmtTime(now), fmtTime(now), id, string(ProcessRunning))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		applied = true
		return []Event{{Table: "execution_processes", Op: "update", ID: id}}, nil
	})
	return applied, err
}

// ForceKillRunning reclassifies a single running row to killed,
// unconditionally. Used by Recovery at startup.
func (db *DB) ForceKillRunning(ctx context.Context, id string) error {
	now := time.Now()
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE execution_processes SET status = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`, string(ProcessKilled), fmtTime(now), fmtTime(now), id, string(ProcessRunning))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_processes", Op: "update", ID: id}}, nil
	})
}

// DropFromAndAfter sets dropped=1 on process `boundaryID` and every later
// process in the same session (by created_at), implementing restore.
func (db *DB) DropFromAndAfter(ctx context.Context, sessionID string, boundaryCreatedAt time.Time) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE execution_processes SET dropped = 1, updated_at = ?
			WHERE session_id = ? AND created_at >= ?`,
			fmtTime(time.Now()), sessionID, fmtTime(boundaryCreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_processes", Op: "update", ID: sessionID}}, nil
	})
}

// --- ExecutionProcessRepoState ---

func (db *DB) PutRepoStateBefore(ctx context.Context, processID, repoID, beforeCommit string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO execution_process_repo_states
			(id, execution_process_id, repo_id, before_head_commit) VALUES (?, ?, ?, ?)`,
			newID(), processID, repoID, beforeCommit)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_process_repo_states", Op: "insert", ID: processID}}, nil
	})
}

func (db *DB) PutRepoStateAfter(ctx context.Context, processID, repoID, afterCommit string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE execution_process_repo_states SET after_head_commit = ?
			WHERE execution_process_id = ? AND repo_id = ?`, afterCommit, processID, repoID)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_process_repo_states", Op: "update", ID: processID}}, nil
	})
}

func (db *DB) RepoStatesForProcess(ctx context.Context, processID string) ([]*ExecutionProcessRepoState, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit
		FROM execution_process_repo_states WHERE execution_process_id = ?`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ExecutionProcessRepoState
	for rows.Next() {
		var s ExecutionProcessRepoState
		if err := rows.Scan(&s.ID, &s.ExecutionProcessID, &s.RepoID, &s.BeforeHeadCommit, &s.AfterHeadCommit, &s.MergeCommit); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// LastAfterCommitForRepo returns the after_head_commit of the most recent
// non-dropped process in session touching repo, used for back-fill and
// lineage continuity.
func (db *DB) LastAfterCommitForRepo(ctx context.Context, sessionID, repoID string, before time.Time) (*string, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT s.after_head_commit FROM execution_process_repo_states s
		JOIN execution_processes p ON p.id = s.execution_process_id
		WHERE p.session_id = ? AND s.repo_id = ? AND p.dropped = 0 AND p.created_at < ?
		ORDER BY p.created_at DESC LIMIT 1`, sessionID, repoID, fmtTime(before))
	var commit sql.NullString
	if err := row.Scan(&commit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if !commit.Valid {
		return nil, nil
	}
	v := commit.String
	return &v, nil
}

// ProcessesMissingBeforeCommit finds rows needing Recovery back-fill.
func (db *DB) ProcessesMissingBeforeCommit(ctx context.Context) ([]*ExecutionProcessRepoState, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit
		FROM execution_process_repo_states WHERE after_head_commit IS NOT NULL AND before_head_commit IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ExecutionProcessRepoState
	for rows.Next() {
		var s ExecutionProcessRepoState
		if err := rows.Scan(&s.ID, &s.ExecutionProcessID, &s.RepoID, &s.BeforeHeadCommit, &s.AfterHeadCommit, &s.MergeCommit); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (db *DB) BackfillBeforeCommit(ctx context.Context, id, beforeCommit string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE execution_process_repo_states SET before_head_commit = ? WHERE id = ?`, beforeCommit, id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "execution_process_repo_states", Op: "update", ID: id}}, nil
	})
}

func (db *DB) SessionIDForProcess(ctx context.Context, processID string) (string, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT session_id FROM execution_processes WHERE id = ?`, processID)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

// TaskIDForProcess resolves a process to the task owning its workspace, via
// session and workspace, used by the Approval Broker's best-effort
// inprogress<->inreview transitions.
func (db *DB) TaskIDForProcess(ctx context.Context, processID string) (string, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT w.task_id
		FROM execution_processes p
		JOIN sessions s ON s.id = p.session_id
		JOIN workspaces w ON w.id = s.workspace_id
		WHERE p.id = ?`, processID)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// --- Coding Agent Turns ---

func (db *DB) CreateTurn(ctx context.Context, t *CodingAgentTurn) (*CodingAgentTurn, error) {
	t.ID = newID()
	t.CreatedAt = time.Now()
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO coding_agent_turns
			(id, process_id, prompt, summary, agent_session_id, agent_message_id, seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProcessID, t.Prompt, t.Summary, t.AgentSessionID, t.AgentMessageID, boolToInt(t.Seen), fmtTime(t.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "coding_agent_turns", Op: "insert", ID: t.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (db *DB) SetTurnAgentIDs(ctx context.Context, id string, sessionID, messageID *string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `UPDATE coding_agent_turns SET agent_session_id = ?, agent_message_id = ? WHERE id = ?`,
			sessionID, messageID, id)
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "coding_agent_turns", Op: "update", ID: id}}, nil
	})
}

// LatestTurnForSession finds the most recent turn belonging to any
// non-dropped process in the session, used to resume a follow-up at the
// right agent session/message id.
func (db *DB) LatestTurnForSession(ctx context.Context, sessionID string) (*CodingAgentTurn, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT t.id, t.process_id, t.prompt, t.summary, t.agent_session_id, t.agent_message_id, t.seen, t.created_at
		FROM coding_agent_turns t
		JOIN execution_processes p ON p.id = t.process_id
		WHERE p.session_id = ? AND p.dropped = 0
		ORDER BY t.created_at DESC LIMIT 1`, sessionID)
	var t CodingAgentTurn
	var seen int
	var created string
	if err := row.Scan(&t.ID, &t.ProcessID, &t.Prompt, &t.Summary, &t.AgentSessionID, &t.AgentMessageID, &seen, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Seen = seen != 0
	t.CreatedAt = parseTime(created)
	return &t, nil
}

// --- Queued Follow-Ups ---

func (db *DB) EnqueueFollowUp(ctx context.Context, f *QueuedFollowUp) (*QueuedFollowUp, error) {
	f.ID = newID()
	f.CreatedAt = time.Now()
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO queued_follow_ups (id, session_id, prompt, created_at) VALUES (?, ?, ?, ?)`,
			f.ID, f.SessionID, f.Prompt, fmtTime(f.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "queued_follow_ups", Op: "insert", ID: f.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// TakeOldestFollowUp atomically pops the earliest queued follow-up for a
// session, or returns ErrNotFound if the queue is empty.
func (db *DB) TakeOldestFollowUp(ctx context.Context, sessionID string) (*QueuedFollowUp, error) {
	var out *QueuedFollowUp
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		row := tx.QueryRowContext(ctx, `SELECT id, session_id, prompt, created_at FROM queued_follow_ups
			WHERE session_id = ? ORDER BY created_at LIMIT 1`, sessionID)
		var f QueuedFollowUp
		var created string
		if err := row.Scan(&f.ID, &f.SessionID, &f.Prompt, &created); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		f.CreatedAt = parseTime(created)
		if _, err := tx.ExecContext(ctx, `DELETE FROM queued_follow_ups WHERE id = ?`, f.ID); err != nil {
			return nil, err
		}
		out = &f
		return []Event{{Table: "queued_follow_ups", Op: "delete", ID: f.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// --- Merges ---

func (db *DB) RecordMerge(ctx context.Context, m *Merge) (*Merge, error) {
	m.ID = newID()
	m.CreatedAt = time.Now()
	err := db.WithTx(ctx, func(tx *sql.Tx) ([]Event, error) {
		_, err := tx.ExecContext(ctx, `INSERT INTO merges (id, workspace_id, repo_id, target_branch, merge_commit, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.WorkspaceID, m.RepoID, m.TargetBranch, m.MergeCommit, fmtTime(m.CreatedAt))
		if err != nil {
			return nil, err
		}
		return []Event{{Table: "merges", Op: "insert", ID: m.ID}}, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
