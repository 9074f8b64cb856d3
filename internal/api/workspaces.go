package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"forgeloop/internal/dto"
	"forgeloop/internal/store"
)

// workspaceView adds the computed fields clients need without a second
// round trip: whether the workspace currently has a live process, and
// whether its most recent process ended in failure.
type workspaceView struct {
	*store.Workspace
	IsRunning bool `json:"isRunning"`
	IsErrored bool `json:"isErrored"`
}

func (s *Server) annotate(ctx context.Context, ws *store.Workspace) (*workspaceView, error) {
	view := &workspaceView{Workspace: ws}
	session, err := s.db.LatestSessionForWorkspace(ctx, ws.ID)
	if err != nil {
		return view, nil
	}
	proc, err := s.db.LatestNonDroppedProcess(ctx, session.ID)
	if err != nil {
		return view, nil
	}
	view.IsRunning = proc.Status == store.ProcessRunning
	view.IsErrored = proc.Status == store.ProcessFailed
	return view, nil
}

type listWorkspacesReq struct {
	TaskID   string `query:"task_id"`
	Archived bool   `query:"archived"`
}

func (r *listWorkspacesReq) Validate() error { return nil }

func (s *Server) listWorkspaces(ctx context.Context, req *listWorkspacesReq) (*[]*workspaceView, error) {
	workspaces, err := s.db.ListWorkspaces(ctx, req.TaskID, req.Archived)
	if err != nil {
		return nil, err
	}
	views := make([]*workspaceView, 0, len(workspaces))
	for _, ws := range workspaces {
		v, err := s.annotate(ctx, ws)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return &views, nil
}

type createWorkspaceReq struct {
	TaskID          string   `json:"task_id"`
	RepoIDs         []string `json:"repo_id"`
	BaseBranch      string   `json:"base_branch,omitempty"`
	BranchName      string   `json:"branch_name,omitempty"`
	Name            string   `json:"name,omitempty"`
	AgentWorkingDir string   `json:"agent_working_dir,omitempty"`
	Executor        string   `json:"executor"`
	Prompt          string   `json:"prompt"`
}

func (r *createWorkspaceReq) Validate() error {
	if r.TaskID == "" {
		return dto.BadRequest("task_id is required")
	}
	if len(r.RepoIDs) == 0 {
		return dto.BadRequest("repo_id is required")
	}
	if r.Executor == "" {
		return dto.BadRequest("executor is required")
	}
	if r.Prompt == "" {
		return dto.BadRequest("prompt is required")
	}
	return nil
}

func (s *Server) createWorkspace(ctx context.Context, req *createWorkspaceReq) (*workspaceView, error) {
	task, err := s.db.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, translateNotFound(err, "task")
	}

	branch := req.BranchName
	if branch == "" {
		branch = "forgeloop/" + task.ID
	}
	var name *string
	if req.Name != "" {
		name = &req.Name
	}
	var workingDir *string
	if req.AgentWorkingDir != "" {
		workingDir = &req.AgentWorkingDir
	}

	ws, err := s.db.CreateWorkspace(ctx, &store.Workspace{
		TaskID:          req.TaskID,
		Branch:          branch,
		Name:            name,
		AgentWorkingDir: workingDir,
	})
	if err != nil {
		return nil, err
	}

	for _, repoID := range req.RepoIDs {
		repo, err := s.db.GetRepo(ctx, repoID)
		if err != nil {
			return nil, translateNotFound(err, "repo")
		}
		targetBranch := req.BaseBranch
		if targetBranch == "" {
			targetBranch = repo.DefaultTargetBranch
		}
		if _, err := s.db.AddWorkspaceRepo(ctx, &store.WorkspaceRepo{
			WorkspaceID:  ws.ID,
			RepoID:       repoID,
			TargetBranch: targetBranch,
		}); err != nil {
			return nil, err
		}
	}

	if err := s.db.SetTaskStatus(ctx, task.ID, store.TaskInProgress); err != nil {
		return nil, err
	}

	if err := s.engine.StartWorkspace(ctx, ws.ID, req.Executor, req.Prompt, nil); err != nil {
		return nil, dto.InternalError("starting workspace").Wrap(err)
	}

	return s.annotate(ctx, ws)
}

type workspaceIDReq struct {
	ID string `path:"id"`
}

func (r *workspaceIDReq) Validate() error { return nil }

func (s *Server) getWorkspace(ctx context.Context, req *workspaceIDReq) (*workspaceView, error) {
	ws, err := s.db.GetWorkspace(ctx, req.ID)
	if err != nil {
		return nil, translateNotFound(err, "workspace")
	}
	return s.annotate(ctx, ws)
}

func (s *Server) deleteWorkspace(ctx context.Context, req *workspaceIDReq) (*dto.EmptyReq, error) {
	if _, err := s.db.GetWorkspace(ctx, req.ID); err != nil {
		return nil, translateNotFound(err, "workspace")
	}
	wrepos, err := s.db.WorkspaceRepos(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(wrepos))
	for _, wr := range wrepos {
		if wr.WorktreePath != nil {
			targets[wr.RepoID] = *wr.WorktreePath
		}
	}
	s.stream.UnwatchWorkspace(req.ID)
	if err := s.db.DeleteWorkspace(ctx, req.ID); err != nil {
		return nil, err
	}
	return &dto.EmptyReq{}, nil
}

type runScriptReq struct {
	WorkspaceID string `path:"id"`
	RepoID      string `json:"repo_id"`
}

func (r *runScriptReq) Validate() error {
	if r.RepoID == "" {
		return dto.BadRequest("repo_id is required")
	}
	return nil
}

type runScriptResp struct {
	ProcessID string `json:"process_id"`
}

func (s *Server) runScript(ctx context.Context, req *runScriptReq, reason store.RunReason, scriptOf func(*store.Repo) string) (*runScriptResp, error) {
	repo, err := s.db.GetRepo(ctx, req.RepoID)
	if err != nil {
		return nil, translateNotFound(err, "repo")
	}
	command := scriptOf(repo)
	if command == "" {
		return nil, dto.BadRequest("repo has no script configured for this action")
	}
	id, err := s.engine.RunScript(ctx, req.WorkspaceID, req.RepoID, reason, command)
	if err != nil {
		return nil, dto.InternalError("running script").Wrap(err)
	}
	return &runScriptResp{ProcessID: id}, nil
}

func (s *Server) runSetupScript(ctx context.Context, req *runScriptReq) (*runScriptResp, error) {
	return s.runScript(ctx, req, store.RunSetupScript, func(r *store.Repo) string { return r.SetupScript })
}

func (s *Server) runCleanupScript(ctx context.Context, req *runScriptReq) (*runScriptResp, error) {
	return s.runScript(ctx, req, store.RunCleanupScript, func(r *store.Repo) string { return r.CleanupScript })
}

func (s *Server) runArchiveScript(ctx context.Context, req *runScriptReq) (*runScriptResp, error) {
	return s.runScript(ctx, req, store.RunArchiveScript, func(r *store.Repo) string { return r.ArchiveScript })
}

// runAgentSetup re-runs every participating repo's setup script ahead of a
// fresh agent turn, without starting a new coding-agent chain itself.
func (s *Server) runAgentSetup(ctx context.Context, req *workspaceIDReq) (*[]runScriptResp, error) {
	repos, err := s.db.ReposForWorkspace(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	out := make([]runScriptResp, 0, len(repos))
	for _, repo := range repos {
		if repo.SetupScript == "" {
			continue
		}
		id, err := s.engine.RunScript(ctx, req.ID, repo.ID, store.RunSetupScript, repo.SetupScript)
		if err != nil {
			return nil, dto.InternalError("running agent setup").Wrap(err)
		}
		out = append(out, runScriptResp{ProcessID: id})
	}
	return &out, nil
}

type queueFollowUpReq struct {
	WorkspaceID string   `path:"id"`
	Prompt      string   `json:"prompt"`
	Images      []string `json:"images,omitempty"`
}

func (r *queueFollowUpReq) Validate() error {
	if r.Prompt == "" {
		return dto.BadRequest("prompt is required")
	}
	return nil
}

func (s *Server) queueFollowUp(ctx context.Context, req *queueFollowUpReq) (*dto.EmptyReq, error) {
	session, err := s.db.LatestSessionForWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return nil, translateNotFound(err, "session")
	}
	if err := s.engine.QueueFollowUp(ctx, session.ID, req.Prompt, req.Images); err != nil {
		return nil, err
	}
	return &dto.EmptyReq{}, nil
}

func (s *Server) stopWorkspace(ctx context.Context, req *workspaceIDReq) (*dto.EmptyReq, error) {
	session, err := s.db.LatestSessionForWorkspace(ctx, req.ID)
	if err != nil {
		return nil, translateNotFound(err, "session")
	}
	proc, err := s.db.LatestNonDroppedProcess(ctx, session.ID)
	if err != nil {
		return nil, translateNotFound(err, "process")
	}
	if err := s.engine.StopExecution(ctx, proc.ID); err != nil {
		return nil, dto.InternalError("stopping execution").Wrap(err)
	}
	return &dto.EmptyReq{}, nil
}

// serveWorkspacesWS and serveDiffWS are not wrapped in dto.Handle since
// they hijack the connection for WebSocket framing rather than returning
// a JSON body.
func (s *Server) serveWorkspacesWS(w http.ResponseWriter, r *http.Request) {
	serveWS(w, r, func(ctx context.Context, conn wsConn) { s.stream.ServeWorkspaces(ctx, conn) })
}

func (s *Server) serveDiffWS(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "id")
	repoWorktrees, err := s.repoWorktrees(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, "workspace not found", http.StatusNotFound)
		return
	}
	serveWS(w, r, func(ctx context.Context, conn wsConn) {
		s.stream.ServeDiff(ctx, conn, workspaceID, repoWorktrees)
	})
}

func (s *Server) repoWorktrees(ctx context.Context, workspaceID string) (map[string]string, error) {
	wrepos, err := s.db.WorkspaceRepos(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(wrepos))
	for _, wr := range wrepos {
		if wr.WorktreePath != nil {
			out[wr.RepoID] = *wr.WorktreePath
		}
	}
	return out, nil
}
