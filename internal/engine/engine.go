// Package engine implements the Execution Engine: the per-workspace
// serial execution chain that drives scripts and coding-agent turns
// through the Executor Adapter contract, persists their lineage, and
// advances the chain on exit.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"forgeloop/internal/approval"
	"forgeloop/internal/config"
	"forgeloop/internal/executor"
	"forgeloop/internal/gitutil"
	"forgeloop/internal/message"
	"forgeloop/internal/store"
	"forgeloop/internal/workspace"
)

// AdapterFactory constructs a fresh Adapter instance for one spawn. Adapters
// that decode streaming protocol state (jsonrpc, jsonl) keep per-invocation
// buffers on the struct itself, so a new instance is required per process
// rather than sharing one across concurrent workspaces.
type AdapterFactory func() executor.Adapter

// Notifier is implemented by the Streaming Facade to learn about process
// lifecycle events without the Engine importing it directly.
type Notifier interface {
	ProcessStarted(workspaceID, sessionID, processID string, store *message.Store)
	ProcessFinished(processID string)
	TaskUpdated(taskID string)
}

type liveProcess struct {
	child       executor.SpawnedChild
	adapter     executor.Adapter
	store       *message.Store
	workspaceID string
	sessionID   string
	action      *Action
	repoDirs    map[string]string // repo id -> worktree path
	stopped     bool
}

// Engine owns every live execution process and the per-workspace chain
// mutex that keeps exactly one action starting at a time.
type Engine struct {
	db       *store.DB
	cfg      *config.Config
	wsMgr    *workspace.Manager
	adapters map[string]AdapterFactory
	broker   *approval.Broker
	notifier Notifier

	mu         sync.Mutex
	chainLocks map[string]*sync.Mutex
	live       map[string]*liveProcess
}

func NewEngine(db *store.DB, cfg *config.Config, wsMgr *workspace.Manager, adapters map[string]AdapterFactory, notifier Notifier) *Engine {
	return &Engine{
		db:         db,
		cfg:        cfg,
		wsMgr:      wsMgr,
		adapters:   adapters,
		notifier:   notifier,
		chainLocks: make(map[string]*sync.Mutex),
		live:       make(map[string]*liveProcess),
	}
}

// SetBroker completes the construction cycle: the Broker needs the Engine
// as its StoreLookup, and the Engine needs the Broker to relay approval
// requests, so the Broker is built after the Engine and wired back in.
func (e *Engine) SetBroker(b *approval.Broker) { e.broker = b }

// MessageStore implements approval.StoreLookup.
func (e *Engine) MessageStore(processID string) (*message.Store, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lp, ok := e.live[processID]
	if !ok {
		return nil, false
	}
	return lp.store, true
}

func (e *Engine) chainLock(workspaceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.chainLocks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		e.chainLocks[workspaceID] = l
	}
	return l
}

// StartWorkspace materializes the workspace's worktrees, builds the setup
// -> initial -> cleanup chain, persists the first action, and spawns it.
func (e *Engine) StartWorkspace(ctx context.Context, workspaceID, executorName, prompt string, images []string) error {
	lock := e.chainLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	ws, err := e.db.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("engine: loading workspace: %w", err)
	}
	repos, err := e.db.ReposForWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("engine: loading repos: %w", err)
	}
	if len(repos) == 0 {
		return fmt.Errorf("engine: workspace %s has no repos", workspaceID)
	}
	wrepos, err := e.db.WorkspaceRepos(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("engine: loading workspace repos: %w", err)
	}
	targetBranch := map[string]string{}
	for _, wr := range wrepos {
		targetBranch[wr.RepoID] = wr.TargetBranch
	}

	workspaceDir := workspaceDirFor(e.cfg, ws)
	targets := make([]workspace.RepoTarget, 0, len(repos))
	for _, r := range repos {
		targets = append(targets, workspace.RepoTarget{Repo: r, TargetBranch: targetBranch[r.ID]})
	}

	if ws.ContainerRef == nil {
		if err := e.wsMgr.Create(ctx, workspaceDir, ws.Branch, targets); err != nil {
			return fmt.Errorf("engine: creating workspace: %w", err)
		}
		ref := workspaceID
		if err := e.db.SetWorkspaceContainerRef(ctx, workspaceID, ref); err != nil {
			return fmt.Errorf("engine: recording container ref: %w", err)
		}
		for _, r := range repos {
			if err := e.db.SetWorktreePath(ctx, workspaceID, r.ID, workspace.WorktreePath(workspaceDir, r)); err != nil {
				return fmt.Errorf("engine: recording worktree path: %w", err)
			}
		}
	} else if err := e.wsMgr.Ensure(ctx, workspaceDir, ws.Branch, targets); err != nil {
		return fmt.Errorf("engine: ensuring workspace: %w", err)
	}

	repoIDs := make([]string, 0, len(repos))
	for _, r := range repos {
		repoIDs = append(repoIDs, r.ID)
	}

	initial := &Action{
		Kind:      ActionCodingAgentInitial,
		RunReason: store.RunCodingAgent,
		CodingAgent: &CodingAgentAction{
			Executor:   executorName,
			Prompt:     prompt,
			Images:     images,
			RepoIDs:    repoIDs,
			AutoCommit: e.cfg.AutoCommit,
		},
	}
	chain := buildChain(repos, initial)

	session, err := e.db.CreateSession(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("engine: creating session: %w", err)
	}
	if err := e.db.SetSessionExecutor(ctx, session.ID, executorName); err != nil {
		return fmt.Errorf("engine: recording session executor: %w", err)
	}

	actionJSON, err := encodeAction(chain)
	if err != nil {
		return fmt.Errorf("engine: encoding action chain: %w", err)
	}
	proc, err := e.db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID:      session.ID,
		RunReason:      chain.RunReason,
		ExecutorAction: actionJSON,
		Status:         store.ProcessRunning,
	})
	if err != nil {
		return fmt.Errorf("engine: persisting first process: %w", err)
	}

	repoDirs := map[string]string{}
	for _, r := range repos {
		repoDirs[r.ID] = workspace.WorktreePath(workspaceDir, r)
	}

	return e.startExecution(ctx, proc, chain, workspaceID, session.ID, repoDirs)
}

// RunScript starts a standalone script action (setup, cleanup, or archive)
// against one repo's worktree outside the coding-agent chain, e.g. a
// manually triggered re-run. It opens a fresh session for the run so it
// does not disturb a session already in flight for this workspace.
func (e *Engine) RunScript(ctx context.Context, workspaceID, repoID string, runReason store.RunReason, command string) (string, error) {
	lock := e.chainLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	wrepos, err := e.db.WorkspaceRepos(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("engine: loading workspace repos: %w", err)
	}
	repoDirs := map[string]string{}
	found := false
	for _, wr := range wrepos {
		if wr.WorktreePath == nil {
			continue
		}
		repoDirs[wr.RepoID] = *wr.WorktreePath
		if wr.RepoID == repoID {
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("engine: repo %s has no worktree in workspace %s", repoID, workspaceID)
	}

	action := &Action{Kind: ActionScript, RunReason: runReason, Script: &ScriptAction{RepoID: repoID, Command: command}}

	session, err := e.db.CreateSession(ctx, workspaceID)
	if err != nil {
		return "", fmt.Errorf("engine: creating session: %w", err)
	}
	if err := e.db.SetSessionExecutor(ctx, session.ID, "shell"); err != nil {
		return "", fmt.Errorf("engine: recording session executor: %w", err)
	}

	actionJSON, err := encodeAction(action)
	if err != nil {
		return "", fmt.Errorf("engine: encoding action: %w", err)
	}
	proc, err := e.db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID:      session.ID,
		RunReason:      runReason,
		ExecutorAction: actionJSON,
		Status:         store.ProcessRunning,
	})
	if err != nil {
		return "", fmt.Errorf("engine: persisting process: %w", err)
	}

	if err := e.startExecution(ctx, proc, action, workspaceID, session.ID, repoDirs); err != nil {
		return "", err
	}
	return proc.ID, nil
}

func workspaceDirFor(cfg *config.Config, ws *store.Workspace) string {
	ref := ws.ID
	if ws.ContainerRef != nil {
		ref = *ws.ContainerRef
	}
	return fmt.Sprintf("%s/%s", cfg.WorkspacesDir(), ref)
}

// startExecution spawns the given action's executor and registers the live
// process. The caller must hold the workspace's chain lock.
func (e *Engine) startExecution(ctx context.Context, proc *store.ExecutionProcess, action *Action, workspaceID, sessionID string, repoDirs map[string]string) error {
	repoIDsForAction := action.repoIDs()
	for _, repoID := range repoIDsForAction {
		dir, ok := repoDirs[repoID]
		if !ok {
			continue
		}
		head, err := gitutil.New(dir).HeadCommit(ctx)
		if err != nil {
			slog.Warn("engine: reading before head commit failed", "repo_id", repoID, "err", err)
			continue
		}
		if err := e.db.PutRepoStateBefore(ctx, proc.ID, repoID, head); err != nil {
			return fmt.Errorf("engine: recording before-commit: %w", err)
		}
	}

	var adapter executor.Adapter
	var spawnEnv executor.SpawnEnv
	var workDir string

	switch action.Kind {
	case ActionScript:
		factory, ok := e.adapters["shell"]
		if !ok {
			return fmt.Errorf("engine: no shell adapter registered")
		}
		adapter = factory()
		workDir = repoDirs[action.Script.RepoID]
		spawnEnv = executor.SpawnEnv{WorkDir: workDir, Env: os.Environ(), Prompt: action.Script.Command}
	case ActionCodingAgentInitial, ActionCodingAgentFollowUp, ActionReview:
		ca := action.CodingAgent
		factory, ok := e.adapters[ca.Executor]
		if !ok {
			return fmt.Errorf("engine: no adapter registered for executor %q", ca.Executor)
		}
		adapter = factory()
		if len(ca.RepoIDs) > 0 {
			workDir = repoDirs[ca.RepoIDs[0]]
		}
		spawnEnv = executor.SpawnEnv{
			WorkDir:         workDir,
			Env:             os.Environ(),
			Prompt:          ca.Prompt,
			Images:          ca.Images,
			ResumeSessionID: ca.ResumeSessionID,
			ResumeMessageID: ca.ResumeMessageID,
		}
	default:
		return fmt.Errorf("engine: unknown action kind %q", action.Kind)
	}

	if err := e.db.MarkProcessStarted(ctx, proc.ID); err != nil {
		return fmt.Errorf("engine: marking process started: %w", err)
	}

	child, err := adapter.Spawn(ctx, spawnEnv)
	if err != nil {
		_, _ = e.db.CompleteProcess(ctx, proc.ID, store.ProcessFailed, intPtr(-1))
		return fmt.Errorf("engine: spawning: %w", err)
	}

	st := message.New(proc.ID, e.db)
	lp := &liveProcess{
		child:       child,
		adapter:     adapter,
		store:       st,
		workspaceID: workspaceID,
		sessionID:   sessionID,
		action:      action,
		repoDirs:    repoDirs,
	}
	e.mu.Lock()
	e.live[proc.ID] = lp
	e.mu.Unlock()

	e.notifier.ProcessStarted(workspaceID, sessionID, proc.ID, st)

	go e.pumpOutput(child, adapter, st)
	if approvalAware, ok := adapter.(executor.ApprovalAware); ok {
		go e.pumpApprovals(proc.ID, approvalAware)
	}
	go e.awaitExit(context.Background(), proc.ID, child)

	return nil
}

func (a *Action) repoIDs() []string {
	switch a.Kind {
	case ActionScript:
		return []string{a.Script.RepoID}
	default:
		if a.CodingAgent != nil {
			return a.CodingAgent.RepoIDs
		}
	}
	return nil
}

func intPtr(v int) *int { return &v }

func (e *Engine) pumpOutput(child executor.SpawnedChild, adapter executor.Adapter, st *message.Store) {
	streamAware, isStreamAware := adapter.(executor.StreamAware)
	if isStreamAware {
		go func() {
			for entry := range streamAware.Entries() {
				st.Add(message.NormalizedEntry{
					Type:       message.EntryType(entry.Type),
					Metadata:   entry.Metadata,
					ToolCallID: entry.ToolCallID,
					ToolStatus: &message.ToolStatus{State: "created"},
				})
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.pumpStream(child.Stdout(), adapter, st, st.PushStdout, isStreamAware) }()
	go func() { defer wg.Done(); e.pumpStream(child.Stderr(), adapter, st, st.PushStderr, true) }()
	wg.Wait()
}

func (e *Engine) pumpStream(r io.Reader, adapter executor.Adapter, st *message.Store, push func([]byte), skipNormalize bool) {
	if r == nil {
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			push(chunk)
			if !skipNormalize {
				res, nerr := adapter.Normalize(chunk)
				if nerr != nil {
					slog.Warn("engine: normalize failed", "err", nerr)
				} else {
					for _, ent := range res.Entries {
						st.Add(message.NormalizedEntry{
							Type:       message.EntryType(ent.Type),
							Metadata:   ent.Metadata,
							ToolCallID: ent.ToolCallID,
							ToolStatus: &message.ToolStatus{State: "created"},
						})
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) pumpApprovals(processID string, aware executor.ApprovalAware) {
	for req := range aware.ApprovalRequests() {
		approvalID, waiter, err := e.broker.Request(context.Background(), processID, req.ToolCallID, req.ToolName)
		if err != nil {
			slog.Warn("engine: approval request dropped", "process_id", processID, "err", err)
			continue
		}
		go func(id string, w <-chan approval.Status) {
			status := <-w
			approved := status == approval.StatusApproved
			if err := aware.RespondApproval(context.Background(), req.ToolCallID, approved, string(status)); err != nil {
				slog.Warn("engine: delivering approval response failed", "approval_id", id, "err", err)
			}
		}(approvalID, waiter)
	}
}

func (e *Engine) awaitExit(ctx context.Context, processID string, child executor.SpawnedChild) {
	res := <-child.Wait()
	e.onExit(ctx, processID, res)
}

func (e *Engine) onExit(ctx context.Context, processID string, res executor.ExitResult) {
	e.mu.Lock()
	lp, ok := e.live[processID]
	if ok {
		delete(e.live, processID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	status := store.ProcessCompleted
	if res.ExitCode != 0 {
		status = store.ProcessFailed
	}
	ec := res.ExitCode
	if _, err := e.db.CompleteProcess(ctx, processID, status, &ec); err != nil {
		slog.Warn("engine: completing process failed", "process_id", processID, "err", err)
	}

	for repoID, dir := range lp.repoDirs {
		if !containsRepo(lp.action.repoIDs(), repoID) {
			continue
		}
		repo := gitutil.New(dir)
		if e.cfg.AutoCommit {
			if dirty, _ := repo.HasChanges(ctx); dirty {
				if err := repo.Commit(ctx, "forgeloop: auto-commit"); err != nil {
					slog.Warn("engine: auto-commit failed", "repo_id", repoID, "err", err)
				}
			}
		}
		after, err := repo.HeadCommit(ctx)
		if err != nil {
			slog.Warn("engine: reading after head commit failed", "repo_id", repoID, "err", err)
			continue
		}
		if err := e.db.PutRepoStateAfter(ctx, processID, repoID, after); err != nil {
			slog.Warn("engine: recording after-commit failed", "repo_id", repoID, "err", err)
		}
	}

	lp.store.Finish()
	e.notifier.ProcessFinished(processID)

	if lp.action.RunReason == store.RunDevServer {
		return
	}

	if err := e.tryStartNextAction(ctx, processID, lp.workspaceID, lp.sessionID, lp.repoDirs); err != nil {
		slog.Warn("engine: advancing chain failed", "process_id", processID, "err", err)
	}
}

func containsRepo(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// tryStartNextAction reads the just-finished process's stored chain,
// resolves a queued follow-up into the next action if the chain has ended,
// and either starts the next action or finalizes the task.
func (e *Engine) tryStartNextAction(ctx context.Context, finishedProcessID, workspaceID, sessionID string, repoDirs map[string]string) error {
	lock := e.chainLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	finished, err := e.db.GetExecutionProcess(ctx, finishedProcessID)
	if err != nil {
		return err
	}
	cur, err := decodeAction(finished.ExecutorAction)
	if err != nil {
		return err
	}
	next := cur.Next

	if next == nil {
		followUp, err := e.db.TakeOldestFollowUp(ctx, sessionID)
		if err == nil {
			turn, terr := e.db.LatestTurnForSession(ctx, sessionID)
			executorName := adapterNameForAction(cur)
			if session, serr := e.db.GetSession(ctx, sessionID); serr == nil && session.Executor != nil && *session.Executor != "" {
				executorName = *session.Executor
			}
			ca := &CodingAgentAction{
				Executor:   executorName,
				Prompt:     followUp.Prompt,
				Images:     followUp.Images,
				RepoIDs:    cur.repoIDs(),
				AutoCommit: e.cfg.AutoCommit,
			}
			if terr == nil {
				if turn.AgentSessionID != nil {
					ca.ResumeSessionID = *turn.AgentSessionID
				}
				if turn.AgentMessageID != nil {
					ca.ResumeMessageID = *turn.AgentMessageID
				}
			}
			next = &Action{Kind: ActionCodingAgentFollowUp, RunReason: store.RunCodingAgent, CodingAgent: ca}
		}
	}

	if next == nil {
		return e.finalizeTask(ctx, workspaceID)
	}

	actionJSON, err := encodeAction(next)
	if err != nil {
		return err
	}
	proc, err := e.db.CreateExecutionProcess(ctx, &store.ExecutionProcess{
		SessionID:      sessionID,
		RunReason:      next.RunReason,
		ExecutorAction: actionJSON,
		Status:         store.ProcessRunning,
	})
	if err != nil {
		return err
	}
	return e.startExecution(ctx, proc, next, workspaceID, sessionID, repoDirs)
}

func adapterNameForAction(a *Action) string {
	if a.CodingAgent != nil && a.CodingAgent.Executor != "" {
		return a.CodingAgent.Executor
	}
	return "claude"
}

// finalizeTask transitions the owning task from inprogress to inreview
// once the workspace has no other running non-dev-server processes.
func (e *Engine) finalizeTask(ctx context.Context, workspaceID string) error {
	e.mu.Lock()
	for _, lp := range e.live {
		if lp.workspaceID == workspaceID && lp.action.RunReason != store.RunDevServer {
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()

	ws, err := e.db.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	task, err := e.db.GetTask(ctx, ws.TaskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskInProgress {
		return nil
	}
	if err := e.db.SetTaskStatus(ctx, task.ID, store.TaskInReview); err != nil {
		return err
	}
	e.notifier.TaskUpdated(task.ID)
	return nil
}

// QueueFollowUp enqueues a follow-up prompt for a session; it is consumed
// by tryStartNextAction the next time the session's chain ends.
func (e *Engine) QueueFollowUp(ctx context.Context, sessionID, prompt string, images []string) error {
	_, err := e.db.EnqueueFollowUp(ctx, &store.QueuedFollowUp{SessionID: sessionID, Prompt: prompt, Images: images})
	return err
}

// StopExecution marks a running process killed and kills its child,
// best-effort; the exit monitor performs finalization once the child
// actually exits.
func (e *Engine) StopExecution(ctx context.Context, processID string) error {
	e.mu.Lock()
	lp, ok := e.live[processID]
	if ok {
		lp.stopped = true
	}
	e.mu.Unlock()

	if _, err := e.db.CompleteProcess(ctx, processID, store.ProcessKilled, nil); err != nil {
		return err
	}
	if ok {
		if err := lp.child.Kill(); err != nil {
			return fmt.Errorf("engine: killing process: %w", err)
		}
	}
	return nil
}

// KillAllRunning stops every currently live process, used on shutdown and
// archival.
func (e *Engine) KillAllRunning(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.StopExecution(ctx, id); err != nil {
			slog.Warn("engine: kill_all_running: stop failed", "process_id", id, "err", err)
		}
	}
}

// RestoreTo drops processID and every later process in its session, then
// optionally hard-resets each participating repo's worktree to the prior
// non-dropped process's after_head_commit. forceWhenDirty governs the
// described "perform_reset ∧ ¬(dirty ∧ ¬force_when_dirty)" policy.
func (e *Engine) RestoreTo(ctx context.Context, processID string, performReset, forceWhenDirty bool) error {
	proc, err := e.db.GetExecutionProcess(ctx, processID)
	if err != nil {
		return err
	}
	sessionID, err := e.db.SessionIDForProcess(ctx, processID)
	if err != nil {
		return err
	}
	if err := e.db.DropFromAndAfter(ctx, sessionID, proc.CreatedAt); err != nil {
		return err
	}
	if !performReset {
		return nil
	}

	states, err := e.db.RepoStatesForProcess(ctx, processID)
	if err != nil {
		return err
	}
	for _, st := range states {
		prevCommit, err := e.db.LastAfterCommitForRepo(ctx, sessionID, st.RepoID, proc.CreatedAt)
		if err != nil || prevCommit == nil {
			continue
		}
		dir, ok := e.repoDirForSession(ctx, sessionID, st.RepoID)
		if !ok {
			continue
		}
		repo := gitutil.New(dir)
		dirty, _ := repo.HasChanges(ctx)
		if dirty && !forceWhenDirty {
			continue
		}
		if err := repo.ResetHard(ctx, *prevCommit); err != nil {
			slog.Warn("engine: restore reset failed", "repo_id", st.RepoID, "err", err)
		}
	}
	return nil
}

func (e *Engine) repoDirForSession(ctx context.Context, sessionID, repoID string) (string, bool) {
	session, err := e.db.GetSession(ctx, sessionID)
	if err != nil {
		return "", false
	}
	wrepos, err := e.db.WorkspaceRepos(ctx, session.WorkspaceID)
	if err != nil {
		return "", false
	}
	for _, wr := range wrepos {
		if wr.RepoID == repoID && wr.WorktreePath != nil {
			return *wr.WorktreePath, true
		}
	}
	return "", false
}
