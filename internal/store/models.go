// Package store provides the embedded, transactional row store backing the
// orchestrator's persisted schema: projects, repos, tasks, workspaces,
// sessions, execution processes and their per-repo commit lineage.
package store

import "time"

// Project groups one or more repos under a common workspace root.
type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Repo is a local git directory known to the orchestrator.
type Repo struct {
	ID                  string
	Path                string
	Name                string
	SetupScript         string
	CleanupScript       string
	ArchiveScript       string
	DevServerScript     string
	ParallelSetupScript bool
	DefaultTargetBranch string
	DefaultWorkingDir   string
	CreatedAt           time.Time
}

// ProjectRepo links a project to a repo.
type ProjectRepo struct {
	ID        string
	ProjectID string
	RepoID    string
	IsPrimary bool
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo      TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskInReview  TaskStatus = "inreview"
	TaskDone      TaskStatus = "done"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of work within a project.
type Task struct {
	ID                string
	ProjectID         string
	Title             string
	Description       string
	Status            TaskStatus
	ParentWorkspaceID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Workspace is an attempt at a task, materialized as one worktree per
// participating repo.
type Workspace struct {
	ID              string
	TaskID          string
	ContainerRef    *string
	Branch          string
	AgentWorkingDir *string
	Name            *string
	SetupCompletedAt *time.Time
	Archived        bool
	Pinned          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkspaceRepo links a workspace to a participating repo.
type WorkspaceRepo struct {
	ID           string
	WorkspaceID  string
	RepoID       string
	TargetBranch string
	WorktreePath *string
}

// Session is a per-executor logical thread inside a workspace.
type Session struct {
	ID          string
	WorkspaceID string
	Executor    *string
	CreatedAt   time.Time
}

// ProcessStatus is the lifecycle state of an ExecutionProcess.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// RunReason classifies why an ExecutionProcess was started.
type RunReason string

const (
	RunSetupScript   RunReason = "setupscript"
	RunCleanupScript RunReason = "cleanupscript"
	RunArchiveScript RunReason = "archivescript"
	RunCodingAgent   RunReason = "codingagent"
	RunDevServer     RunReason = "devserver"
)

// ExecutionProcess is a single scripted or agent run belonging to a session.
type ExecutionProcess struct {
	ID             string
	SessionID      string
	RunReason      RunReason
	ExecutorAction []byte // opaque JSON-encoded ExecutorAction
	Status         ProcessStatus
	ExitCode       *int
	Dropped        bool
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionProcessRepoState is the per-repo commit lineage for a process.
type ExecutionProcessRepoState struct {
	ID                  string
	ExecutionProcessID  string
	RepoID              string
	BeforeHeadCommit    *string
	AfterHeadCommit     *string
	MergeCommit         *string
}

// CodingAgentTurn is one turn within a coding-agent execution process.
type CodingAgentTurn struct {
	ID              string
	ProcessID       string
	Prompt          string
	Summary         string
	AgentSessionID  *string
	AgentMessageID  *string
	Seen            bool
	CreatedAt       time.Time
}

// QueuedFollowUp is a user-submitted prompt waiting to become the next
// follow-up action for a session.
type QueuedFollowUp struct {
	ID        string
	SessionID string
	Prompt    string
	Images    []string
	CreatedAt time.Time
}

// Merge records a completed merge of a workspace branch into a target
// branch for one repo.
type Merge struct {
	ID           string
	WorkspaceID  string
	RepoID       string
	TargetBranch string
	MergeCommit  string
	CreatedAt    time.Time
}

// ImageAttachment is a binary attachment referenced by a task or follow-up.
type ImageAttachment struct {
	ID        string
	TaskID    *string
	FileName  string
	MimeType  string
	SizeBytes int64
	CreatedAt time.Time
}
