// Package approval implements the Approval Broker: the in-memory bridge
// between an executor's blocking tool-call approval request and a human
// response (or timeout), expressed as patches against the owning
// execution process's message store.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"forgeloop/internal/message"
	"forgeloop/internal/store"
)

// Status is the terminal (or pending) state of one approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

var (
	ErrAlreadyCompleted = errors.New("approval: already completed")
	ErrUnknown          = errors.New("approval: unknown id")
	ErrNoMatchingEntry  = errors.New("approval: no matching tool_use entry")
)

// StoreLookup resolves a live execution process's message store, so the
// broker can patch tool_use entries without owning the Engine's process
// table itself.
type StoreLookup interface {
	MessageStore(processID string) (*message.Store, bool)
}

type pendingEntry struct {
	entryIndex  int
	store       *message.Store
	processID   string
	toolName    string
	requestedAt time.Time
	timeoutAt   time.Time
	waiter      chan Status
	timer       *time.Timer
}

// Broker tracks pending approvals in memory; nothing here is persisted, so
// a process restart loses every pending approval by design.
type Broker struct {
	db      *store.DB
	lookup  StoreLookup
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	completed map[string]Status
}

func NewBroker(db *store.DB, lookup StoreLookup, timeout time.Duration) *Broker {
	return &Broker{
		db:        db,
		lookup:    lookup,
		timeout:   timeout,
		pending:   make(map[string]*pendingEntry),
		completed: make(map[string]Status),
	}
}

// Request is called by an executor's approval-aware adapter when a tool
// call needs human sign-off. It searches the process's message store in
// reverse for the most recent tool_use entry matching toolCallID; if none
// is found there is nothing to attach the request to, so it is dropped.
// On success it patches the entry to pending_approval, installs a timeout
// watcher, and best-effort transitions the owning task from inprogress to
// inreview.
func (b *Broker) Request(ctx context.Context, processID, toolCallID, toolName string) (string, <-chan Status, error) {
	st, ok := b.lookup.MessageStore(processID)
	if !ok {
		return "", nil, fmt.Errorf("approval: no message store for process %s", processID)
	}
	entry, ok := st.FindLastByToolCallID(toolCallID)
	if !ok {
		slog.Warn("approval: no matching tool_use entry, request dropped", "process_id", processID, "tool_call_id", toolCallID)
		return "", nil, ErrNoMatchingEntry
	}

	approvalID := uuid.NewString()
	now := time.Now()
	timeoutAt := now.Add(b.timeout)

	entry.ToolStatus = &message.ToolStatus{
		State:       "pending_approval",
		ApprovalID:  approvalID,
		RequestedAt: now.Format(time.RFC3339Nano),
		TimeoutAt:   timeoutAt.Format(time.RFC3339Nano),
	}
	st.Replace(entry.Index, entry)

	pe := &pendingEntry{
		entryIndex:  entry.Index,
		store:       st,
		processID:   processID,
		toolName:    toolName,
		requestedAt: now,
		timeoutAt:   timeoutAt,
		waiter:      make(chan Status, 1),
	}
	pe.timer = time.AfterFunc(b.timeout, func() { b.expire(approvalID) })

	b.mu.Lock()
	b.pending[approvalID] = pe
	b.mu.Unlock()

	b.transitionTaskBestEffort(ctx, processID, store.TaskInProgress, store.TaskInReview)

	return approvalID, pe.waiter, nil
}

// Respond delivers a human decision for a still-pending approval.
func (b *Broker) Respond(ctx context.Context, approvalID string, approved bool, reason string) error {
	b.mu.Lock()
	pe, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()

	if !ok {
		if _, wasCompleted := b.completedStatus(approvalID); wasCompleted {
			return ErrAlreadyCompleted
		}
		return ErrUnknown
	}

	pe.timer.Stop()
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	b.finish(approvalID, pe, status, reason)

	b.transitionTaskBestEffort(ctx, pe.processID, store.TaskInReview, store.TaskInProgress)
	return nil
}

// Cancel transitions a pending approval to cancelled, e.g. when its owning
// workspace is torn down while a request is outstanding.
func (b *Broker) Cancel(approvalID string) error {
	b.mu.Lock()
	pe, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()

	if !ok {
		return ErrUnknown
	}
	pe.timer.Stop()
	b.finish(approvalID, pe, StatusCancelled, "Cancelled")
	return nil
}

func (b *Broker) expire(approvalID string) {
	b.mu.Lock()
	pe, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.finish(approvalID, pe, StatusTimedOut, "")
	b.transitionTaskBestEffort(context.Background(), pe.processID, store.TaskInReview, store.TaskInProgress)
}

func (b *Broker) finish(approvalID string, pe *pendingEntry, status Status, reason string) {
	b.mu.Lock()
	b.completed[approvalID] = status
	b.mu.Unlock()

	b.patchEntry(pe, status, reason)

	select {
	case pe.waiter <- status:
	default:
	}
	close(pe.waiter)
}

func (b *Broker) patchEntry(pe *pendingEntry, status Status, reason string) {
	snap := pe.store.Snapshot()
	idx := pe.entryIndex
	for _, e := range snap {
		if e.Index != idx {
			continue
		}
		e.ToolStatus = &message.ToolStatus{
			State:        string(status),
			DenialReason: reason,
		}
		pe.store.Replace(idx, e)
		return
	}
}

func (b *Broker) completedStatus(approvalID string) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.completed[approvalID]
	return s, ok
}

// PendingFor returns the subset of processIDs that currently have at least
// one outstanding pending approval, for UI badges.
func (b *Broker) PendingFor(processIDs []string) map[string]bool {
	want := make(map[string]bool, len(processIDs))
	for _, id := range processIDs {
		want[id] = true
	}
	out := make(map[string]bool)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, pe := range b.pending {
		if want[pe.processID] {
			out[pe.processID] = true
		}
	}
	return out
}

func (b *Broker) transitionTaskBestEffort(ctx context.Context, processID string, from, to store.TaskStatus) {
	taskID, err := b.db.TaskIDForProcess(ctx, processID)
	if err != nil {
		return
	}
	task, err := b.db.GetTask(ctx, taskID)
	if err != nil || task.Status != from {
		return
	}
	if err := b.db.SetTaskStatus(ctx, taskID, to); err != nil {
		slog.Warn("approval: best-effort task status transition failed", "task_id", taskID, "err", err)
	}
}
