package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"nhooyr.io/websocket"

	"forgeloop/internal/gitutil"
	"forgeloop/internal/message"
	"forgeloop/internal/store"
)

const diffDebounce = 300 * time.Millisecond

// procSub tracks a Facade's subscription to one live process's message
// store so it can be torn down on ProcessFinished.
type procSub struct {
	unsubscribe func()
	done        chan struct{}
}

// Facade is the Streaming Facade (component H). It implements
// engine.Notifier and exposes topic subscriptions consumed by
// internal/api's WebSocket handlers.
type Facade struct {
	db  *store.DB
	hub *Hub

	mu        sync.Mutex
	procSubs  map[string]*procSub
	watchers  map[string]*fsnotify.Watcher // workspaceID -> watcher
	watchStop map[string]chan struct{}
}

func NewFacade(db *store.DB) *Facade {
	f := &Facade{
		db:        db,
		hub:       newHub(),
		procSubs:  make(map[string]*procSub),
		watchers:  make(map[string]*fsnotify.Watcher),
		watchStop: make(map[string]chan struct{}),
	}
	go f.pumpRowEvents()
	return f
}

// pumpRowEvents republishes committed store mutations as workspace-list
// and session-process-list nudges; subscribers re-fetch via the normal
// REST read path, the stream only tells them something changed.
func (f *Facade) pumpRowEvents() {
	ch, unsub := f.db.Subscribe()
	defer unsub()
	for ev := range ch {
		switch ev.Table {
		case "workspaces":
			f.hub.publish("workspaces", Event{Type: "workspace_changed", Data: ev.ID})
		case "execution_processes":
			// ev.ID is a process id, except for DropFromAndAfter, which
			// reports the session id itself.
			sessionID := ev.ID
			if sid, err := f.db.SessionIDForProcess(context.Background(), ev.ID); err == nil {
				sessionID = sid
			}
			f.hub.publish("session_processes:"+sessionID, Event{Type: "process_changed", Data: ev.ID})
		case "tasks":
			f.hub.publish("task:"+ev.ID, Event{Type: "task_changed", Data: ev.ID})
		}
	}
}

// ProcessStarted implements engine.Notifier: it begins relaying the
// process's message store to the raw and normalized log topics.
func (f *Facade) ProcessStarted(workspaceID, sessionID, processID string, st *message.Store) {
	ch, unsub := st.Subscribe()
	done := make(chan struct{})

	f.mu.Lock()
	f.procSubs[processID] = &procSub{unsubscribe: unsub, done: done}
	f.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range ch {
			switch msg.Kind {
			case "stdout", "stderr":
				f.hub.publish("raw:"+processID, Event{Type: msg.Kind, Data: string(msg.Bytes)})
			case "patch":
				f.hub.publish("normalized:"+processID, Event{Type: "patch", Data: msg.Ops})
			case "finished":
				f.hub.publish("normalized:"+processID, Event{Type: "finished"})
			}
		}
	}()

	f.hub.publish("session_processes:"+sessionID, Event{Type: "process_started", Data: processID})
}

// ProcessFinished implements engine.Notifier.
func (f *Facade) ProcessFinished(processID string) {
	f.mu.Lock()
	ps, ok := f.procSubs[processID]
	if ok {
		delete(f.procSubs, processID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	ps.unsubscribe()
	<-ps.done
}

// TaskUpdated implements engine.Notifier.
func (f *Facade) TaskUpdated(taskID string) {
	f.hub.publish("task:"+taskID, Event{Type: "task_changed", Data: taskID})
}

// ServeRawLogs streams raw stdout/stderr chunks for processID to conn.
// Nothing is replayed: only chunks published after the subscription
// starts are sent.
func (f *Facade) ServeRawLogs(ctx context.Context, conn *websocket.Conn, processID string) {
	f.hub.Serve(ctx, conn, "raw:"+processID, nil)
}

// ServeNormalizedLogs upgrades conn to stream normalized entries for
// processID, replaying the current snapshot as a synthetic add-patch
// burst before switching to live tail.
func (f *Facade) ServeNormalizedLogs(ctx context.Context, conn *websocket.Conn, processID string, snapshot []message.NormalizedEntry) {
	replay := make([]Event, 0, len(snapshot))
	for _, e := range snapshot {
		replay = append(replay, Event{Type: "patch", Data: []message.PatchOp{{Op: "add", Index: e.Index, Entry: e}}})
	}
	f.hub.Serve(ctx, conn, "normalized:"+processID, replay)
}

// ServeWorkspaces upgrades conn to the workspace-list change topic.
func (f *Facade) ServeWorkspaces(ctx context.Context, conn *websocket.Conn) {
	f.hub.Serve(ctx, conn, "workspaces", nil)
}

// ServeSessionProcesses upgrades conn to a session's process-list topic.
func (f *Facade) ServeSessionProcesses(ctx context.Context, conn *websocket.Conn, sessionID string) {
	f.hub.Serve(ctx, conn, "session_processes:"+sessionID, nil)
}

// ServeTask upgrades conn to one task's change topic.
func (f *Facade) ServeTask(ctx context.Context, conn *websocket.Conn, taskID string) {
	f.hub.Serve(ctx, conn, "task:"+taskID, nil)
}

// ServeDiff upgrades conn to workspaceID's diff topic, first sending a
// full numstat snapshot for every repo worktree then switching to live
// nudges triggered by filesystem events in the watched worktree roots.
func (f *Facade) ServeDiff(ctx context.Context, conn *websocket.Conn, workspaceID string, repoWorktrees map[string]string) {
	f.WatchWorkspace(workspaceID, repoWorktrees)
	snapshot := f.computeDiff(ctx, repoWorktrees)
	f.hub.Serve(ctx, conn, "diff:"+workspaceID, []Event{{Type: "diff", Data: snapshot}})
}

// NudgeDiff recomputes every repo's numstat and publishes it on the
// workspace's diff topic. Its only caller is debounceLoop; the engine does
// not call it when a process exits.
func (f *Facade) NudgeDiff(workspaceID string, repoWorktrees map[string]string) {
	snapshot := f.computeDiff(context.Background(), repoWorktrees)
	f.hub.publish("diff:"+workspaceID, Event{Type: "diff", Data: snapshot})
}

func (f *Facade) computeDiff(ctx context.Context, repoWorktrees map[string]string) map[string]string {
	out := make(map[string]string, len(repoWorktrees))
	for repoID, dir := range repoWorktrees {
		repo := gitutil.New(dir)
		// Working-tree diff against HEAD, not a ref..ref range: this is the
		// live, uncommitted diff a client watches while an agent is running.
		numstat, err := repo.Run(ctx, "diff", "--numstat", "HEAD")
		if err != nil {
			slog.Warn("stream: diff numstat failed", "repo_id", repoID, "dir", dir, "err", err)
			continue
		}
		out[repoID] = numstat
	}
	return out
}

// WatchWorkspace starts (if not already running) an fsnotify watch over
// every worktree root in repoWorktrees, coalescing bursts of filesystem
// events into a single re-snapshot per debounce window.
func (f *Facade) WatchWorkspace(workspaceID string, repoWorktrees map[string]string) {
	f.mu.Lock()
	if _, ok := f.watchers[workspaceID]; ok {
		f.mu.Unlock()
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.mu.Unlock()
		slog.Warn("stream: fsnotify watcher failed", "workspace_id", workspaceID, "err", err)
		return
	}
	for _, dir := range repoWorktrees {
		if err := w.Add(dir); err != nil {
			slog.Warn("stream: fsnotify add failed", "dir", dir, "err", err)
		}
	}
	stop := make(chan struct{})
	f.watchers[workspaceID] = w
	f.watchStop[workspaceID] = stop
	f.mu.Unlock()

	go f.debounceLoop(workspaceID, w, stop, repoWorktrees)
}

// UnwatchWorkspace stops the filesystem watch started by WatchWorkspace,
// called on workspace cleanup/archive.
func (f *Facade) UnwatchWorkspace(workspaceID string) {
	f.mu.Lock()
	w, ok := f.watchers[workspaceID]
	stop := f.watchStop[workspaceID]
	delete(f.watchers, workspaceID)
	delete(f.watchStop, workspaceID)
	f.mu.Unlock()
	if !ok {
		return
	}
	close(stop)
	w.Close()
}

func (f *Facade) debounceLoop(workspaceID string, w *fsnotify.Watcher, stop chan struct{}, repoWorktrees map[string]string) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-w.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.AfterFunc(diffDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(diffDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("stream: fsnotify error", "workspace_id", workspaceID, "err", err)
		case <-fire:
			f.NudgeDiff(workspaceID, repoWorktrees)
		}
	}
}
