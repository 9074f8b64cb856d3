// Package message implements the per-execution-process Message Store: an
// ordered log of raw stdio chunks plus a derived, patch-addressed list of
// normalized entries, multicast to live subscribers and best-effort
// mirrored to durable storage.
package message

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// EntryType classifies a NormalizedEntry.
type EntryType string

const (
	EntryUserMessage      EntryType = "user_message"
	EntryAssistantMessage EntryType = "assistant_message"
	EntryToolUse          EntryType = "tool_use"
	EntryToolResult       EntryType = "tool_result"
	EntryFileEdit         EntryType = "file_edit"
	EntryFileCreate       EntryType = "file_create"
	EntryCommandExec      EntryType = "command_execution"
	EntryCommandOutput    EntryType = "command_output"
	EntryApprovalRequest  EntryType = "approval_request"
	EntryApprovalResponse EntryType = "approval_response"
	EntryError            EntryType = "error"
	EntryStatusChange      EntryType = "status_change"
)

// ToolStatus is the embedded lifecycle state of a tool_use entry.
type ToolStatus struct {
	State        string  `json:"state"` // created, pending_approval, approved, denied, timed_out
	ApprovalID   string  `json:"approval_id,omitempty"`
	RequestedAt  string  `json:"requested_at,omitempty"`
	TimeoutAt    string  `json:"timeout_at,omitempty"`
	DenialReason string  `json:"denial_reason,omitempty"`
}

// NormalizedEntry is the stream-visible unit produced by executors.
type NormalizedEntry struct {
	Index      int             `json:"index"`
	Type       EntryType       `json:"type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolStatus *ToolStatus     `json:"tool_status,omitempty"`
}

// PatchOp is one operation against the virtual entries array.
type PatchOp struct {
	Op    string          `json:"op"` // add, replace, append
	Index int             `json:"index,omitempty"`
	Entry NormalizedEntry `json:"entry"`
}

// LogMsg is one item in a message store's raw log.
type LogMsg struct {
	Kind  string // stdout, stderr, patch, finished
	Bytes []byte
	Ops   []PatchOp
}

const (
	kindStdout   = "stdout"
	kindStderr   = "stderr"
	kindPatch    = "patch"
	kindFinished = "finished"
)

// Mirror is the durable-log sink a Store posts best-effort writes to. The
// store package does not import internal/store directly so that tests can
// supply a fake without pulling in sqlite.
type Mirror interface {
	AppendLogChunk(ctx context.Context, processID, stream string, chunk []byte) error
}

const (
	maxRawBytes    = 2 << 20 // 2 MiB of raw history retained per store
	maxEntries     = 4096
	subscriberSlop = 256
)

type subscriber struct {
	ch     chan LogMsg
	closed bool
}

// Store is the per-execution-process message store.
type Store struct {
	processID string
	mirror    Mirror

	mu         sync.Mutex
	raw        []LogMsg
	rawBytes   int
	entries    []NormalizedEntry
	baseIndex  int // entries[0] corresponds to this global index
	nextIndex  int
	finished   bool
	subs       map[int]*subscriber
	nextSubID  int

	mirrorCh chan mirrorJob
	mirrorWG sync.WaitGroup
}

type mirrorJob struct {
	stream string
	bytes  []byte
}

// New creates a message store for processID. If mirror is non-nil, raw
// chunks are asynchronously mirrored to durable storage; a stalled mirror
// never blocks Push.
func New(processID string, mirror Mirror) *Store {
	s := &Store{
		processID: processID,
		mirror:    mirror,
		subs:      make(map[int]*subscriber),
	}
	if mirror != nil {
		s.mirrorCh = make(chan mirrorJob, 256)
		s.mirrorWG.Add(1)
		go s.runMirror()
	}
	return s
}

func (s *Store) runMirror() {
	defer s.mirrorWG.Done()
	for job := range s.mirrorCh {
		if err := s.mirror.AppendLogChunk(context.Background(), s.processID, job.stream, job.bytes); err != nil {
			slog.Warn("message store: durable mirror write failed", "process_id", s.processID, "err", err)
		}
	}
}

func (s *Store) queueMirror(stream string, b []byte) {
	if s.mirrorCh == nil {
		return
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case s.mirrorCh <- mirrorJob{stream: stream, bytes: cp}:
	default:
		slog.Warn("message store: dropping durable mirror chunk, writer backlogged", "process_id", s.processID)
	}
}

// PushStdout appends a raw stdout chunk.
func (s *Store) PushStdout(b []byte) { s.pushRaw(kindStdout, b) }

// PushStderr appends a raw stderr chunk.
func (s *Store) PushStderr(b []byte) { s.pushRaw(kindStderr, b) }

func (s *Store) pushRaw(kind string, b []byte) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	msg := LogMsg{Kind: kind, Bytes: b}
	s.raw = append(s.raw, msg)
	s.rawBytes += len(b)
	s.trimRawLocked()
	s.broadcastLocked(msg)
	s.mu.Unlock()

	stream := "stdout"
	if kind == kindStderr {
		stream = "stderr"
	}
	s.queueMirror(stream, b)
}

func (s *Store) trimRawLocked() {
	for s.rawBytes > maxRawBytes && len(s.raw) > 1 {
		dropped := s.raw[0]
		s.raw = s.raw[1:]
		s.rawBytes -= len(dropped.Bytes)
	}
}

// Add appends a new normalized entry, assigning it the next index. The
// entry's Type is fixed for the lifetime of that index; only ToolStatus
// (via Replace) may change afterward.
func (s *Store) Add(entry NormalizedEntry) NormalizedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return entry
	}
	entry.Index = s.nextIndex
	s.nextIndex++
	s.entries = append(s.entries, entry)
	s.trimEntriesLocked()
	op := PatchOp{Op: "add", Index: entry.Index, Entry: entry}
	s.broadcastLocked(LogMsg{Kind: kindPatch, Ops: []PatchOp{op}})
	return entry
}

// Replace overwrites the entry at index in place, the mechanism behind
// approval status transitions. Applying the same replace twice is
// idempotent since it is a pure overwrite, not an increment.
func (s *Store) Replace(index int, entry NormalizedEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	pos := index - s.baseIndex
	if pos < 0 || pos >= len(s.entries) {
		return false
	}
	entry.Index = index
	entry.Type = s.entries[pos].Type // type is immutable once added
	s.entries[pos] = entry
	op := PatchOp{Op: "replace", Index: index, Entry: entry}
	s.broadcastLocked(LogMsg{Kind: kindPatch, Ops: []PatchOp{op}})
	return true
}

func (s *Store) trimEntriesLocked() {
	for len(s.entries) > maxEntries {
		s.entries = s.entries[1:]
		s.baseIndex++
	}
}

// FindLastByToolCallID searches entries in reverse for the most recent
// tool_use entry with the given tool call id and state "created".
func (s *Store) FindLastByToolCallID(toolCallID string) (NormalizedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.Type == EntryToolUse && e.ToolCallID == toolCallID &&
			(e.ToolStatus == nil || e.ToolStatus.State == "created") {
			return e, true
		}
	}
	return NormalizedEntry{}, false
}

// Finish marks the store finished; it is idempotent and only emits the
// Finished sentinel on the first call.
func (s *Store) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.broadcastLocked(LogMsg{Kind: kindFinished})
	for _, sub := range s.subs {
		close(sub.ch)
		sub.closed = true
	}
	s.subs = map[int]*subscriber{}
	s.mu.Unlock()

	if s.mirrorCh != nil {
		close(s.mirrorCh)
		s.mirrorWG.Wait()
	}
}

func (s *Store) broadcastLocked(msg LogMsg) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- msg:
		default:
			slog.Warn("message store: dropping slow subscriber", "process_id", s.processID, "sub", id)
		}
	}
}

// Subscribe returns a channel that first replays the current history
// (raw or as synthetic `add` patches depending on what the store holds)
// and then tails live updates, closing when Finish is called.
func (s *Store) Subscribe() (<-chan LogMsg, func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan LogMsg, len(s.raw)+len(s.entries)+subscriberSlop)

	for _, m := range s.raw {
		ch <- m
	}
	for _, e := range s.entries {
		ch <- LogMsg{Kind: kindPatch, Ops: []PatchOp{{Op: "add", Index: e.Index, Entry: e}}}
	}
	if s.finished {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	sub := &subscriber{ch: ch}
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[id]; ok && !existing.closed {
			close(existing.ch)
			delete(s.subs, id)
		}
	}
	return ch, cancel
}

// Snapshot returns the current normalized entries, for clients that want a
// one-shot read instead of a subscription (e.g. a REST fetch backing the
// initial page load before a websocket connects).
func (s *Store) Snapshot() []NormalizedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NormalizedEntry, len(s.entries))
	copy(out, s.entries)
	return out
}
