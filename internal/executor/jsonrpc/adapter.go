package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"forgeloop/internal/executor"
)

// Adapter drives a JSON-RPC app-server style coding agent over stdio:
// initialize -> initialized -> thread/start (or thread/resume) -> turn/start,
// with server-initiated approval requests surfaced through ApprovalRequests.
type Adapter struct {
	BinaryPath string
	Args       []string

	mu       sync.Mutex
	cl       *client
	threadID string

	approvalCh chan executor.ApprovalRequest
	entriesCh  chan executor.Entry
}

func New(binaryPath string, args []string) *Adapter {
	return &Adapter{
		BinaryPath: binaryPath,
		Args:       args,
		approvalCh: make(chan executor.ApprovalRequest, 16),
		entriesCh:  make(chan executor.Entry, 256),
	}
}

func (a *Adapter) Name() string                              { return "codex" }
func (a *Adapter) SlashCommands() []executor.SlashCommand     { return nil }
func (a *Adapter) ApprovalRequests() <-chan executor.ApprovalRequest { return a.approvalCh }
func (a *Adapter) Entries() <-chan executor.Entry             { return a.entriesCh }

func (a *Adapter) ExtractSessionID(e executor.Entry) (string, bool) {
	if e.Type != "status_change" {
		return "", false
	}
	var v agentEventParams
	if json.Unmarshal(e.Metadata, &v) != nil || v.SessionID == "" {
		return "", false
	}
	return v.SessionID, true
}

func (a *Adapter) ExtractMessageID(e executor.Entry) (string, bool) {
	if e.Type != "assistant_message" {
		return "", false
	}
	var v agentEventParams
	if json.Unmarshal(e.Metadata, &v) != nil || v.MessageID == "" {
		return "", false
	}
	return v.MessageID, true
}

type child struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
	stdin  io.Writer
	exitCh chan executor.ExitResult
}

func (c *child) Stdout() io.Reader            { return c.stdout }
func (c *child) Stderr() io.Reader            { return c.stderr }
func (c *child) Stdin() io.Writer             { return c.stdin }
func (c *child) Wait() <-chan executor.ExitResult { return c.exitCh }

func (c *child) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Spawn starts the agent binary and performs the initialize/thread
// handshake. If env.ResumeSessionID is set, it resumes that thread instead
// of starting a new one.
func (a *Adapter) Spawn(ctx context.Context, env executor.SpawnEnv) (executor.SpawnedChild, error) {
	args := append([]string{}, a.Args...)
	cmd := exec.CommandContext(ctx, a.BinaryPath, args...)
	cmd.Dir = env.WorkDir
	cmd.Env = env.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("jsonrpc: starting agent: %w", err)
	}

	cl := newClient(stdin, stdout)
	a.mu.Lock()
	a.cl = cl
	a.mu.Unlock()

	cl.setServerRequestHandler(func(id RequestID, method string, params json.RawMessage) (json.RawMessage, error) {
		if method == "approval/request" {
			var req approvalRequestParams
			_ = json.Unmarshal(params, &req)
			select {
			case a.approvalCh <- executor.ApprovalRequest{ToolCallID: req.ToolCallID, ToolName: req.ToolName, Detail: params}:
			default:
			}
			// The actual decision is delivered asynchronously later via
			// RespondApproval, which issues its own client notification;
			// this initial handler response just acks receipt.
			return json.RawMessage(`{"received":true}`), nil
		}
		return json.RawMessage(`{}`), nil
	})
	cl.setNotificationHandler(func(method string, params json.RawMessage) {
		entry, ok := translateNotification(method, params)
		if !ok {
			return
		}
		select {
		case a.entriesCh <- entry:
		default:
		}
	})
	cl.start()

	if err := a.handshake(ctx, env); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	exitCh := make(chan executor.ExitResult, 1)
	go func() {
		err := cmd.Wait()
		exitCh <- exitResultFromErr(err)
		close(exitCh)
	}()

	return &child{
		stdout: stdout,
		stderr: stderr,
		stdin:  stdin,
		cmd:    cmd,
		exitCh: exitCh,
	}, nil
}

func exitResultFromErr(err error) executor.ExitResult {
	if err == nil {
		return executor.ExitResult{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return executor.ExitResult{ExitCode: exitErr.ExitCode()}
	}
	return executor.ExitResult{ExitCode: -1, Err: err}
}

func (a *Adapter) handshake(ctx context.Context, env executor.SpawnEnv) error {
	if _, err := a.cl.call("initialize", initializeParams{ClientInfo: clientInfo{Name: "forgeloop", Version: "0.1.0"}}); err != nil {
		return fmt.Errorf("jsonrpc: initialize: %w", err)
	}
	a.cl.writeLine(mustMarshal(notification{Method: "initialized"}))

	if env.ResumeSessionID != "" {
		if _, err := a.cl.call("thread/resume", threadResumeParams{ThreadID: env.ResumeSessionID}); err != nil {
			return fmt.Errorf("jsonrpc: thread/resume: %w", err)
		}
		a.threadID = env.ResumeSessionID
	} else {
		cwd := env.WorkDir
		policy := ApprovalPolicyOnRequest
		sandbox := SandboxWorkspaceWrite
		res, err := a.cl.call("thread/start", threadStartParams{Cwd: &cwd, ApprovalPolicy: &policy, Sandbox: &sandbox})
		if err != nil {
			return fmt.Errorf("jsonrpc: thread/start: %w", err)
		}
		var start threadStartResponse
		if err := json.Unmarshal(res, &start); err != nil {
			return fmt.Errorf("jsonrpc: decoding thread/start response: %w", err)
		}
		a.threadID = start.Thread.ID
	}

	if _, err := a.cl.call("turn/start", turnStartParams{ThreadID: a.threadID, Prompt: env.Prompt}); err != nil {
		return fmt.Errorf("jsonrpc: turn/start: %w", err)
	}
	return nil
}

// RespondApproval notifies the agent of the broker's decision.
func (a *Adapter) RespondApproval(ctx context.Context, toolCallID string, approved bool, reason string) error {
	decision := DecisionDecline
	if approved {
		decision = DecisionAccept
	}
	a.mu.Lock()
	cl := a.cl
	a.mu.Unlock()
	if cl == nil {
		return fmt.Errorf("jsonrpc: no active client")
	}
	cl.writeLine(mustMarshal(notification{
		Method: "approval/respond",
		Params: rawParams(map[string]any{"toolCallId": toolCallID, "decision": decision, "reason": reason}),
	}))
	return nil
}

func rawParams(v any) *json.RawMessage {
	b, _ := json.Marshal(v)
	raw := json.RawMessage(b)
	return &raw
}

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return append(b, '\n')
}

// Normalize interprets agent notifications already routed to the message
// pipeline by the notification handler; the bulk of normalization for this
// adapter happens in the notification handler installed in Spawn,
// which calls back into the Engine via the entries channel it owns. The
// Normalize method here remains for uniformity with shell/jsonl adapters
// that parse raw stdout bytes directly (this adapter's "raw" stream is
// diagnostic-only, since structured content flows over notifications).
func (a *Adapter) Normalize(raw []byte) (executor.NormalizeResult, error) {
	return executor.NormalizeResult{}, nil
}

// translateNotification maps an app-server notification method to a
// normalized entry type. Unrecognized methods are dropped rather than
// forwarded raw, since this adapter's raw stdout stream already carries
// a diagnostic copy for anything the UI truly needs verbatim.
func translateNotification(method string, params json.RawMessage) (executor.Entry, bool) {
	var entryType string
	switch method {
	case "agent/message":
		entryType = "assistant_message"
	case "agent/toolUse":
		entryType = "tool_use"
	case "agent/toolResult":
		entryType = "tool_result"
	case "agent/statusChange":
		entryType = "status_change"
	default:
		return executor.Entry{}, false
	}
	var evt agentEventParams
	_ = json.Unmarshal(params, &evt)
	return executor.Entry{Type: entryType, Metadata: params, ToolCallID: evt.ToolCallID}, true
}
