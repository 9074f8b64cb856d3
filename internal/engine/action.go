package engine

import (
	"encoding/json"

	"forgeloop/internal/store"
)

// ActionKind discriminates the tagged-sum ExecutorAction.
type ActionKind string

const (
	ActionScript            ActionKind = "script"
	ActionCodingAgentInitial ActionKind = "coding_agent_initial"
	ActionCodingAgentFollowUp ActionKind = "coding_agent_follow_up"
	ActionReview            ActionKind = "review"
)

// ScriptAction runs a repo's setup/cleanup/archive script.
type ScriptAction struct {
	RepoID  string `json:"repo_id"`
	Command string `json:"command"`
}

// CodingAgentAction drives an executor turn, either starting a fresh agent
// session or resuming one.
type CodingAgentAction struct {
	Executor        string   `json:"executor"`
	Prompt          string   `json:"prompt"`
	Images          []string `json:"images,omitempty"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	ResumeMessageID string   `json:"resume_message_id,omitempty"`
	RepoIDs         []string `json:"repo_ids"`
	AutoCommit      bool     `json:"auto_commit"`
}

// Action is one link of the per-workspace execution chain: a tagged sum
// over {Script, CodingAgentInitial, CodingAgentFollowUp, Review} with an
// optional Next tail, precomputed in full at start_workspace time so
// try_start_next_action only has to walk the stored chain rather than
// re-derive it.
type Action struct {
	Kind        ActionKind         `json:"kind"`
	RunReason   store.RunReason    `json:"run_reason"`
	Script      *ScriptAction      `json:"script,omitempty"`
	CodingAgent *CodingAgentAction `json:"coding_agent,omitempty"`
	Next        *Action            `json:"next_action,omitempty"`
}

func encodeAction(a *Action) ([]byte, error) {
	if a == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(a)
}

func decodeAction(raw []byte) (*Action, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// buildChain builds the setup -> initial -> cleanup linked list for
// start_workspace.
func buildChain(repos []*store.Repo, initial *Action) *Action {
	var head, tail *Action
	link := func(a *Action) {
		if head == nil {
			head = a
			tail = a
			return
		}
		tail.Next = a
		tail = a
	}

	// Every repo flagged ParallelSetupScript is still run as one link per
	// repo in the chain: the data model persists one ExecutorAction per
	// ExecutionProcess row, so true concurrent setup would need a distinct
	// "fan out, join" process shape. Chosen simplification (see DESIGN.md):
	// setup scripts always run sequentially in repo order; the flag is
	// still recorded on the repo for a future concurrent scheduler to use.
	for _, r := range repos {
		if r.SetupScript == "" {
			continue
		}
		link(&Action{Kind: ActionScript, RunReason: store.RunSetupScript, Script: &ScriptAction{RepoID: r.ID, Command: r.SetupScript}})
	}

	link(initial)

	for _, r := range repos {
		if r.CleanupScript == "" {
			continue
		}
		link(&Action{Kind: ActionScript, RunReason: store.RunCleanupScript, Script: &ScriptAction{RepoID: r.ID, Command: r.CleanupScript}})
	}

	return head
}
