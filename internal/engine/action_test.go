package engine

import (
	"testing"

	"forgeloop/internal/store"
)

func TestEncodeDecodeActionRoundTrips(t *testing.T) {
	a := &Action{
		Kind:      ActionCodingAgentInitial,
		RunReason: store.RunCodingAgent,
		CodingAgent: &CodingAgentAction{
			Executor: "codex",
			Prompt:   "fix the bug",
			RepoIDs:  []string{"repo-1", "repo-2"},
		},
		Next: &Action{
			Kind:      ActionScript,
			RunReason: store.RunCleanupScript,
			Script:    &ScriptAction{RepoID: "repo-1", Command: "make clean"},
		},
	}

	raw, err := encodeAction(a)
	if err != nil {
		t.Fatalf("encodeAction: %v", err)
	}

	got, err := decodeAction(raw)
	if err != nil {
		t.Fatalf("decodeAction: %v", err)
	}
	if got.Kind != a.Kind || got.CodingAgent.Prompt != a.CodingAgent.Prompt {
		t.Fatalf("got %+v, want %+v", got, a)
	}
	if got.Next == nil || got.Next.Script.Command != "make clean" {
		t.Fatalf("next link not preserved: %+v", got.Next)
	}
}

func TestDecodeActionHandlesNullAndEmpty(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("null")} {
		got, err := decodeAction(raw)
		if err != nil {
			t.Fatalf("decodeAction(%q): %v", raw, err)
		}
		if got != nil {
			t.Fatalf("decodeAction(%q) = %+v, want nil", raw, got)
		}
	}
}

func TestBuildChainOrdersSetupInitialCleanup(t *testing.T) {
	repos := []*store.Repo{
		{ID: "repo-1", SetupScript: "setup1", CleanupScript: "cleanup1"},
		{ID: "repo-2", SetupScript: "", CleanupScript: "cleanup2"},
		{ID: "repo-3", SetupScript: "setup3", CleanupScript: ""},
	}
	initial := &Action{Kind: ActionCodingAgentInitial, CodingAgent: &CodingAgentAction{Executor: "codex"}}

	head := buildChain(repos, initial)

	var kinds []ActionKind
	var repoIDs []string
	for a := head; a != nil; a = a.Next {
		kinds = append(kinds, a.Kind)
		if a.Script != nil {
			repoIDs = append(repoIDs, a.Script.RepoID)
		}
	}

	wantKinds := []ActionKind{ActionScript, ActionScript, ActionCodingAgentInitial, ActionScript, ActionScript}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("chain length = %d, want %d (%v)", len(kinds), len(wantKinds), kinds)
	}
	for i, k := range wantKinds {
		if kinds[i] != k {
			t.Fatalf("kinds[%d] = %q, want %q (full chain: %v)", i, kinds[i], k, kinds)
		}
	}
	// Setup links run in repo order before the initial action, skipping
	// repo-2 (no setup script); cleanup links run after, skipping repo-3.
	wantRepoIDs := []string{"repo-1", "repo-3", "repo-1", "repo-2"}
	if len(repoIDs) != len(wantRepoIDs) {
		t.Fatalf("script repo ids = %v, want %v", repoIDs, wantRepoIDs)
	}
	for i, id := range wantRepoIDs {
		if repoIDs[i] != id {
			t.Fatalf("repoIDs[%d] = %q, want %q", i, repoIDs[i], id)
		}
	}
}

func TestBuildChainWithNoScripts(t *testing.T) {
	repos := []*store.Repo{{ID: "repo-1"}}
	initial := &Action{Kind: ActionCodingAgentInitial}

	head := buildChain(repos, initial)
	if head != initial {
		t.Fatalf("expected chain to be just the initial action, got %+v", head)
	}
	if head.Next != nil {
		t.Fatalf("expected no trailing links, got %+v", head.Next)
	}
}
