package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgw/gateway/internal/llm"
	"github.com/agentgw/gateway/internal/session"
	"github.com/agentgw/gateway/internal/workspace"
)

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	origin := t.TempDir()
	runGitT(t, origin, "init", "--bare", "-b", "main")

	clone := t.TempDir()
	runGitT(t, filepath.Dir(clone), "clone", origin, clone)
	if err := os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitT(t, clone, "add", "README.md")
	runGitT(t, clone, "commit", "-m", "init")
	runGitT(t, clone, "push", "origin", "main")
	return origin
}

type fakeAdapter struct {
	name     string
	fullText string
}

func (f *fakeAdapter) Name() string                 { return f.name }
func (f *fakeAdapter) CanHandle(lctx llm.Context) bool { return true }
func (f *fakeAdapter) Run(ctx context.Context, prompt *session.Prompt, lctx llm.Context, cb llm.Callbacks, cancel *llm.CancelToken) (*llm.AdapterResult, error) {
	if cb.OnStart != nil {
		cb.OnStart()
	}
	if cb.OnDelta != nil {
		cb.OnDelta(f.fullText)
	}
	res := &llm.AdapterResult{FullText: f.fullText}
	if cb.OnComplete != nil {
		cb.OnComplete(*res)
	}
	return res, nil
}

func newTestOrchestrator(t *testing.T, repoURL string, adapterText string) (*Orchestrator, *session.Store, string) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws := workspace.New("", "", t.TempDir(), 30*time.Second)
	sel := llm.NewSelector(&fakeAdapter{name: "fake", fullText: adapterText})
	reg := session.NewRegistry()
	o := New(store, ws, sel, reg)

	sessionID := "sess-orch-1"
	sess := &session.Session{
		SessionID:    sessionID,
		WorkspaceRef: repoURL,
		Mode:         session.ModeConversation,
		State:        session.StateActive,
		CreatedAt:    time.Now().UTC(),
		LastActiveAt: time.Now().UTC(),
	}
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return o, store, sessionID
}

func TestRunPromptHappyPath(t *testing.T) {
	repo := initTestRepo(t)
	o, store, sessionID := newTestOrchestrator(t, repo, "here is my answer")

	var notifications []Notification
	result, err := o.RunPrompt(context.Background(), sessionID, session.Prompt{
		Content: []session.ContentBlock{{Kind: session.BlockText, Text: "do the thing"}},
	}, func(n Notification) { notifications = append(notifications, n) })
	if err != nil {
		t.Fatal(err)
	}
	if result.State != session.StateActive {
		t.Fatalf("state = %q, want active", result.State)
	}
	if len(result.MessageHistory) != 2 {
		t.Fatalf("history = %+v, want 2 exchanges", result.MessageHistory)
	}

	var gotTerminal bool
	for _, n := range notifications {
		if n.Kind == UpdateTerminal {
			gotTerminal = true
			if n.StopReason != "completed" {
				t.Fatalf("stopReason = %q, want completed", n.StopReason)
			}
		}
	}
	if !gotTerminal {
		t.Fatal("expected a terminal notification")
	}

	persisted, err := store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted.MessageHistory) != 2 {
		t.Fatalf("persisted history = %+v", persisted.MessageHistory)
	}
}

func TestRunPromptRejectsBusySession(t *testing.T) {
	repo := initTestRepo(t)
	o, _, sessionID := newTestOrchestrator(t, repo, "answer")

	op, ok := o.Registry.Register(sessionID, func() {})
	if !ok {
		t.Fatal("failed to register op")
	}
	defer o.Registry.Unregister(op)

	_, err := o.RunPrompt(context.Background(), sessionID, session.Prompt{
		Content: []session.ContentBlock{{Kind: session.BlockText, Text: "do the thing"}},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for a busy session")
	}
}

func TestRunPromptRejectsTerminalSession(t *testing.T) {
	repo := initTestRepo(t)
	o, store, sessionID := newTestOrchestrator(t, repo, "answer")

	sess, err := store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	sess.State = session.StateCompleted
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	_, err = o.RunPrompt(context.Background(), sessionID, session.Prompt{
		Content: []session.ContentBlock{{Kind: session.BlockText, Text: "do the thing"}},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for a terminal-state session")
	}
}

func TestRunPromptAppliesFencedPatchOnly(t *testing.T) {
	repo := initTestRepo(t)
	patchText := "Applying this change:\n\n```diff\n--- a/README.md\n+++ b/README.md\n@@ -1 +1,2 @@\n hello\n+world\n```\n"
	o, store, sessionID := newTestOrchestrator(t, repo, patchText)

	sess, err := store.Load(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	sess.Options.EnableGitOps = false // verify patch applies to the working tree regardless of git automation
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}

	_, err = o.RunPrompt(context.Background(), sessionID, session.Prompt{
		Content: []session.ContentBlock{{Kind: session.BlockText, Text: "apply it"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	readmes, err := filepath.Glob(filepath.Join(o.Workspace.EphemeralRoot, sessionID+"-*", "README.md"))
	if err != nil || len(readmes) != 1 {
		t.Fatalf("workspace README.md matches = %v, err = %v, want exactly one", readmes, err)
	}
	content, err := os.ReadFile(readmes[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello\nworld\n" {
		t.Fatalf("README.md = %q, want the fenced patch applied", content)
	}
}
