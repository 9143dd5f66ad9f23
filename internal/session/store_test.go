package session

import (
	"context"
	"testing"
	"time"

	"github.com/agentgw/gateway/internal/classify"
)

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:     id,
		WorkspaceRef:  "github.com/example/repo",
		Mode:          ModeConversation,
		State:         StateActive,
		CreatedAt:     now,
		LastActiveAt:  now,
		MessageHistory: []Exchange{
			{Role: RoleUser, Content: []ContentBlock{{Kind: BlockText, Text: "hello"}}},
		},
		Options: Options{PersistHistory: true},
	}
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess := newTestSession("sess-1")

	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.SessionID != sess.SessionID || loaded.WorkspaceRef != sess.WorkspaceRef {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded.MessageHistory) != 1 || loaded.MessageHistory[0].Content[0].Text != "hello" {
		t.Fatalf("history not preserved: %+v", loaded.MessageHistory)
	}
}

func TestStoreLoadMissingReturnsSessionNotFound(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Load(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected an error")
	}
	cerr, ok := err.(*classify.Error)
	if !ok {
		t.Fatalf("err type = %T, want *classify.Error", err)
	}
	if cerr.Code != classify.CodeSessionNotFound {
		t.Fatalf("code = %q, want session_not_found", cerr.Code)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(context.Background(), newTestSession(id)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids = %v, want 3 entries", ids)
	}

	if err := store.Delete(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
	ids, err = store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("ids after delete = %v", ids)
	}

	// Deleting again is not an error.
	if err := store.Delete(context.Background(), "b"); err != nil {
		t.Fatal(err)
	}
}

func TestStoreSaveDeepCopiesBeforeWriting(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sess := newTestSession("sess-mut")
	if err := store.Save(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	sess.MessageHistory[0].Content[0].Text = "mutated after save"

	loaded, err := store.Load(context.Background(), "sess-mut")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.MessageHistory[0].Content[0].Text != "hello" {
		t.Fatalf("mutation after Save leaked into persisted copy: %q", loaded.MessageHistory[0].Content[0].Text)
	}
}
