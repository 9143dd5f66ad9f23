package orchestrator

import (
	"testing"

	"github.com/agentgw/gateway/internal/session"
)

func TestRehydrateStripsThoughtAndErrorBlocks(t *testing.T) {
	history := []session.Exchange{
		{Role: session.RoleUser, Content: []session.ContentBlock{{Kind: session.BlockText, Text: "hi"}}},
		{Role: session.RoleAssistant, Content: []session.ContentBlock{
			{Kind: session.BlockThought, Text: "thinking..."},
			{Kind: session.BlockText, Text: "hello back"},
		}},
		{Role: session.RoleAssistant, Content: []session.ContentBlock{{Kind: session.BlockError, ErrorMessage: "oops"}}},
	}
	got := rehydrate(history, 30)
	if len(got.exchanges) != 2 {
		t.Fatalf("got %d exchanges, want 2 (all-error exchange dropped): %+v", len(got.exchanges), got.exchanges)
	}
	if len(got.exchanges[1].Content) != 1 || got.exchanges[1].Content[0].Text != "hello back" {
		t.Fatalf("thought block not stripped: %+v", got.exchanges[1].Content)
	}
}

func TestRehydrateTailCaps(t *testing.T) {
	var history []session.Exchange
	for i := 0; i < 50; i++ {
		history = append(history, session.Exchange{
			Role:    session.RoleUser,
			Content: []session.ContentBlock{{Kind: session.BlockText, Text: "msg"}},
		})
	}
	got := rehydrate(history, 30)
	if len(got.exchanges) != 30 {
		t.Fatalf("got %d exchanges, want tail-capped to 30", len(got.exchanges))
	}
}

func TestRehydrateEmptyHistory(t *testing.T) {
	got := rehydrate(nil, 30)
	if len(got.exchanges) != 0 {
		t.Fatalf("got %+v, want empty", got.exchanges)
	}
	if got.asContent() != nil {
		t.Fatalf("asContent() = %+v, want nil", got.asContent())
	}
}
