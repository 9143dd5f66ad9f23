package orchestrator

import (
	"reflect"
	"testing"
)

func TestExtractPatchesFindsDiffBlock(t *testing.T) {
	text := "Here is the fix:\n\n```diff\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n```\n\nDone."
	got := ExtractPatches(text)
	if len(got) != 1 {
		t.Fatalf("got %d patches, want 1: %v", len(got), got)
	}
	want := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n"
	if got[0] != want {
		t.Fatalf("patch = %q, want %q", got[0], want)
	}
}

func TestExtractPatchesAcceptsPatchFence(t *testing.T) {
	text := "```patch\nsome patch body\n```"
	got := ExtractPatches(text)
	if len(got) != 1 || got[0] != "some patch body\n" {
		t.Fatalf("got %v", got)
	}
}

func TestExtractPatchesIgnoresProseAndOtherFences(t *testing.T) {
	text := "I would suggest changing line 3 to use a for loop instead.\n\n```go\nfor i := 0; i < 10; i++ {}\n```\n"
	got := ExtractPatches(text)
	if len(got) != 0 {
		t.Fatalf("got %v, want no patches extracted from prose or unrelated fences", got)
	}
}

func TestExtractPatchesHandlesMultipleBlocks(t *testing.T) {
	text := "```diff\nfirst\n```\nsome text\n```patch\nsecond\n```"
	got := ExtractPatches(text)
	want := []string{"first\n", "second\n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExtractPatchesNoFenceReturnsEmpty(t *testing.T) {
	if got := ExtractPatches("just plain text, no code blocks at all"); len(got) != 0 {
		t.Fatalf("got %v, want empty", got)
	}
}
