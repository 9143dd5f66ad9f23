package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// runGitT runs git in dir for test setup, failing the test on error.
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

// initTestRepo creates a bare "origin" and a clone checked out to
// defaultBranch.
func initTestRepo(t *testing.T, defaultBranch string) string {
	t.Helper()
	origin := t.TempDir()
	runGitT(t, origin, "init", "--bare", "-b", defaultBranch)

	clone := t.TempDir()
	runGitT(t, filepath.Dir(clone), "clone", origin, clone)
	if err := os.WriteFile(filepath.Join(clone, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGitT(t, clone, "add", "README.md")
	runGitT(t, clone, "commit", "-m", "init")
	runGitT(t, clone, "push", "origin", defaultBranch)
	return clone
}

func TestServicePrepareAndEnsureBranch(t *testing.T) {
	origin := initTestRepo(t, "main")
	svc := New("", "", t.TempDir(), 0)
	if svc.GitTimeout == 0 {
		svc.GitTimeout = 30_000_000_000
	}

	ws, err := svc.Prepare(t.Context(), "sess-1", PrepareOptions{
		RepositoryURL: origin,
		BaseBranch:    "main",
		WorkingBranch: "gateway/w1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ws.GitInfo == nil || ws.GitInfo.CurrentBranch != "gateway/w1" {
		t.Fatalf("gitInfo = %+v", ws.GitInfo)
	}
	if !ws.IsEphemeral {
		t.Error("expected ephemeral workspace when no persistent id set")
	}
}

func TestCheckSafetyLargeBinary(t *testing.T) {
	clone := initTestRepo(t, "main")
	runGitT(t, clone, "checkout", "-b", "gateway-w0")

	data := make([]byte, 600*1024)
	if err := os.WriteFile(filepath.Join(clone, "big.bin"), data, 0o600); err != nil {
		t.Fatal(err)
	}
	runGitT(t, clone, "add", "big.bin")
	runGitT(t, clone, "commit", "-m", "add binary")
	runGitT(t, clone, "push", "origin", "main")

	svc := &Service{GitTimeout: 30_000_000_000}
	issues, err := svc.CheckSafety(t.Context(), clone, "gateway-w0", "main")
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, i := range issues {
		if i.Kind == "large_binary" && i.File == "big.bin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a large_binary issue, got %+v", issues)
	}
}

func TestCheckSafetyNoIssuesForCleanDiff(t *testing.T) {
	clone := initTestRepo(t, "main")
	runGitT(t, clone, "checkout", "-b", "gateway-w0")
	if err := os.WriteFile(filepath.Join(clone, "clean.go"), []byte("package clean\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	runGitT(t, clone, "add", "clean.go")
	runGitT(t, clone, "commit", "-m", "add clean")
	runGitT(t, clone, "push", "origin", "main")

	svc := &Service{GitTimeout: 30_000_000_000}
	issues, err := svc.CheckSafety(t.Context(), clone, "gateway-w0", "main")
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Errorf("got %d issues, want 0: %+v", len(issues), issues)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1 KB"},
		{500 * 1024, "500 KB"},
		{1024 * 1024, "1.0 MB"},
		{1536 * 1024, "1.5 MB"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.in); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestApplyPatch(t *testing.T) {
	clone := initTestRepo(t, "main")
	svc := &Service{GitTimeout: 30_000_000_000}

	patch := []byte(`diff --git a/README.md b/README.md
index e69de29..7d8a4f8 100644
--- a/README.md
+++ b/README.md
@@ -1 +1,2 @@
 hello
+world
`)
	if err := svc.ApplyPatch(t.Context(), clone, patch); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(clone, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "hello\nworld\n" {
		t.Fatalf("content = %q", content)
	}
}

func TestApplyPatchLeavesTreeUnchangedOnFailure(t *testing.T) {
	clone := initTestRepo(t, "main")
	svc := &Service{GitTimeout: 30_000_000_000}

	before, err := os.ReadFile(filepath.Join(clone, "README.md"))
	if err != nil {
		t.Fatal(err)
	}

	badPatch := []byte(`diff --git a/does-not-exist.md b/does-not-exist.md
index 0000000..1111111 100644
--- a/does-not-exist.md
+++ b/does-not-exist.md
@@ -1 +1 @@
-nope
+nope2
`)
	if err := svc.ApplyPatch(t.Context(), clone, badPatch); err == nil {
		t.Fatal("expected patch application to fail")
	}

	after, err := os.ReadFile(filepath.Join(clone, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Fatal("working tree was modified despite patch failure")
	}
}
