package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// runGit runs git in dir with the given args, returning captured
// stdout/stderr, using the same exec.CommandContext + bytes.Buffer
// subprocess-wrapper idiom used elsewhere in this package.
func runGit(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // args are built from internal state, never raw user input.
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return out.String(), errBuf.String(), err
}

func gitFetch(ctx context.Context, dir string) error {
	_, stderr, err := runGit(ctx, dir, "fetch", "origin")
	if err != nil {
		return fmt.Errorf("git fetch: %w: %s", err, stderr)
	}
	return nil
}

func gitClone(ctx context.Context, url, dir, token string) error {
	cloneURL := url
	if token != "" {
		cloneURL = withToken(url, token)
	}
	_, stderr, err := runGit(ctx, "", "clone", cloneURL, dir)
	if err != nil {
		return fmt.Errorf("git clone: %w: %s", err, sanitize(stderr, token))
	}
	return nil
}

func gitCheckoutBranch(ctx context.Context, dir, branch string) error {
	_, stderr, err := runGit(ctx, dir, "checkout", branch)
	if err != nil {
		return fmt.Errorf("git checkout %s: %w: %s", branch, err, stderr)
	}
	return nil
}

func gitCreateBranch(ctx context.Context, dir, branch, from string) error {
	_, stderr, err := runGit(ctx, dir, "checkout", "-b", branch, from)
	if err != nil {
		return fmt.Errorf("git checkout -b %s %s: %w: %s", branch, from, err, stderr)
	}
	return nil
}

func gitPullFastForward(ctx context.Context, dir, branch string) error {
	if err := gitCheckoutBranch(ctx, dir, branch); err != nil {
		return err
	}
	_, stderr, err := runGit(ctx, dir, "merge", "--ff-only", "origin/"+branch)
	if err != nil {
		return fmt.Errorf("git merge --ff-only origin/%s: %w: %s", branch, err, stderr)
	}
	return nil
}

func gitCommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error) {
	if _, stderr, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add -A: %w: %s", err, stderr)
	}
	args := []string{"-c", "user.name=" + authorName, "-c", "user.email=" + authorEmail, "commit", "-m", message}
	if _, stderr, err := runGit(ctx, dir, args...); err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, stderr)
	}
	out, stderr, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, stderr)
	}
	return strings.TrimSpace(out), nil
}

func gitPush(ctx context.Context, dir, branch, token string) error {
	remote := "origin"
	if token != "" {
		url, stderr, err := runGit(ctx, dir, "remote", "get-url", "origin")
		if err != nil {
			return fmt.Errorf("git remote get-url origin: %w: %s", err, stderr)
		}
		remote = withToken(strings.TrimSpace(url), token)
	}
	_, stderr, err := runGit(ctx, dir, "push", remote, branch)
	if err != nil {
		return fmt.Errorf("git push: %w: %s", err, sanitize(stderr, token))
	}
	return nil
}

func gitIsRepo(ctx context.Context, dir string) bool {
	_, _, err := runGit(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

func gitCurrentBranch(ctx context.Context, dir string) (string, error) {
	out, stderr, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse --abbrev-ref HEAD: %w: %s", err, stderr)
	}
	return strings.TrimSpace(out), nil
}

func gitHasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, stderr, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status --porcelain: %w: %s", err, stderr)
	}
	return strings.TrimSpace(out) != "", nil
}

func gitLastCommit(ctx context.Context, dir string) (string, error) {
	out, stderr, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w: %s", err, stderr)
	}
	return strings.TrimSpace(out), nil
}

func gitRemoteURL(ctx context.Context, dir string) (string, error) {
	out, _, err := runGit(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return "", nil //nolint:nilerr // remote-less repos are common in tests; not a hard failure.
	}
	return strings.TrimSpace(out), nil
}

// maxBranchSeqNum scans refs for the highest "<prefix>N" suffix so a
// restarted process doesn't collide with branches it created before.
func maxBranchSeqNum(ctx context.Context, dir, prefix string) (int, error) {
	out, stderr, err := runGit(ctx, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return 0, fmt.Errorf("git for-each-ref: %w: %s", err, stderr)
	}
	highest := 0
	for line := range strings.SplitSeq(strings.TrimSpace(out), "\n") {
		suffix, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	return highest, nil
}

// withToken injects an HTTPS basic-auth token into a GitHub-style URL.
func withToken(url, token string) string {
	if after, ok := strings.CutPrefix(url, "https://"); ok {
		return "https://x-access-token:" + token + "@" + after
	}
	return url
}

// sanitize strips a token from captured subprocess output before it reaches
// logs or error messages.
func sanitize(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
