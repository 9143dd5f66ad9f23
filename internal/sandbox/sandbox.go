// Package sandbox implements the Tool Execution Sandbox: a
// small, capability-gated toolkit operating inside a single workspace root,
// using the same subprocess-wrapper idiom as the rest of this repo's
// exec.CommandContext + bytes.Buffer capture and byte-cap conventions.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentgw/gateway/internal/classify"
)

// Limits bounds sandbox operations; all fields have spec-mandated defaults.
type Limits struct {
	MaxReadBytes   int64         // default 10 MiB
	MaxOutputBytes int64         // default 1 MiB
	MaxPatchBytes  int64         // default 200 KiB
	ShellTimeout   time.Duration // default 30s
	AllowedCmds    map[string]bool
}

// DefaultLimits returns spec-mandated defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxReadBytes:   10 * 1024 * 1024,
		MaxOutputBytes: 1024 * 1024,
		MaxPatchBytes:  200 * 1024,
		ShellTimeout:   30 * time.Second,
		AllowedCmds: map[string]bool{
			"ls": true, "cat": true, "grep": true, "find": true, "echo": true,
			"go": true, "npm": true, "node": true, "python3": true, "pytest": true,
			"git": true, "make": true, "sed": true, "awk": true, "wc": true,
			"head": true, "tail": true, "sort": true, "diff": true,
		},
	}
}

// PatchApplier applies a unified diff to a workspace's working tree; it is
// satisfied by internal/workspace.Service, kept as an interface here so the
// sandbox has no import-cycle on the git service.
type PatchApplier interface {
	ApplyPatch(ctx context.Context, root string, patch []byte) error
}

// Sandbox confines filesystem and shell operations to a single root
// directory.
type Sandbox struct {
	root    string
	limits  Limits
	patcher PatchApplier
}

// New returns a Sandbox rooted at root. root must already exist.
func New(root string, limits Limits, patcher PatchApplier) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %q: %w", root, err)
	}
	return &Sandbox{root: resolved, limits: limits, patcher: patcher}, nil
}

// Root returns the confined root directory.
func (s *Sandbox) Root() string { return s.root }

// resolve implements the path-confinement algorithm:
// resolve against the root, normalize, expand symlinks, then reject unless
// the root remains a prefix. Performed before any filesystem access.
func (s *Sandbox) resolve(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	joined := filepath.Join(s.root, path)
	clean := filepath.Clean(joined)

	// Resolve symlinks on whatever prefix already exists so an escape via a
	// symlinked intermediate directory is caught even when the final
	// component doesn't exist yet (write/create paths).
	resolved, err := resolveExistingPrefix(clean)
	if err != nil {
		return "", err
	}

	if !withinRoot(resolved, s.root) {
		return "", fmt.Errorf("path %q escapes workspace root", path)
	}
	return resolved, nil
}

func withinRoot(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// resolveExistingPrefix walks up from p until it finds a path that exists,
// resolves symlinks on that existing prefix, then re-appends the
// non-existent suffix unresolved.
func resolveExistingPrefix(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(resolved, suffix), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Nothing exists; the whole path is new under an unresolved root.
			return p, nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// ReadFileResult is readFile's success shape.
type ReadFileResult struct {
	Content string
	Size    int64
}

// ReadFile reads a file confined to the sandbox root, rejecting files over
// MaxReadBytes.
func (s *Sandbox) ReadFile(path string) (*ReadFileResult, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, classify.FromError(err)
	}
	if info.Size() > s.limits.MaxReadBytes {
		return nil, classify.New(classify.CodeFSPermission, fmt.Sprintf("file %q exceeds read cap of %d bytes", path, s.limits.MaxReadBytes), false)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, classify.FromError(err)
	}
	return &ReadFileResult{Content: string(data), Size: int64(len(data))}, nil
}

// WriteFileResult is writeFile's success shape.
type WriteFileResult struct {
	Size int64
}

// WriteFile creates parent directories and writes the entire new content —
// no patch semantics.
func (s *Sandbox) WriteFile(path, content string) (*WriteFileResult, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, classify.FromError(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, classify.FromError(err)
	}
	return &WriteFileResult{Size: int64(len(content))}, nil
}

// Entry is one listDirectory result entry.
type Entry struct {
	Path  string // relative to the listed directory
	IsDir bool
}

// ListDirectory lists path's entries. Non-recursive returns immediate
// entries (directories suffixed "/"); recursive walks depth-first emitting
// relative paths. Symlinks are never followed across the workspace
// boundary.
func (s *Sandbox) ListDirectory(path string, recursive bool) ([]Entry, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	if !recursive {
		des, err := os.ReadDir(full)
		if err != nil {
			return nil, classify.FromError(err)
		}
		entries := make([]Entry, 0, len(des))
		for _, de := range des {
			name := de.Name()
			if de.IsDir() {
				name += "/"
			}
			entries = append(entries, Entry{Path: name, IsDir: de.IsDir()})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		return entries, nil
	}

	var entries []Entry
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == full {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			// Don't descend into or report symlinks; they could point outside
			// the workspace root.
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(full, p)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Path: rel, IsDir: d.IsDir()})
		return nil
	})
	if err != nil {
		return nil, classify.FromError(err)
	}
	return entries, nil
}

// ShellResult is executeShell's success shape.
type ShellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type capWriter struct {
	buf   bytes.Buffer
	limit int64
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := w.limit - int64(w.buf.Len())
	if remaining <= 0 {
		return len(p), nil // swallow past the cap, report success to the child
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	return w.buf.Write(p)
}

// ExecuteShell runs command inside the workspace root. Only commands whose
// first whitespace-delimited token is allow-listed execute. Output is
// capped and the call is force-killed after the shell timeout.
func (s *Sandbox) ExecuteShell(ctx context.Context, command string) (*ShellResult, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, classify.New(classify.CodeInvalidParams, "empty command", false)
	}
	if !s.limits.AllowedCmds[fields[0]] {
		return nil, classify.New(classify.CodeFSPermission, fmt.Sprintf("command %q is not allow-listed", fields[0]), false)
	}

	ctx, cancel := context.WithTimeout(ctx, s.limits.ShellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.root
	var stdout, stderr capWriter
	stdout.limit = s.limits.MaxOutputBytes
	stderr.limit = s.limits.MaxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := &ShellResult{Stdout: stdout.buf.String(), Stderr: stderr.buf.String()}
	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, classify.New(classify.CodeTimeout, "shell command timed out", false)
	}
	return res, classify.FromError(runErr)
}

// DeletePath removes path, recursively if requested.
func (s *Sandbox) DeletePath(path string, recursive bool) error {
	full, err := s.resolve(path)
	if err != nil {
		return classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	if recursive {
		err = os.RemoveAll(full)
	} else {
		err = os.Remove(full)
	}
	if err != nil {
		return classify.FromError(err)
	}
	return nil
}

// MovePath renames from to to, both confined to the workspace root.
func (s *Sandbox) MovePath(from, to string) error {
	fullFrom, err := s.resolve(from)
	if err != nil {
		return classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	fullTo, err := s.resolve(to)
	if err != nil {
		return classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	if err := os.MkdirAll(filepath.Dir(fullTo), 0o755); err != nil {
		return classify.FromError(err)
	}
	if err := os.Rename(fullFrom, fullTo); err != nil {
		return classify.FromError(err)
	}
	return nil
}

// ApplyPatch applies a unified-diff patch via the injected PatchApplier
// (the Git service), rejecting patches above MaxPatchBytes or that don't
// parse as a well-formed patch. The full patch, file headers included, is
// what reaches the PatchApplier — git apply needs the `--- a/`/`+++ b/`
// lines to know which file a hunk targets. go-diff's own patch grammar
// doesn't tolerate those file-header lines, so they're stripped from the
// copy handed to PatchFromText; only the hunk structure is validated.
func (s *Sandbox) ApplyPatch(ctx context.Context, patch []byte) error {
	if int64(len(patch)) > s.limits.MaxPatchBytes {
		return classify.New(classify.CodeInvalidParams, fmt.Sprintf("patch of %d bytes exceeds cap of %d", len(patch), s.limits.MaxPatchBytes), false)
	}
	dmp := diffmatchpatch.New()
	parsed, err := dmp.PatchFromText(hunkLines(patch))
	if err != nil {
		return classify.New(classify.CodeInvalidParams, "patch does not parse as a unified diff: "+err.Error(), false)
	}
	if len(parsed) == 0 {
		return classify.New(classify.CodeInvalidParams, "patch contains no hunks", false)
	}
	if s.patcher == nil {
		return classify.New(classify.CodeInternalError, "no patch applier configured", false)
	}
	if err := s.patcher.ApplyPatch(ctx, s.root, patch); err != nil {
		return classify.FromError(err)
	}
	return nil
}

// hunkLines strips the `diff --git`, `index`, `--- a/...` and `+++ b/...`
// file-header lines a unified diff carries, leaving only `@@ ... @@` hunk
// headers and their +/-/context body lines — the grammar go-diff's
// PatchFromText actually parses.
func hunkLines(patch []byte) string {
	lines := strings.Split(string(patch), "\n")
	kept := lines[:0:0]
	for _, l := range lines {
		switch {
		case strings.HasPrefix(l, "@@ "):
			kept = append(kept, l)
		case strings.HasPrefix(l, "--- "), l == "---":
		case strings.HasPrefix(l, "+++ "), l == "+++":
		case strings.HasPrefix(l, " "), strings.HasPrefix(l, "+"), strings.HasPrefix(l, "-"):
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// CopyReader reads up to limit bytes from r, matching the sandbox's output
// capping idiom for callers that stream rather than buffer.
func CopyReader(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit)
	return io.ReadAll(lr)
}
