// Package workspace implements the Workspace & Git Service:
// materializing a working directory for a session and exposing git state.
// Follows the same setup/pull/push/branch-sequencing shape used elsewhere
// in this codebase for subprocess-driven git plumbing, with the container
// runtime replaced by direct git operations since this gateway's workspace
// is a plain checkout, not a container (see DESIGN.md).
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/agentgw/gateway/internal/classify"
	"github.com/agentgw/gateway/internal/session"
)

// PrepareOptions parametrizes Prepare.
type PrepareOptions struct {
	RepositoryURL string
	BaseBranch    string
	WorkingBranch string
	Token         string
	Reuse         bool
}

// Service implements the rich Workspace & Git Service contract. The
// workspace is always a real git checkout, never a stub.
type Service struct {
	// Persistent enables persistent-mode addressing: Prepare uses a
	// deterministic path under WorkspaceRoot, named after the repository
	// URL's base name, rather than a fresh unique directory. The external
	// workspace id only switches this mode on; it is not part of the path.
	Persistent    bool
	WorkspaceRoot string // persistent-mode base path
	EphemeralRoot string // ephemeral-mode base path
	GitTimeout    time.Duration

	branchMu sync.Mutex
	nextSeq  map[string]int // repo dir -> next branch sequence number
}

// New builds a Service. If persistentWorkspaceID is empty, the service runs
// in ephemeral mode.
func New(persistentWorkspaceID, workspaceRoot, ephemeralRoot string, gitTimeout time.Duration) *Service {
	return &Service{
		Persistent:    persistentWorkspaceID != "",
		WorkspaceRoot: workspaceRoot,
		EphemeralRoot: ephemeralRoot,
		GitTimeout:    gitTimeout,
		nextSeq:       make(map[string]int),
	}
}

// Prepare materializes a working directory for sessionID.
//
// Ephemeral vs persistent policy (MUST): in persistent mode, the path is
// WorkspaceRoot joined with the repository URL's base name (".git"
// stripped); the external workspace id does not enter it. An existing
// .git there is fetched and fast-forward pulled onto baseBranch rather than
// re-cloned. In ephemeral mode, a fresh unique directory is created under
// EphemeralRoot and cloned.
func (s *Service) Prepare(ctx context.Context, sessionID string, opts PrepareOptions) (*session.Workspace, error) {
	ctx, cancel := context.WithTimeout(ctx, s.GitTimeout)
	defer cancel()

	baseBranch := opts.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	var dir string
	isEphemeral := !s.Persistent

	if s.Persistent {
		dir = filepath.Join(s.WorkspaceRoot, repoSlug(opts.RepositoryURL))
		if gitIsRepo(ctx, dir) {
			if err := gitFetch(ctx, dir); err != nil {
				return nil, classify.FromError(err)
			}
			if err := gitPullFastForward(ctx, dir, baseBranch); err != nil {
				return nil, classify.FromError(err)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
				return nil, classify.FromError(err)
			}
			if err := gitClone(ctx, opts.RepositoryURL, dir, opts.Token); err != nil {
				return nil, classify.FromError(err)
			}
		}
	} else {
		dir = filepath.Join(s.EphemeralRoot, sessionID+"-"+uuid.NewString())
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, classify.FromError(err)
		}
		if err := gitClone(ctx, opts.RepositoryURL, dir, opts.Token); err != nil {
			return nil, classify.FromError(err)
		}
	}

	ws := &session.Workspace{
		SessionID:   sessionID,
		Path:        dir,
		IsEphemeral: isEphemeral,
		CreatedAt:   time.Now().UTC(),
	}

	if opts.WorkingBranch != "" {
		if err := s.EnsureBranch(ctx, ws, baseBranch, opts.WorkingBranch); err != nil {
			return nil, err
		}
	}

	info, err := s.gitInfo(ctx, dir)
	if err == nil {
		ws.GitInfo = info
	}
	return ws, nil
}

// EnsureBranch fetches and checks out workingBranch, creating it from
// baseBranch if absent.
func (s *Service) EnsureBranch(ctx context.Context, ws *session.Workspace, baseBranch, workingBranch string) error {
	if !gitIsRepo(ctx, ws.Path) {
		return classify.New(classify.CodeWorkspaceMissing, "not a git repository", true)
	}
	if err := gitFetch(ctx, ws.Path); err != nil {
		return classify.FromError(err)
	}
	if err := gitCheckoutBranch(ctx, ws.Path, workingBranch); err == nil {
		return nil
	}
	if err := gitCreateBranch(ctx, ws.Path, workingBranch, "origin/"+baseBranch); err != nil {
		return classify.FromError(err)
	}
	return nil
}

// NextSequentialBranch allocates a collision-free "<prefix>N" branch name
// for repoDir, recovering its starting sequence number by scanning existing
// refs the first time a given repo is seen (mirrors runner.go's
// Init/MaxBranchSeqNum).
func (s *Service) NextSequentialBranch(ctx context.Context, repoDir, prefix string) (string, error) {
	s.branchMu.Lock()
	defer s.branchMu.Unlock()

	next, ok := s.nextSeq[repoDir]
	if !ok {
		highest, err := maxBranchSeqNum(ctx, repoDir, prefix)
		if err != nil {
			return "", classify.FromError(err)
		}
		next = highest + 1
	}
	s.nextSeq[repoDir] = next + 1
	return fmt.Sprintf("%s%d", prefix, next), nil
}

// DiffStatusResult is diffStatus's success shape.
type DiffStatusResult struct {
	Untracked []string
	Modified  []string
	Staged    []string
}

// DiffStatus returns a porcelain-equivalent inspection of the working tree,
// read through go-git's worktree API rather than shelling to `git status`.
func (s *Service) DiffStatus(ctx context.Context, ws *session.Workspace) (*DiffStatusResult, error) {
	_ = ctx
	repo, err := git.PlainOpen(ws.Path)
	if err != nil {
		return nil, classify.New(classify.CodeWorkspaceMissing, "not a git repository", true)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, classify.FromError(err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, classify.FromError(err)
	}
	res := &DiffStatusResult{}
	for path, fs := range st {
		switch {
		case fs.Worktree == git.Untracked && fs.Staging == git.Untracked:
			res.Untracked = append(res.Untracked, path)
		case fs.Staging != git.Unmodified && fs.Staging != git.Untracked:
			res.Staged = append(res.Staged, path)
		case fs.Worktree != git.Unmodified:
			res.Modified = append(res.Modified, path)
		}
	}
	return res, nil
}

// ApplyPatch applies a unified diff via `git apply`, leaving the working
// tree unchanged on failure. root satisfies sandbox.PatchApplier.
func (s *Service) ApplyPatch(ctx context.Context, root string, patch []byte) error {
	tmp, err := os.CreateTemp("", "gateway-patch-*.diff")
	if err != nil {
		return classify.FromError(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(patch); err != nil {
		_ = tmp.Close()
		return classify.FromError(err)
	}
	if err := tmp.Close(); err != nil {
		return classify.FromError(err)
	}

	if _, stderr, err := runGit(ctx, root, "apply", "--check", tmp.Name()); err != nil {
		return classify.New(classify.CodeInternalCLIFailure, "patch does not apply: "+stderr, false)
	}
	if _, stderr, err := runGit(ctx, root, "apply", tmp.Name()); err != nil {
		return classify.New(classify.CodeInternalCLIFailure, "patch apply failed: "+stderr, false)
	}
	return nil
}

// CommitAll stages all tracked and untracked changes under the workspace
// root, commits, and returns the new SHA.
func (s *Service) CommitAll(ctx context.Context, ws *session.Workspace, message, authorName, authorEmail string) (string, error) {
	if !gitIsRepo(ctx, ws.Path) {
		return "", classify.New(classify.CodeWorkspaceMissing, "not a git repository", true)
	}
	sha, err := gitCommitAll(ctx, ws.Path, message, authorName, authorEmail)
	if err != nil {
		return "", classify.New(classify.CodeFSPermission, err.Error(), false)
	}
	return sha, nil
}

// Push is best-effort; it reports failure without retrying.
func (s *Service) Push(ctx context.Context, ws *session.Workspace, branch, token string) error {
	if err := gitPush(ctx, ws.Path, branch, token); err != nil {
		return classify.FromError(err)
	}
	return nil
}

// Cleanup is a no-op for persistent workspaces; recursive delete for
// ephemeral ones.
func (s *Service) Cleanup(_ context.Context, ws *session.Workspace) error {
	if !ws.IsEphemeral {
		return nil
	}
	return os.RemoveAll(ws.Path)
}

func (s *Service) gitInfo(ctx context.Context, dir string) (*session.WorkspaceGitInfo, error) {
	branch, err := gitCurrentBranch(ctx, dir)
	if err != nil {
		return nil, err
	}
	dirty, err := gitHasUncommittedChanges(ctx, dir)
	if err != nil {
		return nil, err
	}
	remote, _ := gitRemoteURL(ctx, dir)
	commit, _ := gitLastCommit(ctx, dir)
	return &session.WorkspaceGitInfo{
		CurrentBranch:         branch,
		HasUncommittedChanges: dirty,
		RemoteURL:             remote,
		LastCommit:            commit,
	}, nil
}

func repoSlug(url string) string {
	base := filepath.Base(url)
	for _, suf := range []string{".git"} {
		if len(base) > len(suf) && base[len(base)-len(suf):] == suf {
			base = base[:len(base)-len(suf)]
		}
	}
	if base == "" || base == "." || base == "/" {
		return "repo"
	}
	return base
}
