// Package orchestrator implements the Prompt Orchestrator: the
// ten-step pipeline that turns one session/prompt call into a running
// adapter, a stream of progress notifications, and a persisted session
// update. Builds on the same idiom this repo uses elsewhere for serializing
// git setup/push and streaming message values to callers, generalized from
// "one task, one container, one agent CLI" into "one session, one
// workspace, any adapter in the llm cascade."
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentgw/gateway/internal/classify"
	"github.com/agentgw/gateway/internal/llm"
	"github.com/agentgw/gateway/internal/sandbox"
	"github.com/agentgw/gateway/internal/session"
	"github.com/agentgw/gateway/internal/telemetry"
	"github.com/agentgw/gateway/internal/workspace"
)

// HistoryTailSize is the default cap on replayed exchanges.
const HistoryTailSize = 30

// Defaults mirrored from sandbox.DefaultLimits() so a zero-valued
// Orchestrator (one built without going through cmd/gateway's config
// wiring, e.g. in tests) still enforces the same caps.
const (
	DefaultMaxPatchBytes       = 200 * 1024
	DefaultMaxContextFileBytes = 10 * 1024 * 1024
)

// UpdateKind tags a Notification's payload.
type UpdateKind string

const (
	UpdateDelta      UpdateKind = "delta"
	UpdateToolCall   UpdateKind = "toolCall"
	UpdateToolResult UpdateKind = "toolResult"
	UpdateTerminal   UpdateKind = "terminal"
)

// Notification is one session/update (or terminal) event emitted during a
// prompt run, for the ACP layer to forward as a JSON-RPC notification.
type Notification struct {
	SessionID   string
	OperationID string
	Kind        UpdateKind
	Text        string
	ToolCall    *llm.ToolCall
	ToolResult  *llm.ToolResult
	StopReason  string // set only on UpdateTerminal: "completed", "cancelled", "error"
	Err         error
}

// GitAutomation groups the optional post-processing steps gated by
// session.Options.EnableGitOps.
type GitAutomation struct {
	AuthorName  string
	AuthorEmail string
	BranchOf    func(sessionID string) string // deterministic working-branch naming
	Token       string
}

// Orchestrator wires the Session Store, Workspace & Git Service, and LLM
// Runtime Selector into the end-to-end prompt pipeline.
type Orchestrator struct {
	Store     *session.Store
	Workspace *workspace.Service
	Selector  *llm.Selector
	Registry  *session.Registry
	Preamble  func(session.AgentRole) string
	GitOps    GitAutomation
	TailSize  int

	// MaxPatchBytes caps patches extracted in step 7; patches above the cap
	// are rejected rather than applied. Zero means DefaultMaxPatchBytes.
	MaxPatchBytes int64
	// MaxContextFileBytes caps each contextFiles read in step 4. Zero means
	// DefaultMaxContextFileBytes.
	MaxContextFileBytes int64

	// Telemetry reports session-lifecycle events. Nil is a valid no-op.
	Telemetry *telemetry.Client
}

// New builds an Orchestrator with HistoryTailSize as the default tail cap.
func New(store *session.Store, ws *workspace.Service, sel *llm.Selector, reg *session.Registry) *Orchestrator {
	return &Orchestrator{
		Store:     store,
		Workspace: ws,
		Selector:  sel,
		Registry:  reg,
		TailSize:  HistoryTailSize,
	}
}

// RunPrompt executes the full session/prompt pipeline.
func (o *Orchestrator) RunPrompt(ctx context.Context, sessionID string, prompt session.Prompt, notify func(Notification)) (*session.Session, error) {
	if notify == nil {
		notify = func(Notification) {}
	}

	// Step 1: load session.
	sess, err := o.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.AcceptsPrompt() {
		return nil, classify.New(classify.CodeInvalidRequest, "session "+sessionID+" is in a terminal state", false)
	}
	started := time.Now()

	// Step 2 (single-writer-per-session): reject if busy. Nothing is
	// registered here; registration happens in step 5, where Register's own
	// busy check rejects a second prompt that got past this one.
	if o.Registry.Busy(sessionID) {
		return nil, classify.New(classify.CodeInvalidRequest, "session "+sessionID+" already has an operation in flight", false)
	}

	// Step 2: prepare workspace.
	ws, err := o.Workspace.Prepare(ctx, sessionID, workspace.PrepareOptions{
		RepositoryURL: sess.WorkspaceRef,
		Reuse:         true,
	})
	if err != nil {
		return nil, classify.FromError(err)
	}

	// Step 3: rehydrate history — sanitize (strip tool_use/tool_result
	// blocks, which are ephemeral progress, not conversational content) and
	// tail-cap.
	history := rehydrate(sess.MessageHistory, o.tailSize())

	// A sandbox confined to the workspace root enforces the same
	// read/patch byte caps and patch validation used for fs/* calls; reused
	// below for contextFiles reads (step 4) and patch application (step 7).
	sb, err := o.sandboxFor(ws.Path)
	if err != nil {
		return nil, classify.FromError(err)
	}

	// Step 4: fold in contextFiles (read via the sandbox; a file larger than
	// MaxContextFileBytes is skipped whole, not truncated) then compose the
	// prompt with the role-specific system preamble.
	prompt.Content = append(prompt.Content, readContextFiles(sb, prompt.ContextFiles)...)
	preamble := ""
	if o.Preamble != nil {
		preamble = o.Preamble(prompt.AgentContext.AgentRole)
	}
	prompt.Derive(preamble)

	// Step 5: register in-flight op before the first adapter runs.
	cancelToken := llm.NewCancelToken()
	op, ok := o.Registry.Register(sessionID, cancelToken.Cancel)
	if !ok {
		return nil, classify.New(classify.CodeInvalidRequest, "session "+sessionID+" already has an operation in flight", false)
	}
	defer o.Registry.Unregister(op)

	lctx := llm.Context{
		WorkspacePath: ws.Path,
		AgentRole:     prompt.AgentContext.AgentRole,
	}

	var fullText string
	cb := llm.Callbacks{
		OnDelta: func(text string) {
			fullText += text
			notify(Notification{SessionID: sessionID, OperationID: op.OperationID, Kind: UpdateDelta, Text: text})
		},
		OnToolCall: func(tc llm.ToolCall) {
			notify(Notification{SessionID: sessionID, OperationID: op.OperationID, Kind: UpdateToolCall, ToolCall: &tc})
		},
		OnToolResult: func(tr llm.ToolResult) {
			notify(Notification{SessionID: sessionID, OperationID: op.OperationID, Kind: UpdateToolResult, ToolResult: &tr})
		},
	}

	// Step 6: run the adapter cascade.
	result, runErr := o.Selector.Run(ctx, &session.Prompt{Text: prompt.Text, Content: history.asContent()}, lctx, cb, cancelToken)

	stopReason := "completed"
	switch {
	case runErr != nil && cancelToken.Cancelled():
		stopReason = "cancelled"
	case runErr != nil:
		stopReason = "error"
	}

	if runErr != nil && stopReason != "cancelled" {
		sess.State = session.StateError
		sess.Touch(time.Now().UTC())
		if saveErr := o.Store.Save(ctx, sess); saveErr != nil {
			slog.Warn("failed to persist session after adapter error", "session", sessionID, "err", saveErr)
		}
		classified := classify.FromError(runErr)
		o.Telemetry.PromptError(string(classified.Code))
		o.Telemetry.SessionCompleted(stopReason, time.Since(started).Milliseconds())
		notify(Notification{SessionID: sessionID, OperationID: op.OperationID, Kind: UpdateTerminal, StopReason: stopReason, Err: runErr})
		return sess, classified
	}

	outputText := fullText
	if result != nil {
		outputText = result.FullText
	}

	// Step 7: post-process output — fenced diff/patch extraction only, no
	// heuristic fallback. sb.ApplyPatch rejects patches above MaxPatchBytes
	// and anything that doesn't parse as a unified diff before it ever
	// reaches the git service.
	patches := ExtractPatches(outputText)
	var appliedPatches int
	for _, p := range patches {
		if err := sb.ApplyPatch(ctx, []byte(p)); err != nil {
			slog.Warn("failed to apply extracted patch", "session", sessionID, "err", err)
			continue
		}
		appliedPatches++
	}

	// Step 8: optional git automation.
	if sess.Options.EnableGitOps && appliedPatches > 0 {
		if err := o.runGitAutomation(ctx, sessionID, sess, ws, outputText); err != nil {
			slog.Warn("git automation failed", "session", sessionID, "err", err)
		}
	}

	// Step 9: update and persist session.
	sess.MessageHistory = append(sess.MessageHistory, session.Exchange{
		Role:    session.RoleUser,
		Content: prompt.Content,
	}, session.Exchange{
		Role:    session.RoleAssistant,
		Content: []session.ContentBlock{{Kind: session.BlockText, Text: outputText}},
	})
	if stopReason == "cancelled" {
		sess.State = session.StatePaused
	} else {
		sess.State = session.StateActive
	}
	sess.Touch(time.Now().UTC())
	if err := o.Store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("orchestrator: persist session %s: %w", sessionID, err)
	}

	// Step 10: terminal notification + response.
	o.Telemetry.SessionCompleted(stopReason, time.Since(started).Milliseconds())
	notify(Notification{SessionID: sessionID, OperationID: op.OperationID, Kind: UpdateTerminal, StopReason: stopReason})
	return sess, nil
}

func (o *Orchestrator) tailSize() int {
	if o.TailSize <= 0 {
		return HistoryTailSize
	}
	return o.TailSize
}

func (o *Orchestrator) maxPatchBytes() int64 {
	if o.MaxPatchBytes <= 0 {
		return DefaultMaxPatchBytes
	}
	return o.MaxPatchBytes
}

func (o *Orchestrator) maxContextFileBytes() int64 {
	if o.MaxContextFileBytes <= 0 {
		return DefaultMaxContextFileBytes
	}
	return o.MaxContextFileBytes
}

// sandboxFor builds a Sandbox confined to root, backed by o.Workspace as the
// patch applier, with limits derived from the Orchestrator's configured
// caps. Used for both the contextFiles read step and patch application so
// both paths enforce the same caps and confinement fs/* handlers do.
func (o *Orchestrator) sandboxFor(root string) (*sandbox.Sandbox, error) {
	limits := sandbox.DefaultLimits()
	limits.MaxReadBytes = o.maxContextFileBytes()
	limits.MaxPatchBytes = o.maxPatchBytes()
	return sandbox.New(root, limits, o.Workspace)
}

// readContextFiles reads each path through sb. Unreadable files, including
// files over the sandbox's read cap, are skipped with a warning rather than
// failing the whole prompt.
func readContextFiles(sb *sandbox.Sandbox, paths []string) []session.ContentBlock {
	var blocks []session.ContentBlock
	for _, p := range paths {
		res, err := sb.ReadFile(p)
		if err != nil {
			slog.Warn("skipping unreadable context file", "path", p, "err", err)
			continue
		}
		blocks = append(blocks, session.ContentBlock{Kind: session.BlockFile, Path: p, Text: res.Content})
	}
	return blocks
}

func (o *Orchestrator) runGitAutomation(ctx context.Context, sessionID string, sess *session.Session, ws *session.Workspace, summary string) error {
	branch := sessionID
	if o.GitOps.BranchOf != nil {
		branch = o.GitOps.BranchOf(sessionID)
	}
	if ws.GitInfo == nil || ws.GitInfo.CurrentBranch != branch {
		if err := o.Workspace.EnsureBranch(ctx, ws, "main", branch); err != nil {
			return err
		}
	}
	msg := summary
	if len(msg) > 72 {
		msg = msg[:72]
	}
	if msg == "" {
		msg = "agent commit"
	}
	if _, err := o.Workspace.CommitAll(ctx, ws, msg, o.GitOps.AuthorName, o.GitOps.AuthorEmail); err != nil {
		return err
	}
	return o.Workspace.Push(ctx, ws, branch, o.GitOps.Token)
}
