// Package acp implements the ACP Handlers: thin bindings from
// JSON-RPC method names onto the Session Store, Workspace & Git Service,
// and Prompt Orchestrator. Follows the same route-wiring shape used
// elsewhere in this codebase, generalized from a fixed REST surface over
// one Runner into the Agent Client Protocol's method table over many
// independent sessions.
package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/agentgw/gateway/internal/classify"
	"github.com/agentgw/gateway/internal/orchestrator"
	"github.com/agentgw/gateway/internal/rpc"
	"github.com/agentgw/gateway/internal/sandbox"
	"github.com/agentgw/gateway/internal/session"
	"github.com/agentgw/gateway/internal/telemetry"
	"github.com/agentgw/gateway/internal/workspace"
)

// protocolVersionConstraint is the range of ACP protocol versions this
// gateway accepts in initialize. Expressed as a semver
// constraint rather than a literal string comparison so compatible patch
// releases of the protocol don't need a gateway redeploy.
const protocolVersionConstraint = ">=0.3.0, <0.4.0"

// Handlers binds every ACP JSON-RPC method to its implementation.
type Handlers struct {
	Store        *session.Store
	Workspace    *workspace.Service
	Orchestrator *orchestrator.Orchestrator
	Registry     *session.Registry
	Sandboxes    func(sessionID string) (*sandbox.Sandbox, error)
	Telemetry    *telemetry.Client
}

// Register wires every handler into d.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.Handle("initialize", h.initialize)
	d.Handle("session/new", h.sessionNew)
	d.Handle("session/load", h.sessionLoad)
	d.Handle("session/prompt", h.sessionPrompt)
	d.Handle("session/setMode", h.sessionSetMode)
	d.Handle("cancel", h.cancel)
	d.Handle("fs/readTextFile", h.fsReadTextFile)
	d.Handle("fs/writeTextFile", h.fsWriteTextFile)
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string   `json:"protocolVersion"`
	Capabilities    []string `json:"capabilities"`
}

func (h *Handlers) initialize(_ context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid initialize params: "+err.Error(), false)
	}
	constraint, err := semver.NewConstraint(protocolVersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("acp: invalid protocol constraint: %w", err)
	}
	v, err := semver.NewVersion(p.ProtocolVersion)
	if err != nil || !constraint.Check(v) {
		return nil, classify.New(classify.CodeInvalidParams, "unsupported protocolVersion: "+p.ProtocolVersion, false)
	}
	return initializeResult{
		ProtocolVersion: p.ProtocolVersion,
		Capabilities:    []string{"session/new", "session/load", "session/prompt", "session/setMode", "cancel", "fs/readTextFile", "fs/writeTextFile"},
	}, nil
}

type sessionNewParams struct {
	WorkspaceRef string          `json:"workspaceRef"`
	Mode         session.Mode    `json:"mode"`
	Options      session.Options `json:"options"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) sessionNew(ctx context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p sessionNewParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid session/new params: "+err.Error(), false)
	}
	if p.WorkspaceRef == "" {
		return nil, classify.New(classify.CodeInvalidParams, "workspaceRef is required", false)
	}
	if p.Mode == "" {
		p.Mode = session.ModeConversation
	}

	now := time.Now().UTC()
	sess := &session.Session{
		SessionID:    session.NewSessionID(),
		WorkspaceRef: p.WorkspaceRef,
		Mode:         p.Mode,
		State:        session.StateActive,
		CreatedAt:    now,
		LastActiveAt: now,
		Options:      p.Options,
	}
	if err := h.Store.Save(ctx, sess); err != nil {
		return nil, err
	}
	h.Telemetry.SessionCreated(string(sess.Mode))
	return sessionNewResult{SessionID: sess.SessionID}, nil
}

type sessionLoadParams struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) sessionLoad(ctx context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p sessionLoadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid session/load params: "+err.Error(), false)
	}
	sess, err := h.Store.Load(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

type sessionPromptParams struct {
	SessionID    string                 `json:"sessionId"`
	Content      []session.ContentBlock `json:"content"`
	ContextFiles []string               `json:"contextFiles,omitempty"`
	AgentContext session.AgentContext   `json:"agentContext,omitempty"`
}

type sessionPromptResult struct {
	SessionID  string `json:"sessionId"`
	StopReason string `json:"stopReason"`
	Text       string `json:"text"`
}

func (h *Handlers) sessionPrompt(ctx context.Context, sender rpc.Sender, params json.RawMessage) (any, error) {
	var p sessionPromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid session/prompt params: "+err.Error(), false)
	}
	if p.SessionID == "" {
		return nil, classify.New(classify.CodeInvalidParams, "sessionId is required", false)
	}

	prompt := session.Prompt{Content: p.Content, ContextFiles: p.ContextFiles, AgentContext: p.AgentContext}

	var stopReason, lastText string
	sess, err := h.Orchestrator.RunPrompt(ctx, p.SessionID, prompt, func(n orchestrator.Notification) {
		_ = sender.Send(rpc.NewNotification("session/update", notificationParams(n)))
		if n.Kind == orchestrator.UpdateTerminal {
			stopReason = n.StopReason
		}
	})
	if err != nil {
		return nil, err
	}
	if len(sess.MessageHistory) > 0 {
		last := sess.MessageHistory[len(sess.MessageHistory)-1]
		for _, b := range last.Content {
			if b.Kind == session.BlockText {
				lastText = b.Text
			}
		}
	}
	return sessionPromptResult{SessionID: p.SessionID, StopReason: stopReason, Text: lastText}, nil
}

func notificationParams(n orchestrator.Notification) map[string]any {
	out := map[string]any{
		"sessionId":   n.SessionID,
		"operationId": n.OperationID,
		"kind":        n.Kind,
	}
	if n.Text != "" {
		out["text"] = n.Text
	}
	if n.ToolCall != nil {
		out["toolCall"] = n.ToolCall
	}
	if n.ToolResult != nil {
		out["toolResult"] = n.ToolResult
	}
	if n.StopReason != "" {
		out["stopReason"] = n.StopReason
	}
	if n.Err != nil {
		out["error"] = n.Err.Error()
	}
	return out
}

type sessionSetModeParams struct {
	SessionID string       `json:"sessionId"`
	Mode      session.Mode `json:"mode"`
}

func (h *Handlers) sessionSetMode(ctx context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p sessionSetModeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid session/setMode params: "+err.Error(), false)
	}
	sess, err := h.Store.Load(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Mode = p.Mode
	sess.Touch(time.Now().UTC())
	if err := h.Store.Save(ctx, sess); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}

type cancelParams struct {
	SessionID   string `json:"sessionId"`
	OperationID string `json:"operationId,omitempty"`
}

func (h *Handlers) cancel(_ context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid cancel params: "+err.Error(), false)
	}
	var op *session.InFlightOperation
	var ok bool
	if p.OperationID != "" {
		op, ok = h.Registry.Lookup(p.SessionID, p.OperationID)
	} else {
		op, ok = h.Registry.LookupSession(p.SessionID)
	}
	if !ok {
		return map[string]string{"status": "no_op_in_flight"}, nil
	}
	op.Cancel()
	return map[string]string{"status": "cancelling"}, nil
}

type fsReadParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
}

func (h *Handlers) fsReadTextFile(_ context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p fsReadParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid fs/readTextFile params: "+err.Error(), false)
	}
	sb, err := h.Sandboxes(p.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := sb.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": res.Content}, nil
}

type fsWriteParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

func (h *Handlers) fsWriteTextFile(_ context.Context, _ rpc.Sender, params json.RawMessage) (any, error) {
	var p fsWriteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, classify.New(classify.CodeInvalidParams, "invalid fs/writeTextFile params: "+err.Error(), false)
	}
	sb, err := h.Sandboxes(p.SessionID)
	if err != nil {
		return nil, err
	}
	if _, err := sb.WriteFile(p.Path, p.Content); err != nil {
		return nil, err
	}
	return map[string]string{"status": "ok"}, nil
}
