// Package llm implements the LLM Runtime Selector: a cascade of
// interchangeable Adapter implementations that drive a coding agent against
// a prompt, normalizing every backend's wire format into a shared Message
// stream. Shaped after a Backend-style interface, generalized from "launch a
// CLI subprocess" to "run a prompt through any of {streaming SDK, direct
// HTTP SSE, remote conversation}".
package llm

import (
	"context"

	"github.com/agentgw/gateway/internal/session"
)

// Context carries everything an Adapter needs to decide whether it can
// service a request and, if so, to run it.
type Context struct {
	WorkspacePath  string
	RunningAsRoot  bool
	ForceHTTPAPI   bool
	DisableStream  bool // DisableStreamingSDK
	DisableLocal   bool // DisableLocalCLI
	AgentRole      session.AgentRole
	RemoteEndpoint string // set when a remote-conversation backend is configured
}

// Usage reports token and cost accounting for one adapter run.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens *int
	TotalTokens     int
}

// Cost is optional USD accounting.
type Cost struct {
	InputUSD  float64
	OutputUSD float64
	TotalUSD  float64
}

// AdapterResult is the normalized outcome of a successful adapter run.
type AdapterResult struct {
	FullText string
	Tokens   Usage
	Cost     *Cost
}

// ToolCall is a normalized tool invocation observed mid-stream.
type ToolCall struct {
	ID    string
	Name  string
	Input string
}

// ToolResult is the normalized outcome of a ToolCall.
type ToolResult struct {
	ID      string
	Output  string
	IsError bool
}

// Callbacks lets the orchestrator observe adapter progress as it happens,
// so it can emit session/update notifications.
type Callbacks struct {
	OnStart      func()
	OnDelta      func(text string)
	OnToolCall   func(ToolCall)
	OnToolResult func(ToolResult)
	OnComplete   func(AdapterResult)
	OnError      func(error)
}

// CancelToken is a cooperative cancellation handle, separate from ctx so the
// orchestrator can cancel an in-flight operation without tearing down the
// surrounding request context.
type CancelToken struct {
	ch chan struct{}
}

// NewCancelToken returns a ready-to-use token.
func NewCancelToken() *CancelToken { return &CancelToken{ch: make(chan struct{})} }

// Cancel is idempotent.
func (c *CancelToken) Cancel() {
	select {
	case <-c.ch:
	default:
		close(c.ch)
	}
}

// Done reports cancellation, mirroring context.Context's idiom.
func (c *CancelToken) Done() <-chan struct{} { return c.ch }

// Cancelled reports whether Cancel has already been called.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// Adapter is one interchangeable way to run a prompt against a coding agent
//. Implementations must be safe to reuse across sessions.
type Adapter interface {
	// Name identifies the adapter for logging and selection-order diagnostics.
	Name() string

	// CanHandle reports whether this adapter is usable given lctx, without
	// side effects.
	CanHandle(lctx Context) bool

	// Run drives prompt through the agent, invoking cb as output streams in,
	// and returns the normalized result once the run finishes or cancel
	// fires.
	Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error)
}
