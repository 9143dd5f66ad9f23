package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/agentgw/gateway/internal/acp"
	"github.com/agentgw/gateway/internal/config"
	"github.com/agentgw/gateway/internal/llm"
	"github.com/agentgw/gateway/internal/logging"
	"github.com/agentgw/gateway/internal/orchestrator"
	"github.com/agentgw/gateway/internal/rpc"
	"github.com/agentgw/gateway/internal/sandbox"
	"github.com/agentgw/gateway/internal/session"
	"github.com/agentgw/gateway/internal/telemetry"
	"github.com/agentgw/gateway/internal/workspace"
)

func newServeCmd() *cobra.Command {
	var httpMode bool
	var httpAddr string
	var jsonLogs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, serving ACP over stdio or HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load("GATEWAY")
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}

			log := logging.Default(logging.Options{JSON: jsonLogs})
			log.Info("starting gateway", "pid", os.Getpid(), "goVersion", runtime.Version())

			return runServe(cmd.Context(), cfg, httpMode)
		},
	}

	cmd.Flags().BoolVar(&httpMode, "http", false, "serve over HTTP instead of stdio")
	cmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (overrides config http_addr)")
	cmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "force JSON log output even on a terminal")

	return cmd
}

// runServe builds the full dependency graph — session store, workspace
// service, adapter cascade, orchestrator, ACP handlers — and serves them
// over the selected transport until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config, http bool) error {
	store, err := session.NewStore(sessionStoreDir(cfg))
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	ws := workspace.New(cfg.PersistentWorkspaceID, cfg.WorkspaceRoot, cfg.EphemeralRoot, cfg.ShellTimeout)

	sel := llm.NewSelector(buildAdapters(ctx, cfg)...)
	reg := session.NewRegistry()

	tele, err := telemetry.New(telemetryAPIKey(cfg), "")
	if err != nil {
		slog.Warn("telemetry disabled: failed to initialize", "err", err)
	}
	defer func() {
		if tele != nil {
			_ = tele.Close()
		}
	}()

	orch := orchestrator.New(store, ws, sel, reg)
	orch.TailSize = cfg.HistoryTailSize
	orch.MaxPatchBytes = cfg.MaxPatchBytes
	orch.MaxContextFileBytes = cfg.MaxReadBytes
	orch.Telemetry = tele
	if cfg.GitHubToken != "" {
		orch.GitOps = orchestrator.GitAutomation{
			AuthorName:  "gateway-agent",
			AuthorEmail: "agent@gateway.local",
			Token:       cfg.GitHubToken,
		}
	}

	sandboxCache := newSandboxCache(ws, store, sandboxLimits(cfg))

	handlers := &acp.Handlers{
		Store:        store,
		Workspace:    ws,
		Orchestrator: orch,
		Registry:     reg,
		Sandboxes:    sandboxCache.get,
		Telemetry:    tele,
	}

	dispatcher := rpc.NewDispatcher()
	handlers.Register(dispatcher)

	if http {
		var jwtSecret []byte
		if cfg.AuthJWTSecret != "" {
			jwtSecret = []byte(cfg.AuthJWTSecret)
		}
		transport := &rpc.HTTPTransport{
			Dispatcher: dispatcher,
			JWTSecret:  jwtSecret,
			HealthFunc: func() map[string]any {
				return map[string]any{"activeSessions": reg.Count()}
			},
		}
		return transport.ListenAndServe(ctx, cfg.HTTPAddr)
	}

	transport := rpc.NewStdioTransport(dispatcher, os.Stdin, os.Stdout)
	return transport.Serve(ctx)
}

func sessionStoreDir(cfg *config.Config) string {
	if cfg.WorkspaceRoot != "" {
		return cfg.WorkspaceRoot + "/sessions"
	}
	return os.TempDir() + "/gateway-sessions"
}

func telemetryAPIKey(cfg *config.Config) string {
	if !cfg.TelemetryEnabled {
		return ""
	}
	return os.Getenv("GATEWAY_POSTHOG_API_KEY")
}

// buildAdapters composes the LLM adapter cascade from whichever backends
// the operator has configured, skipping adapters config disables. With
// ForceHTTPAPI set, the direct HTTP adapter (when configured) comes first.
func buildAdapters(ctx context.Context, cfg *config.Config) []llm.Adapter {
	var adapters []llm.Adapter

	var httpAdapter llm.Adapter
	if cfg.AnthropicAPIKey != "" {
		httpAdapter = llm.NewDirectHTTPAdapter("https://api.anthropic.com/v1/messages", cfg.AnthropicAPIKey, "claude-3-5-sonnet-latest")
	}
	if httpAdapter != nil && cfg.ForceHTTPAPI {
		adapters = append(adapters, httpAdapter)
	}
	if !cfg.DisableStreamingSDK {
		if a := llm.NewStreamingSDKAdapter(ctx, "anthropic", "", rolePreamble); a != nil {
			adapters = append(adapters, a)
		}
	}
	if httpAdapter != nil && !cfg.ForceHTTPAPI {
		adapters = append(adapters, httpAdapter)
	}
	return adapters
}

func rolePreamble(role session.AgentRole) string {
	if role == "" {
		return "You are a coding agent operating inside a cloned git repository workspace."
	}
	return "You are a coding agent acting as " + string(role) + " inside a cloned git repository workspace."
}

// sandboxCache lazily builds one *sandbox.Sandbox per session, rooted at
// that session's prepared workspace path. A session's workspace is
// re-prepared (fetched/reused, never re-cloned in persistent mode) on first
// fs/* call and then cached for the lifetime of this process.
type sandboxCache struct {
	ws     *workspace.Service
	store  *session.Store
	limits sandbox.Limits
	boxes  map[string]*sandbox.Sandbox
}

func newSandboxCache(ws *workspace.Service, store *session.Store, limits sandbox.Limits) *sandboxCache {
	return &sandboxCache{ws: ws, store: store, limits: limits, boxes: make(map[string]*sandbox.Sandbox)}
}

// sandboxLimits derives sandbox.Limits from the loaded config, falling back
// to sandbox.DefaultLimits() for any zero-valued field.
func sandboxLimits(cfg *config.Config) sandbox.Limits {
	l := sandbox.DefaultLimits()
	if cfg.MaxReadBytes > 0 {
		l.MaxReadBytes = cfg.MaxReadBytes
	}
	if cfg.MaxOutputBytes > 0 {
		l.MaxOutputBytes = cfg.MaxOutputBytes
	}
	if cfg.MaxPatchBytes > 0 {
		l.MaxPatchBytes = cfg.MaxPatchBytes
	}
	if cfg.ShellTimeout > 0 {
		l.ShellTimeout = cfg.ShellTimeout
	}
	return l
}

func (c *sandboxCache) get(sessionID string) (*sandbox.Sandbox, error) {
	if sb, ok := c.boxes[sessionID]; ok {
		return sb, nil
	}
	ctx := context.Background()
	sess, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := c.ws.Prepare(ctx, sessionID, workspace.PrepareOptions{RepositoryURL: sess.WorkspaceRef, Reuse: true})
	if err != nil {
		return nil, err
	}
	sb, err := sandbox.New(ws.Path, c.limits, c.ws)
	if err != nil {
		return nil, err
	}
	c.boxes[sessionID] = sb
	return sb, nil
}
