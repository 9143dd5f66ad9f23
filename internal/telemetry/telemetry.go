// Package telemetry implements opt-in session-lifecycle analytics:
// anonymous counts of session creation, completion, and error outcomes,
// keyed by a stable per-machine
// id rather than any user-identifying data. Disabled by default; the
// gateway's core behavior never depends on whether this package is wired
// up.
package telemetry

import (
	"log/slog"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
)

// Client reports session lifecycle events. A nil *Client is valid and a
// no-op, so callers don't need to branch on whether telemetry is enabled.
type Client struct {
	ph       posthog.Client
	distinct string
}

// New constructs a Client backed by PostHog. Returns nil (not an error) if
// apiKey is empty, so telemetry is opt-in by configuration alone.
func New(apiKey, endpoint string) (*Client, error) {
	if apiKey == "" {
		return nil, nil
	}
	id, err := machineid.ProtectedID("agentgw-gateway")
	if err != nil {
		slog.Warn("telemetry: failed to derive machine id, using \"unknown\"", "err", err)
		id = "unknown"
	}
	cfg := posthog.Config{}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	ph, err := posthog.NewWithConfig(apiKey, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{ph: ph, distinct: id}, nil
}

// Close flushes buffered events.
func (c *Client) Close() error {
	if c == nil || c.ph == nil {
		return nil
	}
	return c.ph.Close()
}

func (c *Client) capture(event string, props map[string]any) {
	if c == nil || c.ph == nil {
		return
	}
	p := posthog.NewProperties()
	for k, v := range props {
		p = p.Set(k, v)
	}
	if err := c.ph.Enqueue(posthog.Capture{
		DistinctId: c.distinct,
		Event:      event,
		Properties: p,
	}); err != nil {
		slog.Warn("telemetry: enqueue failed", "event", event, "err", err)
	}
}

// SessionCreated reports a new session in the given mode.
func (c *Client) SessionCreated(mode string) {
	c.capture("session_created", map[string]any{"mode": mode})
}

// SessionCompleted reports the outcome of one prompt run: state is its stop
// reason ("completed", "cancelled" or "error").
func (c *Client) SessionCompleted(state string, durationMs int64) {
	c.capture("session_completed", map[string]any{"state": state, "durationMs": durationMs})
}

// PromptError reports an adapter cascade failure by classified error code.
func (c *Client) PromptError(code string) {
	c.capture("prompt_error", map[string]any{"code": code})
}
