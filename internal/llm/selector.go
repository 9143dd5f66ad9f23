package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentgw/gateway/internal/session"
)

// Selector holds the configured adapter cascade and implements the
// selection algorithm:
//
//  1. Reorder so the direct-HTTP-API adapter runs first when lctx.RunningAsRoot
//     or lctx.ForceHTTPAPI is set (local CLI subprocesses are unavailable or
//     undesirable as root).
//  2. Filter to adapters whose CanHandle(lctx) returns true.
//  3. Try each remaining adapter in order; on an adapter error, fall back to
//     the next one rather than failing the whole request.
//  4. The caller must register the in-flight operation before the first
//     adapter runs, so cancellation can reach it.
type Selector struct {
	adapters []Adapter
}

// NewSelector builds a Selector over adapters in their default priority
// order (streaming SDK, direct HTTP SSE, remote conversation).
func NewSelector(adapters ...Adapter) *Selector {
	return &Selector{adapters: adapters}
}

// ErrNoAdapter is returned when no adapter can handle the given context.
var ErrNoAdapter = fmt.Errorf("llm: no adapter available for this context")

// ordered returns s.adapters reordered per step 1 of the algorithm above.
func (s *Selector) ordered(lctx Context) []Adapter {
	if !lctx.RunningAsRoot && !lctx.ForceHTTPAPI {
		return s.adapters
	}
	out := make([]Adapter, 0, len(s.adapters))
	var rest []Adapter
	for _, a := range s.adapters {
		if a.Name() == "direct-http-sse" {
			out = append(out, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(out, rest...)
}

// Run selects and invokes adapters in cascade order, falling back to the
// next candidate whenever the current one returns an error that isn't
// cancellation. It registers nothing itself: cancel must already be
// registered by the caller.
func (s *Selector) Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error) {
	var candidates []Adapter
	for _, a := range s.ordered(lctx) {
		if a.CanHandle(lctx) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoAdapter
	}

	var lastErr error
	for i, a := range candidates {
		if cancel.Cancelled() {
			return nil, context.Canceled
		}
		slog.Info("running adapter", "adapter", a.Name(), "attempt", i+1, "of", len(candidates))
		res, err := a.Run(ctx, prompt, lctx, cb, cancel)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || cancel.Cancelled() {
			return nil, err
		}
		slog.Warn("adapter failed, falling back", "adapter", a.Name(), "err", err)
		lastErr = err
	}
	return nil, fmt.Errorf("llm: all adapters failed, last error: %w", lastErr)
}
