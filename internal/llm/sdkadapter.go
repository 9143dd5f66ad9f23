package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/agentgw/gateway/internal/session"
)

// StreamingSDKAdapter drives a genai.Provider in streaming mode, emitting
// incremental text deltas through Callbacks.OnDelta as they arrive. This is
// the preferred adapter: it is cheapest and gives the richest progress
// feedback. Grounded on server/titlegen.go's provider-construction idiom,
// generalized from a one-shot summarization call to a full streaming
// conversation turn.
type StreamingSDKAdapter struct {
	Provider     genai.Provider
	SystemPrompt func(session.AgentRole) string
	MaxSteps     int
}

// NewStreamingSDKAdapter constructs the adapter from provider/model config
// strings, mirroring newTitleGenerator's provider-resolution pattern. Returns
// nil if providerName is empty or the provider cannot be constructed.
func NewStreamingSDKAdapter(ctx context.Context, providerName, model string, systemPrompt func(session.AgentRole) string) *StreamingSDKAdapter {
	if providerName == "" {
		return nil
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for streaming adapter", "provider", providerName)
		return nil
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create streaming LLM provider", "provider", providerName, "err", err)
		return nil
	}
	return &StreamingSDKAdapter{Provider: p, SystemPrompt: systemPrompt, MaxSteps: 10}
}

func (a *StreamingSDKAdapter) Name() string { return "streaming-sdk" }

// CanHandle is true whenever a provider was successfully constructed and the
// operator hasn't disabled the streaming SDK path.
func (a *StreamingSDKAdapter) CanHandle(lctx Context) bool {
	return a != nil && a.Provider != nil && !lctx.DisableStream
}

func (a *StreamingSDKAdapter) Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error) {
	if cb.OnStart != nil {
		cb.OnStart()
	}

	sys := ""
	if a.SystemPrompt != nil {
		sys = a.SystemPrompt(lctx.AgentRole)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel.Done():
			stop()
		case <-runCtx.Done():
		}
	}()

	fragments := make(chan genai.ContentFragment)
	var full strings.Builder
	done := make(chan error, 1)
	go func() {
		_, err := a.Provider.GenStream(runCtx,
			genai.Messages{genai.NewTextMessage(prompt.Text)},
			fragments,
			&genai.GenOptionText{SystemPrompt: sys},
		)
		done <- err
	}()

	for {
		select {
		case frag, ok := <-fragments:
			if !ok {
				continue
			}
			if frag.TextFragment != "" {
				full.WriteString(frag.TextFragment)
				if cb.OnDelta != nil {
					cb.OnDelta(frag.TextFragment)
				}
			}
		case err := <-done:
			if err != nil {
				if cb.OnError != nil {
					cb.OnError(err)
				}
				return nil, fmt.Errorf("streaming SDK adapter: %w", err)
			}
			res := &AdapterResult{
				FullText: full.String(),
				Tokens: Usage{
					InputTokens:  session.EstimateTokens(prompt.Text),
					OutputTokens: session.EstimateTokens(full.String()),
				},
			}
			if cb.OnComplete != nil {
				cb.OnComplete(*res)
			}
			return res, nil
		case <-runCtx.Done():
			return nil, runCtx.Err()
		}
	}
}
