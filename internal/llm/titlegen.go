package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/agentgw/gateway/internal/session"
)

// TitleGenerator produces short session summaries from conversation history
// using a cheap LLM call. Directly
// grounded on server/titlegen.go's titleGenerator; unconfigured instances
// are a no-op so summary generation is always optional.
type TitleGenerator struct {
	provider genai.Provider
}

// NewTitleGenerator mirrors newTitleGenerator's provider-resolution.
func NewTitleGenerator(ctx context.Context, providerName, model string) *TitleGenerator {
	if providerName == "" {
		return &TitleGenerator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &TitleGenerator{}
	}
	opts := []genai.ProviderOption{genai.ModelCheap}
	if model != "" {
		opts = []genai.ProviderOption{genai.ProviderOptionModel(model)}
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &TitleGenerator{}
	}
	return &TitleGenerator{provider: p}
}

const titleSystemPrompt = "Summarize this coding session in 3-8 words as a short title. Reply with ONLY the title, no quotes."

// Generate extracts exchange text from history and asks the LLM for a short
// title. Returns "" if unconfigured or on failure.
func (tg *TitleGenerator) Generate(ctx context.Context, history []session.Exchange) string {
	if tg == nil || tg.provider == nil {
		return ""
	}
	var b strings.Builder
	for _, ex := range history {
		for _, block := range ex.Content {
			if block.Kind != session.BlockText || block.Text == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(string(ex.Role))
			b.WriteString(": ")
			b.WriteString(block.Text)
		}
	}
	input := b.String()
	if len(input) > 2000 {
		input = input[:2000]
	}
	if input == "" {
		return ""
	}

	res, err := tg.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{SystemPrompt: titleSystemPrompt, MaxTokens: 64, Temperature: 0.3},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "err", err)
		return ""
	}
	title := strings.TrimSpace(res.String())
	return strings.Trim(title, "\"'`")
}
