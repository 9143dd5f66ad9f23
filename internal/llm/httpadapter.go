package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/maruel/httpjson"
	"github.com/maruel/roundtrippers"

	"github.com/agentgw/gateway/internal/session"
)

// DirectHTTPAdapter talks to an Anthropic-compatible messages endpoint over
// SSE directly, bypassing genai's provider abstraction and any local CLI.
// This is the adapter promoted to the front of the cascade when running as
// root or when the operator forces HTTP-API mode, since
// it needs neither a local agent subprocess nor elevated filesystem access.
// It does not support tool use; it is a plain completion path.
type DirectHTTPAdapter struct {
	Endpoint string
	APIKey   string
	Model    string
	Client   *httpjson.Client
}

// NewDirectHTTPAdapter builds a client with the pack's standard HTTP
// plumbing: a roundtrippers header layer that adds the API key and
// anthropic-version headers (there is no retry or logging layer), wrapped
// in an httpjson client.
func NewDirectHTTPAdapter(endpoint, apiKey, model string) *DirectHTTPAdapter {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com/v1/messages"
	}
	rt := roundtrippers.NewHeaders(http.DefaultTransport, map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": "2023-06-01",
	})
	return &DirectHTTPAdapter{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Model:    model,
		Client:   &httpjson.Client{Client: &http.Client{Transport: rt}},
	}
}

func (a *DirectHTTPAdapter) Name() string { return "direct-http-sse" }

// CanHandle requires an API key; it is otherwise always eligible: it has no
// subprocess or container dependency.
func (a *DirectHTTPAdapter) CanHandle(lctx Context) bool {
	return a != nil && a.APIKey != ""
}

type sseMessageReq struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	System    string          `json:"system,omitempty"`
	Messages  []sseMessageOne `json:"messages"`
}

type sseMessageOne struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *DirectHTTPAdapter) Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error) {
	if cb.OnStart != nil {
		cb.OnStart()
	}

	body := sseMessageReq{
		Model:     a.Model,
		MaxTokens: 4096,
		Stream:    true,
		Messages:  []sseMessageOne{{Role: "user", Content: prompt.Text}},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("direct HTTP adapter: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("direct HTTP adapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.Client.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("direct HTTP adapter: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("direct HTTP adapter: status %s", resp.Status)
	}

	var full strings.Builder
	var usage Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if cancel.Cancelled() {
			return nil, context.Canceled
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Delta != nil && ev.Delta.Text != "" {
			full.WriteString(ev.Delta.Text)
			if cb.OnDelta != nil {
				cb.OnDelta(ev.Delta.Text)
			}
		}
		if ev.Usage != nil {
			usage.InputTokens = ev.Usage.InputTokens
			usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("direct HTTP adapter: reading stream: %w", err)
	}

	res := &AdapterResult{FullText: full.String(), Tokens: usage}
	if cb.OnComplete != nil {
		cb.OnComplete(*res)
	}
	return res, nil
}
