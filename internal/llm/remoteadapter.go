package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/maruel/httpjson"

	"github.com/agentgw/gateway/internal/session"
)

// RemoteConversationAdapter delegates the turn to a remote conversation
// service: it creates a remote conversation, polls it for completion, and
// retries transient failures a bounded number of times. Used when the
// gateway has no local genai credentials or CLI but a remote endpoint is
// configured.
type RemoteConversationAdapter struct {
	Client       *httpjson.Client
	BaseURL      string
	PollInterval time.Duration
	MaxRetries   int
}

// NewRemoteConversationAdapter builds the adapter against baseURL.
func NewRemoteConversationAdapter(baseURL string) *RemoteConversationAdapter {
	return &RemoteConversationAdapter{
		Client:       &httpjson.Client{},
		BaseURL:      baseURL,
		PollInterval: 2 * time.Second,
		MaxRetries:   3,
	}
}

func (a *RemoteConversationAdapter) Name() string { return "remote-conversation" }

// CanHandle requires a configured remote endpoint.
func (a *RemoteConversationAdapter) CanHandle(lctx Context) bool {
	return a != nil && a.BaseURL != "" && lctx.RemoteEndpoint != ""
}

type remoteCreateReq struct {
	Prompt string `json:"prompt"`
}

type remoteCreateResp struct {
	ConversationID string `json:"conversationId"`
}

type remotePollResp struct {
	Status       string `json:"status"` // "running", "completed", "failed"
	Text         string `json:"text"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Error        string `json:"error,omitempty"`
}

func (a *RemoteConversationAdapter) Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error) {
	if cb.OnStart != nil {
		cb.OnStart()
	}

	convID, err := a.create(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("remote conversation adapter: create: %w", err)
	}

	var lastText string
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()
	var retries int
	for {
		select {
		case <-cancel.Done():
			return nil, context.Canceled
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			res, err := a.poll(ctx, convID)
			if err != nil {
				retries++
				if retries > a.MaxRetries {
					return nil, fmt.Errorf("remote conversation adapter: poll: %w", err)
				}
				continue
			}
			retries = 0
			if len(res.Text) > len(lastText) {
				delta := res.Text[len(lastText):]
				lastText = res.Text
				if cb.OnDelta != nil {
					cb.OnDelta(delta)
				}
			}
			switch res.Status {
			case "completed":
				out := &AdapterResult{
					FullText: res.Text,
					Tokens:   Usage{InputTokens: res.InputTokens, OutputTokens: res.OutputTokens},
				}
				if cb.OnComplete != nil {
					cb.OnComplete(*out)
				}
				return out, nil
			case "failed":
				err := fmt.Errorf("remote conversation failed: %s", res.Error)
				if cb.OnError != nil {
					cb.OnError(err)
				}
				return nil, err
			}
		}
	}
}

func (a *RemoteConversationAdapter) create(ctx context.Context, prompt *session.Prompt) (string, error) {
	var resp remoteCreateResp
	err := a.Client.Post(ctx, a.BaseURL+"/conversations", nil, remoteCreateReq{Prompt: prompt.Text}, &resp)
	if err != nil {
		return "", err
	}
	return resp.ConversationID, nil
}

func (a *RemoteConversationAdapter) poll(ctx context.Context, convID string) (*remotePollResp, error) {
	var resp remotePollResp
	err := a.Client.Get(ctx, a.BaseURL+"/conversations/"+convID, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
