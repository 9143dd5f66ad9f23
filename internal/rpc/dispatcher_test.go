package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/agentgw/gateway/internal/classify"
)

type recordingSender struct {
	sent []any
}

func (r *recordingSender) Send(msg any) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestDispatchReturnsResultOnSuccess(t *testing.T) {
	d := NewDispatcher()
	d.Handle("ping", func(ctx context.Context, sender Sender, params json.RawMessage) (any, error) {
		return map[string]string{"pong": "true"}, nil
	})

	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "ping"}
	resp := d.Dispatch(context.Background(), &recordingSender{}, req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v, want success", resp)
	}
}

func TestDispatchUnknownMethodReturnsMethodNotFound(t *testing.T) {
	d := NewDispatcher()
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "nope"}
	resp := d.Dispatch(context.Background(), &recordingSender{}, req)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrMethodNotFound {
		t.Fatalf("resp = %+v, want method_not_found", resp)
	}
}

func TestDispatchNotificationReturnsNilResponse(t *testing.T) {
	var called bool
	d := NewDispatcher()
	d.Handle("notify/thing", func(ctx context.Context, sender Sender, params json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})
	req := &Request{JSONRPC: "2.0", Method: "notify/thing"}
	resp := d.Dispatch(context.Background(), &recordingSender{}, req)
	if resp != nil {
		t.Fatalf("resp = %+v, want nil for a notification", resp)
	}
	if !called {
		t.Fatal("handler was not invoked")
	}
}

func TestDispatchMapsClassifiedErrorToRPCCode(t *testing.T) {
	d := NewDispatcher()
	d.Handle("session/load", func(ctx context.Context, sender Sender, params json.RawMessage) (any, error) {
		return nil, classify.New(classify.CodeSessionNotFound, "session not found: x", false)
	})
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "session/load"}
	resp := d.Dispatch(context.Background(), &recordingSender{}, req)
	if resp == nil || resp.Error == nil || resp.Error.Code != ErrSessionNotFound {
		t.Fatalf("resp = %+v, want session_not_found (-32000)", resp)
	}
}

func TestDispatchEmitsProgressBeforeTerminalResponse(t *testing.T) {
	d := NewDispatcher()
	d.Handle("session/prompt", func(ctx context.Context, sender Sender, params json.RawMessage) (any, error) {
		_ = sender.Send(map[string]string{"kind": "delta"})
		_ = sender.Send(map[string]string{"kind": "delta2"})
		return map[string]string{"status": "done"}, nil
	})
	sender := &recordingSender{}
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: "session/prompt"}
	resp := d.Dispatch(context.Background(), sender, req)
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %+v, want 2 progress notifications", sender.sent)
	}
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v, want success", resp)
	}
}

func TestStdioTransportRoundTrip(t *testing.T) {
	d := NewDispatcher()
	d.Handle("echo", func(ctx context.Context, sender Sender, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	})

	input := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"x":1}}` + "\n")
	var out bytes.Buffer
	tr := NewStdioTransport(d, input, &out)

	if err := tr.Serve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.Len() == 0 {
		t.Fatal("expected a response line to be written")
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v (%s)", err, out.String())
	}
	if resp.Error != nil {
		t.Fatalf("resp.Error = %+v", resp.Error)
	}
}
