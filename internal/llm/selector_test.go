package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/agentgw/gateway/internal/session"
)

type fakeAdapter struct {
	name      string
	canHandle bool
	err       error
	result    *AdapterResult
	calls     *[]string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) CanHandle(lctx Context) bool { return f.canHandle }
func (f *fakeAdapter) Run(ctx context.Context, prompt *session.Prompt, lctx Context, cb Callbacks, cancel *CancelToken) (*AdapterResult, error) {
	if f.calls != nil {
		*f.calls = append(*f.calls, f.name)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestSelectorTriesInOrderAndReturnsFirstSuccess(t *testing.T) {
	var calls []string
	a := &fakeAdapter{name: "a", canHandle: true, result: &AdapterResult{FullText: "from-a"}, calls: &calls}
	b := &fakeAdapter{name: "b", canHandle: true, result: &AdapterResult{FullText: "from-b"}, calls: &calls}
	sel := NewSelector(a, b)

	res, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{}, Callbacks{}, NewCancelToken())
	if err != nil {
		t.Fatal(err)
	}
	if res.FullText != "from-a" {
		t.Fatalf("FullText = %q, want from-a", res.FullText)
	}
	if len(calls) != 1 || calls[0] != "a" {
		t.Fatalf("calls = %v, want only [a]", calls)
	}
}

func TestSelectorFallsBackOnError(t *testing.T) {
	var calls []string
	a := &fakeAdapter{name: "a", canHandle: true, err: errors.New("boom"), calls: &calls}
	b := &fakeAdapter{name: "b", canHandle: true, result: &AdapterResult{FullText: "from-b"}, calls: &calls}
	sel := NewSelector(a, b)

	res, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{}, Callbacks{}, NewCancelToken())
	if err != nil {
		t.Fatal(err)
	}
	if res.FullText != "from-b" {
		t.Fatalf("FullText = %q, want from-b", res.FullText)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want [a b]", calls)
	}
}

func TestSelectorFiltersByCanHandle(t *testing.T) {
	a := &fakeAdapter{name: "a", canHandle: false}
	b := &fakeAdapter{name: "b", canHandle: true, result: &AdapterResult{FullText: "from-b"}}
	sel := NewSelector(a, b)

	res, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{}, Callbacks{}, NewCancelToken())
	if err != nil {
		t.Fatal(err)
	}
	if res.FullText != "from-b" {
		t.Fatalf("FullText = %q, want from-b", res.FullText)
	}
}

func TestSelectorReturnsErrNoAdapterWhenNoneApply(t *testing.T) {
	a := &fakeAdapter{name: "a", canHandle: false}
	sel := NewSelector(a)

	_, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{}, Callbacks{}, NewCancelToken())
	if !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("err = %v, want ErrNoAdapter", err)
	}
}

func TestSelectorReordersHTTPFirstWhenRunningAsRoot(t *testing.T) {
	var calls []string
	sdk := &fakeAdapter{name: "streaming-sdk", canHandle: true, result: &AdapterResult{FullText: "sdk"}, calls: &calls}
	http := &fakeAdapter{name: "direct-http-sse", canHandle: true, result: &AdapterResult{FullText: "http"}, calls: &calls}
	sel := NewSelector(sdk, http)

	res, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{RunningAsRoot: true}, Callbacks{}, NewCancelToken())
	if err != nil {
		t.Fatal(err)
	}
	if res.FullText != "http" {
		t.Fatalf("FullText = %q, want http (reordered first)", res.FullText)
	}
	if len(calls) != 1 || calls[0] != "direct-http-sse" {
		t.Fatalf("calls = %v, want only [direct-http-sse]", calls)
	}
}

func TestSelectorStopsOnCancellation(t *testing.T) {
	a := &fakeAdapter{name: "a", canHandle: true, err: context.Canceled}
	b := &fakeAdapter{name: "b", canHandle: true, result: &AdapterResult{FullText: "from-b"}}
	sel := NewSelector(a, b)

	cancel := NewCancelToken()
	cancel.Cancel()
	_, err := sel.Run(context.Background(), &session.Prompt{Text: "hi"}, Context{}, Callbacks{}, cancel)
	if err == nil {
		t.Fatal("expected an error when cancel token is already cancelled")
	}
}
