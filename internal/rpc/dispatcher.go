package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentgw/gateway/internal/classify"
)

// Sender emits a message to the peer — a notification or (for completeness)
// any out-of-band push. Both transports implement it differently (a line
// write to stdout, an SSE/HTTP chunk write).
type Sender interface {
	Send(msg any) error
}

// HandlerFunc processes one method call's params and returns a result value
// to be wrapped in a success Response, or an error. Every error routes
// through ClassifiedToRPCError: a *classify.Error as is, any other error
// after classify.FromError classifies its message (unmatched messages
// become ErrInternalError).
type HandlerFunc func(ctx context.Context, sender Sender, params json.RawMessage) (any, error)

// Dispatcher is the transport-agnostic method registry.
// Progress notifications a handler emits via sender.Send must be flushed
// before the handler's terminal response is written, so callers observe
// updates in causal order.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Handle registers a method handler. Re-registering a method panics: it
// indicates a wiring bug, not a runtime condition.
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	if _, exists := d.handlers[method]; exists {
		panic(fmt.Sprintf("rpc: method %q already registered", method))
	}
	d.handlers[method] = fn
}

// Dispatch routes req to its handler and returns the Response to write. For
// a notification (req.IsNotification()), the returned Response is nil: the
// handler still runs, but the caller must not write a reply.
func (d *Dispatcher) Dispatch(ctx context.Context, sender Sender, req *Request) *Response {
	fn, ok := d.handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			slog.Warn("no handler for notification", "method", req.Method)
			return nil
		}
		return NewError(req.ID, ErrMethodNotFound, "method not found: "+req.Method, nil)
	}

	result, err := fn(ctx, sender, req.Params)
	if req.IsNotification() {
		if err != nil {
			slog.Warn("notification handler failed", "method", req.Method, "err", err)
		}
		return nil
	}
	if err != nil {
		if ce := classify.FromError(err); ce != nil {
			return ClassifiedToRPCError(req.ID, ce)
		}
		return NewError(req.ID, ErrInternalError, err.Error(), nil)
	}
	return NewResult(req.ID, result)
}
