package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// StdioTransport serves a Dispatcher over line-delimited JSON-RPC on an
// arbitrary reader/writer pair, using the same handshake idiom as a
// subprocess-driven JSON-RPC client: a bufio.Reader over the peer's stdout,
// one JSON object per line.
type StdioTransport struct {
	dispatcher *Dispatcher
	r          *bufio.Reader
	w          io.Writer
	wmu        sync.Mutex
}

// NewStdioTransport wraps r/w for line-delimited JSON-RPC.
func NewStdioTransport(d *Dispatcher, r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{dispatcher: d, r: bufio.NewReaderSize(r, 1<<16), w: w}
}

// Send writes one message as a single JSON line, safe for concurrent use by
// request handlers emitting progress notifications interleaved with the
// read loop's own replies.
func (t *StdioTransport) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stdio transport: marshal: %w", err)
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	_, err = t.w.Write([]byte("\n"))
	return err
}

// Serve reads one JSON-RPC request per line until ctx is cancelled or the
// reader reaches EOF. Each request is dispatched synchronously in arrival
// order — this transport does not run requests concurrently, matching the
// single-writer-per-session scheduling model.
func (t *StdioTransport) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := t.r.ReadBytes('\n')
		if len(line) > 0 {
			t.handleLine(ctx, line)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stdio transport: read: %w", err)
		}
	}
}

func (t *StdioTransport) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		slog.Warn("stdio transport: malformed request", "err", err)
		_ = t.Send(NewError(nil, ErrParseError, "parse error: "+err.Error(), nil))
		return
	}
	resp := t.dispatcher.Dispatch(ctx, t, &req)
	if resp == nil {
		return
	}
	if err := t.Send(resp); err != nil {
		slog.Warn("stdio transport: failed to write response", "err", err)
	}
}
