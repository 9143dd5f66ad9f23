package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// HTTPTransport serves a Dispatcher over HTTP: POST /acp for
// JSON-RPC calls, GET /health for liveness, and the bridge convenience
// routes POST /process / POST /process-prompt. Uses the same ServeMux +
// path-pattern idiom as the rest of this repo's HTTP surfaces, generalized
// from a fixed REST surface to a JSON-RPC envelope plus two bridge
// shortcuts.
type HTTPTransport struct {
	Dispatcher  *Dispatcher
	JWTSecret   []byte // empty disables bearer auth
	HealthFunc  func() map[string]any
}

// httpSender adapts one HTTP response into a Sender so handlers can stream
// session/update notifications as newline-delimited JSON before the final
// response, matching the stdio transport's ordering guarantee.
type httpSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *httpSender) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Mux builds the http.Handler for this transport, wrapped with request-id
// logging, CORS, optional bearer auth, and response compression.
func (t *HTTPTransport) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /acp", t.handleACP)
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.HandleFunc("POST /process", t.handleACP)
	mux.HandleFunc("POST /process-prompt", t.handleACP)

	var h http.Handler = mux
	h = t.authMiddleware(h)
	h = corsMiddleware(h)
	h = CompressMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// ListenAndServe runs the HTTP transport on addr until ctx is cancelled.
func (t *HTTPTransport) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           t.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("http transport listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (t *HTTPTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if t.HealthFunc != nil {
		for k, v := range t.HealthFunc() {
			status[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (t *HTTPTransport) handleACP(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(NewError(nil, ErrParseError, "parse error: "+err.Error(), nil))
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	sender := &httpSender{w: w, flusher: flusher}

	resp := t.Dispatcher.Dispatch(r.Context(), sender, &req)
	if resp == nil {
		return
	}
	_ = sender.Send(resp)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "requestId", id, "method", r.Method, "path", r.URL.Path, "durationMs", time.Since(start).Milliseconds())
	})
}

// authMiddleware enforces a bearer JWT when JWTSecret is configured; it is
// a no-op otherwise, matching the operator-opt-in default.
func (t *HTTPTransport) authMiddleware(next http.Handler) http.Handler {
	if len(t.JWTSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeAuthError(w)
			return
		}
		tokenStr := header[len(prefix):]
		_, err := jwt.Parse(tokenStr, func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.JWTSecret, nil
		})
		if err != nil {
			writeAuthError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(NewError(nil, ErrAuthenticationFailed, "authentication failed", nil))
}
