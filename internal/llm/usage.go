package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialWatcher watches a credentials file on disk and notifies
// subscribers when the token it contains changes, so a long-lived adapter
// can pick up a refreshed OAuth token without restarting. Grounded on
// server/usage.go's usageFetcher credential-watching idiom, generalized from
// "watch ~/.claude/.credentials.json and refetch usage" into "watch any
// credentials file and notify subscribers."
type CredentialWatcher struct {
	mu       sync.Mutex
	path     string
	token    string
	watcher  *fsnotify.Watcher
	onChange func(token string)
}

// NewCredentialWatcher starts watching path's parent directory (so it
// catches atomic write-then-rename updates) and invokes onChange whenever
// the extracted token differs from what was last seen.
func NewCredentialWatcher(ctx context.Context, path string, onChange func(token string)) (*CredentialWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	cw := &CredentialWatcher{path: path, watcher: w, onChange: onChange, token: readToken(path)}
	go cw.loop(ctx)
	return cw, nil
}

func (cw *CredentialWatcher) loop(ctx context.Context) {
	defer func() { _ = cw.watcher.Close() }()
	base := filepath.Base(cw.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cw.checkChanged()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("credential watcher error", "err", err)
		}
	}
}

func (cw *CredentialWatcher) checkChanged() {
	token := readToken(cw.path)
	if token == "" {
		return
	}
	cw.mu.Lock()
	changed := token != cw.token
	cw.token = token
	cw.mu.Unlock()
	if changed && cw.onChange != nil {
		cw.onChange(token)
	}
}

// Token returns the last-seen token.
func (cw *CredentialWatcher) Token() string {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.token
}

func readToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var creds struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
		} `json:"claudeAiOauth"`
	}
	if json.Unmarshal(data, &creds) != nil {
		return ""
	}
	return creds.ClaudeAiOauth.AccessToken
}
