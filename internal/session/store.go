package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/maruel/ksid"

	"github.com/agentgw/gateway/internal/classify"
)

// Store persists Session state to disk as one JSON file per session,
// generalized from a JSONL-log-reconstruction idiom ("replay an
// append-only event log") to "save/load a point-in-time snapshot":
// sessions in this gateway are mutated in place (edited, paused, resumed)
// rather than purely appended to.
//
// Writes are atomic (temp file + rename) and serialized per sessionId so
// concurrent prompts against the same session never interleave partial
// writes. Unknown fields in on-disk JSON are silently ignored on load
// (encoding/json's default behavior), so older or newer schema versions
// degrade gracefully rather than failing to load.
type Store struct {
	dir string

	mu       sync.Mutex
	sessionM map[string]*sync.Mutex
}

// NewStore creates a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &Store{dir: dir, sessionM: make(map[string]*sync.Mutex)}, nil
}

// NewSessionID mints a new sortable session id.
func NewSessionID() string {
	return ksid.New().String()
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.sessionM[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.sessionM[sessionID] = m
	}
	return m
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes sess to disk atomically. A deep copy is taken before encoding
// so later mutation of the caller's Session cannot race with the write.
func (s *Store) Save(_ context.Context, sess *Session) error {
	m := s.lockFor(sess.SessionID)
	m.Lock()
	defer m.Unlock()

	snapshot := sess.Clone()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("session store: marshal %s: %w", sess.SessionID, err)
	}

	final := s.path(sess.SessionID)
	tmp, err := os.CreateTemp(s.dir, sess.SessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("session store: write %s: %w", sess.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("session store: close %s: %w", sess.SessionID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("session store: rename %s: %w", sess.SessionID, err)
	}
	return nil
}

// Load reads a session by id, returning a classify.CodeSessionNotFound error
// if it doesn't exist.
func (s *Store) Load(_ context.Context, sessionID string) (*Session, error) {
	m := s.lockFor(sessionID)
	m.Lock()
	defer m.Unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, classify.New(classify.CodeSessionNotFound, "session not found: "+sessionID, false)
		}
		return nil, fmt.Errorf("session store: read %s: %w", sessionID, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session store: decode %s: %w", sessionID, err)
	}
	return sess.Clone(), nil
}

// List returns every stored session's id, sorted ascending (ksid ids are
// lexicographically time-ordered).
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		ids = append(ids, e.Name()[:len(e.Name())-len(".json")])
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's on-disk state. Deleting a non-existent session
// is not an error.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	m := s.lockFor(sessionID)
	m.Lock()
	defer m.Unlock()

	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session store: delete %s: %w", sessionID, err)
	}
	return nil
}
