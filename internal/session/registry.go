package session

import (
	"sync"

	"github.com/google/uuid"
)

// InFlightOperation tracks one running prompt so it can be looked up for
// cancellation.
type InFlightOperation struct {
	SessionID   string
	OperationID string
	cancel      func()
}

// Cancel invokes the operation's cancellation handle. Safe to call multiple
// times; only the first call has effect.
func (op *InFlightOperation) Cancel() {
	if op.cancel != nil {
		op.cancel()
	}
}

// Registry is the shared, mutex-guarded table of in-flight operations,
// indexed both by sessionId alone (for "is this session busy") and by
// (sessionId, operationId) (for targeted cancellation).
type Registry struct {
	mu      sync.Mutex
	bySess  map[string]*InFlightOperation
	byPair  map[[2]string]*InFlightOperation
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bySess: make(map[string]*InFlightOperation),
		byPair: make(map[[2]string]*InFlightOperation),
	}
}

// Busy reports whether sessionID already has a registered operation. The
// orchestrator uses this to implement the single-writer-per-session rule:
// a second concurrent prompt against a busy session is rejected with
// session_busy (mapped to invalid_request) rather than queued.
func (r *Registry) Busy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bySess[sessionID]
	return ok
}

// Register records a new in-flight operation before the first adapter runs,
// generating an operation id and returning both it and the operation
// handle. Returns false if the session is already busy.
func (r *Registry) Register(sessionID string, cancel func()) (*InFlightOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.bySess[sessionID]; busy {
		return nil, false
	}
	op := &InFlightOperation{
		SessionID:   sessionID,
		OperationID: uuid.NewString(),
		cancel:      cancel,
	}
	r.bySess[sessionID] = op
	r.byPair[[2]string{sessionID, op.OperationID}] = op
	return op, true
}

// Unregister removes an operation once it reaches a terminal state.
func (r *Registry) Unregister(op *InFlightOperation) {
	if op == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySess, op.SessionID)
	delete(r.byPair, [2]string{op.SessionID, op.OperationID})
}

// Lookup finds an operation by (sessionId, operationId), used to route a
// cancel request.
func (r *Registry) Lookup(sessionID, operationID string) (*InFlightOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.byPair[[2]string{sessionID, operationID}]
	return op, ok
}

// LookupSession finds the (at most one) operation currently running for a
// session, used when a cancel request omits an explicit operationId.
func (r *Registry) LookupSession(sessionID string) (*InFlightOperation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.bySess[sessionID]
	return op, ok
}

// Count returns the number of sessions with an in-flight operation.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySess)
}
