package mcp

import "sync"

// SessionRegistry maps execution ids to the MCP session that started them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // executionID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an execution with a session.
func (r *SessionRegistry) Register(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[executionID] = sessionID
}

// SessionFor returns the session that started the execution, if known.
func (r *SessionRegistry) SessionFor(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[executionID]
	return sid, ok
}

// Forget drops the mapping of one execution.
func (r *SessionRegistry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, executionID)
}

// RemoveSession deletes every execution mapped to sessionID.
// Called when a session disconnects.
func (r *SessionRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, eid)
		}
	}
}

// Len returns the number of tracked executions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
