package mcp

import "sync"

// SessionRegistry maps actors to MCP session IDs.
// Populated automatically when callers include an actor on any tool call.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // actor → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an actor with a session ID.
// If the actor already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(actor, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actor] = sessionID
}

// SessionFor returns the session ID for the given actor, if connected.
func (r *SessionRegistry) SessionFor(actor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actor]
	return sid, ok
}

// Remove deletes all actor mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for actor, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, actor)
		}
	}
}
