package mcp

import "sync"

// SessionRegistry maps actor IDs to MCP session IDs and workflow IDs to the
// actor that submitted them. Populated automatically when actors call tools
// that include actor_id.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]string // actorID → sessionID
	workflows map[string]string // workflowID → actorID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:  make(map[string]string),
		workflows: make(map[string]string),
	}
}

// Register associates an actor ID with a session ID.
// If the actor already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(actorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[actorID] = sessionID
}

// SessionFor returns the session ID for the given actor, if connected.
func (r *SessionRegistry) SessionFor(actorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[actorID]
	return sid, ok
}

// Track records which actor submitted a workflow, so run events can be
// routed back to that actor's session.
func (r *SessionRegistry) Track(workflowID, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowID] = actorID
}

// ActorFor returns the actor that submitted the given workflow.
func (r *SessionRegistry) ActorFor(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	aid, ok := r.workflows[workflowID]
	return aid, ok
}

// Remove deletes all actor mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, aid)
		}
	}
}
