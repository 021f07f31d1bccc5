package pty

import "sync"

// Registry is the process-wide table mapping SessionId to a shared *Session
// handle. It is the single process-wide contention point: callers must
// release the registry lock (by returning from Lookup/TryLookup) before
// performing any blocking operation on the returned session.
type Registry struct {
	mu       sync.Mutex
	sessions map[SessionId]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[SessionId]*Session)}
}

// Insert adds id -> s. It fails with ErrIdCollision if id is already present.
func (r *Registry) Insert(id SessionId, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return ErrIdCollision
	}
	r.sessions[id] = s
	return nil
}

// Lookup returns the shared session handle for id, blocking briefly for the
// registry lock. The caller must release any further locking of its own;
// the registry lock is already released by the time Lookup returns.
func (r *Registry) Lookup(id SessionId) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// TryLookup is the non-blocking variant used by latency-sensitive read
// paths (e.g. DrainOutput): if the registry is currently held by another
// goroutine, it reports contended=true instead of waiting.
func (r *Registry) TryLookup(id SessionId) (s *Session, found bool, contended bool) {
	if !r.mu.TryLock() {
		return nil, false, true
	}
	defer r.mu.Unlock()
	s, found = r.sessions[id]
	return s, found, false
}

// Remove atomically detaches id from the table and returns the handle that
// was removed, if any.
func (r *Registry) Remove(id SessionId) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Len returns the number of live sessions. Intended for diagnostics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
