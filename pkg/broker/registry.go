package broker

import (
	"errors"
	"sync"
)

var (
	// ErrSessionNotFound means the code does not identify a live session.
	// This is an expected outcome (stale or mistyped code), not a fault.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSharerUnavailable means the session exists but its sharer
	// connection is no longer open.
	ErrSharerUnavailable = errors.New("sharer unavailable")

	// ErrCodeSpaceExhausted means code generation kept colliding with
	// live sessions. With 16^6 codes this is practically unreachable,
	// but the retry loop is bounded rather than infinite.
	ErrCodeSpaceExhausted = errors.New("session code space exhausted")
)

// createAttempts bounds code generation retries on collision.
const createAttempts = 16

// Registry owns the mapping from session code to session state. It is a
// pure state container: it never writes to connections, broadcasting is
// the router's job. A single coarse mutex serializes all operations;
// contention is low and fan-out happens over snapshots outside the lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create generates a fresh unique code and inserts a session with the
// given connection as sharer and no viewers.
func (r *Registry) Create(sharer *Client) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < createAttempts; i++ {
		code, err := GenerateSessionCode()
		if err != nil {
			return "", err
		}
		if _, exists := r.sessions[code]; exists {
			continue
		}
		r.sessions[code] = &Session{code: code, sharer: sharer}
		return code, nil
	}
	return "", ErrCodeSpaceExhausted
}

// Lookup returns the session for a code. Callers treat a miss as a
// normal negative outcome.
func (r *Registry) Lookup(code string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[code]
	return s, ok
}

// AttachViewer appends the connection to the session's viewer list.
// Succeeds only if the session exists and its sharer is still open.
// Idempotent per connection: re-attaching a current viewer is a no-op
// success, so broadcasts reach it exactly once.
func (r *Registry) AttachViewer(code string, viewer *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if s.sharer == nil || s.sharer.isClosed() {
		return ErrSharerUnavailable
	}
	for _, v := range s.viewers {
		if v == viewer {
			return nil
		}
	}
	s.viewers = append(s.viewers, viewer)
	return nil
}

// RemoveViewer drops the connection from the session's viewer list.
// No-op if the session or the membership is already gone.
func (r *Registry) RemoveViewer(code string, viewer *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return
	}
	for i, v := range s.viewers {
		if v == viewer {
			s.viewers = append(s.viewers[:i], s.viewers[i+1:]...)
			return
		}
	}
}

// Destroy removes the session entry and returns its viewer list in one
// locked step, so no viewer can attach between the snapshot and the
// delete. Returns nil for a code that is already gone.
func (r *Registry) Destroy(code string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil
	}
	delete(r.sessions, code)
	return s.viewers
}

// SetControl flips the session's remote-control gate. No-op if the
// session is missing.
func (r *Registry) SetControl(code string, allowed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		s.controlAllowed = allowed
	}
}

// ControlAllowed reports whether the session currently has remote
// control granted. False for missing sessions.
func (r *Registry) ControlAllowed(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[code]
	return ok && s.controlAllowed
}

// Sharer returns the session's sharer connection, or nil if the session
// is gone.
func (r *Registry) Sharer(code string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil
	}
	return s.sharer
}

// Viewers returns a snapshot copy of the session's viewer list in join
// order. Iterating the copy tolerates concurrent attach/detach.
func (r *Registry) Viewers(code string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[code]
	if !ok || len(s.viewers) == 0 {
		return nil
	}
	viewers := make([]*Client, len(s.viewers))
	copy(viewers, s.viewers)
	return viewers
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ViewerCount returns the number of attached viewers across all sessions.
func (r *Registry) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		n += len(s.viewers)
	}
	return n
}
