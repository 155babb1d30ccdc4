package stream

import (
	"sync"
	"time"
)

// SessionState is a subscriber connection state.
// Lifecycle: Connecting -> Active -> (Stale | Closing) -> Closed.
type SessionState string

const (
	StateConnecting SessionState = "CONNECTING"
	StateActive     SessionState = "ACTIVE"
	StateStale      SessionState = "STALE"
	StateClosing    SessionState = "CLOSING"
	StateClosed     SessionState = "CLOSED"
)

// Session tracks one subscriber connection and its delivery progress.
type Session struct {
	ID           string
	State        SessionState
	CreatedAt    time.Time
	LastActive   time.Time
	LastVersion  uint64
	DroppedCount int
}

// Registry tracks active subscriber sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Add registers a new session in the Connecting state.
func (r *Registry) Add(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := &Session{
		ID:         id,
		State:      StateConnecting,
		CreatedAt:  now,
		LastActive: now,
	}
	r.sessions[id] = s
	return s
}

// Remove marks a session Closed and drops it.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.State = StateClosed
		delete(r.sessions, id)
	}
}

// Get returns a copy of a session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetState transitions a session. Transitions out of Closing or Closed
// are ignored.
func (r *Registry) SetState(id string, state SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosing || s.State == StateClosed {
		return
	}
	s.State = state
}

// MarkDelivered records a successful delivery to a session. A Stale
// session delivering a fresh payload returns to Active.
func (r *Registry) MarkDelivered(id string, version uint64, stale bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.LastVersion = version
	s.LastActive = r.now()
	switch {
	case stale && s.State == StateActive:
		s.State = StateStale
	case !stale && (s.State == StateStale || s.State == StateConnecting):
		s.State = StateActive
	}
}

// MarkDropped counts an evicted payload for a session.
func (r *Registry) MarkDropped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.DroppedCount++
	}
}

// IdleIDs returns sessions inactive for longer than timeout.
func (r *Registry) IdleIDs(timeout time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	cutoff := r.now().Add(-timeout)
	for id, s := range r.sessions {
		if s.LastActive.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a copy of every tracked session.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	return out
}
