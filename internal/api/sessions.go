package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucidrender/dispatch/internal/claims"
)

// CallerSession is one authorized caller of the federation surface. Its
// claims observe teardown through the done channel.
type CallerSession struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	done   chan struct{}
	closed bool
	claims []*claims.Claim
}

// Done exposes the teardown signal for claims.
func (s *CallerSession) Done() <-chan struct{} { return s.done }

// NewClaim opens a claim owned by this session.
func (s *CallerSession) NewClaim() *claims.Claim {
	cl := claims.New(s.done)
	s.mu.Lock()
	s.claims = append(s.claims, cl)
	s.mu.Unlock()
	return cl
}

// Close tears the session down, cancelling every outstanding claim.
func (s *CallerSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	outstanding := append([]*claims.Claim(nil), s.claims...)
	s.mu.Unlock()
	for _, cl := range outstanding {
		cl.Cancel()
	}
}

// SessionRegistry issues and resolves caller sessions.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*CallerSession
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*CallerSession)}
}

// Create issues a fresh session.
func (r *SessionRegistry) Create() *CallerSession {
	s := &CallerSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// Get resolves a session ID, or nil when unknown.
func (r *SessionRegistry) Get(id string) *CallerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Invalidate removes and tears down a session. Unknown IDs are ignored.
func (r *SessionRegistry) Invalidate(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll tears down every session, e.g. at process shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := make([]*CallerSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*CallerSession)
	r.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}
