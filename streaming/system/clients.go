package system

import (
	"sync"

	"go.uber.org/atomic"
)

// SessionState is the per-connection state machine. A fresh session starts
// Disconnected, becomes Connected once the transport is up and
// Authenticated only after a successful login.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateAuthenticated
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	}
	return "disconnected"
}

// Session is one client connection.
type Session struct {
	ClientID   uint32
	RemoteAddr string
	Transport  string

	mu     sync.RWMutex
	userID uint32
	state  SessionState
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// UserID returns the authenticated user id, or 0.
func (s *Session) UserID() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// IsAuthenticated reports whether a login succeeded on this session.
func (s *Session) IsAuthenticated() bool { return s.State() == StateAuthenticated }

// Authenticate marks the session as logged in for user.
func (s *Session) Authenticate(userID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.state = StateAuthenticated
}

// ClearAuthentication drops back to Connected after a logout.
func (s *Session) ClearAuthentication() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = 0
	s.state = StateConnected
}

// ClientRegistry tracks live sessions by client id.
type ClientRegistry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	nextID   *atomic.Uint32
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		sessions: make(map[uint32]*Session),
		nextID:   atomic.NewUint32(0),
	}
}

// Add registers a new connected session.
func (r *ClientRegistry) Add(remoteAddr, transport string) *Session {
	s := &Session{
		ClientID:   r.nextID.Inc(),
		RemoteAddr: remoteAddr,
		Transport:  transport,
		state:      StateConnected,
	}
	r.mu.Lock()
	r.sessions[s.ClientID] = s
	r.mu.Unlock()
	return s
}

// Get returns a session by client id.
func (r *ClientRegistry) Get(clientID uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// All returns every live session.
func (r *ClientRegistry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove drops a session.
func (r *ClientRegistry) Remove(clientID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}
