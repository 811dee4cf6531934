package domain

import (
	"sort"
	"sync"
	"time"
)

// Session is the relay-side state of one websocket connection.
type Session struct {
	ID            string
	ConnectionID  string
	Scope         string
	Authenticated bool
	CreatedAt     time.Time
	LastActiveAt  time.Time
	broadcasts    map[string]struct{}
	watching      map[string]struct{}
	mu            sync.RWMutex
}

// NewSession creates a new session with a unique ID.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
		broadcasts:   make(map[string]struct{}),
		watching:     make(map[string]struct{}),
	}
}

// Authenticate binds the session to a connection identity and credential
// scope.
func (s *Session) Authenticate(connectionID, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectionID = connectionID
	s.Scope = scope
	s.Authenticated = true
	s.LastActiveAt = time.Now()
}

// IsAuthenticated returns whether the session is authenticated.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Authenticated
}

// GetConnectionID returns the connection identity.
func (s *Session) GetConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ConnectionID
}

// GetScope returns the credential scope.
func (s *Session) GetScope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Scope
}

// AddBroadcast records a broadcast owned by this session.
func (s *Session) AddBroadcast(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[id] = struct{}{}
}

// RemoveBroadcast forgets an owned broadcast.
func (s *Session) RemoveBroadcast(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.broadcasts, id)
}

// OwnsBroadcast reports whether the session streams broadcast id.
func (s *Session) OwnsBroadcast(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.broadcasts[id]
	return ok
}

// Broadcasts returns the owned broadcast ids.
func (s *Session) Broadcasts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.broadcasts)
}

// Watch records a watched broadcast.
func (s *Session) Watch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watching[id] = struct{}{}
}

// Unwatch forgets a watched broadcast.
func (s *Session) Unwatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watching, id)
}

// IsWatching reports whether the session watches broadcast id.
func (s *Session) IsWatching(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.watching[id]
	return ok
}

// UpdateActivity updates the last active timestamp.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
