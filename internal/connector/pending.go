package connector

import (
	"sync"
	"time"
)

// PendingTTL is how long a two-factor session stays usable. After this
// the user must start the login over.
const PendingTTL = 10 * time.Minute

// PendingSession holds credentials captured while a two-factor challenge
// is outstanding, plus vendor context the verify step needs (resolved
// endpoint, locale, nonce material). Never persisted; a restart loses it.
type PendingSession struct {
	Email     string
	Password  string
	Meta      map[string]string
	CreatedAt time.Time
}

// Expired reports whether the session is past the TTL at time now.
func (p *PendingSession) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > PendingTTL
}

// Pending is the in-memory registry of two-factor sessions for one
// provider, keyed by user id. At most one session per user: Create
// supersedes any existing entry. Reads lazily expire.
type Pending struct {
	mu       sync.Mutex
	sessions map[string]*PendingSession
	now      func() time.Time // swapped in tests
}

func NewPending() *Pending {
	return &Pending{
		sessions: make(map[string]*PendingSession),
		now:      time.Now,
	}
}

// Create registers a session for userID, replacing any previous one.
func (p *Pending) Create(userID, email, password string, meta map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[userID] = &PendingSession{
		Email:     email,
		Password:  password,
		Meta:      meta,
		CreatedAt: p.now(),
	}
}

// Get returns the live session for userID. An expired session is removed
// and reported as absent.
func (p *Pending) Get(userID string) (*PendingSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[userID]
	if !ok {
		return nil, false
	}
	if s.Expired(p.now()) {
		delete(p.sessions, userID)
		return nil, false
	}
	return s, true
}

// Has reports whether a live session exists, expiring lazily.
func (p *Pending) Has(userID string) bool {
	_, ok := p.Get(userID)
	return ok
}

// Remove drops the session for userID, if any.
func (p *Pending) Remove(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, userID)
}
