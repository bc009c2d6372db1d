package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/logger"
)

// ErrCallInProgress is returned by Create while a non-terminal session
// exists. The engine runs a single active call at a time.
var ErrCallInProgress = errors.New("a call is already in progress")

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Registry owns every live session. Terminal sessions linger for a grace
// period so late media frames and observer reads still resolve, then get
// swept on the next Create or Get.
type Registry struct {
	log        *logger.Logger
	evictAfter time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry with the given terminal-session grace
// period.
func NewRegistry(evictAfter time.Duration) *Registry {
	return &Registry{
		log:        logger.WithPrefix("Registry"),
		evictAfter: evictAfter,
		sessions:   make(map[string]*Session),
	}
}

// Create registers a new session for the intent, refusing while any
// non-terminal session exists.
func (r *Registry) Create(kind call.ChannelKind, intent *call.Intent) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(time.Now())
	for _, s := range r.sessions {
		if terminal, _ := s.Terminal(); !terminal {
			return nil, ErrCallInProgress
		}
	}

	s := newSession(uuid.NewString(), kind, intent)
	r.sessions[s.ID] = s
	r.log.Info("Created session %s (%s)", s.ID, kind)
	return s, nil
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(time.Now())
	s, ok := r.sessions[id]
	return s, ok
}

// List returns every registered session, terminal ones included, after a
// sweep. Order is unspecified.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(time.Now())
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Remove deletes a session. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.log.Info("Removed session %s", id)
	}
}

// Acquire takes the session's run-lock so exactly one turn loop drives it.
// It reports false if the id is unknown or a loop already holds the lock.
func (r *Registry) Acquire(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.tryAcquireRun() {
		return nil, false
	}
	return s, true
}

// Release returns the run-lock taken by Acquire.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.releaseRun()
	}
}

func (r *Registry) sweepLocked(now time.Time) {
	for id, s := range r.sessions {
		if terminal, at := s.Terminal(); terminal && now.Sub(at) > r.evictAfter {
			delete(r.sessions, id)
			r.log.Debug("Evicted terminal session %s", id)
		}
	}
}
