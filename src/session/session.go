package session

import (
	"sync"
	"time"

	"github.com/square-key-labs/dialgo/src/call"
	"github.com/square-key-labs/dialgo/src/logger"
	"github.com/square-key-labs/dialgo/src/transport"
)

// Session is the aggregate for one call: lifecycle phase, conversation
// history, and counters the turn loop reads and writes. All accessors are
// safe for concurrent use; the registry's run-lock guarantees only one
// turn loop mutates a session at a time, but the server surface reads
// phases and history concurrently.
type Session struct {
	ID        string
	Channel   call.ChannelKind
	Intent    *call.Intent
	CreatedAt time.Time

	Observer *transport.Observer

	log *logger.Logger

	mu             sync.Mutex
	adapter        transport.Adapter
	phase          Phase
	history        []call.Utterance
	turns          int
	silenceRetries int
	failures       int
	terminalAt     time.Time
	running        bool
}

func newSession(id string, kind call.ChannelKind, intent *call.Intent) *Session {
	return &Session{
		ID:        id,
		Channel:   kind,
		Intent:    intent,
		CreatedAt: time.Now(),
		log:       logger.WithPrefix("Session"),
		phase:     PhaseCreated,
	}
}

// SetAdapter installs the channel adapter. The server attaches it on one
// goroutine while the media-stream handler reads it on another, so the
// field lives behind the session mutex.
func (s *Session) SetAdapter(a transport.Adapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

// Adapter returns the channel adapter, nil before SetAdapter.
func (s *Session) Adapter() transport.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Apply runs one lifecycle transition. Illegal pairs are logged and leave
// the phase unchanged; the return reports whether the phase moved.
func (s *Session) Apply(ev PhaseEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := Step(s.phase, ev)
	if !ok {
		s.log.Debug("Session %s: ignoring %s in phase %s", s.ID, ev, s.phase)
		return false
	}
	s.log.Info("Session %s: %s -> %s (%s)", s.ID, s.phase, next, ev)
	s.phase = next
	if next.Terminal() {
		s.terminalAt = time.Now()
	}
	return true
}

// Terminal reports whether the session reached a terminal phase, and when.
func (s *Session) Terminal() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.Terminal(), s.terminalAt
}

// Append records one finalized utterance, stamping it with the turn
// counter at emission time, and returns that sequence number.
func (s *Session) Append(u call.Utterance) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Seq = s.turns
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}
	s.history = append(s.history, u)
	return u.Seq
}

// History returns a copy of the conversation so far.
func (s *Session) History() []call.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]call.Utterance, len(s.history))
	copy(out, s.history)
	return out
}

// LastPeerText returns the most recent peer utterance text, if any.
func (s *Session) LastPeerText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Speaker == call.SpeakerPeer {
			return s.history[i].Text
		}
	}
	return ""
}

// NextTurn bumps and returns the completed-turn counter.
func (s *Session) NextTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	return s.turns
}

// Turns returns the completed-turn count.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// SilenceRetry bumps and returns the consecutive silent-round counter.
func (s *Session) SilenceRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceRetries++
	return s.silenceRetries
}

// ResetSilence clears the silent-round counter after peer speech.
func (s *Session) ResetSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceRetries = 0
}

// Failure bumps and returns the consecutive capability-failure counter.
func (s *Session) Failure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	return s.failures
}

// ResetFailures clears the capability-failure counter after a good turn.
func (s *Session) ResetFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

func (s *Session) tryAcquireRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Session) releaseRun() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
