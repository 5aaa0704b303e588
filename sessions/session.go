package sessions

import (
	"sync"
	"time"
)

// State is the lifecycle state of a Session. A session starts Uninitialized
// when initialize succeeds, becomes Active on notifications/initialized and
// ends Closed.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateActive        State = "active"
	StateClosed        State = "closed"
)

// ClientInfo identifies the client connecting to the server.
type ClientInfo struct {
	Name    string
	Version string
}

// Session is the server-side context for one client connection sequence.
// All methods are safe for concurrent use.
type Session struct {
	id              string
	createdAt       time.Time
	protocolVersion string
	client          ClientInfo
	channel         *Channel

	mu           sync.Mutex
	lastActivity time.Time
	state        State
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string { return s.protocolVersion }

// Client returns the client identity supplied at initialize.
func (s *Session) Client() ClientInfo { return s.client }

// Channel returns the session's notification channel.
func (s *Session) Channel() *Channel { return s.channel }

// LastActivityAt returns the time of the most recent touch.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialized reports whether the client sent notifications/initialized and
// the session is still open.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// MarkInitialized records the client's notifications/initialized, moving an
// Uninitialized session to Active. It is idempotent and has no effect on a
// closed session.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.state = StateActive
	}
	s.mu.Unlock()
}

// touch updates lastActivity unless the session is closed.
func (s *Session) touch(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.lastActivity = now
	return true
}

// markClosed transitions to Closed and reports whether this call did so.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}
