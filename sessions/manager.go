package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned for ids that were never issued, have been
// closed, or have expired.
var ErrSessionNotFound = errors.New("session not found")

// CreateParams carries the negotiated values recorded on a new session.
type CreateParams struct {
	ProtocolVersion string
	Client          ClientInfo
}

// Manager creates, looks up and expires Sessions. It owns the session-id
// namespace: ids are random UUIDs and are never handed out twice while the
// holder is active.
type Manager struct {
	host NotificationHost
	log  *slog.Logger

	idleTTL time.Duration
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTTL closes sessions that have not been touched for d. Zero (the
// default) disables expiry.
func WithIdleTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTTL = d }
}

// WithManagerLogger sets the logger used by the Manager.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager whose session channels are backed by host.
func NewManager(host NotificationHost, opts ...ManagerOption) *Manager {
	m := &Manager{
		host:     host,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Create issues a new Active session.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	id := uuid.NewString()
	for _, taken := m.sessions[id]; taken; _, taken = m.sessions[id] {
		id = uuid.NewString()
	}
	sess := &Session{
		id:              id,
		createdAt:       now,
		protocolVersion: params.ProtocolVersion,
		client:          params.Client,
		lastActivity:    now,
		state:           StateUninitialized,
	}
	sess.channel = newChannel(id, m.host)
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", id), slog.String("client", params.Client.Name))
	return sess, nil
}

// Lookup returns the active session with the given id.
func (m *Manager) Lookup(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || sess.State() == StateClosed {
		return nil, ErrSessionNotFound
	}
	if m.expired(sess) {
		_ = m.Close(ctx, id)
		m.log.InfoContext(ctx, "session.expire.ok", slog.String("session_id", id))
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch records activity on the session. It fails with ErrSessionNotFound if
// the session is closed, including when a concurrent Close wins the race.
func (m *Manager) Touch(ctx context.Context, id string) error {
	sess, err := m.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !sess.touch(m.now()) {
		return ErrSessionNotFound
	}
	return nil
}

// Close removes the session and tears down its notification channel.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok || !sess.markClosed() {
		return ErrSessionNotFound
	}

	if err := sess.channel.close(context.WithoutCancel(ctx)); err != nil {
		m.log.WarnContext(ctx, "session.close.cleanup.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		return fmt.Errorf("cleanup session %s: %w", id, err)
	}
	m.log.InfoContext(ctx, "session.close.ok", slog.String("session_id", id))
	return nil
}

// Active returns a snapshot of all active sessions.
func (m *Manager) Active() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Run periodically closes idle sessions until ctx ends. It returns
// immediately when no idle TTL is configured.
func (m *Manager) Run(ctx context.Context) error {
	if m.idleTTL <= 0 {
		return nil
	}
	interval := max(m.idleTTL/4, 10*time.Millisecond)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	for _, sess := range m.Active() {
		if m.expired(sess) {
			if err := m.Close(ctx, sess.ID()); err == nil {
				m.log.InfoContext(ctx, "session.expire.ok", slog.String("session_id", sess.ID()))
			}
		}
	}
}

func (m *Manager) expired(sess *Session) bool {
	return m.idleTTL > 0 && sess.idleSince(m.now()) > m.idleTTL
}
