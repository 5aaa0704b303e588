package memoryhost

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-engine-go/sessions"
)

// Host is an in-memory implementation of sessions.NotificationHost.
type Host struct {
	mu         sync.Mutex
	sessions   map[string]*sessionLog
	// cleaned holds ids whose logs were discarded; they are never recreated.
	cleaned    map[string]struct{}
	counter    atomic.Int64
	maxBacklog int
}

// Option configures a Host.
type Option func(*Host)

// WithMaxBacklog bounds the number of retained events per session. Older
// events are dropped and can no longer be resumed from. Zero means unbounded.
func WithMaxBacklog(n int) Option {
	return func(h *Host) { h.maxBacklog = n }
}

type sessionLog struct {
	mu       sync.Mutex
	messages []message
	// wake is closed and replaced on every publish and on cleanup.
	wake   chan struct{}
	closed bool
}

type message struct {
	id   string
	data []byte
}

// New creates an empty Host.
func New(opts ...Option) *Host {
	h := &Host{sessions: make(map[string]*sessionLog), cleaned: make(map[string]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ensureSession returns the log for sessionID, creating it on first use. It
// returns nil for a session that was already cleaned up.
func (h *Host) ensureSession(sessionID string) *sessionLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, gone := h.cleaned[sessionID]; gone {
		return nil
	}
	sl, ok := h.sessions[sessionID]
	if !ok {
		sl = &sessionLog{wake: make(chan struct{})}
		h.sessions[sessionID] = sl
	}
	return sl
}

// PublishSession appends data to the session log.
func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sl := h.ensureSession(sessionID)
	if sl == nil {
		return "", sessions.ErrChannelClosed
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	evID := strconv.FormatInt(h.counter.Add(1), 10)
	sl.messages = append(sl.messages, message{id: evID, data: append([]byte(nil), data...)})
	if h.maxBacklog > 0 && len(sl.messages) > h.maxBacklog {
		sl.messages = append([]message(nil), sl.messages[len(sl.messages)-h.maxBacklog:]...)
	}
	close(sl.wake)
	sl.wake = make(chan struct{})
	return evID, nil
}

// SubscribeSession delivers messages after lastEventID in order. It returns
// nil once the session is cleaned up, including when it already was.
func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	sl := h.ensureSession(sessionID)
	if sl == nil {
		if lastEventID != "" {
			return sessions.ErrUnknownEventID
		}
		return nil
	}

	// cursor is the id of the last delivered message; "" means none yet.
	sl.mu.Lock()
	cursor := lastEventID
	if cursor == "" && len(sl.messages) > 0 {
		cursor = sl.messages[len(sl.messages)-1].id
	} else if cursor != "" && sl.indexOf(cursor) < 0 {
		sl.mu.Unlock()
		return sessions.ErrUnknownEventID
	}
	sl.mu.Unlock()

	for {
		sl.mu.Lock()
		if sl.closed {
			sl.mu.Unlock()
			return nil
		}
		start := 0
		if cursor != "" {
			// A trimmed cursor yields -1, resuming from the oldest retained event.
			start = sl.indexOf(cursor) + 1
		}
		pending := append([]message(nil), sl.messages[start:]...)
		wake := sl.wake
		sl.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, m.id, m.data); err != nil {
				return err
			}
			cursor = m.id
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// CleanupSession discards the session log and ends its subscriptions.
func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	sl, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.cleaned[sessionID] = struct{}{}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	sl.mu.Lock()
	sl.closed = true
	sl.messages = nil
	close(sl.wake)
	sl.wake = make(chan struct{})
	sl.mu.Unlock()
	return nil
}

// Len returns the number of retained events for a session.
func (h *Host) Len(sessionID string) int {
	h.mu.Lock()
	sl, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.messages)
}

// indexOf must be called with sl.mu held.
func (sl *sessionLog) indexOf(id string) int {
	for i := len(sl.messages) - 1; i >= 0; i-- {
		if sl.messages[i].id == id {
			return i
		}
	}
	return -1
}

var _ sessions.NotificationHost = (*Host)(nil)
